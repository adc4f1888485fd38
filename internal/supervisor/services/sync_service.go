// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package services

import (
	"context"
	"errors"
	"time"

	"github.com/pulseone/vitalsync/internal/coordinator"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// ObservationService owns the lifetime of change observations: it
// registers the configured metric types on start and tears them down on
// shutdown, so observations always match process lifetime.
type ObservationService struct {
	coord *coordinator.Coordinator
	types []health.MetricType
	name  string
}

// NewObservationService returns the observation lifecycle service.
func NewObservationService(coord *coordinator.Coordinator, types []health.MetricType) *ObservationService {
	return &ObservationService{coord: coord, types: types, name: "observation"}
}

// Serve implements suture.Service. A failed registration is returned so
// suture retries it with backoff; the provider may simply not be up yet.
func (s *ObservationService) Serve(ctx context.Context) error {
	if err := s.coord.StartObserving(ctx, s.types); err != nil {
		return err
	}
	logging.Info().Int("metric_types", len(s.types)).Msg("Observation service started")

	<-ctx.Done()

	if err := s.coord.StopObserving(s.types); err != nil {
		logging.Warn().Err(err).Msg("Observation teardown failed")
	}
	logging.Info().Msg("Observation service stopped")
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *ObservationService) String() string {
	return s.name
}

// PeriodicSyncService runs a full sync on a fixed cadence as a safety
// net under change notifications, which platforms drop under memory
// pressure. Zero interval disables it.
type PeriodicSyncService struct {
	coord    *coordinator.Coordinator
	interval time.Duration
	name     string
}

// NewPeriodicSyncService returns the periodic sync service.
func NewPeriodicSyncService(coord *coordinator.Coordinator, interval time.Duration) *PeriodicSyncService {
	return &PeriodicSyncService{coord: coord, interval: interval, name: "periodic-sync"}
}

// Serve implements suture.Service. Deferred syncs are expected under
// the resource policy and logged at debug only.
func (s *PeriodicSyncService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Periodic sync started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Periodic sync stopped")
			return ctx.Err()
		case <-ticker.C:
			err := s.coord.SyncNow(ctx)
			if err == nil {
				continue
			}
			var derr *health.DeferredError
			if errors.As(err, &derr) {
				logging.Debug().Str("reason", string(derr.Reason)).Msg("Periodic sync deferred")
				continue
			}
			logging.Warn().Err(err).Msg("Periodic sync failed")
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *PeriodicSyncService) String() string {
	return s.name
}
