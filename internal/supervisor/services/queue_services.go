// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package services adapts VitalSync components to suture's Serve
// lifecycle so the supervision tree can run them.
package services

import (
	"context"
	"time"

	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/queue"
)

// DrainService periodically drains the upload queue so batches whose
// backoff has elapsed get their retry without waiting for the next
// sync cycle.
type DrainService struct {
	engine *queue.Engine
	name   string
}

// NewDrainService returns the background drain loop service.
func NewDrainService(engine *queue.Engine) *DrainService {
	return &DrainService{engine: engine, name: "queue-drain"}
}

// Serve implements suture.Service. It runs a drain pass on the engine's
// retry cadence until the context is canceled. Drain failures are
// logged, not returned; returning would make suture restart a perfectly
// healthy loop.
func (s *DrainService) Serve(ctx context.Context) error {
	interval := s.engine.RetryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", interval).Msg("Queue drain loop started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Queue drain loop stopped")
			return ctx.Err()
		case <-ticker.C:
			res, err := s.engine.Drain(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("Background drain failed")
				continue
			}
			if res.Acked+res.Duplicates+res.Retried+res.Failed > 0 {
				logging.Debug().
					Int("acked", res.Acked).
					Int("duplicates", res.Duplicates).
					Int("retried", res.Retried).
					Int("failed", res.Failed).
					Msg("Background drain complete")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *DrainService) String() string {
	return s.name
}

// CompactionService periodically removes retired tombstones and lets
// Badger reclaim value-log space.
type CompactionService struct {
	engine *queue.Engine
	name   string
}

// NewCompactionService returns the queue compaction service.
func NewCompactionService(engine *queue.Engine) *CompactionService {
	return &CompactionService{engine: engine, name: "queue-compaction"}
}

// Serve implements suture.Service.
func (s *CompactionService) Serve(ctx context.Context) error {
	interval := s.engine.CompactInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", interval).Msg("Queue compaction loop started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Queue compaction loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.engine.Compact(); err != nil {
				logging.Error().Err(err).Msg("Compaction failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *CompactionService) String() string {
	return s.name
}
