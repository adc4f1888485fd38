// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package observer manages change-notification subscriptions against the
// health data provider. It tracks which metric types are observed so the
// full set can be re-registered after a process restart or device wake,
// and debounces notification bursts into sync triggers.
package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/provider"
)

// Trigger receives the metric type that changed. Implemented by the
// coordinator.
type Trigger func(mt health.MetricType)

// WakeScheduler is the platform hook that wakes the process when
// observed data changes while it is suspended. Implementations are
// platform specific; NoopScheduler is used where no such facility
// exists.
type WakeScheduler interface {
	// EnableWake asks the platform to deliver wakes for a metric type.
	EnableWake(mt health.MetricType) error

	// DisableWake cancels wake delivery for a metric type.
	DisableWake(mt health.MetricType) error
}

// NoopScheduler is a WakeScheduler that does nothing.
type NoopScheduler struct{}

func (NoopScheduler) EnableWake(health.MetricType) error  { return nil }
func (NoopScheduler) DisableWake(health.MetricType) error { return nil }

// Registry tracks active observations. All methods are safe for
// concurrent use.
type Registry struct {
	provider  provider.Provider
	scheduler WakeScheduler
	trigger   Trigger
	debounce  time.Duration

	mu       sync.Mutex
	observed map[health.MetricType]bool
	pending  map[health.MetricType]*time.Timer
	closed   bool
}

// NewRegistry returns an observation registry. Notifications for the
// same metric type within debounce are coalesced into one trigger; zero
// disables debouncing.
func NewRegistry(p provider.Provider, scheduler WakeScheduler, trigger Trigger, debounce time.Duration) *Registry {
	if scheduler == nil {
		scheduler = NoopScheduler{}
	}
	return &Registry{
		provider:  p,
		scheduler: scheduler,
		trigger:   trigger,
		debounce:  debounce,
		observed:  make(map[health.MetricType]bool),
		pending:   make(map[health.MetricType]*time.Timer),
	}
}

// Authorize asks the platform for read access to the given metric
// types. Returns false when the user declined or access was revoked.
func (r *Registry) Authorize(ctx context.Context, types []health.MetricType) (bool, error) {
	granted, err := r.provider.RequestAuthorization(ctx, types)
	if err != nil {
		return false, fmt.Errorf("request authorization: %w", err)
	}
	return granted, nil
}

// Observe subscribes to change notifications for a metric type and
// enables platform wakes for it. Observing an already observed type is
// a no-op.
func (r *Registry) Observe(ctx context.Context, mt health.MetricType) error {
	if !mt.Valid() {
		return fmt.Errorf("unknown metric type %q", mt)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("observer registry is closed")
	}
	if r.observed[mt] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.provider.Subscribe(ctx, mt, r.notify); err != nil {
		return fmt.Errorf("subscribe %s: %w", mt, err)
	}
	if err := r.scheduler.EnableWake(mt); err != nil {
		// Observation still works while the process is running; only
		// background wake delivery is degraded.
		logging.Warn().Err(err).Str("metric_type", string(mt)).Msg("Wake registration failed")
	}

	r.mu.Lock()
	r.observed[mt] = true
	r.mu.Unlock()

	logging.Debug().Str("metric_type", string(mt)).Msg("Observation started")
	return nil
}

// Unobserve cancels the subscription and wake registration for a metric
// type. Unobserving an unobserved type is a no-op.
func (r *Registry) Unobserve(mt health.MetricType) error {
	r.mu.Lock()
	if !r.observed[mt] {
		r.mu.Unlock()
		return nil
	}
	delete(r.observed, mt)
	if timer, ok := r.pending[mt]; ok {
		timer.Stop()
		delete(r.pending, mt)
	}
	r.mu.Unlock()

	if err := r.provider.Unsubscribe(mt); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", mt, err)
	}
	if err := r.scheduler.DisableWake(mt); err != nil {
		logging.Warn().Err(err).Str("metric_type", string(mt)).Msg("Wake cancellation failed")
	}

	logging.Debug().Str("metric_type", string(mt)).Msg("Observation stopped")
	return nil
}

// Observed returns the metric types currently under observation.
func (r *Registry) Observed() []health.MetricType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]health.MetricType, 0, len(r.observed))
	for mt := range r.observed {
		types = append(types, mt)
	}
	return types
}

// Resubscribe re-registers every tracked observation with the provider.
// Called after a device wake or provider restart, when platform-side
// subscriptions may have been dropped.
func (r *Registry) Resubscribe(ctx context.Context) error {
	for _, mt := range r.Observed() {
		if err := r.provider.Subscribe(ctx, mt, r.notify); err != nil {
			return fmt.Errorf("resubscribe %s: %w", mt, err)
		}
	}
	logging.Debug().Int("observations", len(r.Observed())).Msg("Observations re-registered")
	return nil
}

// Close stops all observations and pending triggers.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	types := make([]health.MetricType, 0, len(r.observed))
	for mt := range r.observed {
		types = append(types, mt)
	}
	r.observed = make(map[health.MetricType]bool)
	for mt, timer := range r.pending {
		timer.Stop()
		delete(r.pending, mt)
	}
	r.mu.Unlock()

	var firstErr error
	for _, mt := range types {
		if err := r.provider.Unsubscribe(mt); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s: %w", mt, err)
		}
		if err := r.scheduler.DisableWake(mt); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disable wake %s: %w", mt, err)
		}
	}
	return firstErr
}

// notify is the ChangeHandler given to the provider. It debounces bursts
// and fires the trigger outside the lock.
func (r *Registry) notify(mt health.MetricType) {
	r.mu.Lock()
	if r.closed || !r.observed[mt] {
		r.mu.Unlock()
		return
	}
	if r.debounce <= 0 {
		r.mu.Unlock()
		r.trigger(mt)
		return
	}
	if _, ok := r.pending[mt]; ok {
		// A trigger is already scheduled; coalesce.
		r.mu.Unlock()
		return
	}
	r.pending[mt] = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.pending, mt)
		fire := !r.closed && r.observed[mt]
		r.mu.Unlock()
		if fire {
			r.trigger(mt)
		}
	})
	r.mu.Unlock()
}
