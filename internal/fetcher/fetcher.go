// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package fetcher runs anchor-based incremental queries against the
// health data provider. Provider failures are classified into the sync
// error taxonomy and repeated failures open a circuit breaker so a
// misbehaving platform does not get hammered.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulseone/vitalsync/internal/anchor"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/metrics"
	"github.com/pulseone/vitalsync/internal/provider"
)

// Result is the outcome of one incremental fetch: the decoded samples
// and the provider anchor to commit once those samples are durably
// queued.
type Result struct {
	Samples   []health.Sample
	NewAnchor health.Anchor
	Skipped   int
}

// Options tunes fetch behavior.
type Options struct {
	// BackfillWindow bounds the range query used for a metric type with
	// no committed anchor.
	BackfillWindow time.Duration

	// Timeout bounds a single provider call. Zero disables the bound.
	Timeout time.Duration

	// BreakerEnabled wraps provider calls in a circuit breaker.
	BreakerEnabled bool
}

// Fetcher queries the provider incrementally per metric type.
type Fetcher struct {
	provider provider.Provider
	anchors  *anchor.Store
	registry *provider.Registry
	opts     Options
	breaker  *providerBreaker

	// now is replaceable for tests.
	now func() time.Time
}

// New returns a fetcher over the given provider and anchor store.
func New(p provider.Provider, anchors *anchor.Store, opts Options) *Fetcher {
	if opts.BackfillWindow <= 0 {
		opts.BackfillWindow = 30 * 24 * time.Hour
	}
	f := &Fetcher{
		provider: p,
		anchors:  anchors,
		registry: provider.NewRegistry(),
		opts:     opts,
		now:      time.Now,
	}
	if opts.BreakerEnabled {
		f.breaker = newProviderBreaker("provider")
	}
	return f
}

// FetchIncremental queries one metric type for changes since its last
// committed anchor. With no committed anchor it falls back to a bounded
// backfill over Options.BackfillWindow. The returned anchor must be
// committed by the caller only after the samples are durably queued.
func (f *Fetcher) FetchIncremental(ctx context.Context, mt health.MetricType) (*Result, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("unknown metric type %q", mt)
	}

	since, err := f.anchors.Load(mt)
	if err != nil {
		return nil, fmt.Errorf("load anchor: %w", err)
	}

	var rng health.Range
	if since.IsZero() {
		end := f.now()
		rng = health.Range{Start: end.Add(-f.opts.BackfillWindow), End: end}
		logging.Debug().Str("metric_type", string(mt)).Time("start", rng.Start).Msg("No anchor, running backfill query")
	}

	start := f.now()
	cs, err := f.fetch(ctx, mt, since, rng)
	metrics.FetchDuration.Observe(f.now().Sub(start).Seconds())
	if err != nil {
		classified := classify(err)
		result := "unavailable"
		if errors.Is(classified, health.ErrAuthorizationRevoked) {
			result = "unauthorized"
		}
		metrics.FetchesTotal.WithLabelValues(string(mt), result).Inc()
		return nil, classified
	}

	samples, skipped := f.registry.DecodeAll(cs.Samples)
	if skipped > 0 {
		logging.Warn().Str("metric_type", string(mt)).Int("skipped", skipped).Msg("Dropped undecodable samples")
	}

	metrics.FetchesTotal.WithLabelValues(string(mt), "ok").Inc()
	metrics.FetchedSamples.WithLabelValues(string(mt)).Add(float64(len(samples)))
	logging.Debug().
		Str("metric_type", string(mt)).
		Int("samples", len(samples)).
		Bool("backfill", since.IsZero()).
		Msg("Incremental fetch complete")

	return &Result{Samples: samples, NewAnchor: cs.NewAnchor, Skipped: skipped}, nil
}

// FetchRange runs a bounded-range query for read-side consumers. It
// does not touch anchors; incremental sync state is unaffected.
func (f *Fetcher) FetchRange(ctx context.Context, mt health.MetricType, rng health.Range) ([]health.Sample, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("unknown metric type %q", mt)
	}

	cs, err := f.fetch(ctx, mt, nil, rng)
	if err != nil {
		return nil, classify(err)
	}
	samples, skipped := f.registry.DecodeAll(cs.Samples)
	if skipped > 0 {
		logging.Warn().Str("metric_type", string(mt)).Int("skipped", skipped).Msg("Dropped undecodable samples")
	}
	return samples, nil
}

func (f *Fetcher) fetch(ctx context.Context, mt health.MetricType, since health.Anchor, rng health.Range) (*provider.ChangeSet, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	if f.breaker != nil {
		return f.breaker.Execute(func() (*provider.ChangeSet, error) {
			return f.provider.FetchSince(ctx, mt, since, rng)
		})
	}
	return f.provider.FetchSince(ctx, mt, since, rng)
}

// classify maps provider and breaker errors onto the sync error
// taxonomy. Revoked authorization is fatal; everything else from the
// provider side is a retryable availability problem.
func classify(err error) error {
	if errors.Is(err, provider.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", health.ErrAuthorizationRevoked, err)
	}
	return fmt.Errorf("%w: %w", health.ErrProviderUnavailable, err)
}
