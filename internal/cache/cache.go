// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package cache provides the read-side TTL cache and fetch throttle for
// health metric queries. Concurrent requests for the same metric type
// collapse into a single provider fetch; requests arriving inside the
// throttle window are served stale data when any cached entry exists.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/metrics"
)

// Profile names a TTL/throttle pairing. Profiles let the coordinator
// trade freshness for battery without callers knowing the numbers.
type Profile string

const (
	ProfileRealtime     Profile = "realtime"
	ProfileBalanced     Profile = "balanced"
	ProfileConservative Profile = "conservative"
)

// profileParams returns the TTL and minimum fetch interval for a profile.
// Unknown profiles fall back to balanced.
func profileParams(p Profile) (ttl, minInterval time.Duration) {
	switch p {
	case ProfileRealtime:
		return 1 * time.Minute, 15 * time.Second
	case ProfileConservative:
		return 30 * time.Minute, 5 * time.Minute
	default:
		return 5 * time.Minute, 1 * time.Minute
	}
}

// FetchFunc performs the underlying provider query on a cache miss.
type FetchFunc func(ctx context.Context) ([]health.Sample, error)

type entry struct {
	samples   []health.Sample
	rng       health.Range
	fetchedAt time.Time
}

// Stats is a point-in-time snapshot of cache behavior counters.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	StaleReturns uint64 `json:"stale_returns"`
	RateLimited  uint64 `json:"rate_limited"`
	Entries      int    `json:"entries"`
}

// Service is the metric query cache. All methods are safe for concurrent
// use.
type Service struct {
	mu          sync.RWMutex
	entries     map[health.MetricType]*entry
	limiters    map[health.MetricType]*rate.Limiter
	ttl         time.Duration
	minInterval time.Duration
	profile     Profile
	stats       Stats

	group singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// New returns a cache service using the given profile's TTL and throttle
// parameters.
func New(profile Profile) *Service {
	ttl, minInterval := profileParams(profile)
	return &Service{
		entries:     make(map[health.MetricType]*entry),
		limiters:    make(map[health.MetricType]*rate.Limiter),
		ttl:         ttl,
		minInterval: minInterval,
		profile:     profile,
		now:         time.Now,
	}
}

// limiterLocked returns the per-type throttle limiter, creating it on
// first use. Burst 1: one fetch per window. Callers hold s.mu.
func (s *Service) limiterLocked(mt health.MetricType) *rate.Limiter {
	lim, ok := s.limiters[mt]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.minInterval), 1)
		s.limiters[mt] = lim
	}
	return lim
}

// GetOrFetch returns samples for one metric type over rng. Resolution
// order: a fresh cached entry covering rng is returned directly; a
// request inside the throttle window returns the cached entry even when
// expired, or a RateLimitedError when nothing is cached; otherwise the
// fetch function runs, with concurrent callers for the same metric type
// sharing one invocation.
//
// The second return value reports whether the result came from cache.
func (s *Service) GetOrFetch(ctx context.Context, mt health.MetricType, rng health.Range, fetch FetchFunc) ([]health.Sample, bool, error) {
	s.mu.Lock()
	now := s.now()

	if e, ok := s.entries[mt]; ok && now.Sub(e.fetchedAt) < s.ttl && e.rng.Covers(rng) {
		s.stats.Hits++
		samples := e.samples
		s.mu.Unlock()
		metrics.CacheHits.Inc()
		return samples, true, nil
	}

	// Reserve and immediately cancel to read the wait time without
	// consuming a token; the token is only spent when a fetch succeeds.
	lim := s.limiterLocked(mt)
	rsv := lim.ReserveN(now, 1)
	remaining := rsv.DelayFrom(now)
	rsv.CancelAt(now)
	if remaining > 0 {
		if e, ok := s.entries[mt]; ok {
			s.stats.StaleReturns++
			samples := e.samples
			s.mu.Unlock()
			metrics.CacheStaleReturns.Inc()
			logging.Trace().Str("metric_type", string(mt)).Dur("retry_in", remaining).Msg("Throttled query served from stale cache")
			return samples, true, nil
		}
		s.stats.RateLimited++
		s.mu.Unlock()
		metrics.CacheRateLimited.Inc()
		return nil, false, &health.RateLimitedError{Remaining: remaining}
	}

	s.stats.Misses++
	s.mu.Unlock()
	metrics.CacheMisses.Inc()

	v, err, shared := s.group.Do(string(mt), func() (interface{}, error) {
		samples, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		fetchedAt := s.now()
		s.entries[mt] = &entry{samples: samples, rng: rng, fetchedAt: fetchedAt}
		s.limiterLocked(mt).ReserveN(fetchedAt, 1)
		s.mu.Unlock()
		return samples, nil
	})
	if shared {
		metrics.SingleflightShared.Inc()
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", mt, err)
	}
	return v.([]health.Sample), false, nil
}

// Invalidate drops the cached entry for one metric type. The throttle
// window is left intact so invalidation cannot be used to bypass it.
func (s *Service) Invalidate(mt health.MetricType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, mt)
}

// Clear drops all cached entries and throttle state.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[health.MetricType]*entry)
	s.limiters = make(map[health.MetricType]*rate.Limiter)
	logging.Debug().Msg("Cache cleared")
}

// SetProfile switches TTL and throttle parameters. Existing entries keep
// their fetch timestamps and are re-judged against the new TTL.
func (s *Service) SetProfile(p Profile) {
	ttl, minInterval := profileParams(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.ttl = ttl
	s.minInterval = minInterval
	s.retuneLocked()
	logging.Debug().Str("profile", string(p)).Dur("ttl", ttl).Dur("min_interval", minInterval).Msg("Cache profile changed")
}

// SetLimits overrides the profile-derived TTL and throttle interval.
// Zero values leave the corresponding parameter unchanged. A later
// SetProfile call replaces both again.
func (s *Service) SetLimits(ttl, minInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.ttl = ttl
	}
	if minInterval > 0 {
		s.minInterval = minInterval
	}
	s.retuneLocked()
}

// retuneLocked applies the current throttle interval to every existing
// limiter. Callers hold s.mu.
func (s *Service) retuneLocked() {
	now := s.now()
	lim := rate.Every(s.minInterval)
	for _, l := range s.limiters {
		l.SetLimitAt(now, lim)
	}
}

// Profile returns the active profile.
func (s *Service) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Stats returns a snapshot of behavior counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Entries = len(s.entries)
	return st
}
