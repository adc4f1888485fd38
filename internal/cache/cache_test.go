// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulseone/vitalsync/internal/health"
)

func testRange() health.Range {
	return health.Range{
		Start: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
}

func testSamples(n int) []health.Sample {
	samples := make([]health.Sample, n)
	for i := range samples {
		samples[i] = health.Sample{
			ID:     string(rune('a' + i)),
			Type:   health.MetricHeartRate,
			Values: map[string]float64{"bpm": float64(60 + i)},
		}
	}
	return samples
}

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(profile Profile) (*Service, *fakeClock) {
	s := New(profile)
	clk := newFakeClock()
	s.now = clk.Now
	return s, clk
}

func TestGetOrFetchCachesWithinTTL(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(3), nil
	}

	got, fromCache, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("first call fromCache = true, want false")
	}
	if len(got) != 3 {
		t.Errorf("len(samples) = %d, want 3", len(got))
	}

	// 100 seconds later, TTL (5m) still covers the entry.
	clk.Advance(100 * time.Second)
	got, fromCache, err = s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if !fromCache {
		t.Error("second call fromCache = false, want true")
	}
	if len(got) != 3 {
		t.Errorf("len(samples) = %d, want 3", len(got))
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestGetOrFetchRefetchesAfterTTL(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// Past both TTL (5m) and throttle interval (1m).
	clk.Advance(6 * time.Minute)
	_, fromCache, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("fromCache = true after TTL expiry, want false")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestGetOrFetchThrottleServesStale(t *testing.T) {
	// Realtime: TTL 1m, min interval 15s.
	s, clk := newTestService(ProfileRealtime)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(2), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricSteps, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// TTL expired but still inside the throttle window: ask for a wider
	// range so the cached entry cannot satisfy it as a fresh hit.
	clk.Advance(70 * time.Second)
	s.mu.Lock()
	s.entries[health.MetricSteps].fetchedAt = clk.Now().Add(-2 * time.Minute)
	s.limiterLocked(health.MetricSteps).ReserveN(clk.Now().Add(-5*time.Second), 1)
	s.mu.Unlock()

	got, fromCache, err := s.GetOrFetch(context.Background(), health.MetricSteps, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if !fromCache {
		t.Error("fromCache = false, want true (stale return)")
	}
	if len(got) != 2 {
		t.Errorf("len(samples) = %d, want 2", len(got))
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	if st := s.Stats(); st.StaleReturns != 1 {
		t.Errorf("StaleReturns = %d, want 1", st.StaleReturns)
	}
}

func TestGetOrFetchThrottleWithoutEntryRateLimits(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricSleep, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// Invalidate the entry, then query inside the throttle window.
	s.Invalidate(health.MetricSleep)
	clk.Advance(10 * time.Second)

	_, _, err := s.GetOrFetch(context.Background(), health.MetricSleep, testRange(), fetch)
	var rle *health.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("GetOrFetch() error = %v, want RateLimitedError", err)
	}
	if rle.Remaining <= 0 || rle.Remaining > time.Minute {
		t.Errorf("Remaining = %v, want in (0, 1m]", rle.Remaining)
	}
}

func TestRateLimitedRemainingTracksWindow(t *testing.T) {
	// Balanced: throttle window 1m. 15 seconds into the window the
	// caller should be told to retry in roughly 45 seconds.
	s, clk := newTestService(ProfileBalanced)
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricSleep, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	s.Invalidate(health.MetricSleep)
	clk.Advance(15 * time.Second)

	_, _, err := s.GetOrFetch(context.Background(), health.MetricSleep, testRange(), fetch)
	var rle *health.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("GetOrFetch() error = %v, want RateLimitedError", err)
	}
	if d := rle.Remaining; d < 44*time.Second || d > 45*time.Second {
		t.Errorf("Remaining = %v, want about 45s", d)
	}
}

func TestGetOrFetchUncoveredRangeRefetches(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// Past the throttle window, ask for a range the cached entry does
	// not cover.
	clk.Advance(2 * time.Minute)
	wider := health.Range{
		Start: testRange().Start.Add(-24 * time.Hour),
		End:   testRange().End,
	}
	_, fromCache, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, wider, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("fromCache = true for uncovered range, want false")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	s, _ := newTestService(ProfileBalanced)

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return testSamples(1), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
		}(i)
	}

	<-started
	// Give the remaining goroutines a moment to pile onto the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("caller %d error = %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	s, _ := newTestService(ProfileBalanced)
	wantErr := errors.New("provider down")
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		return nil, wantErr
	}

	_, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if !errors.Is(err, wantErr) {
		t.Errorf("GetOrFetch() error = %v, want wrapping %v", err, wantErr)
	}

	// A failed fetch must not populate the cache.
	if st := s.Stats(); st.Entries != 0 {
		t.Errorf("Entries = %d, want 0", st.Entries)
	}
}

func TestClearResetsEntriesAndThrottle(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	s.Clear()
	clk.Advance(time.Second)

	// With throttle state cleared, this fetches immediately.
	_, fromCache, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("fromCache = true after Clear, want false")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestSetProfileChangesTTL(t *testing.T) {
	s, clk := newTestService(ProfileConservative)
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// 10 minutes is inside the conservative TTL (30m) but far outside
	// the realtime TTL (1m) and its throttle window (15s).
	clk.Advance(10 * time.Minute)
	s.SetProfile(ProfileRealtime)

	_, fromCache, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("fromCache = true after profile tightened, want false")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
	if got := s.Profile(); got != ProfileRealtime {
		t.Errorf("Profile() = %q, want %q", got, ProfileRealtime)
	}
}

func TestStatsCounters(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	clk.Advance(10 * time.Second)
	if _, _, err := s.GetOrFetch(context.Background(), health.MetricHeartRate, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	st := s.Stats()
	if st.Misses != 1 {
		t.Errorf("Misses = %d, want 1", st.Misses)
	}
	if st.Hits != 1 {
		t.Errorf("Hits = %d, want 1", st.Hits)
	}
	if st.Entries != 1 {
		t.Errorf("Entries = %d, want 1", st.Entries)
	}
}

func TestSetLimitsOverridesProfile(t *testing.T) {
	s, clk := newTestService(ProfileBalanced)
	s.SetLimits(5*time.Second, 5*time.Second)

	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]health.Sample, error) {
		calls.Add(1)
		return testSamples(1), nil
	}

	if _, _, err := s.GetOrFetch(context.Background(), health.MetricSteps, testRange(), fetch); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	// 10s later the override TTL and throttle have both expired; the
	// balanced profile would have served a stale entry here.
	clk.Advance(10 * time.Second)
	_, fromCache, err := s.GetOrFetch(context.Background(), health.MetricSteps, testRange(), fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if fromCache {
		t.Error("fromCache = true, want refetch under override limits")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}

	// Zero values leave limits untouched.
	s.SetLimits(0, 0)
	clk.Advance(time.Second)
	if _, fromCache, _ := s.GetOrFetch(context.Background(), health.MetricSteps, testRange(), fetch); !fromCache {
		t.Error("fromCache = false, want fresh hit within override TTL")
	}
}
