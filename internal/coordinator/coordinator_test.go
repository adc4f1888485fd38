// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pulseone/vitalsync/internal/anchor"
	"github.com/pulseone/vitalsync/internal/cache"
	"github.com/pulseone/vitalsync/internal/config"
	"github.com/pulseone/vitalsync/internal/fetcher"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/observer"
	"github.com/pulseone/vitalsync/internal/power"
	"github.com/pulseone/vitalsync/internal/provider"
	"github.com/pulseone/vitalsync/internal/queue"
	"github.com/pulseone/vitalsync/internal/transport"
)

// stubProvider serves a fixed set of samples per metric type and a
// monotonically increasing anchor.
type stubProvider struct {
	mu         sync.Mutex
	samples    map[health.MetricType][]provider.RawSample
	err        error
	fetches    int
	denyAuth   bool
	subscribed int
}

func (p *stubProvider) RequestAuthorization(ctx context.Context, types []health.MetricType) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denyAuth, nil
}

func (p *stubProvider) FetchSince(ctx context.Context, mt health.MetricType, a health.Anchor, rng health.Range) (*provider.ChangeSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.fetches++
	return &provider.ChangeSet{
		Samples:   p.samples[mt],
		NewAnchor: health.Anchor(fmt.Sprintf("anchor-%d", p.fetches)),
	}, nil
}

func (p *stubProvider) Subscribe(ctx context.Context, mt health.MetricType, fn provider.ChangeHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed++
	return nil
}

func (p *stubProvider) Unsubscribe(mt health.MetricType) error { return nil }

// okUploader acks everything.
type okUploader struct {
	mu    sync.Mutex
	acked int
}

func (u *okUploader) Upload(ctx context.Context, b *health.PendingBatch) (*transport.Ack, error) {
	u.mu.Lock()
	u.acked++
	u.mu.Unlock()
	return &transport.Ack{BatchID: b.ID, ReceivedAt: time.Now().UTC()}, nil
}

func rawSteps(id string, count float64) provider.RawSample {
	return provider.RawSample{
		ID:        id,
		Type:      health.MetricSteps,
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(fmt.Sprintf(`{"count": %g}`, count)),
	}
}

func powerConfig() config.PowerConfig {
	return config.PowerConfig{
		BatteryFloor:    0.20,
		DeferOnLowPower: true,
		AllowedNetworks: []string{"wifi", "cellular"},
	}
}

type fixture struct {
	coord    *Coordinator
	provider *stubProvider
	uploader *okUploader
	policy   *power.StaticPolicy
	anchors  *anchor.Store
	store    *queue.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	anchors, err := anchor.Open(anchor.Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("anchor.Open() error = %v", err)
	}
	t.Cleanup(func() { anchors.Close() })

	store, err := queue.OpenStore(queue.StoreOptions{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := &stubProvider{samples: map[health.MetricType][]provider.RawSample{
		health.MetricSteps: {rawSteps("st-1", 100), rawSteps("st-2", 250)},
	}}
	up := &okUploader{}
	engine := queue.NewEngine(store, up, anchors, config.QueueConfig{
		MaxBatchSize:      50,
		MaxRetries:        3,
		RetryBackoff:      10 * time.Millisecond,
		MaxBackoff:        time.Second,
		UploadConcurrency: 2,
		DedupTTL:          time.Hour,
	})
	policy := power.NewStaticPolicy()

	coord := New(Options{
		Fetcher:  fetcher.New(p, anchors, fetcher.Options{}),
		Cache:    cache.New(cache.ProfileBalanced),
		Engine:   engine,
		Anchors:  anchors,
		Policy:   policy,
		PowerCfg: powerConfig(),
		Profile:  cache.ProfileBalanced,
	})
	return &fixture{coord: coord, provider: p, uploader: up, policy: policy, anchors: anchors, store: store}
}

func TestSyncNowFetchesEnqueuesDrains(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if f.coord.State() != StateIdle {
		t.Errorf("State() = %q, want idle after sync", f.coord.State())
	}

	stats, err := f.coord.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalSynced != 2 {
		t.Errorf("TotalSynced = %d, want 2", stats.TotalSynced)
	}
	if stats.PendingBatches != 0 {
		t.Errorf("PendingBatches = %d, want 0", stats.PendingBatches)
	}
	if stats.LastSyncAt.IsZero() {
		t.Error("LastSyncAt is zero after successful sync")
	}

	// Anchor for the synced type committed.
	got, err := f.anchors.Load(health.MetricSteps)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.IsZero() {
		t.Error("anchor not committed after full cycle")
	}
}

func TestSyncDeferredOnLowBattery(t *testing.T) {
	f := newFixture(t)
	f.policy.SetBatteryLevel(0.15) // below the 0.20 floor

	err := f.coord.SyncNow(context.Background())
	var derr *health.DeferredError
	if !errors.As(err, &derr) {
		t.Fatalf("SyncNow() error = %v, want DeferredError", err)
	}
	if derr.Reason != health.DeferLowBattery {
		t.Errorf("Reason = %q, want %q", derr.Reason, health.DeferLowBattery)
	}
	if f.coord.State() != StateDeferred {
		t.Errorf("State() = %q, want deferred", f.coord.State())
	}
	// Nothing fetched, nothing uploaded.
	if f.provider.fetches != 0 {
		t.Errorf("provider fetches = %d, want 0", f.provider.fetches)
	}
	if f.uploader.acked != 0 {
		t.Errorf("uploads = %d, want 0", f.uploader.acked)
	}
}

func TestSyncDeferReasons(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*power.StaticPolicy)
		want  health.DeferReason
	}{
		{"low power mode", func(p *power.StaticPolicy) { p.SetLowPowerMode(true) }, health.DeferLowPowerMode},
		{"no network", func(p *power.StaticPolicy) { p.SetNetwork(power.NetworkNone) }, health.DeferNetworkUnfit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.policy)

			err := f.coord.SyncNow(context.Background())
			var derr *health.DeferredError
			if !errors.As(err, &derr) {
				t.Fatalf("SyncNow() error = %v, want DeferredError", err)
			}
			if derr.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", derr.Reason, tt.want)
			}
		})
	}
}

func TestSyncRecoversAfterDeferral(t *testing.T) {
	f := newFixture(t)
	f.policy.SetBatteryLevel(0.10)

	if err := f.coord.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() error = nil, want DeferredError")
	}

	// Battery recovers; the next sync proceeds.
	f.policy.SetBatteryLevel(0.80)
	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() after recovery error = %v", err)
	}
	if f.coord.State() != StateIdle {
		t.Errorf("State() = %q, want idle", f.coord.State())
	}
}

func TestFatalErrorLatchesUntilReset(t *testing.T) {
	f := newFixture(t)
	f.provider.err = provider.ErrUnauthorized

	err := f.coord.SyncNow(context.Background())
	if !errors.Is(err, health.ErrAuthorizationRevoked) {
		t.Fatalf("SyncNow() error = %v, want ErrAuthorizationRevoked", err)
	}
	if f.coord.State() != StateError {
		t.Errorf("State() = %q, want error", f.coord.State())
	}

	// Further syncs are rejected without touching the provider, even
	// after the underlying condition clears.
	f.provider.err = nil
	fetchesBefore := f.provider.fetches
	if err := f.coord.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() while latched error = nil, want error")
	}
	if f.provider.fetches != fetchesBefore {
		t.Error("provider touched while latched")
	}

	f.coord.Reset()
	if f.coord.State() != StateIdle {
		t.Errorf("State() = %q after Reset, want idle", f.coord.State())
	}
	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() after Reset error = %v", err)
	}
}

func TestTransientProviderFailureDoesNotLatch(t *testing.T) {
	f := newFixture(t)
	f.provider.err = provider.ErrUnavailable

	err := f.coord.SyncNow(context.Background())
	if err == nil {
		t.Fatal("SyncNow() error = nil, want error")
	}
	if !errors.Is(err, health.ErrProviderUnavailable) {
		t.Fatalf("SyncNow() error = %v, want ErrProviderUnavailable", err)
	}
	if f.coord.State() != StateIdle {
		t.Errorf("State() = %q, want idle (transient failure must not latch)", f.coord.State())
	}

	f.provider.err = nil
	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() after recovery error = %v", err)
	}
}

func TestQueryUsesCache(t *testing.T) {
	f := newFixture(t)
	rng := health.Range{Start: time.Now().Add(-time.Hour), End: time.Now()}

	samples, fromCache, err := f.coord.Query(context.Background(), health.MetricSteps, rng)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if fromCache {
		t.Error("first Query fromCache = true, want false")
	}
	if len(samples) != 2 {
		t.Errorf("len(samples) = %d, want 2", len(samples))
	}

	fetchesBefore := f.provider.fetches
	_, fromCache, err = f.coord.Query(context.Background(), health.MetricSteps, rng)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !fromCache {
		t.Error("second Query fromCache = false, want true")
	}
	if f.provider.fetches != fetchesBefore {
		t.Error("provider touched on cache hit")
	}
}

func TestQueryThrottledSetsState(t *testing.T) {
	f := newFixture(t)
	rng := health.Range{Start: time.Now().Add(-time.Hour), End: time.Now()}

	if _, _, err := f.coord.Query(context.Background(), health.MetricSteps, rng); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	// Drop the cached entry, then query inside the throttle window.
	f.coord.InvalidateCache(health.MetricSteps)

	_, _, err := f.coord.Query(context.Background(), health.MetricSteps, rng)
	var rle *health.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("Query() error = %v, want RateLimitedError", err)
	}
	if f.coord.State() != StateThrottled {
		t.Errorf("State() = %q, want throttled", f.coord.State())
	}
}

func TestObserverTriggeredSync(t *testing.T) {
	f := newFixture(t)
	reg := observer.NewRegistry(f.provider, nil, f.coord.OnChange, 0)
	f.coord.SetRegistry(reg)

	if err := f.coord.StartObserving(context.Background(), []health.MetricType{health.MetricSteps}); err != nil {
		t.Fatalf("StartObserving() error = %v", err)
	}

	// Fire the trigger directly; the stub provider does not deliver
	// notifications on its own.
	f.coord.OnChange(health.MetricSteps)

	stats, err := f.coord.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalSynced != 2 {
		t.Errorf("TotalSynced = %d, want 2 after observer-triggered sync", stats.TotalSynced)
	}

	if err := f.coord.StopObserving([]health.MetricType{health.MetricSteps}); err != nil {
		t.Fatalf("StopObserving() error = %v", err)
	}
}

func TestSecondSyncDeduplicatesOverlap(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}
	// The stub returns the same sample IDs again; dedup keeps the queue
	// and the total stable.
	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}

	stats, err := f.coord.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalSynced != 2 {
		t.Errorf("TotalSynced = %d, want 2 (no duplicates)", stats.TotalSynced)
	}
}

func TestStartObservingDeniedAuthorizationLatches(t *testing.T) {
	f := newFixture(t)
	f.provider.denyAuth = true
	reg := observer.NewRegistry(f.provider, nil, f.coord.OnChange, 0)
	f.coord.SetRegistry(reg)

	err := f.coord.StartObserving(context.Background(), []health.MetricType{health.MetricSteps})
	if !errors.Is(err, health.ErrAuthorizationRevoked) {
		t.Fatalf("StartObserving() error = %v, want ErrAuthorizationRevoked", err)
	}
	if f.coord.State() != StateError {
		t.Errorf("State() = %q, want error after denied authorization", f.coord.State())
	}
	if f.provider.subscribed != 0 {
		t.Errorf("subscriptions = %d, want 0 without authorization", f.provider.subscribed)
	}

	// The latch blocks syncs until Reset.
	if err := f.coord.SyncNow(context.Background()); !errors.Is(err, health.ErrAuthorizationRevoked) {
		t.Errorf("SyncNow() error = %v, want latched ErrAuthorizationRevoked", err)
	}

	f.provider.denyAuth = false
	f.coord.Reset()
	if err := f.coord.StartObserving(context.Background(), []health.MetricType{health.MetricSteps}); err != nil {
		t.Fatalf("StartObserving() after re-grant error = %v", err)
	}
	if f.provider.subscribed != 1 {
		t.Errorf("subscriptions = %d, want 1 after re-grant", f.provider.subscribed)
	}
}

func TestResetResubscribesObservations(t *testing.T) {
	f := newFixture(t)
	reg := observer.NewRegistry(f.provider, nil, f.coord.OnChange, 0)
	f.coord.SetRegistry(reg)

	types := []health.MetricType{health.MetricSteps, health.MetricHeartRate}
	if err := f.coord.StartObserving(context.Background(), types); err != nil {
		t.Fatalf("StartObserving() error = %v", err)
	}
	if f.provider.subscribed != 2 {
		t.Fatalf("subscriptions = %d, want 2", f.provider.subscribed)
	}

	f.coord.Reset()
	if f.provider.subscribed != 4 {
		t.Errorf("subscriptions = %d, want 4 after reset re-registers both types", f.provider.subscribed)
	}
}

func TestResetAnchorForcesBackfill(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	anchors, err := f.coord.Anchors()
	if err != nil {
		t.Fatalf("Anchors() error = %v", err)
	}
	if _, ok := anchors[health.MetricSteps]; !ok {
		t.Fatal("no committed anchor for steps after sync")
	}

	if err := f.coord.ResetAnchor(health.MetricSteps); err != nil {
		t.Fatalf("ResetAnchor() error = %v", err)
	}
	anchors, err = f.coord.Anchors()
	if err != nil {
		t.Fatalf("Anchors() error = %v", err)
	}
	if _, ok := anchors[health.MetricSteps]; ok {
		t.Error("anchor still present after ResetAnchor")
	}
}
