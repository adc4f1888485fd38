// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package coordinator is the sync state machine and the facade the rest
// of the application talks to. It decides when a sync may run under the
// device's battery and network policy, drives fetch-enqueue-drain
// cycles, and latches on fatal conditions until explicitly reset.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pulseone/vitalsync/internal/anchor"
	"github.com/pulseone/vitalsync/internal/cache"
	"github.com/pulseone/vitalsync/internal/config"
	"github.com/pulseone/vitalsync/internal/fetcher"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/metrics"
	"github.com/pulseone/vitalsync/internal/observer"
	"github.com/pulseone/vitalsync/internal/power"
	"github.com/pulseone/vitalsync/internal/queue"
)

// State is the coordinator's lifecycle state.
type State string

const (
	// StateIdle means no sync is in progress.
	StateIdle State = "idle"

	// StateSyncing means a fetch-enqueue-drain cycle is running.
	StateSyncing State = "syncing"

	// StateThrottled means the last read-side query was rate limited.
	StateThrottled State = "throttled"

	// StateDeferred means the last sync attempt was declined by the
	// resource policy.
	StateDeferred State = "deferred"

	// StateError means a fatal condition latched the coordinator. No
	// sync runs until Reset.
	StateError State = "error"
)

func stateToFloat(s State) float64 {
	switch s {
	case StateIdle:
		return 0
	case StateSyncing:
		return 1
	case StateThrottled:
		return 2
	case StateDeferred:
		return 3
	case StateError:
		return 4
	default:
		return -1
	}
}

// Coordinator ties fetcher, cache, queue and observer together behind
// one facade. All methods are safe for concurrent use; sync cycles are
// serialized.
type Coordinator struct {
	fetcher  *fetcher.Fetcher
	cache    *cache.Service
	engine   *queue.Engine
	anchors  *anchor.Store
	registry *observer.Registry
	policy   power.Policy
	powerCfg config.PowerConfig
	profile  cache.Profile

	// syncMu serializes sync cycles.
	syncMu sync.Mutex

	mu            sync.RWMutex
	state         State
	fatalErr      error
	lastSyncAt    time.Time
	lastAttemptAt time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// Options carries the coordinator's collaborators and policy.
type Options struct {
	Fetcher  *fetcher.Fetcher
	Cache    *cache.Service
	Engine   *queue.Engine
	Anchors  *anchor.Store
	Policy   power.Policy
	PowerCfg config.PowerConfig
	Profile  cache.Profile
}

// New returns a coordinator in the Idle state. The observer registry is
// attached via SetRegistry after construction because the registry's
// trigger closes over the coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		engine:   opts.Engine,
		anchors:  opts.Anchors,
		policy:   opts.Policy,
		powerCfg: opts.PowerCfg,
		profile:  opts.Profile,
		state:    StateIdle,
		now:      time.Now,
	}
	metrics.CoordinatorState.Set(stateToFloat(StateIdle))
	return c
}

// SetRegistry attaches the observer registry. Must be called before
// StartObserving.
func (c *Coordinator) SetRegistry(r *observer.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = r
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the latched fatal error, if any.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatalErr
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		metrics.CoordinatorState.Set(stateToFloat(s))
		logging.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Coordinator state changed")
	}
}

// StartObserving requests read authorization for the given metric types
// and begins change observation for them. Observed types sync
// automatically when the provider reports changes. Declined
// authorization is fatal and latches the coordinator.
func (c *Coordinator) StartObserving(ctx context.Context, types []health.MetricType) error {
	c.mu.RLock()
	r := c.registry
	c.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("no observer registry attached")
	}

	granted, err := r.Authorize(ctx, types)
	if err != nil {
		return err
	}
	if !granted {
		err := fmt.Errorf("%w: read access not granted", health.ErrAuthorizationRevoked)
		c.latch(err)
		return err
	}

	for _, mt := range types {
		if err := r.Observe(ctx, mt); err != nil {
			return err
		}
	}
	return nil
}

// StopObserving cancels observation for the given metric types.
func (c *Coordinator) StopObserving(types []health.MetricType) error {
	c.mu.RLock()
	r := c.registry
	c.mu.RUnlock()
	if r == nil {
		return nil
	}
	for _, mt := range types {
		if err := r.Unobserve(mt); err != nil {
			return err
		}
	}
	return nil
}

// SyncNow runs a full sync cycle over every known metric type.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	return c.SyncMetrics(ctx, health.AllMetricTypes())
}

// SyncMetrics runs one fetch-enqueue-drain cycle for the given metric
// types. Resource policy is evaluated once at entry; a declined sync
// returns a DeferredError and touches nothing. A fatal fetch error
// latches the coordinator and aborts the cycle.
func (c *Coordinator) SyncMetrics(ctx context.Context, types []health.MetricType) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.RLock()
	latched := c.fatalErr
	c.mu.RUnlock()
	if latched != nil {
		return fmt.Errorf("coordinator latched: %w", latched)
	}

	if reason := c.checkResources(); reason != health.DeferNone {
		c.setState(StateDeferred)
		metrics.SyncsDeferred.WithLabelValues(string(reason)).Inc()
		logging.Info().Str("reason", string(reason)).Msg("Sync deferred by resource policy")
		return &health.DeferredError{Reason: reason}
	}

	c.mu.Lock()
	c.lastAttemptAt = c.now().UTC()
	c.mu.Unlock()
	c.setState(StateSyncing)
	c.adjustProfile()

	start := c.now()
	var syncErr error
	synced := 0
	for _, mt := range types {
		if err := ctx.Err(); err != nil {
			syncErr = err
			break
		}
		n, err := c.syncOne(ctx, mt)
		if err != nil {
			if errors.Is(err, health.ErrAuthorizationRevoked) {
				c.latch(err)
				return err
			}
			logging.Warn().Err(err).Str("metric_type", string(mt)).Msg("Metric sync failed, continuing with remaining types")
			syncErr = err
			continue
		}
		synced += n
	}

	res, err := c.engine.Drain(ctx)
	if err != nil {
		syncErr = err
	}
	metrics.SyncDuration.Observe(c.now().Sub(start).Seconds())

	if res != nil && res.Acked+res.Duplicates > 0 {
		c.mu.Lock()
		c.lastSyncAt = c.now().UTC()
		c.mu.Unlock()
	}

	c.setState(StateIdle)
	if syncErr != nil {
		return fmt.Errorf("sync completed with errors: %w", syncErr)
	}
	logging.Info().Int("samples", synced).Msg("Sync cycle complete")
	return nil
}

// syncOne fetches one metric type incrementally and enqueues the result.
// The anchor is handed to the queue; it becomes durable only after the
// enqueued batches are acknowledged.
func (c *Coordinator) syncOne(ctx context.Context, mt health.MetricType) (int, error) {
	res, err := c.fetcher.FetchIncremental(ctx, mt)
	if err != nil {
		return 0, err
	}
	if len(res.Samples) == 0 && res.NewAnchor.IsZero() {
		return 0, nil
	}
	return c.engine.Enqueue(mt, res.Samples, res.NewAnchor)
}

// latch records a fatal error and enters the Error state. Only Reset
// clears it.
func (c *Coordinator) latch(err error) {
	c.mu.Lock()
	c.fatalErr = err
	c.mu.Unlock()
	c.setState(StateError)
	logging.Error().Err(err).Msg("Coordinator latched on fatal error")
}

// Reset clears a latched fatal error and returns to Idle. Called after
// external remediation, e.g. the user re-granting authorization. The
// platform may have dropped subscriptions while access was revoked, so
// tracked observations are re-registered.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.fatalErr = nil
	r := c.registry
	c.mu.Unlock()
	c.setState(StateIdle)

	if r != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Resubscribe(ctx); err != nil {
			logging.Warn().Err(err).Msg("Re-registering observations after reset failed")
		}
	}
	logging.Info().Msg("Coordinator reset")
}

// Query serves a read-side metric query through the cache & throttle
// layer. A throttled query with no cached fallback surfaces the rate
// limit and moves the coordinator to Throttled until the next operation.
func (c *Coordinator) Query(ctx context.Context, mt health.MetricType, rng health.Range) ([]health.Sample, bool, error) {
	samples, fromCache, err := c.cache.GetOrFetch(ctx, mt, rng, func(ctx context.Context) ([]health.Sample, error) {
		return c.fetcher.FetchRange(ctx, mt, rng)
	})
	var rle *health.RateLimitedError
	if errors.As(err, &rle) {
		c.setState(StateThrottled)
		return nil, false, err
	}
	if err == nil && c.State() == StateThrottled {
		c.setState(StateIdle)
	}
	return samples, fromCache, err
}

// RetryFailedUploads resets permanently failed batches and drains them.
func (c *Coordinator) RetryFailedUploads(ctx context.Context) (int, error) {
	return c.engine.RetryFailed(ctx)
}

// ClearCache drops all cached query results.
func (c *Coordinator) ClearCache() {
	c.cache.Clear()
}

// InvalidateCache drops the cached entry for one metric type without
// touching throttle state.
func (c *Coordinator) InvalidateCache(mt health.MetricType) {
	c.cache.Invalidate(mt)
}

// Anchors returns the committed anchor per metric type.
func (c *Coordinator) Anchors() (map[health.MetricType]health.Anchor, error) {
	if c.anchors == nil {
		return nil, fmt.Errorf("no anchor store attached")
	}
	return c.anchors.All()
}

// ResetAnchor deletes the committed anchor for one metric type, forcing
// the next sync to run a bounded backfill. The cache entry is dropped
// with it so reads do not serve data older than the re-fetched window.
func (c *Coordinator) ResetAnchor(mt health.MetricType) error {
	if c.anchors == nil {
		return fmt.Errorf("no anchor store attached")
	}
	if err := c.anchors.Delete(mt); err != nil {
		return err
	}
	c.cache.Invalidate(mt)
	logging.Info().Str("metric_type", string(mt)).Msg("Anchor reset, next sync will backfill")
	return nil
}

// Statistics assembles the aggregate sync view from queue counters and
// coordinator timestamps.
func (c *Coordinator) Statistics() (health.SyncStatistics, error) {
	stats, err := c.engine.Statistics()
	if err != nil {
		return stats, err
	}
	c.mu.RLock()
	stats.LastSyncAt = c.lastSyncAt
	stats.LastSyncAttemptAt = c.lastAttemptAt
	c.mu.RUnlock()
	return stats, nil
}

// checkResources evaluates the power policy. The first failing check
// wins; battery outranks network because it is the scarcer resource.
func (c *Coordinator) checkResources() health.DeferReason {
	if c.policy == nil {
		return health.DeferNone
	}
	if c.policy.BatteryLevel() < c.powerCfg.BatteryFloor {
		return health.DeferLowBattery
	}
	if c.powerCfg.DeferOnLowPower && c.policy.LowPowerMode() {
		return health.DeferLowPowerMode
	}
	network := string(c.policy.Network())
	for _, allowed := range c.powerCfg.AllowedNetworks {
		if network == allowed {
			return health.DeferNone
		}
	}
	return health.DeferNetworkUnfit
}

// adjustProfile tightens or relaxes the cache profile from the power
// snapshot: low-power mode always wins conservative, otherwise the
// configured profile stands.
func (c *Coordinator) adjustProfile() {
	if c.policy == nil {
		return
	}
	want := c.profile
	if c.policy.LowPowerMode() {
		want = cache.ProfileConservative
	}
	if c.cache.Profile() != want {
		c.cache.SetProfile(want)
	}
}

// OnChange is the observer trigger: a change notification for an
// observed metric type starts a targeted sync. Errors are logged, not
// returned; there is no caller to surface them to.
func (c *Coordinator) OnChange(mt health.MetricType) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := c.SyncMetrics(ctx, []health.MetricType{mt}); err != nil {
		var derr *health.DeferredError
		if errors.As(err, &derr) {
			return
		}
		logging.Warn().Err(err).Str("metric_type", string(mt)).Msg("Observer-triggered sync failed")
	}
}
