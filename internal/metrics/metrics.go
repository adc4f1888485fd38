// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package metrics provides Prometheus instrumentation for the sync core:
// provider fetches, cache efficiency, queue throughput, upload outcomes,
// and coordinator state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider fetch metrics
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_fetches_total",
			Help: "Total provider fetches by metric type and result",
		},
		[]string{"metric_type", "result"}, // result: "success", "error", "fatal"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalsync_fetch_duration_seconds",
			Help:    "Duration of provider fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchedSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_fetched_samples_total",
			Help: "Total samples returned by provider fetches",
		},
		[]string{"metric_type"},
	)

	// Cache & throttle metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_cache_hits_total",
			Help: "Total cache hits served without a provider call",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_cache_misses_total",
			Help: "Total cache misses resulting in a real fetch",
		},
	)

	CacheStaleReturns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_cache_stale_returns_total",
			Help: "Total throttled requests served from stale cache entries",
		},
	)

	CacheRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_cache_rate_limited_total",
			Help: "Total throttled requests with no cached fallback",
		},
	)

	SingleflightShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_singleflight_shared_total",
			Help: "Total callers that shared an in-flight fetch instead of issuing their own",
		},
	)

	// Upload queue metrics
	BatchesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_batches_enqueued_total",
			Help: "Total batches written to the durable upload queue",
		},
		[]string{"metric_type"},
	)

	SamplesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalsync_samples_deduplicated_total",
			Help: "Total samples dropped at enqueue because their ID was already seen",
		},
	)

	BatchUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_batch_uploads_total",
			Help: "Total batch upload attempts by result",
		},
		[]string{"result"}, // "acked", "duplicate", "retryable", "permanent"
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalsync_upload_duration_seconds",
			Help:    "Duration of batch upload attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalsync_queue_pending_batches",
			Help: "Current number of batches awaiting upload",
		},
	)

	QueueFailedPermanent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalsync_queue_failed_batches",
			Help: "Current number of permanently failed batches",
		},
	)

	AnchorCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_anchor_commits_total",
			Help: "Total anchor advancements by metric type",
		},
		[]string{"metric_type"},
	)

	// Coordinator metrics
	CoordinatorState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalsync_coordinator_state",
			Help: "Coordinator state (0=idle, 1=syncing, 2=throttled, 3=deferred, 4=error)",
		},
	)

	SyncsDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_syncs_deferred_total",
			Help: "Total syncs deferred by resource policy",
		},
		[]string{"reason"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalsync_sync_duration_seconds",
			Help:    "Duration of full sync rounds in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vitalsync_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalsync_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)
