// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package config loads and validates VitalSync configuration using Koanf
// v2 with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the sync core.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Fetch     FetchConfig     `koanf:"fetch"`
	Queue     QueueConfig     `koanf:"queue"`
	Anchors   AnchorConfig    `koanf:"anchors"`
	Transport TransportConfig `koanf:"transport"`
	Power     PowerConfig     `koanf:"power"`
	Server    ServerConfig    `koanf:"server"`
	Sync      SyncConfig      `koanf:"sync"`
}

// SyncConfig drives the background sync services.
type SyncConfig struct {
	// Interval is the periodic full-sync cadence.
	Interval time.Duration `koanf:"interval" validate:"required"`

	// Debounce coalesces change notifications before triggering a sync.
	Debounce time.Duration `koanf:"debounce"`

	// ProviderInterval is the simulated provider's notification cadence.
	// Zero disables change notifications.
	ProviderInterval time.Duration `koanf:"provider_interval"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// CacheConfig configures the cache & throttle service. TTL and throttle
// interval are profile-driven: "realtime" keeps seconds-scale freshness
// for live monitoring, "conservative" stretches to minutes to save
// battery. Explicit TTL/MinInterval values override the profile.
type CacheConfig struct {
	Profile     string        `koanf:"profile" validate:"oneof=realtime balanced conservative"`
	TTL         time.Duration `koanf:"ttl"`
	MinInterval time.Duration `koanf:"min_interval"`
}

// FetchConfig configures the incremental fetcher.
type FetchConfig struct {
	// BackfillWindow bounds the full-range query used when no anchor
	// exists yet for a metric type.
	BackfillWindow time.Duration `koanf:"backfill_window"`

	// Timeout bounds a single provider fetch.
	Timeout time.Duration `koanf:"timeout"`

	// BreakerEnabled wraps provider calls in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// QueueConfig configures the durable upload queue and sync engine.
type QueueConfig struct {
	// Path is the BadgerDB directory for batch storage. Must be on a
	// durable filesystem.
	Path string `koanf:"path" validate:"required"`

	// SyncWrites forces fsync on every write. Disable only in tests.
	SyncWrites bool `koanf:"sync_writes"`

	// MaxBatchSize bounds samples per batch.
	MaxBatchSize int `koanf:"max_batch_size" validate:"min=1"`

	// MaxRetries is the retry budget per batch; exceeding it marks the
	// batch failed_permanent.
	MaxRetries int `koanf:"max_retries" validate:"min=1"`

	// RetryBackoff is the base for exponential backoff: base * 2^retryCount.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// UploadConcurrency bounds parallel batch uploads.
	UploadConcurrency int `koanf:"upload_concurrency" validate:"min=1,max=16"`

	// UploadTimeout bounds a single upload attempt; expiry is classified
	// as a network error.
	UploadTimeout time.Duration `koanf:"upload_timeout"`

	// RetryInterval is the cadence of the background retry loop.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// DedupTTL is how long sample IDs are remembered for enqueue-side
	// deduplication.
	DedupTTL time.Duration `koanf:"dedup_ttl"`

	// CompactInterval is the cadence of tombstone cleanup and value-log GC.
	CompactInterval time.Duration `koanf:"compact_interval"`

	// TombstoneRetention is how long acknowledged-batch tombstones are
	// kept for diagnostics before compaction removes them.
	TombstoneRetention time.Duration `koanf:"tombstone_retention"`
}

// AnchorConfig configures the durable anchor store.
type AnchorConfig struct {
	Path       string `koanf:"path" validate:"required"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// TransportConfig configures the HTTP upload transport.
type TransportConfig struct {
	// Endpoint is the remote store's batch ingestion URL.
	Endpoint string `koanf:"endpoint"`

	// Timeout bounds a single upload request.
	Timeout time.Duration `koanf:"timeout"`
}

// PowerConfig is the resource policy consulted before entering Syncing.
type PowerConfig struct {
	// BatteryFloor defers syncs when battery level (0..1) is below it.
	BatteryFloor float64 `koanf:"battery_floor" validate:"min=0,max=1"`

	// DeferOnLowPower defers syncs while the OS low-power mode is on.
	DeferOnLowPower bool `koanf:"defer_on_low_power"`

	// AllowedNetworks lists network types syncs may run on.
	AllowedNetworks []string `koanf:"allowed_networks" validate:"min=1,dive,oneof=wifi cellular"`
}

// ServerConfig configures the local admin/ops HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Cache: CacheConfig{
			Profile:     "balanced",
			TTL:         0, // 0 = use profile default
			MinInterval: 0,
		},
		Fetch: FetchConfig{
			BackfillWindow: 30 * 24 * time.Hour,
			Timeout:        30 * time.Second,
			BreakerEnabled: true,
		},
		Queue: QueueConfig{
			Path:               "/data/vitalsync/queue",
			SyncWrites:         true,
			MaxBatchSize:       100,
			MaxRetries:         5,
			RetryBackoff:       2 * time.Second,
			MaxBackoff:         5 * time.Minute,
			UploadConcurrency:  3,
			UploadTimeout:      30 * time.Second,
			RetryInterval:      30 * time.Second,
			DedupTTL:           168 * time.Hour, // 7 days
			CompactInterval:    1 * time.Hour,
			TombstoneRetention: 24 * time.Hour,
		},
		Anchors: AnchorConfig{
			Path:       "/data/vitalsync/anchors",
			SyncWrites: true,
		},
		Transport: TransportConfig{
			Endpoint: "",
			Timeout:  30 * time.Second,
		},
		Power: PowerConfig{
			BatteryFloor:    0.20,
			DeferOnLowPower: true,
			AllowedNetworks: []string{"wifi", "cellular"},
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8700,
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:         15 * time.Minute,
			Debounce:         30 * time.Second,
			ProviderInterval: time.Minute,
		},
	}
}

// Validate checks the configuration with struct tags plus hand checks
// for relations the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Queue.RetryBackoff < time.Millisecond {
		return fmt.Errorf("config validation: queue.retry_backoff must be at least 1ms")
	}
	if c.Queue.MaxBackoff < c.Queue.RetryBackoff {
		return fmt.Errorf("config validation: queue.max_backoff must be >= queue.retry_backoff")
	}
	if c.Queue.Path == c.Anchors.Path {
		return fmt.Errorf("config validation: queue.path and anchors.path must differ (separate BadgerDB instances)")
	}
	if c.Cache.TTL < 0 || c.Cache.MinInterval < 0 {
		return fmt.Errorf("config validation: cache durations must not be negative")
	}
	return nil
}
