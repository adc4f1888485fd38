// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package main is the entry point for the VitalSync sync daemon.
//
// VitalSync keeps a personal health-metrics store in sync with a device
// data source: it fetches samples incrementally using durable anchors,
// serves bounded queries through a TTL cache with fetch throttling, and
// uploads batches to a remote store through a durable, checksummed queue
// with exponential-backoff retries.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 sources (defaults, YAML file, env)
//  2. Stores: BadgerDB instances for anchors and the upload queue
//  3. Provider: the health data source (simulated in this build)
//  4. Sync core: fetcher, cache, upload engine, coordinator
//  5. Supervisor tree: drain, compaction, observation, periodic sync,
//     and the admin HTTP server under suture supervision
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (VITALSYNC_ prefix)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM: the
// supervisor tree winds down its services, then the queue and anchor
// stores are closed.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulseone/vitalsync/internal/anchor"
	"github.com/pulseone/vitalsync/internal/cache"
	"github.com/pulseone/vitalsync/internal/config"
	"github.com/pulseone/vitalsync/internal/coordinator"
	"github.com/pulseone/vitalsync/internal/fetcher"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/observer"
	"github.com/pulseone/vitalsync/internal/power"
	"github.com/pulseone/vitalsync/internal/provider"
	"github.com/pulseone/vitalsync/internal/queue"
	"github.com/pulseone/vitalsync/internal/server"
	"github.com/pulseone/vitalsync/internal/supervisor"
	"github.com/pulseone/vitalsync/internal/supervisor/services"
	"github.com/pulseone/vitalsync/internal/transport"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("queue_path", cfg.Queue.Path).
		Str("anchor_path", cfg.Anchors.Path).
		Str("cache_profile", cfg.Cache.Profile).
		Msg("Configuration loaded")

	anchors, err := anchor.Open(anchor.Options{
		Path:       cfg.Anchors.Path,
		SyncWrites: cfg.Anchors.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open anchor store")
	}
	defer func() {
		if err := anchors.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing anchor store")
		}
	}()

	store, err := queue.OpenStore(queue.StoreOptions{
		Path:       cfg.Queue.Path,
		SyncWrites: cfg.Queue.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open queue store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing queue store")
		}
	}()

	prov := provider.NewSimulated(cfg.Sync.ProviderInterval)
	defer prov.Close()

	var uploader transport.Uploader
	if cfg.Transport.Endpoint != "" {
		uploader = transport.NewHTTPUploader(cfg.Transport.Endpoint, cfg.Transport.Timeout)
		logging.Info().Str("endpoint", cfg.Transport.Endpoint).Msg("Upload transport configured")
	} else {
		uploader = transport.DiscardUploader{}
		logging.Warn().Msg("No transport endpoint configured, uploads are discarded locally")
	}

	engine := queue.NewEngine(store, uploader, anchors, cfg.Queue)

	// Crash recovery: requeue in-flight batches and replay any anchor
	// commits that were cut short.
	if err := engine.Recover(); err != nil {
		logging.Fatal().Err(err).Msg("Queue recovery failed")
	}

	cacheSvc := cache.New(cache.Profile(cfg.Cache.Profile))
	cacheSvc.SetLimits(cfg.Cache.TTL, cfg.Cache.MinInterval)

	coord := coordinator.New(coordinator.Options{
		Fetcher: fetcher.New(prov, anchors, fetcher.Options{
			BackfillWindow: cfg.Fetch.BackfillWindow,
			Timeout:        cfg.Fetch.Timeout,
			BreakerEnabled: cfg.Fetch.BreakerEnabled,
		}),
		Cache:    cacheSvc,
		Engine:   engine,
		Anchors:  anchors,
		Policy:   power.NewStaticPolicy(),
		PowerCfg: cfg.Power,
		Profile:  cache.Profile(cfg.Cache.Profile),
	})
	coord.SetRegistry(observer.NewRegistry(prov, observer.NoopScheduler{}, coord.OnChange, cfg.Sync.Debounce))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddQueueService(services.NewDrainService(engine))
	tree.AddQueueService(services.NewCompactionService(engine))
	tree.AddSyncService(services.NewObservationService(coord, health.AllMetricTypes()))
	tree.AddSyncService(services.NewPeriodicSyncService(coord, cfg.Sync.Interval))

	adminSrv := server.New(coord, cfg.Server).HTTPServer()
	tree.AddAPIService(services.NewHTTPService(adminSrv, 10*time.Second))
	logging.Info().Str("addr", adminSrv.Addr).Msg("Admin HTTP server service added")

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Daemon stopped gracefully")
}
