// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package queue

import (
	"fmt"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// Recover repairs queue state after a restart. Batches caught mid-upload
// by a crash go back to pending; the remote deduplicates by sample ID,
// so re-uploading is safe (at-least-once delivery). Anchors earned by
// tombstones that were acknowledged before the crash are committed.
func (e *Engine) Recover() error {
	batches, err := e.store.Batches("")
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	reset := 0
	types := make(map[health.MetricType]bool)
	for _, b := range batches {
		types[b.Type] = true
		if b.Status != health.BatchUploading {
			continue
		}
		b.Status = health.BatchPending
		if err := e.store.UpdateBatch(b); err != nil {
			return fmt.Errorf("reset in-flight batch %s: %w", b.ID, err)
		}
		reset++
	}

	// Tombstones may hold anchors from a run that crashed between ack
	// and commit.
	stones, err := e.store.Tombstones("")
	if err != nil {
		return fmt.Errorf("recovery tombstone scan: %w", err)
	}
	for _, ts := range stones {
		types[ts.Type] = true
	}
	for mt := range types {
		if err := e.commitAnchors(mt); err != nil {
			return fmt.Errorf("recovery anchor commit for %s: %w", mt, err)
		}
	}

	e.refreshGauges()
	if reset > 0 || len(types) > 0 {
		logging.Info().
			Int("reset_batches", reset).
			Int("metric_types", len(types)).
			Msg("Queue recovery complete")
	}
	return nil
}
