// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// Compact removes acknowledgment tombstones that are past retention and
// whose anchors can no longer matter, then gives Badger a chance to
// reclaim value-log space. A tombstone is removable only when every
// earlier batch of its type has been acknowledged, since commitAnchors
// may still need it otherwise.
func (e *Engine) Compact() error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	cutoff := e.now().UTC().Add(-e.cfg.TombstoneRetention)
	removed := 0

	for _, mt := range health.AllMetricTypes() {
		// Anchors first, so a removable tombstone's anchor is durable
		// before the tombstone goes.
		if err := e.commitAnchors(mt); err != nil {
			return fmt.Errorf("compaction anchor commit for %s: %w", mt, err)
		}

		outstanding, err := e.store.Batches(mt)
		if err != nil {
			return err
		}
		blockSeq := uint64(math.MaxUint64)
		if len(outstanding) > 0 {
			blockSeq = outstanding[0].Seq
		}

		stones, err := e.store.Tombstones(mt)
		if err != nil {
			return err
		}
		for _, ts := range stones {
			if ts.Seq >= blockSeq {
				break
			}
			if ts.AckedAt.After(cutoff) {
				continue
			}
			if err := e.store.DeleteTombstone(mt, ts.Seq); err != nil {
				return fmt.Errorf("delete tombstone %s/%d: %w", mt, ts.Seq, err)
			}
			removed++
		}
	}

	if err := e.store.RunValueLogGC(); err != nil {
		logging.Warn().Err(err).Msg("Value log GC failed")
	}

	if removed > 0 {
		logging.Debug().Int("tombstones", removed).Msg("Queue compaction complete")
	}
	return nil
}

// CompactInterval is the cadence the supervision tree should run
// Compact on.
func (e *Engine) CompactInterval() time.Duration {
	if e.cfg.CompactInterval > 0 {
		return e.cfg.CompactInterval
	}
	return time.Hour
}
