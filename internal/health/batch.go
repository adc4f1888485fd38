// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package health

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BatchStatus is the lifecycle state of a pending upload batch.
type BatchStatus string

const (
	// BatchPending means the batch is queued and awaiting upload.
	BatchPending BatchStatus = "pending"

	// BatchUploading means an upload attempt is in flight. A batch found
	// in this state on startup indicates a crash mid-upload and is reset
	// to pending; the remote deduplicates by sample ID.
	BatchUploading BatchStatus = "uploading"

	// There is no succeeded status: an acknowledged batch is deleted and
	// replaced by a tombstone in the queue store.

	// BatchFailedPermanent means the batch received a non-retryable error
	// or exhausted its retry budget. It stays queryable for diagnostics
	// and manual retry.
	BatchFailedPermanent BatchStatus = "failed_permanent"
)

// PendingBatch is a bounded group of samples queued for upload as one
// transactional unit. Batches are single-metric-type so that anchor
// commits can be ordered per type by Seq.
type PendingBatch struct {
	// ID uniquely identifies the batch (UUID).
	ID string `json:"id"`

	// Type is the metric type of every sample in the batch.
	Type MetricType `json:"metric_type"`

	// Seq is the per-metric-type creation sequence number. Anchor commits
	// for a type happen strictly in Seq order.
	Seq uint64 `json:"seq"`

	// Samples is the ordered payload.
	Samples []Sample `json:"samples"`

	// Anchor is the provider cursor that becomes durable once this batch
	// and all earlier batches for the same type are acknowledged.
	Anchor Anchor `json:"anchor,omitempty"`

	// Checksum is a deterministic hash over the ordered sample payload,
	// used by the receiving side to detect corruption. It is not an
	// authentication mechanism; that is the transport's job.
	Checksum string `json:"checksum"`

	CreatedAt time.Time `json:"created_at"`

	// RetryCount is the number of failed upload attempts so far.
	RetryCount int `json:"retry_count"`

	Status BatchStatus `json:"status"`

	// LastError is the message from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`

	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt gates retry scheduling; the engine skips the batch
	// until this instant passes.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// BatchChecksum computes the deterministic sha256 checksum over the
// ordered sample payload. Any mutation of any sample changes the result.
func BatchChecksum(samples []Sample) string {
	h := sha256.New()
	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			// Sample fields are all marshalable types; treat a failure
			// as a programming error rather than silently weakening the
			// checksum.
			panic(fmt.Sprintf("health: marshal sample %s: %v", s.ID, err))
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum recomputes the batch checksum and reports whether it
// matches the stored value.
func (b *PendingBatch) VerifyChecksum() bool {
	return BatchChecksum(b.Samples) == b.Checksum
}

// SyncStatistics is the aggregate view exposed to callers. It is derived
// from queue and anchor state plus coordinator timestamps, never mutated
// independently, so it cannot drift from the underlying records.
type SyncStatistics struct {
	// TotalSynced is the cumulative number of samples acknowledged by the
	// remote store.
	TotalSynced int64 `json:"total_synced"`

	// FailedAttempts is the cumulative number of failed upload attempts.
	FailedAttempts int64 `json:"failed_attempts"`

	// PendingBatches is the current number of batches awaiting upload.
	PendingBatches int `json:"pending_batches"`

	// FailedBatches is the current number of permanently failed batches
	// awaiting manual intervention.
	FailedBatches int `json:"failed_batches"`

	// DuplicateAcks counts uploads the remote reported as already known
	// (conflict resolved in the server's favor).
	DuplicateAcks int64 `json:"duplicate_acks"`

	// LastSyncAt is the completion time of the last sync in which at
	// least one batch succeeded.
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`

	// LastSyncAttemptAt is when the coordinator last entered Syncing.
	LastSyncAttemptAt time.Time `json:"last_sync_attempt_at,omitempty"`
}
