// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package transport carries batches to the remote encrypted store. The
// queue engine depends only on the Uploader interface; the HTTP
// implementation lives alongside it.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseone/vitalsync/internal/health"
)

// Ack is the server's receipt for a batch upload.
type Ack struct {
	BatchID    string    `json:"batch_id"`
	ReceivedAt time.Time `json:"received_at"`

	// Duplicate reports that the server already held this batch (or a
	// conflicting copy it chose to keep). A duplicate ack still
	// confirms the batch and advances the anchor.
	Duplicate bool `json:"duplicate"`
}

// UploadError is a classified upload failure. Retryable failures go back
// into the queue with backoff; non-retryable ones mark the batch
// failed_permanent.
type UploadError struct {
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Message    string
}

func (e *UploadError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upload failed: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upload failed: %s", e.Message)
}

// Uploader sends one batch to the remote store.
type Uploader interface {
	Upload(ctx context.Context, batch *health.PendingBatch) (*Ack, error)
}

// DiscardUploader acknowledges every batch without sending it anywhere.
// Used when no remote endpoint is configured, so local development runs
// still exercise the full queue lifecycle.
type DiscardUploader struct{}

func (DiscardUploader) Upload(ctx context.Context, batch *health.PendingBatch) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Ack{BatchID: batch.ID, ReceivedAt: time.Now().UTC()}, nil
}
