// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

const (
	headerChecksum = "X-Batch-Checksum"
	headerBatchID  = "X-Batch-ID"

	// maxErrorBody bounds how much of an error response is read for the
	// failure message.
	maxErrorBody = 4 * 1024
)

// batchUploadRequest is the wire form of one batch.
type batchUploadRequest struct {
	BatchID    string            `json:"batch_id"`
	MetricType health.MetricType `json:"metric_type"`
	Seq        uint64            `json:"seq"`
	Checksum   string            `json:"checksum"`
	CreatedAt  time.Time         `json:"created_at"`
	Samples    []health.Sample   `json:"samples"`
}

// HTTPUploader sends batches to the remote store's ingestion endpoint.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
}

// NewHTTPUploader returns an uploader posting to endpoint. Timeout
// bounds the whole request including body read.
func NewHTTPUploader(endpoint string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUploader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Upload posts one batch. Response classification:
//
//	2xx                accepted, ack returned
//	409                server already holds the batch, duplicate ack
//	429                rate limited, retryable with Retry-After honored
//	other 4xx          rejected, not retryable
//	5xx, transport     retryable
func (u *HTTPUploader) Upload(ctx context.Context, batch *health.PendingBatch) (*Ack, error) {
	payload := batchUploadRequest{
		BatchID:    batch.ID,
		MetricType: batch.Type,
		Seq:        batch.Seq,
		Checksum:   batch.Checksum,
		CreatedAt:  batch.CreatedAt,
		Samples:    batch.Samples,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerChecksum, batch.Checksum)
	req.Header.Set(headerBatchID, batch.ID)

	resp, err := u.client.Do(req)
	if err != nil {
		// DNS failures, timeouts, refused connections. All retryable.
		return nil, &UploadError{Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ack := &Ack{BatchID: batch.ID, ReceivedAt: time.Now()}
		if err := json.NewDecoder(resp.Body).Decode(ack); err != nil && err != io.EOF {
			// The upload succeeded; a malformed ack body is not worth a
			// re-upload.
			logging.Warn().Err(err).Str("batch_id", batch.ID).Msg("Unparseable ack body")
		}
		if ack.BatchID == "" {
			ack.BatchID = batch.ID
		}
		return ack, nil

	case resp.StatusCode == http.StatusConflict:
		// Server-wins conflict policy: the remote copy stands and the
		// batch is treated as delivered.
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &Ack{BatchID: batch.ID, ReceivedAt: time.Now(), Duplicate: true}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &UploadError{
			StatusCode: resp.StatusCode,
			Retryable:  true,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    readErrorBody(resp.Body),
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &UploadError{
			StatusCode: resp.StatusCode,
			Retryable:  false,
			Message:    readErrorBody(resp.Body),
		}

	default:
		return nil, &UploadError{
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Message:    readErrorBody(resp.Body),
		}
	}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return string(b)
}

// parseRetryAfter handles the delay-seconds form of Retry-After. The
// HTTP-date form is rare enough from our own backend to ignore.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
