// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pulseone/vitalsync/internal/anchor"
	"github.com/pulseone/vitalsync/internal/config"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/metrics"
	"github.com/pulseone/vitalsync/internal/transport"
)

// DrainResult summarizes one drain pass over the queue.
type DrainResult struct {
	Acked      int
	Duplicates int
	Retried    int
	Failed     int
}

// Engine drives batches from enqueue through upload to acknowledgment.
// It owns retry scheduling, enqueue-side deduplication, and the in-order
// anchor commit rule.
type Engine struct {
	store    *Store
	uploader transport.Uploader
	anchors  *anchor.Store
	cfg      config.QueueConfig

	// drainMu serializes drain passes; concurrent passes would race on
	// batch state transitions.
	drainMu sync.Mutex

	// now is replaceable for tests.
	now func() time.Time
}

// NewEngine returns a queue engine over the given store, transport and
// anchor store.
func NewEngine(store *Store, uploader transport.Uploader, anchors *anchor.Store, cfg config.QueueConfig) *Engine {
	return &Engine{
		store:    store,
		uploader: uploader,
		anchors:  anchors,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Enqueue persists samples for one metric type as pending batches,
// deduplicating against previously enqueued sample IDs and chunking to
// the configured batch size. The provider anchor rides on the last batch
// and becomes durable only after that batch and all earlier ones are
// acknowledged. Returns the number of samples actually enqueued.
func (e *Engine) Enqueue(mt health.MetricType, samples []health.Sample, newAnchor health.Anchor) (int, error) {
	fresh, err := e.store.FilterSeen(mt, samples)
	if err != nil {
		return 0, err
	}
	if dropped := len(samples) - len(fresh); dropped > 0 {
		metrics.SamplesDeduplicated.Add(float64(dropped))
		logging.Debug().Str("metric_type", string(mt)).Int("dropped", dropped).Msg("Deduplicated already-enqueued samples")
	}

	if len(fresh) == 0 {
		// Nothing new. The anchor can advance immediately, but only when
		// no earlier batch is still outstanding for this type.
		if !newAnchor.IsZero() {
			outstanding, err := e.store.Batches(mt)
			if err != nil {
				return 0, err
			}
			if len(outstanding) == 0 {
				if err := e.anchors.Save(mt, newAnchor); err != nil {
					return 0, err
				}
				// Retire any tombstone anchors so a later commit pass
				// cannot roll back to one of them.
				stones, err := e.store.Tombstones(mt)
				if err != nil {
					return 0, err
				}
				if len(stones) > 0 {
					if err := e.store.SetCommittedSeq(mt, stones[len(stones)-1].Seq); err != nil {
						return 0, err
					}
				}
			}
		}
		return 0, nil
	}

	var batches []*health.PendingBatch
	for start := 0; start < len(fresh); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		chunk := fresh[start:end]
		batches = append(batches, &health.PendingBatch{
			ID:        uuid.New().String(),
			Type:      mt,
			Samples:   chunk,
			Checksum:  health.BatchChecksum(chunk),
			CreatedAt: e.now().UTC(),
			Status:    health.BatchPending,
		})
	}
	// The anchor covers everything fetched in this pass, so it rides on
	// the last batch.
	batches[len(batches)-1].Anchor = newAnchor

	if err := e.store.PutBatches(batches, e.cfg.DedupTTL); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", mt, err)
	}

	metrics.BatchesEnqueued.WithLabelValues(string(mt)).Add(float64(len(batches)))
	logging.Debug().
		Str("metric_type", string(mt)).
		Int("samples", len(fresh)).
		Int("batches", len(batches)).
		Msg("Samples enqueued")
	return len(fresh), nil
}

// Drain uploads every due pending batch with bounded concurrency, then
// commits anchors for the acknowledged prefix of each metric type.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	batches, err := e.store.Batches("")
	if err != nil {
		return nil, err
	}

	now := e.now()
	var due []*health.PendingBatch
	types := make(map[health.MetricType]bool)
	for _, b := range batches {
		types[b.Type] = true
		if b.Status == health.BatchPending && !b.NextAttemptAt.After(now) {
			due = append(due, b)
		}
	}

	result := &DrainResult{}
	if len(due) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.UploadConcurrency)
		for _, b := range due {
			g.Go(func() error {
				outcome := e.uploadBatch(gctx, b)
				mu.Lock()
				switch outcome {
				case uploadAcked:
					result.Acked++
				case uploadDuplicate:
					result.Duplicates++
				case uploadRetried:
					result.Retried++
				case uploadFailed:
					result.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	for mt := range types {
		if err := e.commitAnchors(mt); err != nil {
			logging.Error().Err(err).Str("metric_type", string(mt)).Msg("Anchor commit failed")
		}
	}

	e.refreshGauges()
	return result, nil
}

type uploadOutcome int

const (
	uploadAcked uploadOutcome = iota
	uploadDuplicate
	uploadRetried
	uploadFailed
)

// uploadBatch attempts one batch and transitions its state. Checksum
// verification happens before the wire; a mismatch means local
// corruption and the batch is failed rather than shipped.
func (e *Engine) uploadBatch(ctx context.Context, b *health.PendingBatch) uploadOutcome {
	if !b.VerifyChecksum() {
		b.Status = health.BatchFailedPermanent
		b.LastError = health.ErrIntegrityMismatch.Error()
		if err := e.store.UpdateBatch(b); err != nil {
			logging.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to persist integrity failure")
		}
		metrics.BatchUploads.WithLabelValues("permanent").Inc()
		logging.Error().Str("batch_id", b.ID).Str("metric_type", string(b.Type)).Msg("Batch checksum mismatch, not uploading")
		return uploadFailed
	}

	b.Status = health.BatchUploading
	b.LastAttemptAt = e.now().UTC()
	if err := e.store.UpdateBatch(b); err != nil {
		logging.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to mark batch uploading")
		return uploadRetried
	}

	uploadCtx := ctx
	if e.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, e.cfg.UploadTimeout)
		defer cancel()
	}

	start := e.now()
	ack, err := e.uploader.Upload(uploadCtx, b)
	metrics.UploadDuration.Observe(e.now().Sub(start).Seconds())

	if err != nil {
		return e.handleUploadFailure(b, err)
	}

	if err := e.store.Ack(b, ack.Duplicate); err != nil {
		// The server has the batch but our delete failed. The batch
		// stays queued and the next attempt resolves as a duplicate.
		logging.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to record ack, will re-resolve as duplicate")
		b.Status = health.BatchPending
		if uerr := e.store.UpdateBatch(b); uerr != nil {
			logging.Error().Err(uerr).Str("batch_id", b.ID).Msg("Failed to reset batch after ack failure")
		}
		return uploadRetried
	}

	if ack.Duplicate {
		metrics.BatchUploads.WithLabelValues("duplicate").Inc()
		logging.Debug().Str("batch_id", b.ID).Msg("Batch already held by server")
		return uploadDuplicate
	}
	metrics.BatchUploads.WithLabelValues("acked").Inc()
	logging.Debug().Str("batch_id", b.ID).Int("samples", len(b.Samples)).Msg("Batch acknowledged")
	return uploadAcked
}

func (e *Engine) handleUploadFailure(b *health.PendingBatch, err error) uploadOutcome {
	if rerr := e.store.RecordFailedAttempt(); rerr != nil {
		logging.Error().Err(rerr).Msg("Failed to record failed attempt")
	}

	retryable := true
	var retryAfter time.Duration
	var ue *transport.UploadError
	if errors.As(err, &ue) {
		retryable = ue.Retryable
		retryAfter = ue.RetryAfter
	}

	b.LastError = err.Error()
	b.RetryCount++

	if !retryable || b.RetryCount >= e.cfg.MaxRetries {
		b.Status = health.BatchFailedPermanent
		if uerr := e.store.UpdateBatch(b); uerr != nil {
			logging.Error().Err(uerr).Str("batch_id", b.ID).Msg("Failed to persist permanent failure")
		}
		metrics.BatchUploads.WithLabelValues("permanent").Inc()
		logging.Warn().
			Err(err).
			Str("batch_id", b.ID).
			Int("attempts", b.RetryCount).
			Bool("retryable", retryable).
			Msg("Batch failed permanently")
		return uploadFailed
	}

	// RetryCount was just incremented; the first retry waits the base
	// delay, so the exponent is the count of failures before this one.
	delay := e.backoff(b.RetryCount - 1)
	if retryAfter > delay {
		delay = retryAfter
	}
	b.Status = health.BatchPending
	b.NextAttemptAt = e.now().UTC().Add(delay)
	if uerr := e.store.UpdateBatch(b); uerr != nil {
		logging.Error().Err(uerr).Str("batch_id", b.ID).Msg("Failed to persist retry state")
	}
	metrics.BatchUploads.WithLabelValues("retryable").Inc()
	logging.Debug().
		Err(err).
		Str("batch_id", b.ID).
		Int("attempt", b.RetryCount).
		Dur("next_retry_in", delay).
		Msg("Batch upload failed, scheduled for retry")
	return uploadRetried
}

// backoff calculates exponential backoff delay for retry attempts.
// Formula: base * 2^attempts, capped at the configured maximum.
func (e *Engine) backoff(attempts int) time.Duration {
	base := e.cfg.RetryBackoff
	maxBackoff := e.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}

	// Cap attempts to prevent overflow (2^63 is the max for time.Duration)
	if attempts > 50 {
		return maxBackoff
	}

	multiplier := math.Pow(2, float64(attempts))
	backoff := time.Duration(float64(base) * multiplier)

	if backoff < 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}

// commitAnchors advances the durable anchor for one metric type to the
// newest acknowledged batch that has no earlier outstanding batch. A
// pending, uploading or permanently failed batch blocks anchors from
// every later batch, which keeps the anchor honest: re-fetching from it
// can never skip samples that were never delivered.
func (e *Engine) commitAnchors(mt health.MetricType) error {
	outstanding, err := e.store.Batches(mt)
	if err != nil {
		return err
	}
	blockSeq := uint64(math.MaxUint64)
	if len(outstanding) > 0 {
		// Batches iterate in seq order; the first is the lowest.
		blockSeq = outstanding[0].Seq
	}

	stones, err := e.store.Tombstones(mt)
	if err != nil {
		return err
	}
	committed, err := e.store.CommittedSeq(mt)
	if err != nil {
		return err
	}

	var best health.Anchor
	var bestSeq uint64
	for _, ts := range stones {
		if ts.Seq >= blockSeq {
			break
		}
		// Stones at or below the committed watermark already had their
		// turn; re-committing them could move the anchor backwards past
		// one committed directly by Enqueue.
		if ts.Seq <= committed {
			continue
		}
		if !ts.Anchor.IsZero() {
			best = ts.Anchor
			bestSeq = ts.Seq
		}
	}
	if best.IsZero() {
		return nil
	}
	if err := e.anchors.Save(mt, best); err != nil {
		return err
	}
	return e.store.SetCommittedSeq(mt, bestSeq)
}

// RetryFailed resets permanently failed batches to pending with a fresh
// retry budget and immediately drains. Returns the number of batches
// reset.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	batches, err := e.store.Batches("")
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, b := range batches {
		if b.Status != health.BatchFailedPermanent {
			continue
		}
		b.Status = health.BatchPending
		b.RetryCount = 0
		b.NextAttemptAt = time.Time{}
		b.LastError = ""
		if err := e.store.UpdateBatch(b); err != nil {
			return reset, fmt.Errorf("reset batch %s: %w", b.ID, err)
		}
		reset++
	}

	if reset > 0 {
		logging.Info().Int("batches", reset).Msg("Permanently failed batches reset for retry")
		if _, err := e.Drain(ctx); err != nil {
			return reset, err
		}
	}
	return reset, nil
}

// Pending returns every batch still awaiting acknowledgement, in
// creation order.
func (e *Engine) Pending() ([]*health.PendingBatch, error) {
	return e.batchesByStatus(func(s health.BatchStatus) bool {
		return s != health.BatchFailedPermanent
	})
}

// Failed returns every permanently failed batch, in creation order.
func (e *Engine) Failed() ([]*health.PendingBatch, error) {
	return e.batchesByStatus(func(s health.BatchStatus) bool {
		return s == health.BatchFailedPermanent
	})
}

func (e *Engine) batchesByStatus(keep func(health.BatchStatus) bool) ([]*health.PendingBatch, error) {
	batches, err := e.store.Batches("")
	if err != nil {
		return nil, err
	}
	out := batches[:0]
	for _, b := range batches {
		if keep(b.Status) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Statistics assembles the queue's contribution to sync statistics from
// durable counters and current batch state.
func (e *Engine) Statistics() (health.SyncStatistics, error) {
	var stats health.SyncStatistics

	total, err := e.store.TotalSynced()
	if err != nil {
		return stats, err
	}
	failedAttempts, err := e.store.FailedAttempts()
	if err != nil {
		return stats, err
	}
	dups, err := e.store.DuplicateAcks()
	if err != nil {
		return stats, err
	}
	batches, err := e.store.Batches("")
	if err != nil {
		return stats, err
	}

	stats.TotalSynced = int64(total)
	stats.FailedAttempts = int64(failedAttempts)
	stats.DuplicateAcks = int64(dups)
	for _, b := range batches {
		switch b.Status {
		case health.BatchFailedPermanent:
			stats.FailedBatches++
		default:
			stats.PendingBatches++
		}
	}
	return stats, nil
}

// RetryInterval is the cadence the supervision tree should run Drain
// on to pick up batches whose backoff has elapsed.
func (e *Engine) RetryInterval() time.Duration {
	if e.cfg.RetryInterval > 0 {
		return e.cfg.RetryInterval
	}
	return 30 * time.Second
}

func (e *Engine) refreshGauges() {
	batches, err := e.store.Batches("")
	if err != nil {
		return
	}
	var pending, failed int
	for _, b := range batches {
		if b.Status == health.BatchFailedPermanent {
			failed++
		} else {
			pending++
		}
	}
	metrics.QueuePending.Set(float64(pending))
	metrics.QueueFailedPermanent.Set(float64(failed))
}
