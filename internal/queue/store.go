// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package queue is the durable upload queue. Batches are persisted to
// BadgerDB before any upload attempt, survive process restarts, and are
// removed only after the remote store acknowledges them. Acknowledged
// batches leave behind a tombstone carrying the provider anchor so the
// anchor can be committed strictly in batch creation order.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// Key layout. Per-type sequence numbers are zero-padded so lexical
// iteration order equals creation order.
const (
	prefixBatch     = "batch:"
	prefixAcked     = "acked:"
	prefixSeen      = "seen:"
	prefixSeq       = "seq:"
	prefixCommitted = "committed:"

	keyTotalSynced    = "stats:total_synced"
	keyDuplicateAcks  = "stats:duplicate_acks"
	keyFailedAttempts = "stats:failed_attempts"

	seqDigits = 20
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("queue store is closed")

// tombstone records an acknowledged batch. It carries the anchor the
// batch was fetched under so anchor commits can lag behind out-of-order
// acks.
type tombstone struct {
	BatchID string            `json:"batch_id"`
	Type    health.MetricType `json:"metric_type"`
	Seq     uint64            `json:"seq"`
	Anchor  health.Anchor     `json:"anchor,omitempty"`
	AckedAt time.Time         `json:"acked_at"`
}

// StoreOptions configures the queue database.
type StoreOptions struct {
	Path       string
	SyncWrites bool
}

// Store is the BadgerDB persistence layer under the queue engine.
// All methods are safe for concurrent use.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// OpenStore opens (or creates) the queue database.
func OpenStore(opts StoreOptions) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("queue store path is required")
	}

	bopts := badger.DefaultOptions(opts.Path)
	bopts.SyncWrites = opts.SyncWrites

	// Reduce logging verbosity
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Debug().Str("path", opts.Path).Msg("Queue store opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database. Further operations return
// ErrClosed. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close queue store: %w", err)
	}
	return nil
}

func batchKey(mt health.MetricType, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", prefixBatch, mt, seqDigits, seq))
}

func ackedKey(mt health.MetricType, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", prefixAcked, mt, seqDigits, seq))
}

func seenKey(mt health.MetricType, sampleID string) []byte {
	return []byte(prefixSeen + string(mt) + ":" + sampleID)
}

func seqKey(mt health.MetricType) []byte {
	return []byte(prefixSeq + string(mt))
}

// nextSeq allocates the next per-type sequence number inside txn.
func nextSeq(txn *badger.Txn, mt health.MetricType) (uint64, error) {
	var seq uint64
	item, err := txn.Get(seqKey(mt))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		seq = 0
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			n, perr := strconv.ParseUint(string(val), 10, 64)
			seq = n
			return perr
		}); err != nil {
			return 0, err
		}
	}
	seq++
	if err := txn.Set(seqKey(mt), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// PutBatches persists new batches and marks their sample IDs as seen in
// one transaction. Sequence numbers are assigned here. dedupTTL bounds
// how long seen markers live; zero keeps them forever.
func (s *Store) PutBatches(batches []*health.PendingBatch, dedupTTL time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, b := range batches {
			seq, err := nextSeq(txn, b.Type)
			if err != nil {
				return fmt.Errorf("allocate seq for %s: %w", b.Type, err)
			}
			b.Seq = seq

			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("marshal batch %s: %w", b.ID, err)
			}
			if err := txn.Set(batchKey(b.Type, b.Seq), data); err != nil {
				return err
			}

			for _, sample := range b.Samples {
				entry := badger.NewEntry(seenKey(b.Type, sample.ID), nil)
				if dedupTTL > 0 {
					entry = entry.WithTTL(dedupTTL)
				}
				if err := txn.SetEntry(entry); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// UpdateBatch rewrites a batch in place, preserving its key.
func (s *Store) UpdateBatch(b *health.PendingBatch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", b.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(b.Type, b.Seq), data)
	})
}

// FilterSeen returns the subset of samples whose IDs have not been
// enqueued before. The seen markers themselves are written by
// PutBatches so a crash between filter and put re-offers the samples.
func (s *Store) FilterSeen(mt health.MetricType, samples []health.Sample) ([]health.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	fresh := make([]health.Sample, 0, len(samples))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, sample := range samples {
			_, err := txn.Get(seenKey(mt, sample.ID))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				fresh = append(fresh, sample)
			case err != nil:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filter seen samples: %w", err)
	}
	return fresh, nil
}

// Batches returns all stored (unacknowledged) batches for one metric
// type in sequence order. A zero metric type returns every type.
func (s *Store) Batches(mt health.MetricType) ([]*health.PendingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	prefix := prefixBatch
	if mt != "" {
		prefix += string(mt) + ":"
	}

	var batches []*health.PendingBatch
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var b health.PendingBatch
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				return err
			}
			batches = append(batches, &b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// Ack atomically removes a batch and writes its tombstone. Duplicate
// acks from the server bump a durable counter instead of the synced
// total.
func (s *Store) Ack(b *health.PendingBatch, duplicate bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ts := tombstone{
		BatchID: b.ID,
		Type:    b.Type,
		Seq:     b.Seq,
		Anchor:  b.Anchor,
		AckedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal tombstone for %s: %w", b.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(batchKey(b.Type, b.Seq)); err != nil {
			return err
		}
		if err := txn.Set(ackedKey(b.Type, b.Seq), data); err != nil {
			return err
		}
		counter := keyTotalSynced
		delta := uint64(len(b.Samples))
		if duplicate {
			counter = keyDuplicateAcks
			delta = 1
		}
		return incrCounter(txn, counter, delta)
	})
}

// Tombstones returns acknowledgment tombstones for one metric type in
// sequence order.
func (s *Store) Tombstones(mt health.MetricType) ([]tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	prefix := prefixAcked
	if mt != "" {
		prefix += string(mt) + ":"
	}

	var stones []tombstone
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ts tombstone
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ts)
			}); err != nil {
				return err
			}
			stones = append(stones, ts)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	return stones, nil
}

// DeleteTombstone removes one acknowledgment tombstone.
func (s *Store) DeleteTombstone(mt health.MetricType, seq uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ackedKey(mt, seq))
	})
}

// CommittedSeq returns the highest sequence number whose anchor has been
// committed for a metric type. Zero means no tombstone-driven commit has
// happened yet.
func (s *Store) CommittedSeq(mt health.MetricType) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.counterLocked(prefixCommitted + string(mt))
}

// SetCommittedSeq records the highest anchor-committed sequence number
// for a metric type. It never moves backwards.
func (s *Store) SetCommittedSeq(mt health.MetricType, seq uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	current, err := s.counterLocked(prefixCommitted + string(mt))
	if err != nil {
		return err
	}
	if seq <= current {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixCommitted+string(mt)), []byte(strconv.FormatUint(seq, 10)))
	})
}

// RecordFailedAttempt bumps the durable failed-attempt counter.
func (s *Store) RecordFailedAttempt() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return incrCounter(txn, keyFailedAttempts, 1)
	})
}

func incrCounter(txn *badger.Txn, key string, delta uint64) error {
	var current uint64
	item, err := txn.Get([]byte(key))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if err := item.Value(func(val []byte) error {
			n, perr := strconv.ParseUint(string(val), 10, 64)
			current = n
			return perr
		}); err != nil {
			return err
		}
	}
	return txn.Set([]byte(key), []byte(strconv.FormatUint(current+delta, 10)))
}

// counterLocked reads one durable counter; missing counters read as
// zero. Callers hold s.mu.
func (s *Store) counterLocked(key string) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, perr := strconv.ParseUint(string(val), 10, 64)
			n = v
			return perr
		})
	})
	return n, err
}

// TotalSynced returns the lifetime count of samples acknowledged by the
// remote store.
func (s *Store) TotalSynced() (uint64, error) { return s.statCounter(keyTotalSynced) }

// DuplicateAcks returns the lifetime count of duplicate acknowledgments.
func (s *Store) DuplicateAcks() (uint64, error) { return s.statCounter(keyDuplicateAcks) }

// FailedAttempts returns the lifetime count of failed upload attempts.
func (s *Store) FailedAttempts() (uint64, error) { return s.statCounter(keyFailedAttempts) }

func (s *Store) statCounter(key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.counterLocked(key)
}

// RunValueLogGC runs one round of Badger value-log garbage collection.
// Badger returns ErrNoRewrite when there is nothing to reclaim; that is
// not an error for callers.
func (s *Store) RunValueLogGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log GC: %w", err)
	}
	return nil
}
