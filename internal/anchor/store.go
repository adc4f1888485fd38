// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package anchor persists incremental-fetch anchors per metric type.
// Anchors are opaque provider tokens; the store never inspects their
// contents. An anchor is committed only after the samples it covers are
// durably queued, so a crash between fetch and enqueue re-fetches rather
// than loses data.
package anchor

import (
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
	"github.com/pulseone/vitalsync/internal/metrics"
)

const anchorKeyPrefix = "anchor:"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("anchor store is closed")

// Store is a durable per-metric-type anchor map backed by BadgerDB.
// All methods are safe for concurrent use.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Options configures the anchor database.
type Options struct {
	Path       string
	SyncWrites bool
}

// Open opens (or creates) the anchor database.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("anchor store path is required")
	}

	bopts := badger.DefaultOptions(opts.Path)
	bopts.SyncWrites = opts.SyncWrites

	// Reduce logging verbosity
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Debug().Str("path", opts.Path).Msg("Anchor store opened")
	return &Store{db: db}, nil
}

func anchorKey(mt health.MetricType) []byte {
	return []byte(anchorKeyPrefix + string(mt))
}

// Load returns the committed anchor for a metric type. A metric type that
// has never synced returns a zero anchor and no error.
func (s *Store) Load(mt health.MetricType) (health.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var anchor health.Anchor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(anchorKey(mt))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			anchor = make(health.Anchor, len(val))
			copy(anchor, val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load anchor for %s: %w", mt, err)
	}
	return anchor, nil
}

// Save commits an anchor for a metric type, replacing any previous one.
// Zero anchors are rejected; use Delete to reset a metric type.
func (s *Store) Save(mt health.MetricType, anchor health.Anchor) error {
	if anchor.IsZero() {
		return fmt.Errorf("refusing to save zero anchor for %s", mt)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(anchorKey(mt), anchor)
	})
	if err != nil {
		return fmt.Errorf("save anchor for %s: %w", mt, err)
	}

	metrics.AnchorCommits.WithLabelValues(string(mt)).Inc()
	logging.Trace().Str("metric_type", string(mt)).Int("anchor_bytes", len(anchor)).Msg("Anchor committed")
	return nil
}

// Delete removes the anchor for a metric type. The next fetch for that
// type falls back to a bounded backfill query. Deleting a missing anchor
// is not an error.
func (s *Store) Delete(mt health.MetricType) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(anchorKey(mt))
	})
	if err != nil {
		return fmt.Errorf("delete anchor for %s: %w", mt, err)
	}
	return nil
}

// All returns every committed anchor keyed by metric type.
func (s *Store) All() (map[health.MetricType]health.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	anchors := make(map[health.MetricType]health.Anchor)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(anchorKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			mt := health.MetricType(item.Key()[len(anchorKeyPrefix):])
			if err := item.Value(func(val []byte) error {
				anchor := make(health.Anchor, len(val))
				copy(anchor, val)
				anchors[mt] = anchor
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	return anchors, nil
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
		return fmt.Errorf("close anchor store: %w", err)
	}
	return nil
}
