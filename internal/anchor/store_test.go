// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package anchor

import (
	"bytes"
	"testing"

	"github.com/pulseone/vitalsync/internal/health"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	anchor := health.Anchor("token-hr-001")
	if err := s.Save(health.MetricHeartRate, anchor); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(health.MetricHeartRate)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, anchor) {
		t.Errorf("Load() = %q, want %q", got, anchor)
	}
}

func TestStoreLoadMissingReturnsZeroAnchor(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Load(health.MetricSteps)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.IsZero() {
		t.Errorf("Load() = %q, want zero anchor", got)
	}
}

func TestStoreSaveReplacesPrevious(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(health.MetricSleep, health.Anchor("first")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(health.MetricSleep, health.Anchor("second")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(health.MetricSleep)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Load() = %q, want %q", got, "second")
	}
}

func TestStoreSaveRejectsZeroAnchor(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(health.MetricHeartRate, nil); err == nil {
		t.Error("Save(nil) error = nil, want error")
	}
	if err := s.Save(health.MetricHeartRate, health.Anchor{}); err == nil {
		t.Error("Save(empty) error = nil, want error")
	}
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save(health.MetricSteps, health.Anchor("token")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Delete(health.MetricSteps); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := s.Load(health.MetricSteps)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.IsZero() {
		t.Errorf("Load() after Delete = %q, want zero anchor", got)
	}

	// Deleting a missing anchor is fine.
	if err := s.Delete(health.MetricSteps); err != nil {
		t.Errorf("Delete() of missing anchor error = %v", err)
	}
}

func TestStoreAll(t *testing.T) {
	s := openTestStore(t)

	want := map[health.MetricType]health.Anchor{
		health.MetricHeartRate:     health.Anchor("a"),
		health.MetricBloodPressure: health.Anchor("b"),
		health.MetricSteps:         health.Anchor("c"),
	}
	for mt, anchor := range want {
		if err := s.Save(mt, anchor); err != nil {
			t.Fatalf("Save(%s) error = %v", mt, err)
		}
	}

	got, err := s.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("All() returned %d anchors, want %d", len(got), len(want))
	}
	for mt, anchor := range want {
		if !bytes.Equal(got[mt], anchor) {
			t.Errorf("All()[%s] = %q, want %q", mt, got[mt], anchor)
		}
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Save(health.MetricHeartRate, health.Anchor("durable")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Load(health.MetricHeartRate)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != "durable" {
		t.Errorf("Load() after reopen = %q, want %q", got, "durable")
	}
}

func TestStoreClosedOperationsFail(t *testing.T) {
	s, err := Open(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := s.Load(health.MetricSteps); err != ErrClosed {
		t.Errorf("Load() error = %v, want ErrClosed", err)
	}
	if err := s.Save(health.MetricSteps, health.Anchor("x")); err != ErrClosed {
		t.Errorf("Save() error = %v, want ErrClosed", err)
	}
	if _, err := s.All(); err != ErrClosed {
		t.Errorf("All() error = %v, want ErrClosed", err)
	}
}
