// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package health

import (
	"testing"
	"time"
)

func makeSamples(t *testing.T, n int) []Sample {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	samples := make([]Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = Sample{
			ID:          "hr-" + string(rune('a'+i)),
			Type:        MetricHeartRate,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Values:      map[string]float64{"bpm": 60 + float64(i)},
			SourceLabel: "watch",
			Quality:     QualityGood,
		}
	}
	return samples
}

func TestBatchChecksumDeterministic(t *testing.T) {
	samples := makeSamples(t, 5)

	first := BatchChecksum(samples)
	second := BatchChecksum(samples)
	if first != second {
		t.Errorf("checksum not deterministic: %s != %s", first, second)
	}
	if first == "" {
		t.Error("checksum is empty")
	}
}

func TestBatchChecksumSensitivity(t *testing.T) {
	samples := makeSamples(t, 5)
	base := BatchChecksum(samples)

	mutations := map[string]func([]Sample){
		"value":     func(s []Sample) { s[2].Values["bpm"] = 200 },
		"id":        func(s []Sample) { s[0].ID = "mutated" },
		"timestamp": func(s []Sample) { s[4].Timestamp = s[4].Timestamp.Add(time.Second) },
		"quality":   func(s []Sample) { s[1].Quality = QualityPoor },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			mutated := makeSamples(t, 5)
			mutate(mutated)
			if got := BatchChecksum(mutated); got == base {
				t.Errorf("mutating %s did not change the checksum", name)
			}
		})
	}
}

func TestBatchChecksumOrderSensitive(t *testing.T) {
	samples := makeSamples(t, 3)
	base := BatchChecksum(samples)

	swapped := makeSamples(t, 3)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if BatchChecksum(swapped) == base {
		t.Error("reordering samples did not change the checksum")
	}
}

func TestVerifyChecksum(t *testing.T) {
	samples := makeSamples(t, 4)
	batch := &PendingBatch{
		ID:       "b1",
		Type:     MetricHeartRate,
		Samples:  samples,
		Checksum: BatchChecksum(samples),
	}
	if !batch.VerifyChecksum() {
		t.Error("checksum should verify for unmodified batch")
	}

	batch.Samples[1].Values["bpm"] = 999
	if batch.VerifyChecksum() {
		t.Error("checksum should fail after sample mutation")
	}
}

func TestMetricTypeValid(t *testing.T) {
	for _, mt := range AllMetricTypes() {
		if !mt.Valid() {
			t.Errorf("%s should be valid", mt)
		}
	}
	if MetricType("cholesterol").Valid() {
		t.Error("unknown metric type should be invalid")
	}
}

func TestRangeCovers(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	wide := Range{Start: day(1), End: day(10)}
	inner := Range{Start: day(2), End: day(5)}

	if !wide.Covers(inner) {
		t.Error("wide range should cover inner range")
	}
	if inner.Covers(wide) {
		t.Error("inner range should not cover wide range")
	}
	if !wide.Covers(wide) {
		t.Error("a range should cover itself")
	}
}

func TestAnchorClone(t *testing.T) {
	a := Anchor("cursor-42")
	c := a.Clone()
	c[0] = 'X'
	if string(a) != "cursor-42" {
		t.Error("clone should not alias the original anchor")
	}
	if !Anchor(nil).IsZero() || (Anchor{}).IsZero() == false {
		t.Error("empty anchors should report zero")
	}
}
