// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package health

import "time"

// Quality grades a sample's measurement confidence as reported by the
// provider. Unknown is used when the provider gives no grading.
type Quality string

const (
	QualityGood       Quality = "good"
	QualityAcceptable Quality = "acceptable"
	QualityPoor       Quality = "poor"
	QualityUnknown    Quality = "unknown"
)

// Sample is one observation of a metric. Samples are immutable once
// created; a superseding measurement is simply a new record with its own
// provider-assigned ID. The ID is passed through unmodified from the
// provider so downstream deduplication can rely on it.
type Sample struct {
	// ID is the provider-assigned identifier, unique per sample.
	ID string `json:"id"`

	// Type is the metric this sample belongs to.
	Type MetricType `json:"metric_type"`

	// Timestamp is when the observation was taken.
	Timestamp time.Time `json:"timestamp"`

	// Values holds the numeric fields of the observation. The field set
	// depends on the metric type: heart_rate carries "bpm", blood_pressure
	// carries "systolic" and "diastolic", and so on. Decoding from the
	// provider's raw payload is the job of a provider.Codec.
	Values map[string]float64 `json:"values"`

	// SourceLabel names the recording device or app ("Apple Watch", etc.).
	SourceLabel string `json:"source_label,omitempty"`

	// Quality is the provider's confidence grading for this sample.
	Quality Quality `json:"quality,omitempty"`
}

// Anchor is an opaque, provider-defined token marking the last position
// read in a metric's change stream. The sync core never interprets its
// contents; it only persists and replays it.
type Anchor []byte

// IsZero reports whether the anchor is unset (first fetch for a type).
func (a Anchor) IsZero() bool {
	return len(a) == 0
}

// Clone returns an independent copy of the anchor bytes.
func (a Anchor) Clone() Anchor {
	if a == nil {
		return nil
	}
	out := make(Anchor, len(a))
	copy(out, a)
	return out
}
