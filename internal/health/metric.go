// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package health defines the canonical data model shared by every sync
// component: metric types, samples, anchors, pending batches, statistics,
// and the error taxonomy.
package health

import "time"

// MetricType identifies a named vital-sign time series. It is the primary
// key for cache entries, throttle state, anchors, and batch grouping.
type MetricType string

const (
	MetricHeartRate        MetricType = "heart_rate"
	MetricSteps            MetricType = "steps"
	MetricBloodPressure    MetricType = "blood_pressure"
	MetricSleep            MetricType = "sleep"
	MetricOxygenSaturation MetricType = "oxygen_saturation"
	MetricBodyTemperature  MetricType = "body_temperature"
)

// AllMetricTypes returns the closed set of supported metric types.
func AllMetricTypes() []MetricType {
	return []MetricType{
		MetricHeartRate,
		MetricSteps,
		MetricBloodPressure,
		MetricSleep,
		MetricOxygenSaturation,
		MetricBodyTemperature,
	}
}

// Valid reports whether m is a member of the closed enumeration.
func (m MetricType) Valid() bool {
	switch m {
	case MetricHeartRate, MetricSteps, MetricBloodPressure,
		MetricSleep, MetricOxygenSaturation, MetricBodyTemperature:
		return true
	}
	return false
}

func (m MetricType) String() string {
	return string(m)
}

// Range is a half-open time interval [Start, End) used for bounded queries
// and cache coverage checks.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Covers reports whether r fully contains other.
func (r Range) Covers(other Range) bool {
	return !r.Start.After(other.Start) && !r.End.Before(other.End)
}

// IsZero reports whether the range is unset.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}
