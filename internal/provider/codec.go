// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package provider

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/pulseone/vitalsync/internal/health"
)

// Codec decodes one metric type's raw payload into canonical value keys.
type Codec interface {
	// Decode parses the payload of a raw sample into the value map of a
	// canonical sample. Keys are fixed per metric type.
	Decode(payload json.RawMessage) (map[string]float64, error)
}

// Registry maps metric types to codecs.
type Registry struct {
	codecs map[health.MetricType]Codec
}

// NewRegistry returns a registry with codecs for every known metric type.
func NewRegistry() *Registry {
	return &Registry{
		codecs: map[health.MetricType]Codec{
			health.MetricHeartRate:        scalarCodec{field: "bpm"},
			health.MetricSteps:            scalarCodec{field: "count"},
			health.MetricSleep:            scalarCodec{field: "duration_minutes"},
			health.MetricOxygenSaturation: scalarCodec{field: "percent"},
			health.MetricBodyTemperature:  scalarCodec{field: "celsius"},
			health.MetricBloodPressure:    bloodPressureCodec{},
		},
	}
}

// Decode converts a raw sample into a canonical one. Unknown metric types
// and malformed payloads are errors; the caller decides whether to skip
// or abort.
func (r *Registry) Decode(raw RawSample) (health.Sample, error) {
	codec, ok := r.codecs[raw.Type]
	if !ok {
		return health.Sample{}, fmt.Errorf("no codec for metric type %q", raw.Type)
	}

	values, err := codec.Decode(raw.Payload)
	if err != nil {
		return health.Sample{}, fmt.Errorf("decode %s sample %s: %w", raw.Type, raw.ID, err)
	}

	quality := raw.Quality
	if quality == "" {
		quality = health.QualityUnknown
	}

	return health.Sample{
		ID:          raw.ID,
		Type:        raw.Type,
		Timestamp:   raw.Timestamp,
		Values:      values,
		SourceLabel: raw.SourceLabel,
		Quality:     quality,
	}, nil
}

// DecodeAll converts a slice of raw samples, skipping ones that fail to
// decode and reporting how many were skipped.
func (r *Registry) DecodeAll(raws []RawSample) ([]health.Sample, int) {
	samples := make([]health.Sample, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		s, err := r.Decode(raw)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, s)
	}
	return samples, skipped
}

// scalarCodec handles metric types whose payload is a single numeric
// field, e.g. {"bpm": 62}.
type scalarCodec struct {
	field string
}

func (c scalarCodec) Decode(payload json.RawMessage) (map[string]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	v, ok := raw[c.field]
	if !ok {
		return nil, fmt.Errorf("missing field %q", c.field)
	}
	return map[string]float64{c.field: v}, nil
}

// bloodPressureCodec handles the two-valued blood pressure payload,
// {"systolic": 120, "diastolic": 80}.
type bloodPressureCodec struct{}

func (bloodPressureCodec) Decode(payload json.RawMessage) (map[string]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	sys, ok := raw["systolic"]
	if !ok {
		return nil, fmt.Errorf("missing field %q", "systolic")
	}
	dia, ok := raw["diastolic"]
	if !ok {
		return nil, fmt.Errorf("missing field %q", "diastolic")
	}
	return map[string]float64{"systolic": sys, "diastolic": dia}, nil
}
