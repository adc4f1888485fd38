// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// Simulated is a synthetic health data source for local development
// and demos. It generates plausible samples at a fixed cadence per
// metric type and uses the sample timestamp (unix nanoseconds) as its
// anchor, so incremental fetches only return samples newer than the
// last anchor.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	interval time.Duration
	handlers map[health.MetricType]ChangeHandler
	timers   map[health.MetricType]*time.Timer
	closed   bool
}

// NewSimulated returns a simulated provider emitting change
// notifications every interval. A non-positive interval disables
// notifications; FetchSince still works.
func NewSimulated(interval time.Duration) *Simulated {
	return &Simulated{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		interval: interval,
		handlers: make(map[health.MetricType]ChangeHandler),
		timers:   make(map[health.MetricType]*time.Timer),
	}
}

func (s *Simulated) RequestAuthorization(ctx context.Context, types []health.MetricType) (bool, error) {
	return true, nil
}

func (s *Simulated) FetchSince(ctx context.Context, mt health.MetricType, a health.Anchor, rng health.Range) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	since := rng.Start
	if !a.IsZero() {
		ns, err := strconv.ParseInt(string(a), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed anchor %q: %w", a, err)
		}
		since = time.Unix(0, ns).UTC()
	}

	end := rng.End
	if end.IsZero() {
		end = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var samples []RawSample
	// One sample per five minutes of elapsed window, capped so a long
	// backfill does not flood the queue.
	step := 5 * time.Minute
	for ts := since.Add(step); !ts.After(end) && len(samples) < 500; ts = ts.Add(step) {
		samples = append(samples, s.generate(mt, ts))
	}

	newAnchor := a
	if n := len(samples); n > 0 {
		newAnchor = health.Anchor(strconv.FormatInt(samples[n-1].Timestamp.UnixNano(), 10))
	}
	return &ChangeSet{Samples: samples, NewAnchor: newAnchor}, nil
}

func (s *Simulated) generate(mt health.MetricType, ts time.Time) RawSample {
	var payload []byte
	switch mt {
	case health.MetricHeartRate:
		payload, _ = json.Marshal(map[string]float64{"bpm": 55 + s.rng.Float64()*70})
	case health.MetricSteps:
		payload, _ = json.Marshal(map[string]float64{"count": float64(s.rng.Intn(600))})
	case health.MetricBloodPressure:
		payload, _ = json.Marshal(map[string]float64{
			"systolic":  105 + s.rng.Float64()*30,
			"diastolic": 65 + s.rng.Float64()*20,
		})
	case health.MetricSleep:
		payload, _ = json.Marshal(map[string]float64{"duration_minutes": 30 + s.rng.Float64()*90})
	case health.MetricOxygenSaturation:
		payload, _ = json.Marshal(map[string]float64{"percent": 94 + s.rng.Float64()*5})
	case health.MetricBodyTemperature:
		payload, _ = json.Marshal(map[string]float64{"celsius": 36.2 + s.rng.Float64()*1.2})
	default:
		payload = []byte(`{}`)
	}
	return RawSample{
		ID:          uuid.New().String(),
		Type:        mt,
		Timestamp:   ts,
		Payload:     payload,
		SourceLabel: "simulated",
		Quality:     health.QualityGood,
	}
}

func (s *Simulated) Subscribe(ctx context.Context, mt health.MetricType, fn ChangeHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	s.handlers[mt] = fn
	if s.interval > 0 {
		s.scheduleLocked(mt)
	}
	return nil
}

func (s *Simulated) Unsubscribe(mt health.MetricType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, mt)
	if t, ok := s.timers[mt]; ok {
		t.Stop()
		delete(s.timers, mt)
	}
	return nil
}

func (s *Simulated) scheduleLocked(mt health.MetricType) {
	if t, ok := s.timers[mt]; ok {
		t.Stop()
	}
	s.timers[mt] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		fn, ok := s.handlers[mt]
		if ok && !s.closed {
			s.scheduleLocked(mt)
		}
		s.mu.Unlock()
		if ok {
			logging.Debug().Str("metric_type", string(mt)).Msg("Simulated change notification")
			fn(mt)
		}
	})
}

// Close stops all notification timers.
func (s *Simulated) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for mt, t := range s.timers {
		t.Stop()
		delete(s.timers, mt)
	}
}
