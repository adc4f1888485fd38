// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package provider defines the boundary to the on-device health-data
// platform. The platform itself is an external collaborator; this
// package specifies the contract the sync core depends on and the codec
// layer that turns provider-raw samples into canonical ones.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/pulseone/vitalsync/internal/health"
)

// Boundary errors. The fetcher classifies ErrUnauthorized as fatal and
// everything else as retryable.
var (
	// ErrUnauthorized means the platform revoked or never granted read
	// access for the requested metric types.
	ErrUnauthorized = errors.New("provider authorization denied")

	// ErrUnavailable means the platform is temporarily unable to serve
	// queries (busy, restarting).
	ErrUnavailable = errors.New("provider temporarily unavailable")
)

// RawSample is one observation as delivered by the platform, before
// decoding. The ID is the platform's own identifier and is passed through
// unmodified so downstream deduplication can rely on it.
type RawSample struct {
	ID          string            `json:"id"`
	Type        health.MetricType `json:"metric_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     json.RawMessage   `json:"payload"`
	SourceLabel string            `json:"source_label,omitempty"`
	Quality     health.Quality    `json:"quality,omitempty"`
}

// ChangeSet is the result of an incremental query: the samples observed
// since the given anchor, plus the anchor to persist once those samples
// are durably queued downstream.
type ChangeSet struct {
	Samples   []RawSample
	NewAnchor health.Anchor
}

// ChangeHandler is invoked when the platform reports new data for a
// metric type. Handlers must be fast; fetch orchestration belongs to the
// coordinator, not the notification path.
type ChangeHandler func(health.MetricType)

// Provider is the read/observe API of the on-device health platform.
type Provider interface {
	// RequestAuthorization asks the platform for read access to the
	// given metric types. Returns false when the user declined.
	RequestAuthorization(ctx context.Context, types []health.MetricType) (bool, error)

	// FetchSince returns changes for one metric type since anchor. A
	// zero anchor requests a full bounded-range query over rng instead.
	FetchSince(ctx context.Context, mt health.MetricType, anchor health.Anchor, rng health.Range) (*ChangeSet, error)

	// Subscribe registers for change notifications for one metric type.
	Subscribe(ctx context.Context, mt health.MetricType, fn ChangeHandler) error

	// Unsubscribe releases the subscription for one metric type.
	Unsubscribe(mt health.MetricType) error
}
