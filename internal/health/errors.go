// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

package health

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Retryability drives the queue's backoff policy and the
// coordinator's state machine: fatal conditions latch the coordinator in
// its Error state until an explicit reset, so a revoked authorization
// cannot produce a tight retry loop that drains the battery.
var (
	// ErrProviderUnavailable marks a transient provider failure (busy,
	// unreachable, circuit open). Retryable.
	ErrProviderUnavailable = errors.New("health provider unavailable")

	// ErrAuthorizationRevoked marks a fatal provider failure requiring
	// external remediation (re-authorization).
	ErrAuthorizationRevoked = errors.New("health provider authorization revoked")

	// ErrIntegrityMismatch marks a checksum failure for a batch. The
	// batch is not retried; the condition is logged for investigation.
	ErrIntegrityMismatch = errors.New("batch integrity mismatch")

	// ErrServerRejected marks a permanent remote rejection (malformed
	// batch or equivalent). Not retryable; surfaced to the caller.
	ErrServerRejected = errors.New("server rejected batch")
)

// RateLimitedError is returned by the cache & throttle service when a
// fetch is throttled and no cached fallback exists. It is a local
// scheduling condition, resolved by waiting, not a provider failure.
type RateLimitedError struct {
	// Remaining is how long until the next real fetch is permitted.
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.Remaining)
}

// DeferReason explains why the coordinator declined to start a sync.
// Deferral is a resource-policy decision, not an error.
type DeferReason string

const (
	DeferLowBattery   DeferReason = "low_battery"
	DeferLowPowerMode DeferReason = "low_power_mode"
	DeferNetworkUnfit DeferReason = "network_unsuitable"
	DeferNone         DeferReason = ""
)

// DeferredError reports a deferred sync to callers of the facade.
type DeferredError struct {
	Reason DeferReason
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("sync deferred: %s", e.Reason)
}
