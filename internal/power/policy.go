// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package power abstracts the device's battery and network state. The
// coordinator consults a Policy before starting a sync and picks the
// cache profile from the same snapshot.
package power

import "sync"

// NetworkType classifies the active network interface.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkNone     NetworkType = "none"
)

// Policy reports the device resource state at sync time.
type Policy interface {
	// BatteryLevel returns the charge fraction in [0, 1].
	BatteryLevel() float64

	// LowPowerMode reports whether the OS battery saver is active.
	LowPowerMode() bool

	// Network returns the active network type.
	Network() NetworkType
}

// StaticPolicy is a Policy with settable values, used when no platform
// integration is wired and in tests.
type StaticPolicy struct {
	mu       sync.RWMutex
	battery  float64
	lowPower bool
	network  NetworkType
}

// NewStaticPolicy returns a policy reporting a full battery on wifi.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{battery: 1.0, network: NetworkWifi}
}

func (p *StaticPolicy) BatteryLevel() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.battery
}

func (p *StaticPolicy) LowPowerMode() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lowPower
}

func (p *StaticPolicy) Network() NetworkType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.network
}

// SetBatteryLevel clamps v to [0, 1].
func (p *StaticPolicy) SetBatteryLevel(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.battery = v
}

func (p *StaticPolicy) SetLowPowerMode(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lowPower = on
}

func (p *StaticPolicy) SetNetwork(n NetworkType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.network = n
}
