// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceTransitionsTotal counts device sub-state transitions.
	DeviceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_device_transitions_total",
		Help: "Total number of device sub-state transitions by device, from and to state",
	}, []string{"device", "from", "to"})

	// DeviceSubState exposes the current sub-state (1 for the active state, 0 otherwise).
	DeviceSubState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obsnet_device_substate",
		Help: "Current device sub-state (active state=1; others 0)",
	}, []string{"device", "state"})

	// SafetyLockoutsTotal counts forced safe transitions.
	SafetyLockoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_safety_lockouts_total",
		Help: "Total number of safety lockouts that forced a device toward closed",
	}, []string{"device"})

	// DeviceFaultsTotal counts hardware faults reported by polls.
	DeviceFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_device_faults_total",
		Help: "Total number of device faults by device",
	}, []string{"device"})
)

// SetDeviceSubState records the active sub-state for a device.
func SetDeviceSubState(device, active string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == active {
			value = 1.0
		}
		DeviceSubState.WithLabelValues(device, s).Set(value)
	}
}

// RecordDeviceTransition increments the transition counter.
func RecordDeviceTransition(device, from, to string) {
	DeviceTransitionsTotal.WithLabelValues(device, from, to).Inc()
}

// IncSafetyLockout records a safety lockout.
func IncSafetyLockout(device string) {
	SafetyLockoutsTotal.WithLabelValues(device).Inc()
}

// IncDeviceFault records a device fault.
func IncDeviceFault(device string) {
	DeviceFaultsTotal.WithLabelValues(device).Inc()
}
