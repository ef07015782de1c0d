// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionTransitionsTotal counts connection state transitions by target state.
	ConnectionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_connection_transitions_total",
		Help: "Total number of connection state transitions by role and new state",
	}, []string{"role", "state"})

	// ConnectionsOpen tracks the number of currently registered connections by role.
	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obsnet_connections",
		Help: "Number of registered connections by role",
	}, []string{"role"})

	// ConnectionClosedTotal counts closed connections by close reason.
	ConnectionClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_connection_closed_total",
		Help: "Total number of closed connections by reason (protocol, auth, transport, local, timeout)",
	}, []string{"reason"})

	// LinesReceivedTotal counts received protocol lines by dispatch kind.
	LinesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_lines_received_total",
		Help: "Total number of received lines by dispatch kind (reply, value, command, auth, process)",
	}, []string{"kind"})
)

// RecordConnectionTransition records a connection state change.
func RecordConnectionTransition(role, state string) {
	ConnectionTransitionsTotal.WithLabelValues(role, state).Inc()
}

// RecordConnectionClosed records why a connection was closed.
func RecordConnectionClosed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	ConnectionClosedTotal.WithLabelValues(reason).Inc()
}

// RecordLine records a dispatched input line.
func RecordLine(kind string) {
	LinesReceivedTotal.WithLabelValues(kind).Inc()
}

// SetConnections sets the number of registered connections for a role.
func SetConnections(role string, n int) {
	ConnectionsOpen.WithLabelValues(role).Set(float64(n))
}
