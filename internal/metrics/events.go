// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsBroadcastTotal counts broadcast events by type.
	EventsBroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_events_broadcast_total",
		Help: "Total number of events broadcast inside the process by type",
	}, []string{"type"})

	// PhaseChangesTotal counts global phase broadcasts by phase.
	PhaseChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_phase_changes_total",
		Help: "Total number of global phase broadcasts by phase",
	}, []string{"phase"})

	// EventSinkPublishedTotal counts events forwarded to the external sink.
	EventSinkPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_event_sink_published_total",
		Help: "Total number of events published to the external event sink by type",
	}, []string{"type"})

	// EventSinkDroppedTotal counts events the external sink dropped, by reason.
	EventSinkDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_event_sink_dropped_total",
		Help: "Total number of events dropped by the external event sink by type and reason",
	}, []string{"type", "reason"})
)

// IncEventBroadcast records one broadcast event.
func IncEventBroadcast(eventType string) {
	EventsBroadcastTotal.WithLabelValues(eventType).Inc()
}

// IncPhaseChange records one global phase broadcast.
func IncPhaseChange(phase string) {
	PhaseChangesTotal.WithLabelValues(phase).Inc()
}

// IncEventSinkPublished records an event forwarded to the external sink.
func IncEventSinkPublished(eventType string) {
	EventSinkPublishedTotal.WithLabelValues(eventType).Inc()
}

// IncEventSinkDrop records a dropped sink event with a concrete reason.
func IncEventSinkDrop(eventType, reason string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	EventSinkDroppedTotal.WithLabelValues(eventType, reason).Inc()
}
