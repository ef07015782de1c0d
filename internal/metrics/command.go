// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsResolvedTotal counts resolved commands by outcome.
	CommandsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_commands_resolved_total",
		Help: "Total number of resolved commands by verb and outcome (ok, failed, requeue)",
	}, []string{"verb", "outcome"})

	// CommandDuration tracks time from enqueue to resolution.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obsnet_command_duration_seconds",
		Help:    "Time from enqueue to resolution of a command",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
	}, []string{"verb"})

	// CommandHookPanicsTotal counts recovered panics in completion hooks.
	CommandHookPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obsnet_command_hook_panics_total",
		Help: "Total number of panics recovered from command completion hooks",
	})
)

// RecordCommandResolved records a command resolution with its latency.
func RecordCommandResolved(verb, outcome string, elapsed time.Duration) {
	if verb == "" {
		verb = "unknown"
	}
	CommandsResolvedTotal.WithLabelValues(verb, outcome).Inc()
	CommandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// IncCommandHookPanic records a recovered completion hook panic.
func IncCommandHookPanic() {
	CommandHookPanicsTotal.Inc()
}
