// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_proc_terminate_total",
		Help: "Total number of process group termination signals by signal and result",
	}, []string{"signal", "result"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_proc_wait_total",
		Help: "Total number of process wait results during termination",
	}, []string{"result"})

	// ProcessSpawnTotal counts subprocess spawns by worker kind and result.
	ProcessSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_process_spawn_total",
		Help: "Total number of worker subprocess spawns by kind and result (ok, error)",
	}, []string{"kind", "result"})

	// ProcessFinalizedTotal counts worker finalisations by kind and outcome.
	ProcessFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsnet_process_finalized_total",
		Help: "Total number of worker subprocess finalisations by kind and outcome",
	}, []string{"kind", "outcome"})
)

// IncProcTerminate records a termination signal attempt.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records how a terminated process finished waiting.
func IncProcWait(result string) {
	procWaitTotal.WithLabelValues(result).Inc()
}

// IncProcessSpawn records a worker spawn attempt.
func IncProcessSpawn(kind, result string) {
	ProcessSpawnTotal.WithLabelValues(kind, result).Inc()
}

// IncProcessFinalized records a worker finalisation.
func IncProcessFinalized(kind, outcome string) {
	ProcessFinalizedTotal.WithLabelValues(kind, outcome).Inc()
}
