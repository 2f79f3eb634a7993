// Package metrics holds the process-wide Prometheus instruments. They are
// registered on the default registry and exposed via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsTotal counts submission outcomes at the admission gate,
	// labeled by capability and result (admitted, quota_exceeded,
	// insufficient_credits).
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelforge",
		Subsystem: "tasks",
		Name:      "admissions_total",
		Help:      "Generation task admission outcomes.",
	}, []string{"capability", "result"})

	// TasksFinishedTotal counts terminal task outcomes by final status.
	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelforge",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	// CompensationsTotal counts committed refunds for failed tasks.
	CompensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelforge",
		Subsystem: "ledger",
		Name:      "compensations_total",
		Help:      "Refund transactions committed for failed tasks.",
	})

	// PollsTotal counts provider poll attempts by outcome (running,
	// succeeded, error, transient_error).
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelforge",
		Subsystem: "provider",
		Name:      "polls_total",
		Help:      "Provider status poll outcomes.",
	}, []string{"provider", "outcome"})
)
