package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the engine hot paths. Registered on the default registry and
// served by the /metrics endpoint.
var (
	StepAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bsdflow_step_attempts_total",
		Help: "Process step attempts by step kind and outcome.",
	}, []string{"kind", "outcome"})

	EntityConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bsdflow_entity_conflicts_total",
		Help: "Optimistic concurrency conflicts on entity updates.",
	})

	EventsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bsdflow_events_finished_total",
		Help: "Event instances reaching a terminal status.",
	}, []string{"status"})
)
