// Package metrics holds the prometheus collectors of the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debci",
		Name:      "build_transitions_total",
		Help:      "Build state transitions by build type and new state.",
	}, []string{"build_type", "state"})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debci",
		Name:      "scheduler_decisions_total",
		Help:      "Outcome of considering one build in a scheduler pass.",
	}, []string{"decision"})

	DispatcherCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debci",
		Name:      "dispatcher_commands_total",
		Help:      "Commands handled by the task dispatcher.",
	}, []string{"command", "result"})

	Nodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "debci",
		Name:      "nodes",
		Help:      "Connected execution nodes by architecture and state.",
	}, []string{"arch", "state"})

	QueuedJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "debci",
		Name:      "queued_jobs",
		Help:      "Jobs waiting for an idle node by architecture.",
	}, []string{"arch"})

	NodesLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debci",
		Name:      "nodes_lost_total",
		Help:      "Nodes dropped because of a disconnect or missed heartbeats.",
	}, []string{"arch", "reason"})
)
