// Package metrics collects the audit-metric counters the instance engine
// emits: heartbeat, add-instance, delete-instance, finish-instance, and
// failure counters. Emission of these into an external audit pipeline is
// out of scope; this package only defines and increments the local
// prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatTotal counts InstanceManager main-loop ticks and Instance
	// idle-sleep heartbeats, labeled by task.
	HeartbeatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_heartbeat_total",
		Help: "counter of supervisor and instance heartbeats",
	}, []string{"task", "source"})

	// AddInstanceTotal counts ADD actions, labeled by outcome.
	AddInstanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_add_total",
		Help: "counter of ADD actions processed by the instance manager",
	}, []string{"task", "outcome"})

	// FinishInstanceTotal counts FINISH actions.
	FinishInstanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_finish_total",
		Help: "counter of FINISH actions processed by the instance manager",
	}, []string{"task"})

	// DeleteInstanceTotal counts DELETE actions.
	DeleteInstanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_delete_total",
		Help: "counter of DELETE actions processed by the instance manager",
	}, []string{"task"})

	// FailureTotal counts failures, labeled by abstract error kind
	// (init-failure, queue-full, store-corruption, ...).
	FailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_failure_total",
		Help: "counter of failures encountered by the instance engine",
	}, []string{"task", "kind"})

	// PermitDeniedTotal counts MemoryBudget.TryAcquire denials, labeled by
	// pool.
	PermitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_instance_permit_denied_total",
		Help: "counter of denied MemoryBudget acquisitions",
	}, []string{"pool"})

	// InstancesLive reports the current instanceMap size per task.
	InstancesLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_instance_live",
		Help: "gauge of live in-memory instances per task",
	}, []string{"task"})

	// MemoryBudgetUsed reports current bytes in use per named pool.
	MemoryBudgetUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_instance_memory_budget_used_bytes",
		Help: "gauge of bytes currently reserved from a memory budget pool",
	}, []string{"pool", "tag"})
)
