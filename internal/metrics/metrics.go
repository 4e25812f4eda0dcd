// Package metrics holds the Prometheus instruments for the control
// plane. serve exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued runs waiting for admission.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_queue_depth",
		Help: "Current number of queued runs",
	})

	// SchedulerDecisions counts admission outcomes by rule.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_scheduler_decisions_total",
		Help: "Total admission decisions made by the scheduler",
	}, []string{"decision", "reason"})

	// SchedulerTickDuration tracks the duration of one scheduling pass.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchyard_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduling pass",
		Buckets: prometheus.DefBuckets,
	})

	// DispatchFailures counts failed dispatch attempts by error kind.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_dispatch_failures_total",
		Help: "Dispatch attempts that returned an error",
	}, []string{"kind"})

	// RunsCompleted counts terminal run transitions by final state.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_runs_completed_total",
		Help: "Runs reaching a terminal state",
	}, []string{"state"})

	// RunRetries counts retry runs created after failures.
	RunRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_run_retries_total",
		Help: "Retry runs created after retryable failures",
	})

	// RuntimesByState tracks pool membership by lifecycle state.
	RuntimesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchyard_runtimes",
		Help: "Task runtimes by lifecycle state",
	}, []string{"state"})

	// RuntimeLeases tracks currently held runtime slots.
	RuntimeLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_runtime_leases_active",
		Help: "Runtime slots currently leased to runs",
	})

	// HeartbeatsMissed counts heartbeat freshness violations.
	HeartbeatsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_heartbeats_missed_total",
		Help: "Heartbeat scans that found a runtime stale",
	})

	// RuntimesQuarantined counts runtimes pulled from rotation.
	RuntimesQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_runtimes_quarantined_total",
		Help: "Runtimes quarantined after repeated missed heartbeats",
	})

	// EventsPublished counts events accepted by the bus per category.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_events_published_total",
		Help: "Events published to the run event bus",
	}, []string{"category"})

	// EventsDropped counts per-subscriber drops from full buffers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})

	// BackgroundWork counts background operations by kind and outcome.
	BackgroundWork = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_background_work_total",
		Help: "Background operations by kind and terminal state",
	}, []string{"kind", "state"})

	// DeadRuns counts runs terminated by the dead run detector.
	DeadRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_dead_runs_total",
		Help: "Runs terminated by the dead run detector",
	}, []string{"reason"})
)
