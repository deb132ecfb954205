// Package observability holds the Prometheus metrics the scheduling core
// exports, wired directly into the components that observe the events they
// describe rather than collected via a side-channel poller.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the Ready-state backlog per queue, sampled by
	// monitoring.Monitor on every tick.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradingcore_queue_depth",
		Help: "Current number of Ready tasks in the queue",
	}, []string{"queue"})

	// QueueOldestReadyAgeSeconds tracks how long the oldest Ready task in a
	// queue has been waiting, the starvation-aging signal from spec.md §4.2.
	QueueOldestReadyAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradingcore_queue_oldest_ready_age_seconds",
		Help: "Age of the oldest Ready task in the queue in seconds",
	}, []string{"queue"})

	// SchedulingDecisions tracks every admission/dispatch decision the engine
	// makes, labeled the same way engine.SchedulingDecision describes one.
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_scheduling_decisions_total",
		Help: "Total number of scheduling decisions made, by decision and reason",
	}, []string{"decision", "reason"})

	// TaskRetries tracks retry attempts scheduled across every queue.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradingcore_task_retries_total",
		Help: "Total number of task retry attempts scheduled",
	})

	// TaskTimeouts tracks handlers that didn't return within CancelGrace of a
	// Cancel signal and were declared HandlerUnresponsive.
	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_task_handler_unresponsive_total",
		Help: "Running tasks whose handler did not return within the cancel grace period",
	}, []string{"queue"})

	// TaskSuccesses/TaskFailures track terminal outcomes by queue.
	TaskSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_task_success_total",
		Help: "Total number of tasks that completed successfully",
	}, []string{"queue"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_task_failure_total",
		Help: "Total number of tasks that reached a terminal Failed state",
	}, []string{"queue", "error_kind"})

	// CircuitState mirrors breaker.Manager's per-dependency state for
	// dashboards (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradingcore_circuit_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// DependencyHealthy mirrors monitoring.DependencyWatchdog's most recent
	// probe result per collaborator (1=healthy, 0=unreachable).
	DependencyHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradingcore_dependency_healthy",
		Help: "Most recent reachability probe result per collaborator (1=healthy, 0=unreachable)",
	}, []string{"dependency"})

	// AlertsRaised tracks monitoring.Monitor and DependencyWatchdog alerts by
	// severity, after go-catrate throttling.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_alerts_raised_total",
		Help: "Total number of AlertRaised events published, after throttling",
	}, []string{"severity"})

	// EmergencyStops tracks EmergencyStop invocations.
	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradingcore_emergency_stops_total",
		Help: "Total number of EmergencyStop invocations",
	})

	// ActivationTransitions tracks engine.Activation leadership transitions.
	ActivationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_activation_transitions_total",
		Help: "Total number of engine activation leadership transitions",
	}, []string{"node_id", "event"})

	// ActivationStatus reports whether this process currently holds
	// activation (1) or is standby (0).
	ActivationStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradingcore_activation_status",
		Help: "Whether this process currently holds engine activation (1) or is standby (0)",
	})

	// PendingWrites tracks resilience.DegradedMode's buffered-write backlog
	// awaiting reconciliation with the durable store.
	PendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradingcore_degraded_pending_writes",
		Help: "Current number of store writes buffered locally awaiting reconciliation",
	})

	// RedisLatency tracks RedisStore operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradingcore_redis_roundtrip_latency_seconds",
		Help:    "RedisStore operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
	})
)
