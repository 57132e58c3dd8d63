package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the API gateway.",
	})

	APITasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "api",
		Name:      "tasks_cancelled_total",
		Help:      "Total cancel requests that moved a task to CANCELLED.",
	})

	APIArchiveFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "api",
		Name:      "archive_fallbacks_total",
		Help:      "Task reads served from the execution-log archive.",
	})

	// ─── Orchestrator ────────────────────────────────────────────────────────────

	OrchestratorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "decisions_total",
		Help:      "Policy decisions applied, labelled by kind (dispatch, finish, fail).",
	}, []string{"kind"})

	OrchestratorStepsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "steps_dispatched_total",
		Help:      "Steps appended and enqueued, labelled by capability.",
	}, []string{"capability"})

	OrchestratorTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "tasks_finished_total",
		Help:      "Tasks finalized, labelled by terminal status.",
	}, []string{"status"})

	OrchestratorConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "conflicts_total",
		Help:      "Advances lost to a concurrent orchestrator instance.",
	})

	OrchestratorLowConfidence = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "low_confidence_total",
		Help:      "Finished tasks whose result scored under the confidence threshold.",
	})

	OrchestratorConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "result_confidence",
		Help:      "Confidence score of finished task results.",
		Buckets:   []float64{0.3, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1},
	})

	OrchestratorTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Time from task creation to its terminal status.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerStepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "worker",
		Name:      "steps_executed_total",
		Help:      "Total steps executed, labelled by capability and outcome (ok or error kind).",
	}, []string{"capability", "outcome"})

	WorkerStepsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Subsystem: "worker",
		Name:      "steps_inflight",
		Help:      "Steps currently being executed.",
	}, []string{"capability"})

	WorkerStepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "worker",
		Name:      "step_duration_seconds",
		Help:      "Capability invocation time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"capability"})

	WorkerStepsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "worker",
		Name:      "steps_skipped_total",
		Help:      "Deliveries not executed, labelled by reason (terminal, observed, conflict).",
	}, []string{"reason"})

	WorkerLLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "worker",
		Name:      "llm_tokens_total",
		Help:      "Language-model tokens consumed, labelled by direction (input, output).",
	}, []string{"direction"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherStepsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "steps_routed_total",
		Help:      "Total steps routed to per-capability worker topics.",
	}, []string{"capability"})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Total messages sent to the DLQ by the dispatcher (malformed or no capability).",
	})

	DispatcherRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Total routing attempts deferred by the rate limiter.",
	})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperRepublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "sweeper",
		Name:      "republished_total",
		Help:      "Signals re-published for stalled tasks, labelled by kind (start, dispatch, completion).",
	}, []string{"kind"})

	SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Sweeps executed while holding leadership.",
	})
)
