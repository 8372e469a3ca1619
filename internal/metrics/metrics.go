package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_executions_started_total",
		Help: "Workflow executions started",
	})

	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steplite_executions_finished_total",
		Help: "Workflow executions reaching a terminal status",
	}, []string{"status"})

	StepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_steps_completed_total",
		Help: "Execution steps completed",
	})

	StepsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_steps_failed_total",
		Help: "Execution steps failed",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steplite_step_duration_seconds",
		Help:    "Wall time of one step interpretation",
		Buckets: prometheus.DefBuckets,
	})

	QueueItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_queue_items_processed_total",
		Help: "Queue rows consumed by the dispatch loop",
	})

	StuckStepsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_stuck_steps_recovered_total",
		Help: "RUNNING steps reset to PENDING by the reaper",
	})

	WaitStepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steplite_wait_steps_completed_total",
		Help: "Wait steps released by the wake loop",
	})
)
