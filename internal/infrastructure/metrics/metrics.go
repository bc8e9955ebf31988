package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commissioner_tasks_submitted_total",
			Help: "Root tasks accepted for execution.",
		},
		[]string{"kind"},
	)

	submissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commissioner_submissions_rejected_total",
			Help: "Submissions refused before a task record was created.",
		},
		[]string{"kind", "reason"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commissioner_tasks_finished_total",
			Help: "Tasks that reached a terminal state, subtasks included.",
		},
		[]string{"kind", "state"},
	)

	orphanedTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "commissioner_orphaned_tasks_total",
			Help: "Tasks failed by recovery because their owner stopped heartbeating.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commissioner_task_duration_seconds",
			Help:    "Wall time from start of execution to terminal state for root tasks.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "commissioner_executor_queue_depth",
			Help: "Root tasks reserved or queued but not yet picked up by a worker.",
		},
	)

	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "commissioner_executor_busy_workers",
			Help: "Workers currently running a root task.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tasksSubmitted,
		submissionsRejected,
		tasksFinished,
		orphanedTasks,
		taskDuration,
		queueDepth,
		busyWorkers,
	)
}

func TaskSubmitted(kind string) {
	tasksSubmitted.WithLabelValues(kind).Inc()
}

func SubmissionRejected(kind, reason string) {
	submissionsRejected.WithLabelValues(kind, reason).Inc()
}

func TaskFinished(kind, state string) {
	tasksFinished.WithLabelValues(kind, state).Inc()
}

func RootTaskFinished(kind string, elapsed time.Duration) {
	taskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func TasksOrphaned(n int) {
	orphanedTasks.Add(float64(n))
}

func QueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func BusyWorkers(n int) {
	busyWorkers.Set(float64(n))
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
