package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initTaskMetrics(cfg Config) {
	m.tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of accepted task submissions",
		},
		[]string{"method", "priority", "tenant"},
	)

	m.tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks reaching a terminal result by status",
		},
		[]string{"status"},
	)

	m.taskLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_latency_seconds",
			Help:    "End-to-end task latency from submission to terminal result",
			Buckets: cfg.TaskLatencyBuckets,
		},
		[]string{"method"},
	)

	m.taskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Total number of task redeliveries (reclaims and requeues)",
		},
	)

	m.registry.MustRegister(m.tasksSubmitted)
	m.registry.MustRegister(m.tasksCompleted)
	m.registry.MustRegister(m.taskLatency)
	m.registry.MustRegister(m.taskRetries)
}

// RecordTaskSubmitted records one accepted submission.
func (m *Manager) RecordTaskSubmitted(method, priority, tenant string) {
	if !m.enabled {
		return
	}
	m.tasksSubmitted.WithLabelValues(method, priority, tenant).Inc()
}

// RecordTaskCompleted records one terminal task result.
func (m *Manager) RecordTaskCompleted(status string) {
	if !m.enabled {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
}

// RecordTaskLatency records end-to-end task latency.
func (m *Manager) RecordTaskLatency(method string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.taskLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTaskRetry records one redelivery.
func (m *Manager) RecordTaskRetry() {
	if !m.enabled {
		return
	}
	m.taskRetries.Inc()
}
