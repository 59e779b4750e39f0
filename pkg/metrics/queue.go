package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initQueueMetrics(cfg Config) {
	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of entries per capability and priority stream",
		},
		[]string{"capability", "priority"},
	)

	m.queueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_wait_seconds",
			Help:    "Time entries spend queued before first delivery",
			Buckets: cfg.QueueWaitBuckets,
		},
		[]string{"priority"},
	)

	m.oldestUnackedAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oldest_unacked_age_seconds",
			Help: "Age of the oldest unacknowledged entry per priority",
		},
		[]string{"priority"},
	)

	m.reclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaims_total",
			Help: "Total number of pending entries reclaimed from dead consumers",
		},
	)

	m.deadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_total",
			Help: "Total number of entries moved to a dead-letter stream",
		},
	)

	m.queueDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_degraded",
			Help: "Whether the durable queue backend is currently unreachable (1) or healthy (0)",
		},
	)

	m.queueOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_outages_total",
			Help: "Total number of detected queue backend outages",
		},
	)

	m.registry.MustRegister(m.queueDepth)
	m.registry.MustRegister(m.queueWait)
	m.registry.MustRegister(m.oldestUnackedAge)
	m.registry.MustRegister(m.reclaims)
	m.registry.MustRegister(m.deadLetters)
	m.registry.MustRegister(m.queueDegraded)
	m.registry.MustRegister(m.queueOutages)
}

// SetQueueDepth sets the current depth of one stream.
func (m *Manager) SetQueueDepth(capability, priority string, depth float64) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(capability, priority).Set(depth)
}

// RecordQueueWait records queue wait latency for one delivered entry.
func (m *Manager) RecordQueueWait(priority string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.queueWait.WithLabelValues(priority).Observe(duration.Seconds())
}

// SetOldestUnackedAge sets the oldest pending age for one priority.
func (m *Manager) SetOldestUnackedAge(priority string, age time.Duration) {
	if !m.enabled {
		return
	}
	m.oldestUnackedAge.WithLabelValues(priority).Set(age.Seconds())
}

// RecordReclaim records one reclaimed entry.
func (m *Manager) RecordReclaim() {
	if !m.enabled {
		return
	}
	m.reclaims.Inc()
}

// RecordDeadLetter records one DLQ placement.
func (m *Manager) RecordDeadLetter() {
	if !m.enabled {
		return
	}
	m.deadLetters.Inc()
}

// SetQueueDegraded flags the queue backend as unreachable or healthy.
func (m *Manager) SetQueueDegraded(degraded bool) {
	if !m.enabled {
		return
	}
	if degraded {
		m.queueDegraded.Set(1)
	} else {
		m.queueDegraded.Set(0)
	}
}

// RecordQueueOutage records one detected backend outage.
func (m *Manager) RecordQueueOutage() {
	if !m.enabled {
		return
	}
	m.queueOutages.Inc()
}
