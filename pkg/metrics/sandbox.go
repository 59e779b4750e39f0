package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSandboxMetrics(cfg Config) {
	m.sandboxViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_policy_violations_total",
			Help: "Total number of sandboxes terminated for policy violations",
		},
	)

	m.sandboxRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_runtime_seconds",
			Help:    "Sandbox wall-clock runtime",
			Buckets: cfg.SandboxRuntimeBuckets,
		},
	)

	m.sandboxActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_active_count",
			Help: "Current number of running sandboxes",
		},
	)

	m.sandboxOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_outcomes_total",
			Help: "Total number of finished sandboxes by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.sandboxViolations)
	m.registry.MustRegister(m.sandboxRuntime)
	m.registry.MustRegister(m.sandboxActive)
	m.registry.MustRegister(m.sandboxOutcomes)
}

// RecordSandboxViolation records one policy-violation termination.
func (m *Manager) RecordSandboxViolation() {
	if !m.enabled {
		return
	}
	m.sandboxViolations.Inc()
}

// RecordSandboxRuntime records one finished sandbox's wall-clock runtime.
func (m *Manager) RecordSandboxRuntime(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sandboxRuntime.Observe(duration.Seconds())
}

// IncActiveSandboxes increments the running sandbox count.
func (m *Manager) IncActiveSandboxes() {
	if !m.enabled {
		return
	}
	m.sandboxActive.Inc()
}

// DecActiveSandboxes decrements the running sandbox count.
func (m *Manager) DecActiveSandboxes() {
	if !m.enabled {
		return
	}
	m.sandboxActive.Dec()
}

// RecordSandboxOutcome records one finished sandbox outcome.
func (m *Manager) RecordSandboxOutcome(outcome string) {
	if !m.enabled {
		return
	}
	m.sandboxOutcomes.WithLabelValues(outcome).Inc()
}
