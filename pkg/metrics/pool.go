package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initPoolMetrics(cfg Config) {
	m.workersCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_current",
			Help: "Current number of workers per pool",
		},
		[]string{"pool"},
	)

	m.workersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_busy",
			Help: "Number of workers currently holding a claim per pool",
		},
		[]string{"pool"},
	)

	m.poolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_utilization",
			Help: "Busy time over wall time per pool in the last sampling window",
		},
		[]string{"pool"},
	)

	m.preemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preemptions_total",
			Help: "Total number of preemption signals honored by workers",
		},
	)

	m.scaleActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_actions_total",
			Help: "Total number of autoscaler pool resizes by direction",
		},
		[]string{"pool", "direction"},
	)

	m.registry.MustRegister(m.workersCurrent)
	m.registry.MustRegister(m.workersBusy)
	m.registry.MustRegister(m.poolUtilization)
	m.registry.MustRegister(m.preemptions)
	m.registry.MustRegister(m.scaleActions)
}

// SetWorkersCurrent sets the current worker count for one pool.
func (m *Manager) SetWorkersCurrent(pool string, count float64) {
	if !m.enabled {
		return
	}
	m.workersCurrent.WithLabelValues(pool).Set(count)
}

// SetWorkersBusy sets the busy worker count for one pool.
func (m *Manager) SetWorkersBusy(pool string, count float64) {
	if !m.enabled {
		return
	}
	m.workersBusy.WithLabelValues(pool).Set(count)
}

// SetPoolUtilization sets the sampled utilization for one pool.
func (m *Manager) SetPoolUtilization(pool string, utilization float64) {
	if !m.enabled {
		return
	}
	m.poolUtilization.WithLabelValues(pool).Set(utilization)
}

// RecordPreemption records one honored preemption.
func (m *Manager) RecordPreemption() {
	if !m.enabled {
		return
	}
	m.preemptions.Inc()
}

// RecordScaleAction records one pool resize.
func (m *Manager) RecordScaleAction(pool, direction string) {
	if !m.enabled {
		return
	}
	m.scaleActions.WithLabelValues(pool, direction).Inc()
}
