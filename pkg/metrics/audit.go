package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initAuditMetrics() {
	m.auditPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_publish_total",
			Help: "Audit event publish attempts by status",
		},
		[]string{"status"},
	)

	m.auditRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_publish_retries_total",
			Help: "Total number of audit publish retries",
		},
	)

	m.auditDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_publisher_degraded",
			Help: "Whether the audit publisher is in degraded mode (1=degraded)",
		},
	)

	m.auditOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_publisher_outages_total",
			Help: "Transitions of the audit publisher into degraded mode",
		},
	)

	m.registry.MustRegister(m.auditPublish, m.auditRetries, m.auditDegraded, m.auditOutages)
}

// RecordPublish records an audit publish status.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.auditPublish.WithLabelValues(status).Inc()
}

// RecordRetry records an audit publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.auditRetries.Inc()
}

// SetDegradedMode sets the degraded gauge and counts outage transitions.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		if m.degraded.CompareAndSwap(false, true) {
			m.auditOutages.Inc()
		}
		m.auditDegraded.Set(1)
		return
	}
	m.degraded.Store(false)
	m.auditDegraded.Set(0)
}
