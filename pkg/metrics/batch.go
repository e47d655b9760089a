package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initBatchMetrics(cfg Config) {
	m.batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Number of sagas per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		},
	)

	m.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Batch wall-clock duration in seconds",
			Buckets: cfg.BatchDurationBuckets,
		},
	)

	m.batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Batch members by terminal saga status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.batchSize, m.batchDuration, m.batchItems)
}

// RecordBatch records one finished batch.
func (m *Manager) RecordBatch(size int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.batchSize.Observe(float64(size))
	m.batchDuration.Observe(duration.Seconds())
}

// RecordBatchItem records the outcome of one batch member.
func (m *Manager) RecordBatchItem(status string) {
	if !m.enabled {
		return
	}
	m.batchItems.WithLabelValues(status).Inc()
}
