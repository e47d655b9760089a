package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initTransferMetrics() {
	m.transferChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_chunks_total",
			Help: "Chunks committed or compensated",
		},
		[]string{"action"},
	)

	m.transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_bytes_committed_total",
			Help: "Bytes committed to the destination",
		},
	)

	m.transferOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_outcomes_total",
			Help: "Transfers reaching a stopping point, by status",
		},
		[]string{"status"},
	)

	m.transferResumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_resumes_total",
			Help: "Resume attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.transferCorruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_corruptions_total",
			Help: "Chunks whose stored digest did not match",
		},
	)

	m.registry.MustRegister(
		m.transferChunks,
		m.transferBytes,
		m.transferOutcomes,
		m.transferResumes,
		m.transferCorruptions,
	)
}

// RecordChunkCommitted records one committed chunk of the given size.
func (m *Manager) RecordChunkCommitted(bytes int64) {
	if !m.enabled {
		return
	}
	m.transferChunks.WithLabelValues("committed").Inc()
	m.transferBytes.Add(float64(bytes))
}

// RecordChunkCompensated records one chunk removed by compensation.
func (m *Manager) RecordChunkCompensated() {
	if !m.enabled {
		return
	}
	m.transferChunks.WithLabelValues("compensated").Inc()
}

// RecordTransfer records a transfer outcome.
func (m *Manager) RecordTransfer(status string) {
	if !m.enabled {
		return
	}
	m.transferOutcomes.WithLabelValues(status).Inc()
}

// RecordResume records a resume attempt outcome.
func (m *Manager) RecordResume(outcome string) {
	if !m.enabled {
		return
	}
	m.transferResumes.WithLabelValues(outcome).Inc()
}

// RecordCorruption records a digest mismatch.
func (m *Manager) RecordCorruption() {
	if !m.enabled {
		return
	}
	m.transferCorruptions.Inc()
}
