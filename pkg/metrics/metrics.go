// Package metrics provides Prometheus instrumentation for polystore.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the metrics registry. A disabled manager accepts every call
// and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Saga metrics
	sagaExecutions           *prometheus.CounterVec
	sagaDuration             *prometheus.HistogramVec
	sagaActive               prometheus.Gauge
	sagaStepRetries          *prometheus.CounterVec
	sagaCompensations        *prometheus.CounterVec
	sagaCompensationDuration prometheus.Histogram
	sagaAuditDropped         prometheus.Counter

	// Transfer metrics
	transferChunks      *prometheus.CounterVec
	transferBytes       prometheus.Counter
	transferOutcomes    *prometheus.CounterVec
	transferResumes     *prometheus.CounterVec
	transferCorruptions prometheus.Counter

	// Batch metrics
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	batchItems    *prometheus.CounterVec

	// Audit publisher metrics
	auditPublish  *prometheus.CounterVec
	auditRetries  prometheus.Counter
	auditDegraded prometheus.Gauge
	auditOutages  prometheus.Counter
	degraded      atomic.Bool

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SagaDurationBuckets         []float64
	CompensationDurationBuckets []float64
	BatchDurationBuckets        []float64
	HTTPDurationBuckets         []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                     true,
		Port:                        9091,
		Path:                        "/metrics",
		SagaDurationBuckets:         []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		CompensationDurationBuckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		BatchDurationBuckets:        []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		HTTPDurationBuckets:         []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a metrics manager with its own registry.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSagaMetrics(cfg)
	m.initTransferMetrics()
	m.initBatchMetrics(cfg)
	m.initAuditMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves the metrics endpoint until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
