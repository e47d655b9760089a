// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polystore/polystore/pkg/api/response"
	"github.com/polystore/polystore/pkg/version"
)

const defaultCheckTimeout = 2 * time.Second

// ReadinessCheck probes one dependency. A nil error means ready.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles liveness and readiness probes.
type HealthHandler struct {
	ready   atomic.Bool
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// NewHealthHandler creates a health handler. It reports not ready until
// SetReady(true) is called.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		timeout: defaultCheckTimeout,
		checks:  make(map[string]ReadinessCheck),
	}
}

// AddCheck registers a named readiness check.
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady flips the readiness gate, e.g. after startup recovery or at shutdown.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	for k, v := range version.Info() {
		body[k] = v
	}
	response.JSON(w, http.StatusOK, body)
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": "starting or shutting down",
		})
		return
	}

	failures := h.runChecks(r.Context())
	if len(failures) > 0 {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"checks": failures,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"ready": true})
}

// runChecks runs every check concurrently and returns the failures by name.
func (h *HealthHandler) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]ReadinessCheck, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	errs := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = check(ctx)
		}()
	}
	wg.Wait()

	failures := make(map[string]string)
	for i, err := range errs {
		if err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return failures
}
