// Package api provides HTTP API server components.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/api/handlers"
	"github.com/polystore/polystore/pkg/api/middleware"
	"github.com/polystore/polystore/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	// Saga serves saga status and cancellation.
	Saga *handlers.SagaHandler

	// Transfer serves transfer progress, resume and cancel.
	Transfer *handlers.TransferHandler

	// WebSocket serves the saga event stream and progress watches.
	WebSocket *handlers.WebSocketHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.Timeout(requestTimeout(cfg)))

	RegisterRoutes(r, h)
	return r
}

// requestTimeout bounds handler time below the server's write deadline so a
// slow handler still gets a 504 body out.
func requestTimeout(cfg *config.Config) time.Duration {
	if cfg == nil {
		return 0
	}
	t := cfg.Server.HTTP.WriteTimeout
	if t <= 0 {
		return cfg.Server.HTTP.ReadTimeout
	}
	if t > time.Second {
		t -= 500 * time.Millisecond
	}
	return t
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sagas", func(r chi.Router) {
			if h.Saga != nil {
				r.Get("/", h.Saga.ListSagas)
			}
			if h.WebSocket != nil {
				r.Get("/events", h.WebSocket.ServeEvents)
			}
			if h.Saga != nil {
				r.Get("/{id}", h.Saga.GetSaga)
				r.Post("/{id}/cancel", h.Saga.CancelSaga)
			}
		})

		r.Route("/transfers", func(r chi.Router) {
			if h.Transfer != nil {
				r.Get("/", h.Transfer.ListTransfers)
				r.Get("/{id}", h.Transfer.GetTransfer)
				r.Post("/{id}/resume", h.Transfer.ResumeTransfer)
				r.Post("/{id}/cancel", h.Transfer.CancelTransfer)
			}
			if h.WebSocket != nil {
				r.Get("/{id}/watch", h.WebSocket.WatchTransfer)
			}
		})
	})

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
}
