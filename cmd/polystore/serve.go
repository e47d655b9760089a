package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/api"
	"github.com/polystore/polystore/pkg/api/handlers"
	"github.com/polystore/polystore/pkg/audit"
	"github.com/polystore/polystore/pkg/batch"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/metrics"
	"github.com/polystore/polystore/pkg/telemetry/tracing"
	"github.com/polystore/polystore/pkg/version"
)

func runServe(ctx context.Context, cfg *config.Config, log logger.Logger, opts globalOptions, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	recoverTransfers := fs.Bool("recover", cfg.Transfer.RecoverOnStart, "Resume interrupted transfers on start")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log.Info("starting polystore",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"node", cfg.App.NodeID,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		NodeID:      cfg.App.NodeID,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                     cfg.Metrics.Enabled,
		Port:                        cfg.Metrics.Port,
		Path:                        cfg.Metrics.Path,
		SagaDurationBuckets:         metrics.DefaultConfig().SagaDurationBuckets,
		CompensationDurationBuckets: metrics.DefaultConfig().CompensationDurationBuckets,
		BatchDurationBuckets:        metrics.DefaultConfig().BatchDurationBuckets,
		HTTPDurationBuckets:         metrics.DefaultConfig().HTTPDurationBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, log, metricsManager)
	if err != nil {
		return err
	}

	health := handlers.NewHealthHandler()
	a.registerChecks(health)

	ws := handlers.NewWebSocketHandler(log, a.transfer, handlers.WebSocketConfig{
		WatchInterval: cfg.Server.WatchInterval,
	})
	go ws.Forward(ctx, a.events)

	var httpServer *api.HTTPServer
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		httpServer = api.NewHTTPServer(cfg, log, &api.Handlers{
			Saga:      handlers.NewSagaHandler(a.sagas, log),
			Transfer:  handlers.NewTransferHandler(a.transfer, log),
			WebSocket: ws,
			Health:    health,
			Metrics:   metricsManager,
		})
		go func() {
			if err := httpServer.Start(); err != nil {
				serverErr <- err
			}
		}()
	}

	orphans, err := a.sagas.ReconcileOrphans(ctx)
	if err != nil {
		log.Warn("saga orphan reconciliation failed", "error", err)
	} else if orphans > 0 {
		log.Warn("marked interrupted sagas failed", "count", orphans)
	}

	if a.journal != nil && cfg.Audit.Journal.Retention > 0 && cfg.Audit.Journal.CleanupInterval > 0 {
		cleaner := audit.NewRetentionCleaner(a.journal, log)
		if err := cleaner.Start(ctx, cfg.Audit.Journal.CleanupInterval, cfg.Audit.Journal.Retention); err != nil {
			log.Warn("audit retention disabled", "error", err)
		}
	}

	if opts.configPath != "" {
		startWatcher(ctx, opts, log, a.batch)
	}

	health.SetReady(true)

	if *recoverTransfers {
		go func() {
			report, err := a.transfer.Recover(ctx, cfg.Transfer.RecoveryParallelism)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("transfer recovery interrupted", "error", err)
			}
			if report == nil {
				return
			}
			for id, reason := range report.Failed {
				log.Warn("transfer not recovered", "operation_id", id, "error", reason)
			}
		}()
	}

	log.Info("polystore is running",
		"http_port", cfg.Server.Port,
		"http_enabled", cfg.Server.Enabled,
		"metrics_port", cfg.Metrics.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-serverErr:
		log.Error("HTTP server error", "error", runErr)
	}

	health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down HTTP server", "error", err)
		}
	}
	ws.Close()
	cancel()

	if err := a.Close(shutdownCtx); err != nil {
		log.Error("error closing resources", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}

	log.Info("polystore stopped gracefully")
	return runErr
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if t := cfg.Server.HTTP.ShutdownTimeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

// registerChecks adds a readiness probe for every shared dependency.
func (a *app) registerChecks(h *handlers.HealthHandler) {
	if a.db != nil {
		db := a.db
		h.AddCheck("badger", func(context.Context) error {
			if db.IsClosed() {
				return errors.New("database closed")
			}
			return nil
		})
	}
	if a.redis != nil {
		client := a.redis
		h.AddCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
}

// startWatcher applies hot-reloadable settings when the config file changes.
func startWatcher(ctx context.Context, opts globalOptions, log logger.Logger, coordinator *batch.Coordinator) {
	w, err := config.NewWatcher(opts.configPath,
		config.WithWatcherLogger(log),
		config.WithOverrides(buildOverrides(opts)),
	)
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
		return
	}

	r := &reloader{log: log, batch: coordinator}
	w.OnChange(r.apply)
	go func() {
		defer func() { _ = w.Stop() }()
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
}

// reloader serializes hot-reload callbacks, which the watcher runs
// concurrently.
type reloader struct {
	mu      sync.Mutex
	log     logger.Logger
	batch   *batch.Coordinator
	current config.HotReloadableConfig
	applied bool
}

func (r *reloader) apply(cfg *config.Config) {
	next := config.ExtractHotReloadable(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied && !r.current.Changed(next) {
		return
	}
	r.current, r.applied = next, true

	r.log.SetLevel(logger.ParseLevel(next.LogLevel))
	if r.batch != nil {
		r.batch.SetMaxConcurrency(next.BatchMaxConcurrency)
		r.batch.SetRateLimit(next.BatchRateLimit, next.BatchRateBurst)
	}
	r.log.Info("applied config reload",
		"log_level", next.LogLevel,
		"batch_max_concurrency", next.BatchMaxConcurrency,
		"batch_rate_limit", next.BatchRateLimit,
	)
}
