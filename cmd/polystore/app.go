package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/api/events"
	"github.com/polystore/polystore/pkg/audit"
	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/backend/document"
	"github.com/polystore/polystore/pkg/backend/filestore"
	"github.com/polystore/polystore/pkg/backend/memory"
	"github.com/polystore/polystore/pkg/backend/redisstore"
	"github.com/polystore/polystore/pkg/backend/relational"
	"github.com/polystore/polystore/pkg/batch"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/metrics"
	"github.com/polystore/polystore/pkg/saga"
	"github.com/polystore/polystore/pkg/transfer"
)

// recordBackend is a record store addressed by saga steps.
type recordBackend struct {
	target saga.BackendTarget
	store  backend.RecordStore
}

// app holds the components every command shares.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager

	db    *badger.DB
	redis redis.UniversalClient

	chunks   backend.ChunkStore
	records  []recordBackend
	journal  *audit.BadgerJournal
	events   *events.Broadcaster
	sagas    *saga.Orchestrator
	transfer *transfer.Manager
	batch    *batch.Coordinator

	closers []func(context.Context) error
}

// newApp opens storage and backends and builds the coordinator stack. On error
// everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Manager) (_ *app, err error) {
	if m == nil {
		m = metrics.NoOpManager()
	}
	a := &app{cfg: cfg, log: log, metrics: m, events: events.NewBroadcaster()}
	a.onClose(func(context.Context) error {
		a.events.Close()
		return nil
	})
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if needsBadger(cfg) {
		if err := a.openBadger(); err != nil {
			return nil, err
		}
	}
	if needsRedis(cfg) {
		if err := a.openRedis(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.openBackends(ctx); err != nil {
		return nil, err
	}

	sink, err := a.auditSink(ctx)
	if err != nil {
		return nil, err
	}

	sagaOpts := []saga.Option{
		saga.WithLogger(log),
		saga.WithMetrics(m),
		saga.WithMaxConcurrentSagas(cfg.Saga.MaxConcurrent),
		saga.WithAuditQueueSize(cfg.Saga.AuditQueueSize),
		saga.WithAuditSink(sink),
	}
	if cfg.Saga.RecordStore == "badger" {
		store, err := saga.NewBadgerRecordStore(a.db)
		if err != nil {
			return nil, fmt.Errorf("saga record store: %w", err)
		}
		sagaOpts = append(sagaOpts, saga.WithRecordStore(store))
	}
	a.sagas = saga.NewOrchestrator(sagaOpts...)
	a.onClose(a.sagas.Close)

	progress, err := a.progressStore()
	if err != nil {
		return nil, err
	}
	a.transfer, err = transfer.NewManager(a.sagas, a.chunks,
		transfer.WithLogger(log),
		transfer.WithMetrics(m),
		transfer.WithProgressStore(progress),
		transfer.WithChunkPolicy(chunkPolicy(cfg.Transfer)),
		transfer.WithHashAlgorithm(backend.HashAlgorithm(cfg.Transfer.HashAlgorithm)),
		transfer.WithMaxResumeAttempts(cfg.Transfer.MaxResumeAttempts),
		transfer.WithRetryPolicy(retryPolicy(cfg.Saga.Retry)),
		transfer.WithChunkTimeout(cfg.Transfer.ChunkTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("transfer manager: %w", err)
	}

	a.batch = batch.NewCoordinator(a.sagas,
		batch.WithLogger(log),
		batch.WithMetrics(m),
		batch.WithMaxConcurrency(cfg.Batch.MaxConcurrency),
		batch.WithMaxBatchSize(cfg.Batch.MaxBatchSize),
		batch.WithRateLimit(cfg.Batch.RateLimit, cfg.Batch.RateBurst),
	)
	return a, nil
}

func needsBadger(cfg *config.Config) bool {
	return cfg.Saga.RecordStore == "badger" ||
		cfg.Transfer.ProgressStore == "badger" ||
		cfg.Audit.Journal.Enabled
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Transfer.ProgressStore == "redis" ||
		cfg.Backends.Vector.Enabled ||
		(cfg.Audit.Publisher.Enabled && cfg.Audit.Publisher.Transport == "redis")
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) openBadger() error {
	bc := a.cfg.Storage.Badger
	opts := badger.DefaultOptions(bc.Path).
		WithInMemory(bc.InMemory).
		WithLogger(badgerLogger{a.log.With("component", "badger")})
	if bc.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	} else {
		opts.SyncWrites = bc.SyncWrites
	}
	if bc.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = bc.ValueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return backend.Unavailable("badger", err)
	}
	a.db = db
	a.onClose(func(context.Context) error { return db.Close() })
	a.log.Info("opened badger", "path", bc.Path, "in_memory", bc.InMemory)
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	rc := a.cfg.Storage.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return backend.Unavailable("redis", err)
	}
	a.redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	a.log.Info("connected to redis", "address", rc.Address)
	return nil
}

// openBackends connects every configured record backend and the chunk store.
func (a *app) openBackends(ctx context.Context) error {
	bc := a.cfg.Backends
	alg := backend.HashAlgorithm(a.cfg.Transfer.HashAlgorithm)

	if bc.File.Root != "" {
		fs, err := filestore.New(bc.File.Root, alg)
		if err != nil {
			return fmt.Errorf("file backend: %w", err)
		}
		a.chunks = fs
	} else {
		a.chunks = memory.NewChunkStore(alg)
	}

	if bc.Postgres.DSN != "" {
		store, err := relational.Open(ctx, bc.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("relational backend: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("relational schema: %w", err)
		}
		a.records = append(a.records, recordBackend{saga.BackendRelational, store})
	}
	if bc.Mongo.URI != "" {
		store, err := document.Connect(ctx, bc.Mongo.URI, bc.Mongo.Database, bc.Mongo.Collection)
		if err != nil {
			return fmt.Errorf("graph backend: %w", err)
		}
		a.onClose(store.Close)
		a.records = append(a.records, recordBackend{saga.BackendGraph, store})
	}
	if bc.Vector.Enabled {
		a.records = append(a.records, recordBackend{
			saga.BackendVector,
			redisstore.New(a.redis, redisstore.WithKeyPrefix(bc.Vector.KeyPrefix)),
		})
	}
	return nil
}

// auditSink fans audit events out to the configured sinks and the websocket
// broadcaster. With the in-process publisher the broadcaster is fed from the
// published stream instead of directly.
func (a *app) auditSink(ctx context.Context) (saga.AuditSink, error) {
	ac := a.cfg.Audit
	var sinks []saga.AuditSink
	if !ac.Publisher.Enabled || ac.Publisher.Transport != "gochannel" {
		sinks = append(sinks, a.events)
	}
	if ac.Log {
		sinks = append(sinks, audit.NewLoggerSink(a.log.With("component", "audit")))
	}
	if ac.Journal.Enabled {
		journal, err := audit.NewBadgerJournal(a.db)
		if err != nil {
			return nil, fmt.Errorf("audit journal: %w", err)
		}
		a.journal = journal
		sinks = append(sinks, journal)
	}
	if ac.Publisher.Enabled {
		transport, err := a.publisherTransport(ctx)
		if err != nil {
			return nil, err
		}
		pub, err := audit.NewPublisherSink(a.cfg.App.NodeID, transport,
			audit.WithPublisherLogger(a.log),
			audit.WithPublisherMetrics(a.metrics),
			audit.WithRetry(audit.RetryConfig{
				MaxRetries:     ac.Publisher.MaxRetries,
				InitialBackoff: ac.Publisher.InitialBackoff,
				MaxBackoff:     ac.Publisher.MaxBackoff,
				BackoffFactor:  2,
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("audit publisher: %w", err)
		}
		sinks = append(sinks, pub)
	}
	return audit.FanOut(sinks...), nil
}

func (a *app) publisherTransport(ctx context.Context) (audit.Transport, error) {
	pc := a.cfg.Audit.Publisher
	switch pc.Transport {
	case "redis":
		t, err := audit.NewRedisStreamTransport(a.redis, pc.Stream, pc.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("redis audit transport: %w", err)
		}
		return t, nil
	case "gochannel":
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{})
		a.onClose(func(context.Context) error { return pubSub.Close() })
		topic := pc.Stream
		if topic == "" {
			topic = audit.SubjectPrefix
		}
		if _, err := audit.NewRelay(ctx, pubSub, topic, a.events, a.log); err != nil {
			return nil, fmt.Errorf("audit relay: %w", err)
		}
		t, err := audit.NewWatermillTransport(pubSub, topic)
		if err != nil {
			return nil, fmt.Errorf("watermill audit transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown audit transport %q", pc.Transport)
	}
}

func (a *app) progressStore() (transfer.ProgressStore, error) {
	switch a.cfg.Transfer.ProgressStore {
	case "badger":
		store, err := transfer.NewBadgerProgressStore(a.db)
		if err != nil {
			return nil, fmt.Errorf("progress store: %w", err)
		}
		return store, nil
	case "redis":
		rc := a.cfg.Storage.Redis
		return transfer.NewRedisProgressStore(a.redis,
			transfer.WithRedisKeyPrefix(rc.KeyPrefix),
			transfer.WithRedisTTL(rc.ProgressTTL),
		), nil
	default:
		return transfer.NewMemoryProgressStore(), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func chunkPolicy(tc config.TransferConfig) transfer.ChunkPolicy {
	return transfer.ChunkPolicy{
		Min:          tc.MinChunkSize,
		Max:          tc.MaxChunkSize,
		Default:      tc.DefaultChunkSize,
		MaxChunks:    tc.MaxChunks,
		MemoryBudget: tc.MemoryBudget,
	}
}

func retryPolicy(rc config.RetryConfig) saga.RetryPolicy {
	return saga.RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Multiplier:     rc.Multiplier,
	}
}

// badgerLogger routes badger's own logging through the process logger. Info
// and debug chatter is dropped below debug level.
type badgerLogger struct {
	log logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
