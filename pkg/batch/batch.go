// Package batch runs groups of independent sagas with bounded concurrency.
// Items never share fate: one saga failing or compensating leaves the others
// untouched.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

const (
	// MaxBatchSize is the largest batch ExecuteBatch accepts.
	MaxBatchSize = 1000
	// DefaultMaxConcurrency is the number of sagas run at once.
	DefaultMaxConcurrency = 10
)

// ErrBatchTooLarge is returned for batches over the configured size limit.
var ErrBatchTooLarge = errors.New("batch too large")

// Executor runs one saga to a terminal status. *saga.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, def *saga.SagaDefinition) (*saga.SagaResult, error)
}

// Option customizes a Coordinator.
type Option func(c *Coordinator)

// WithMaxConcurrency bounds how many sagas run at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		c.SetMaxConcurrency(n)
	}
}

// WithRateLimit limits how fast sagas are dispatched.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) {
		c.SetRateLimit(perSecond, burst)
	}
}

// WithMaxBatchSize overrides MaxBatchSize.
func WithMaxBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.logger = log
		}
	}
}

// Coordinator executes batches of sagas.
type Coordinator struct {
	exec         Executor
	maxBatchSize int
	concurrency  atomic.Int64
	limiter      atomic.Pointer[rate.Limiter]
	metrics      MetricsRecorder
	logger       logger.Logger
}

// NewCoordinator creates a coordinator running sagas on exec.
func NewCoordinator(exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:         exec,
		maxBatchSize: MaxBatchSize,
		metrics:      nopMetricsRecorder{},
		logger:       logger.Global(),
	}
	c.concurrency.Store(DefaultMaxConcurrency)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "batch")
	return c
}

// SetMaxConcurrency changes the concurrency bound for batches started afterwards.
func (c *Coordinator) SetMaxConcurrency(n int) {
	if n > 0 {
		c.concurrency.Store(int64(n))
	}
}

// MaxConcurrency returns the current concurrency bound.
func (c *Coordinator) MaxConcurrency() int {
	return int(c.concurrency.Load())
}

// SetRateLimit changes the dispatch rate. A non-positive rate removes the limit.
func (c *Coordinator) SetRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		c.limiter.Store(nil)
		return
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)))
}

// ExecuteBatch runs every definition independently and returns one result per
// definition, in input order. Cancelling ctx stops dispatching; sagas not yet
// started are reported FAILED with kind cancelled and have no side effects.
func (c *Coordinator) ExecuteBatch(ctx context.Context, defs []*saga.SagaDefinition) (*BatchResult, error) {
	if len(defs) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d sagas exceeds maximum of %d", ErrBatchTooLarge, len(defs), c.maxBatchSize)
	}

	started := time.Now()
	out := &BatchResult{
		Results:     make([]*saga.SagaResult, len(defs)),
		definitions: defs,
		StartedAt:   started.UTC(),
	}
	limiter := c.limiter.Load()

	var g errgroup.Group
	g.SetLimit(c.MaxConcurrency())
	for i, def := range defs {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				c.skipRemaining(out, i, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			c.skipRemaining(out, i, err)
			break
		}
		g.Go(func() error {
			out.Results[i] = c.executeOne(ctx, def)
			return nil
		})
	}
	_ = g.Wait()

	out.FinishedAt = time.Now().UTC()
	out.Summary = summarize(out.Results)
	for _, res := range out.Results {
		c.metrics.RecordBatchItem(res.Status.String())
	}
	c.metrics.RecordBatch(len(defs), time.Since(started))
	c.logger.Info("batch finished",
		"size", len(defs),
		"succeeded", out.Summary.Succeeded,
		"compensated", out.Summary.Compensated,
		"failed", out.Summary.Failed,
		"duration", time.Since(started))
	return out, nil
}

func (c *Coordinator) executeOne(ctx context.Context, def *saga.SagaDefinition) *saga.SagaResult {
	if def == nil {
		return notRun(nil, saga.KindDefinition, fmt.Errorf("%w: nil definition", saga.ErrInvalidDefinition))
	}
	res, err := c.exec.Execute(ctx, def)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("executor returned no result")
		}
		return notRun(def, saga.ClassifyError(err), err)
	}
	return res
}

// skipRemaining fills results from index from on for sagas never dispatched.
func (c *Coordinator) skipRemaining(out *BatchResult, from int, cause error) {
	for i := from; i < len(out.definitions); i++ {
		out.Results[i] = notRun(out.definitions[i], saga.KindCancelled, cause)
	}
	c.logger.Warn("batch dispatch stopped", "skipped", len(out.definitions)-from, "error", cause)
}

func notRun(def *saga.SagaDefinition, kind saga.ErrorKind, cause error) *saga.SagaResult {
	now := time.Now().UTC()
	res := &saga.SagaResult{
		Status:     saga.StatusFailed,
		Kind:       kind,
		Err:        &saga.Error{Kind: kind, Err: cause},
		StartedAt:  now,
		FinishedAt: now,
	}
	if def != nil {
		res.SagaID = def.ID
		res.Name = def.Name
	}
	return res
}
