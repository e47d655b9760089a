// Package transfer moves large payloads into a chunk store as resumable sagas:
// one step per chunk, digest-verified, with persisted progress.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

const defaultMaxResumeAttempts = 3

// Option customizes a Manager.
type Option func(m *Manager)

// WithProgressStore sets where progress is persisted. Defaults to memory.
func WithProgressStore(store ProgressStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.progress = store
		}
	}
}

// WithChunkPolicy sets chunk size bounds.
func WithChunkPolicy(policy ChunkPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithHashAlgorithm sets the digest used to verify chunks.
func WithHashAlgorithm(alg backend.HashAlgorithm) Option {
	return func(m *Manager) {
		m.alg = alg
	}
}

// WithMaxResumeAttempts bounds how often one transfer may be resumed.
func WithMaxResumeAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxResumeAttempts = n
		}
	}
}

// WithSourceResolver sets how sources are reopened on resume. Defaults to
// FileResolver.
func WithSourceResolver(resolver SourceResolver) Option {
	return func(m *Manager) {
		if resolver != nil {
			m.resolver = resolver
		}
	}
}

// WithRetryPolicy sets the retry policy of chunk writes and deletes.
func WithRetryPolicy(policy saga.RetryPolicy) Option {
	return func(m *Manager) {
		m.retry = policy
	}
}

// WithChunkTimeout bounds one chunk write or delete.
func WithChunkTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.chunkTimeout = timeout
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(m *Manager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// BeginOption customizes a single transfer.
type BeginOption func(cfg *beginConfig)

type beginConfig struct {
	operationID string
}

// WithOperationID uses id instead of a generated operation ID.
func WithOperationID(id string) BeginOption {
	return func(cfg *beginConfig) {
		cfg.operationID = id
	}
}

// CancelOptions controls Cancel.
type CancelOptions struct {
	// RetainPartial keeps committed chunks and leaves the transfer PAUSED and
	// resumable instead of deleting them.
	RetainPartial bool
}

// Manager runs chunked transfers on a saga orchestrator.
type Manager struct {
	orch              *saga.Orchestrator
	chunks            backend.ChunkStore
	progress          ProgressStore
	policy            ChunkPolicy
	alg               backend.HashAlgorithm
	maxResumeAttempts int
	resolver          SourceResolver
	retry             saga.RetryPolicy
	chunkTimeout      time.Duration
	metrics           MetricsRecorder
	logger            logger.Logger

	transfers *xsync.MapOf[string, *transfer]
	buffers   sync.Pool
}

// transfer is one attempt of a transfer driven by this process. Only the saga
// goroutine writes progress; readers load the current snapshot.
type transfer struct {
	id        string
	sagaID    string
	src       Source
	ownsSrc   bool
	progress  atomic.Pointer[StreamingProgress]
	buf       *[]byte
	started   time.Time
	baseBytes int64
	// unreachable is set while the latest chunk write could not reach the
	// destination.
	unreachable atomic.Bool

	done   chan struct{}
	result *saga.SagaResult
	err    error
}

func (t *transfer) snapshot() *StreamingProgress {
	return t.progress.Load()
}

// NewManager creates a manager writing chunks to chunks.
func NewManager(orch *saga.Orchestrator, chunks backend.ChunkStore, opts ...Option) (*Manager, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if chunks == nil {
		return nil, fmt.Errorf("chunk store cannot be nil")
	}
	m := &Manager{
		orch:              orch,
		chunks:            chunks,
		progress:          NewMemoryProgressStore(),
		policy:            DefaultChunkPolicy(),
		alg:               backend.HashSHA256,
		maxResumeAttempts: defaultMaxResumeAttempts,
		resolver:          FileResolver,
		retry:             saga.DefaultRetryPolicy(),
		chunkTimeout:      time.Minute,
		metrics:           nopMetricsRecorder{},
		logger:            logger.Global(),
		transfers:         xsync.NewMapOf[string, *transfer](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if err := m.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk policy: %w", err)
	}
	if !m.alg.Valid() {
		return nil, fmt.Errorf("unsupported hash algorithm %q", m.alg)
	}
	m.logger = m.logger.With("component", "transfer")
	return m, nil
}

// BeginTransfer starts copying src into object and returns the operation ID.
// A chunkSize of 0 lets the chunk policy choose.
func (m *Manager) BeginTransfer(ctx context.Context, src Source, object string, chunkSize int64, opts ...BeginOption) (string, error) {
	if src == nil {
		return "", fmt.Errorf("source cannot be nil")
	}
	if object == "" {
		return "", fmt.Errorf("destination object cannot be empty")
	}
	cfg := beginConfig{operationID: uuid.NewString()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	total := src.Size()
	size := m.policy.Choose(total, chunkSize)
	chunks := planChunks(total, size)
	now := time.Now().UTC()
	progress := &StreamingProgress{
		OperationID:   cfg.operationID,
		Object:        object,
		SourceURI:     src.URI(),
		HashAlgorithm: m.alg,
		TotalBytes:    total,
		ChunkSize:     size,
		ChunkCount:    len(chunks),
		Status:        StatusPending,
		Chunks:        chunks,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	t := &transfer{id: cfg.operationID, src: src, done: make(chan struct{})}
	if _, loaded := m.transfers.LoadOrStore(t.id, t); loaded {
		return "", fmt.Errorf("%w: %s", ErrTransferExists, t.id)
	}
	if _, err := m.progress.LoadProgress(ctx, t.id); err == nil {
		m.transfers.Delete(t.id)
		return "", fmt.Errorf("%w: %s", ErrTransferExists, t.id)
	}
	if err := m.progress.SaveProgress(ctx, progress); err != nil {
		m.transfers.Delete(t.id)
		return "", fmt.Errorf("save initial progress: %w", err)
	}
	t.progress.Store(progress)

	m.logger.Info("transfer started",
		"operation_id", t.id, "object", object, "total_bytes", total,
		"chunk_size", size, "chunk_count", len(chunks))
	if err := m.launch(ctx, t, nil); err != nil {
		return "", err
	}
	return t.id, nil
}

// Wait blocks until the transfer's current attempt finishes.
func (m *Manager) Wait(ctx context.Context, operationID string) (*saga.SagaResult, error) {
	if t, ok := m.transfers.Load(operationID); ok {
		select {
		case <-t.done:
			return t.result, t.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p, err := m.progress.LoadProgress(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, operationID, p.Status)
	}
	res := resultFromProgress(p)
	return res, res.Err
}

// GetProgress returns a snapshot of the transfer.
func (m *Manager) GetProgress(ctx context.Context, operationID string) (StreamingProgress, error) {
	if t, ok := m.transfers.Load(operationID); ok {
		if p := t.snapshot(); p != nil {
			return *p.Clone(), nil
		}
	}
	p, err := m.progress.LoadProgress(ctx, operationID)
	if err != nil {
		return StreamingProgress{}, err
	}
	return *p, nil
}

// ListProgress returns every known transfer, live snapshots taking precedence
// over stored ones, ordered as the progress store orders them.
func (m *Manager) ListProgress(ctx context.Context) ([]StreamingProgress, error) {
	stored, err := m.progress.ListProgress(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StreamingProgress, 0, len(stored))
	for _, p := range stored {
		if t, ok := m.transfers.Load(p.OperationID); ok {
			if live := t.snapshot(); live != nil {
				p = live.Clone()
			}
		}
		out = append(out, *p)
	}
	return out, nil
}

// Cancel stops a transfer at the next chunk boundary. By default committed
// chunks are deleted in reverse order; RetainPartial keeps them.
func (m *Manager) Cancel(ctx context.Context, operationID string, opts CancelOptions) error {
	if t, ok := m.transfers.Load(operationID); ok {
		var cancelOpts []saga.CancelOption
		if opts.RetainPartial {
			cancelOpts = append(cancelOpts, saga.RetainApplied())
		}
		err := m.orch.Cancel(t.sagaID, cancelOpts...)
		if errors.Is(err, saga.ErrSagaTerminal) {
			return fmt.Errorf("%w: %s", ErrTransferTerminal, operationID)
		}
		return err
	}

	// Not driven by this process: settle the persisted state directly.
	p, err := m.progress.LoadProgress(ctx, operationID)
	if err != nil {
		return err
	}
	if !p.Status.Resumable() {
		return fmt.Errorf("%w: %s", ErrTransferTerminal, operationID)
	}
	if opts.RetainPartial {
		p.Status = StatusPaused
		p.ErrorKind = saga.KindCancelled
		p.Error = saga.ErrCancelled.Error()
		p.Version++
		p.UpdatedAt = time.Now().UTC()
		return m.progress.SaveProgress(ctx, p)
	}
	return m.discard(ctx, p)
}

// discard deletes every committed chunk of an idle transfer, last first.
func (m *Manager) discard(ctx context.Context, p *StreamingProgress) error {
	p.Status = StatusCompensating
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := m.progress.SaveProgress(ctx, p); err != nil {
		return fmt.Errorf("persist compensating status: %w", err)
	}
	committed := p.CommittedChunks()
	for i := len(committed) - 1; i >= 0; i-- {
		c := &p.Chunks[committed[i]]
		if err := m.chunks.DeleteChunk(ctx, p.Object, c.Offset); err != nil {
			return fmt.Errorf("delete chunk %d: %w", c.Index, err)
		}
		c.Committed = false
		c.Hash = ""
		p.TransferredBytes -= c.Length
		m.metrics.RecordChunkCompensated()
	}
	p.Status = StatusCompensated
	p.ErrorKind = saga.KindCancelled
	p.Error = saga.ErrCancelled.Error()
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	m.metrics.RecordTransfer(string(StatusCompensated))
	return m.progress.SaveProgress(ctx, p)
}

// Resume verifies already committed chunks against the destination and then
// writes only the chunks that are still missing.
func (m *Manager) Resume(ctx context.Context, operationID string) (*saga.SagaResult, error) {
	ctx, span := transferTracer().Start(ctx, spanTransferResume,
		trace.WithAttributes(attribute.String("transfer.operation_id", operationID)))
	defer span.End()

	res, err := m.resume(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordResume(string(saga.ClassifyError(err)))
	} else {
		m.metrics.RecordResume("completed")
	}
	return res, err
}

// StartResume verifies and relaunches a transfer like Resume but returns as
// soon as the remaining chunks are submitted. Use Wait or GetProgress to follow it.
func (m *Manager) StartResume(ctx context.Context, operationID string) error {
	ctx, span := transferTracer().Start(ctx, spanTransferResume,
		trace.WithAttributes(attribute.String("transfer.operation_id", operationID)))
	defer span.End()

	_, _, err := m.startResume(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordResume(string(saga.ClassifyError(err)))
		return err
	}
	m.metrics.RecordResume("started")
	return nil
}

func (m *Manager) resume(ctx context.Context, operationID string) (*saga.SagaResult, error) {
	t, res, err := m.startResume(ctx, operationID)
	if t == nil {
		return res, err
	}
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startResume returns the relaunched transfer, or a nil transfer with the
// result and error that stopped the resume.
func (m *Manager) startResume(ctx context.Context, operationID string) (*transfer, *saga.SagaResult, error) {
	t := &transfer{id: operationID, done: make(chan struct{})}
	if _, loaded := m.transfers.LoadOrStore(operationID, t); loaded {
		return nil, nil, fmt.Errorf("%w: %s", ErrTransferActive, operationID)
	}
	registered := true
	defer func() {
		if registered {
			m.transfers.Delete(operationID)
			close(t.done)
		}
	}()

	p, err := m.progress.LoadProgress(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	if !p.Status.Resumable() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrTransferTerminal, operationID, p.Status)
	}
	log := m.logger.With("operation_id", operationID, "object", p.Object)

	attempts := p.ResumeAttempts + 1
	if attempts > m.maxResumeAttempts {
		res, err := m.failWithoutSaga(ctx, p, resumeExhausted(operationID, p.ResumeAttempts))
		return nil, res, err
	}

	src, err := m.resolver(ctx, p.SourceURI)
	if err != nil {
		return nil, nil, fmt.Errorf("reopen source %s: %w", p.SourceURI, err)
	}
	if src.Size() != p.TotalBytes {
		closeSource(src)
		res, err := m.failWithoutSaga(ctx, p, saga.Permanent(fmt.Errorf(
			"source %s changed size: recorded %d bytes, found %d", p.SourceURI, p.TotalBytes, src.Size())))
		return nil, res, err
	}
	t.src = src
	t.ownsSrc = true

	if err := m.verifyCommitted(ctx, p); err != nil {
		closeSource(src)
		if saga.ClassifyError(err) == saga.KindCorruption {
			m.metrics.RecordCorruption()
		}
		log.Error("resume verification failed", "error", err)
		res, err := m.failWithoutSaga(ctx, p, err)
		return nil, res, err
	}

	p.ResumeAttempts = attempts
	p.Status = StatusResumed
	p.ErrorKind = ""
	p.Error = ""
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := m.progress.SaveProgress(ctx, p); err != nil {
		closeSource(src)
		return nil, nil, fmt.Errorf("save resumed progress: %w", err)
	}
	t.progress.Store(p)

	restored := p.CommittedChunks()
	log.Info("resuming transfer", "attempt", attempts, "committed", len(restored), "chunk_count", p.ChunkCount)

	registered = false
	if err := m.launch(ctx, t, restored); err != nil {
		return nil, nil, err
	}
	return t, nil, nil
}

// verifyCommitted re-reads every committed chunk and compares digests.
func (m *Manager) verifyCommitted(ctx context.Context, p *StreamingProgress) error {
	for _, c := range p.Chunks {
		if !c.Committed {
			continue
		}
		resource := fmt.Sprintf("%s#%d", p.Object, c.Index)
		data, err := m.chunks.ReadChunk(ctx, p.Object, c.Offset, c.Length)
		switch {
		case err == nil:
		case backend.IsUnavailable(err):
			return destinationUnavailable(err)
		case errors.Is(err, backend.ErrNotFound):
			return saga.Corruption(resource, c.Hash.String(), "missing")
		default:
			return fmt.Errorf("verify chunk %d: %w", c.Index, err)
		}
		if int64(len(data)) != c.Length || !c.Hash.Matches(data) {
			actual, _ := backend.ComputeDigest(c.Hash.Algorithm(), data)
			return saga.Corruption(resource, c.Hash.String(), actual.String())
		}
	}
	return nil
}

// failWithoutSaga records a terminal failure found before any chunk was written.
func (m *Manager) failWithoutSaga(ctx context.Context, p *StreamingProgress, cause error) (*saga.SagaResult, error) {
	p.Status = StatusFailed
	p.ErrorKind = saga.ClassifyError(cause)
	p.Error = cause.Error()
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := m.progress.SaveProgress(ctx, p); err != nil {
		m.logger.Warn("failed to persist transfer failure", "operation_id", p.OperationID, "error", err)
	}
	m.metrics.RecordTransfer(string(StatusFailed))
	res := resultFromProgress(p)
	res.Err = cause
	return res, cause
}

// launch submits the saga for one attempt. restored lists chunks committed by
// earlier attempts.
func (m *Manager) launch(ctx context.Context, t *transfer, restored []int) error {
	p := t.snapshot()
	t.buf = m.getBuffer(p.Chunks[0].Length)
	t.started = time.Now()
	t.baseBytes = p.TransferredBytes
	def, err := m.definition(t, p, restored)
	if err == nil {
		t.sagaID = def.ID
		err = m.update(ctx, t, func(next *StreamingProgress) {
			next.SagaID = def.ID
			if next.Status == StatusPending {
				next.Status = StatusRunning
			}
		})
	}
	if err == nil {
		_, err = m.orch.Submit(ctx, def)
	}
	if err != nil {
		m.putBuffer(t.buf)
		m.transfers.Delete(t.id)
		if t.ownsSrc {
			closeSource(t.src)
		}
		close(t.done)
		return fmt.Errorf("start transfer %s: %w", t.id, err)
	}
	go m.await(t)
	return nil
}

func (m *Manager) definition(t *transfer, p *StreamingProgress, restored []int) (*saga.SagaDefinition, error) {
	b := saga.New("transfer:" + p.Object).
		WithRetryPolicy(m.retry).
		WithDefaultStepTimeout(m.chunkTimeout)

	if len(restored) > 0 {
		b.Step("restore",
			saga.OnBackend(saga.BackendFile),
			saga.Action(func(context.Context, *saga.StepContext) (any, error) {
				return len(restored), nil
			}),
			saga.Compensate(func(ctx context.Context, _ *saga.CompensationContext) error {
				for i := len(restored) - 1; i >= 0; i-- {
					if err := m.deleteChunk(ctx, t, restored[i]); err != nil {
						return err
					}
				}
				return nil
			}),
		)
	}
	for _, c := range p.Chunks {
		if c.Committed {
			continue
		}
		index := c.Index
		b.Step(chunkStepID(index),
			saga.OnBackend(saga.BackendFile),
			saga.Retryable(),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				return m.commitChunk(ctx, t, index, sc.Attempt)
			}),
			saga.Compensate(func(ctx context.Context, _ *saga.CompensationContext) error {
				return m.deleteChunk(ctx, t, index)
			}),
		)
	}
	return b.Build()
}

// commitChunk reads, hashes, writes and verifies one chunk, then persists
// progress. A chunk whose progress cannot be saved is deleted again.
func (m *Manager) commitChunk(ctx context.Context, t *transfer, index, attempt int) (ChunkMetadata, error) {
	p := t.snapshot()
	meta := p.Chunks[index]
	ctx, span := transferTracer().Start(ctx, spanTransferCommit, trace.WithAttributes(
		attribute.String("transfer.operation_id", t.id),
		attribute.Int("transfer.chunk.index", index),
		attribute.Int("transfer.chunk.attempt", attempt),
		attribute.Int64("transfer.chunk.length", meta.Length),
	))
	defer span.End()

	buf := (*t.buf)[:meta.Length]
	n, err := t.src.ReadAt(buf, meta.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == meta.Length) {
		return meta, saga.Permanent(fmt.Errorf("read source chunk %d: %w", index, err))
	}
	if int64(n) != meta.Length {
		return meta, saga.Permanent(fmt.Errorf("short read on chunk %d: %d of %d bytes", index, n, meta.Length))
	}

	expected, err := backend.ComputeDigest(p.HashAlgorithm, buf)
	if err != nil {
		return meta, saga.Permanent(err)
	}
	stored, err := m.chunks.WriteChunk(ctx, p.Object, meta.Offset, buf)
	t.unreachable.Store(backend.IsUnavailable(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, fmt.Errorf("write chunk %d: %w", index, err)
	}
	if stored != expected {
		m.metrics.RecordCorruption()
		_ = m.chunks.DeleteChunk(context.WithoutCancel(ctx), p.Object, meta.Offset)
		err := saga.Corruption(fmt.Sprintf("%s#%d", p.Object, index), expected.String(), stored.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest mismatch")
		return meta, err
	}

	meta.Hash = expected
	meta.Committed = true
	err = m.update(ctx, t, func(next *StreamingProgress) {
		next.Chunks[index] = meta
		next.TransferredBytes += meta.Length
		next.CurrentChunk = index + 1
	})
	if err != nil {
		_ = m.chunks.DeleteChunk(context.WithoutCancel(ctx), p.Object, meta.Offset)
		return meta, fmt.Errorf("persist progress for chunk %d: %w", index, err)
	}
	m.metrics.RecordChunkCommitted(meta.Length)
	return meta, nil
}

// deleteChunk removes a chunk and marks it uncommitted. It is idempotent. The
// first deletion of a rollback moves the transfer to COMPENSATING.
func (m *Manager) deleteChunk(ctx context.Context, t *transfer, index int) error {
	if t.snapshot().Status != StatusCompensating {
		err := m.update(ctx, t, func(next *StreamingProgress) { next.Status = StatusCompensating })
		if err != nil {
			return fmt.Errorf("persist compensating status: %w", err)
		}
	}
	p := t.snapshot()
	meta := p.Chunks[index]
	ctx, span := transferTracer().Start(ctx, spanTransferCompensate, trace.WithAttributes(
		attribute.String("transfer.operation_id", t.id),
		attribute.Int("transfer.chunk.index", index),
	))
	defer span.End()

	if err := m.chunks.DeleteChunk(ctx, p.Object, meta.Offset); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete chunk %d: %w", index, err)
	}
	if !meta.Committed {
		return nil
	}
	err := m.update(ctx, t, func(next *StreamingProgress) {
		next.Chunks[index].Committed = false
		next.Chunks[index].Hash = ""
		next.TransferredBytes -= meta.Length
	})
	if err != nil {
		return fmt.Errorf("persist progress after deleting chunk %d: %w", index, err)
	}
	m.metrics.RecordChunkCompensated()
	return nil
}

// update persists a modified copy of the current snapshot, then publishes it.
func (m *Manager) update(ctx context.Context, t *transfer, fn func(next *StreamingProgress)) error {
	next := t.snapshot().Clone()
	fn(next)
	now := time.Now().UTC()
	next.Version++
	next.UpdatedAt = now
	if !t.started.IsZero() {
		if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
			next.BytesPerSecond = float64(next.TransferredBytes-t.baseBytes) / elapsed
		}
	}
	if err := m.progress.SaveProgress(ctx, next); err != nil {
		return err
	}
	t.progress.Store(next)
	return nil
}

// await records the saga outcome on the transfer and releases its resources.
func (m *Manager) await(t *transfer) {
	ctx := context.Background()
	defer func() {
		m.putBuffer(t.buf)
		if t.ownsSrc {
			closeSource(t.src)
		}
		m.transfers.Delete(t.id)
		close(t.done)
	}()

	res, err := m.orch.Wait(ctx, t.sagaID)
	if err != nil {
		t.err = fmt.Errorf("wait for transfer saga: %w", err)
		m.logger.Error("lost track of transfer saga", "operation_id", t.id, "saga_id", t.sagaID, "error", err)
		return
	}

	t.err = terminalError(res, t.unreachable.Load())
	status := transferStatus(res)
	kind := saga.ClassifyError(t.err)
	if t.err == nil {
		kind = ""
	}
	result := *res
	result.Kind = kind
	result.Err = t.err
	t.result = &result

	err = m.update(ctx, t, func(next *StreamingProgress) {
		next.Status = status
		next.ErrorKind = kind
		next.Error = ""
		if t.err != nil {
			next.Error = t.err.Error()
		}
	})
	if err != nil {
		m.logger.Error("failed to persist transfer outcome", "operation_id", t.id, "status", status, "error", err)
	}
	m.metrics.RecordTransfer(string(status))

	p := t.snapshot()
	fields := []any{
		"operation_id", t.id, "object", p.Object, "status", status,
		"transferred_bytes", p.TransferredBytes, "total_bytes", p.TotalBytes,
	}
	if t.err != nil {
		m.logger.Warn("transfer stopped", append(fields, "kind", kind, "error", t.err)...)
		return
	}
	m.logger.Info("transfer completed", fields...)
}

func transferStatus(res *saga.SagaResult) Status {
	switch res.Status {
	case saga.StatusCompleted:
		return StatusCompleted
	case saga.StatusCompensated:
		return StatusCompensated
	}
	if res.Kind == saga.KindCancelled && res.Inconsistent == nil {
		return StatusPaused
	}
	return StatusFailed
}

func resultFromProgress(p *StreamingProgress) *saga.SagaResult {
	res := &saga.SagaResult{
		SagaID:     p.SagaID,
		Name:       "transfer:" + p.Object,
		Kind:       p.ErrorKind,
		StartedAt:  p.CreatedAt,
		FinishedAt: p.UpdatedAt,
	}
	switch p.Status {
	case StatusCompleted:
		res.Status = saga.StatusCompleted
	case StatusCompensated:
		res.Status = saga.StatusCompensated
	default:
		res.Status = saga.StatusFailed
	}
	for _, index := range p.CommittedChunks() {
		res.CompletedSteps = append(res.CompletedSteps, chunkStepID(index))
	}
	if p.Error != "" && res.Status != saga.StatusCompleted {
		res.Err = &saga.Error{Kind: p.ErrorKind, Err: errors.New(p.Error)}
	}
	return res
}

func (m *Manager) getBuffer(size int64) *[]byte {
	if v, ok := m.buffers.Get().(*[]byte); ok && int64(cap(*v)) >= size {
		*v = (*v)[:size]
		return v
	}
	buf := make([]byte, size)
	return &buf
}

func (m *Manager) putBuffer(buf *[]byte) {
	if buf != nil {
		m.buffers.Put(buf)
	}
}

func closeSource(src Source) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}
