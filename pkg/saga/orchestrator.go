package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polystore/polystore/pkg/logger"
)

// ErrOrchestratorClosed is returned for submissions after Close.
var ErrOrchestratorClosed = errors.New("orchestrator closed")

const (
	defaultMaxConcurrentSagas = 100
	defaultResultCacheSize    = 1024
)

// Option customizes Orchestrator initialization.
type Option func(o *Orchestrator)

// WithRecordStore sets where saga records are persisted.
func WithRecordStore(store RecordStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.store = store
		}
	}
}

// WithAuditSink adds one audit sink. Sinks receive events in registration order.
func WithAuditSink(sink AuditSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithAuditQueueSize bounds the number of undelivered audit events.
func WithAuditQueueSize(size int) Option {
	return func(o *Orchestrator) {
		o.auditQueueSize = size
	}
}

// WithIdempotencyStore replaces the in-memory compensation idempotency store.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.idempotency = store
		}
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithResultCacheSize sets how many terminal results Wait can return with
// their original error chain after the saga left the run registry.
func WithResultCacheSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.results = newResultCache(n)
		}
	}
}

// WithMaxConcurrentSagas caps how many sagas run at once. Further sagas stay
// PENDING until a slot frees.
func WithMaxConcurrentSagas(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sema = make(chan struct{}, n)
		}
	}
}

// CancelOption customizes Cancel.
type CancelOption func(cfg *cancelConfig)

type cancelConfig struct {
	retain bool
}

// RetainApplied stops the saga at the next step boundary without compensating.
// The saga ends FAILED with its completed steps listed as uncompensated.
func RetainApplied() CancelOption {
	return func(cfg *cancelConfig) {
		cfg.retain = true
	}
}

// Orchestrator executes saga definitions one step at a time and unwinds completed
// steps in reverse order when a step fails.
type Orchestrator struct {
	store          RecordStore
	sinks          []AuditSink
	auditQueueSize int
	audit          *auditDispatcher
	idempotency    IdempotencyStore
	results        *resultCache
	metrics        MetricsRecorder
	logger         logger.Logger
	sema           chan struct{}

	runs *xsync.MapOf[string, *run]

	mu     sync.RWMutex
	closed bool
	active sync.WaitGroup
}

type run struct {
	def *SagaDefinition

	mu  sync.Mutex
	rec *SagaRecord

	cancelOnce sync.Once
	cancelCh   chan struct{}
	retain     atomic.Bool

	done   chan struct{}
	result *SagaResult
}

func (r *run) snapshot() *SagaRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

func (r *run) update(fn func(rec *SagaRecord)) {
	r.mu.Lock()
	fn(r.rec)
	r.mu.Unlock()
}

func (r *run) transition(next Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.TransitionTo(next)
}

func (r *run) cancel(retain bool) {
	r.cancelOnce.Do(func() {
		r.retain.Store(retain)
		close(r.cancelCh)
	})
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// NewOrchestrator creates an orchestrator. Without options it keeps records in
// memory and emits no audit events.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       NewMemoryRecordStore(),
		idempotency: NewInMemoryIdempotencyStore(),
		results:     newResultCache(defaultResultCacheSize),
		metrics:     nopMetricsRecorder{},
		logger:      logger.Global(),
		sema:        make(chan struct{}, defaultMaxConcurrentSagas),
		runs:        xsync.NewMapOf[string, *run](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = o.logger.With("component", "saga")
	o.audit = newAuditDispatcher(o.sinks, o.auditQueueSize, o.logger, o.metrics)
	return o
}

// Execute runs def to a terminal status and returns its result. The returned
// error is nil only for COMPLETED sagas; the result is never nil and never RUNNING.
// Cancelling ctx stops the saga at the next step boundary and compensates.
func (o *Orchestrator) Execute(ctx context.Context, def *SagaDefinition) (*SagaResult, error) {
	r, err := o.start(ctx, def)
	if err != nil {
		res := rejectedResult(def, err)
		return res, res.Err
	}
	o.runSaga(ctx, r)
	return r.result, r.result.Err
}

// Submit starts def in the background and returns its saga ID. The saga is not
// bound to ctx; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, def *SagaDefinition) (string, error) {
	r, err := o.start(ctx, def)
	if err != nil {
		return "", err
	}
	go o.runSaga(context.WithoutCancel(ctx), r)
	return def.ID, nil
}

// Wait blocks until the saga is terminal and returns its result. Results of
// sagas that finished in this process keep their original error chain; older
// ones are rebuilt from the record and carry only the error kind and message.
func (o *Orchestrator) Wait(ctx context.Context, sagaID string) (*SagaResult, error) {
	if r, ok := o.runs.Load(sagaID); ok {
		select {
		case <-r.done:
			return r.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res, ok := o.results.get(sagaID); ok {
		return res, nil
	}
	rec, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsTerminal() {
		return nil, fmt.Errorf("saga %s is %s but not running in this process: %w", sagaID, rec.Status, ErrInterrupted)
	}
	return resultFromRecord(rec, nil), nil
}

// GetStatus returns the current status of a saga.
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (Status, error) {
	rec, err := o.Get(ctx, sagaID)
	if err != nil {
		return 0, err
	}
	return rec.Status, nil
}

// Get returns a snapshot of a saga record.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*SagaRecord, error) {
	if r, ok := o.runs.Load(sagaID); ok {
		return r.snapshot(), nil
	}
	return o.store.Get(ctx, sagaID)
}

// List returns persisted saga records.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) ([]*SagaRecord, int, error) {
	return o.store.List(ctx, filter)
}

// Cancel requests cooperative cancellation. The saga stops at the next step
// boundary or retry sleep; by default completed steps are compensated.
func (o *Orchestrator) Cancel(sagaID string, opts ...CancelOption) error {
	var cfg cancelConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	r, ok := o.runs.Load(sagaID)
	if !ok {
		rec, err := o.store.Get(context.Background(), sagaID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return ErrSagaTerminal
		}
		return fmt.Errorf("saga %s is not running in this process: %w", sagaID, ErrSagaNotFound)
	}
	select {
	case <-r.done:
		return ErrSagaTerminal
	default:
	}
	r.cancel(cfg.retain)
	o.logger.Info("saga cancellation requested", "saga_id", sagaID, "retain_applied", cfg.retain)
	return nil
}

// ReconcileOrphans marks persisted sagas that are non-terminal but not running in
// this process as FAILED with kind interrupted. Call it once at startup.
func (o *Orchestrator) ReconcileOrphans(ctx context.Context) (int, error) {
	reconciled := 0
	for _, status := range []Status{StatusPending, StatusRunning, StatusCompensating} {
		records, _, err := o.store.List(ctx, ListFilter{Status: status.String()})
		if err != nil {
			return reconciled, fmt.Errorf("list %s sagas: %w", status, err)
		}
		for _, rec := range records {
			if _, running := o.runs.Load(rec.ID); running {
				continue
			}
			rec.setFailure(rec.FailedStep, &Error{Kind: KindInterrupted, Err: ErrInterrupted})
			rec.Uncompensated = remainingApplied(rec.CompletedSteps, rec.CompensatedSteps)
			if err := rec.TransitionTo(StatusFailed); err != nil {
				o.logger.Warn("cannot reconcile saga", "saga_id", rec.ID, "error", err)
				continue
			}
			if err := o.store.Save(ctx, rec); err != nil {
				return reconciled, fmt.Errorf("save reconciled saga %s: %w", rec.ID, err)
			}
			o.audit.emit(ctx, AuditEvent{
				SagaID:   rec.ID,
				SagaName: rec.Name,
				Kind:     EventSagaFailed,
				Detail:   "interrupted: process exited while saga was " + status.String(),
			})
			o.metrics.RecordSagaExecution(StatusFailed.String())
			reconciled++
		}
	}
	if reconciled > 0 {
		o.logger.Warn("reconciled interrupted sagas", "count", reconciled)
	}
	return reconciled, nil
}

// Flush waits until every audit event emitted so far was delivered.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.audit.flush(ctx)
}

// Close rejects new sagas, waits for running ones, then drains the audit queue.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		o.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.audit.close(ctx)
}

// start validates def and registers a PENDING run. Nothing is persisted or
// emitted for rejected definitions.
func (o *Orchestrator) start(ctx context.Context, def *SagaDefinition) (*run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrOrchestratorClosed
	}

	if _, err := o.store.Get(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaExists, def.ID)
	}
	r := &run{
		def:      def.clone(def.ID),
		rec:      newSagaRecord(def),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if _, loaded := o.runs.LoadOrStore(def.ID, r); loaded {
		return nil, fmt.Errorf("%w: %s", ErrSagaExists, def.ID)
	}
	o.active.Add(1)
	o.persist(ctx, r)
	return r, nil
}

func rejectedResult(def *SagaDefinition, err error) *SagaResult {
	now := time.Now().UTC()
	res := &SagaResult{
		Status:     StatusFailed,
		Kind:       KindDefinition,
		StartedAt:  now,
		FinishedAt: now,
	}
	if errors.Is(err, ErrOrchestratorClosed) {
		res.Kind = KindFatal
	}
	if def != nil {
		res.SagaID = def.ID
		res.Name = def.Name
	}
	var defErr *DefinitionError
	if errors.As(err, &defErr) {
		res.FailedStep = defErr.StepID
	}
	res.Err = &Error{Kind: res.Kind, StepID: res.FailedStep, Err: err}
	return res
}

func (o *Orchestrator) runSaga(ctx context.Context, r *run) {
	defer o.active.Done()
	defer close(r.done)
	defer o.runs.Delete(r.def.ID)

	def := r.def
	log := o.logger.With("saga_id", def.ID, "saga_name", def.Name)

	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		o.abortPending(ctx, r, ctx.Err())
		return
	case <-r.cancelCh:
		o.abortPending(ctx, r, ErrCancelled)
		return
	}
	defer func() { <-o.sema }()

	ctx, span := sagaTracer().Start(ctx, spanSagaExecute, trace.WithAttributes(
		attribute.String("saga.id", def.ID),
		attribute.String("saga.name", def.Name),
		attribute.Int("saga.steps", len(def.Steps)),
	))
	defer span.End()

	if err := r.transition(StatusRunning); err != nil {
		log.Error("cannot start saga", "error", err)
	}
	o.persist(ctx, r)
	o.metrics.IncActiveSagas()
	defer o.metrics.DecActiveSagas()
	o.audit.emit(ctx, AuditEvent{SagaID: def.ID, SagaName: def.Name, Kind: EventSagaStarted})
	log.InfoContext(ctx, "saga started", "steps", len(def.Steps))

	var deadline time.Time
	if def.Timeout > 0 {
		deadline = time.Now().Add(def.Timeout)
	}

	results := make(map[string]any, len(def.Steps))
	completed := make([]*Step, 0, len(def.Steps))
	var (
		failedStep string
		failure    error
	)
	for _, step := range def.Steps {
		if err := o.boundary(ctx, r, deadline); err != nil {
			failure = err
			break
		}
		result, err := o.executeStep(ctx, r, step, results, deadline)
		if err != nil {
			failedStep = step.ID
			failure = err
			break
		}
		results[step.ID] = result
		completed = append(completed, step)
		r.update(func(rec *SagaRecord) { rec.markStepCompleted(step.ID) })
		o.persist(ctx, r)
	}

	switch {
	case failure == nil:
		o.finish(ctx, r, StatusCompleted, nil)
	case errors.Is(failure, ErrCancelled) && r.retain.Load():
		r.update(func(rec *SagaRecord) {
			rec.setFailure(failedStep, failure)
			rec.Uncompensated = stepIDs(completed)
		})
		o.finish(ctx, r, StatusFailed, failure)
	default:
		r.update(func(rec *SagaRecord) { rec.setFailure(failedStep, failure) })
		if err := r.transition(StatusCompensating); err != nil {
			log.Error("cannot enter compensation", "error", err)
		}
		o.persist(ctx, r)
		o.audit.emit(ctx, AuditEvent{
			SagaID: def.ID, SagaName: def.Name, StepID: failedStep,
			Kind: EventSagaCompensating, Detail: failure.Error(),
		})
		log.WarnContext(ctx, "saga failed, compensating",
			"failed_step", failedStep, "kind", ClassifyError(failure), "error", failure)

		if compErr := o.compensate(ctx, r, completed, results, failedStep, failure); compErr != nil {
			o.finish(ctx, r, StatusFailed, compErr)
		} else {
			o.finish(ctx, r, StatusCompensated, failure)
		}
	}

	if !r.result.Succeeded() {
		span.RecordError(r.result.Err)
		span.SetStatus(codes.Error, r.result.Status.String())
	}
	span.SetAttributes(attribute.String("saga.status", r.result.Status.String()))
}

func (o *Orchestrator) abortPending(ctx context.Context, r *run, cause error) {
	err := &Error{Kind: ClassifyError(cause), Err: cause}
	r.update(func(rec *SagaRecord) { rec.setFailure("", err) })
	o.finish(ctx, r, StatusFailed, err)
}

func (o *Orchestrator) finish(ctx context.Context, r *run, status Status, err error) {
	if tErr := r.transition(status); tErr != nil {
		o.logger.Error("invalid terminal transition", "saga_id", r.def.ID, "error", tErr)
	}
	o.persist(ctx, r)

	rec := r.snapshot()
	r.result = resultFromRecord(rec, err)
	if status == StatusCompleted {
		r.result.Err = nil
	}
	o.results.put(r.result)
	o.forgetCompensations(r.def)

	kind := map[Status]EventKind{
		StatusCompleted:   EventSagaCompleted,
		StatusCompensated: EventSagaCompensated,
		StatusFailed:      EventSagaFailed,
	}[status]
	event := AuditEvent{SagaID: rec.ID, SagaName: rec.Name, StepID: rec.FailedStep, Kind: kind}
	if err != nil {
		event.Detail = err.Error()
	}
	o.audit.emit(ctx, event)

	o.metrics.RecordSagaExecution(status.String())
	o.metrics.RecordSagaDuration(status.String(), r.result.Duration())

	fields := []any{"saga_id", rec.ID, "status", status.String(), "duration", r.result.Duration()}
	switch status {
	case StatusCompleted:
		o.logger.InfoContext(ctx, "saga completed", fields...)
	case StatusCompensated:
		o.logger.WarnContext(ctx, "saga compensated", append(fields, "failed_step", rec.FailedStep, "error", err)...)
	default:
		o.logger.ErrorContext(ctx, "saga failed", append(fields, "kind", rec.ErrorKind, "uncompensated", rec.Uncompensated, "error", err)...)
	}
}

// forgetCompensations drops the idempotency keys of a finished saga. Saga IDs
// are single-shot, so the keys can never be consulted again.
func (o *Orchestrator) forgetCompensations(def *SagaDefinition) {
	for _, step := range def.Steps {
		o.idempotency.Forget(CompensationIdempotencyKey(def.ID, step.ID))
	}
}

// boundary reports why the saga must stop before its next step, if it must.
func (o *Orchestrator) boundary(ctx context.Context, r *run, deadline time.Time) error {
	if r.cancelled() {
		return ErrCancelled
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return &Error{Kind: KindTimeout, Err: ErrSagaTimeout}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindCancelled, Err: err}
	}
	return nil
}

func (o *Orchestrator) executeStep(
	ctx context.Context,
	r *run,
	step *Step,
	results map[string]any,
	deadline time.Time,
) (any, error) {
	def := r.def
	maxAttempts := 1
	if step.Retryable {
		maxAttempts = def.Retry.MaxAttempts
	}
	schedule := def.Retry.newBackOff()

	for attempt := 1; ; attempt++ {
		o.stepEvent(ctx, r, step, EventStepStarted, attempt, "")
		result, err := o.invokeAction(ctx, r, step, attempt, results)
		if err == nil {
			o.stepEvent(ctx, r, step, EventStepSucceeded, attempt, "")
			return result, nil
		}

		kind := ClassifyError(err)
		retryable := kind == KindTransient || kind == KindTimeout
		if !retryable || attempt >= maxAttempts {
			if kind == KindTransient {
				kind = KindFatal
			}
			o.stepEvent(ctx, r, step, EventStepFailed, attempt, err.Error())
			return nil, &Error{Kind: kind, StepID: step.ID, Backend: step.Backend, Err: err}
		}

		delay := schedule.NextBackOff()
		o.stepEvent(ctx, r, step, EventStepRetrying, attempt,
			fmt.Sprintf("retry in %s: %v", delay, err))
		o.metrics.RecordStepRetry("forward")

		sleepCtx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			sleepCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		sleepErr := sleepContext(sleepCtx, delay, r.cancelCh)
		cancel()
		if sleepErr != nil {
			if boundaryErr := o.boundary(ctx, r, deadline); boundaryErr != nil {
				return nil, boundaryErr
			}
			return nil, &Error{Kind: KindCancelled, Err: sleepErr}
		}
	}
}

// invokeAction runs one attempt. The action's context is detached from the
// caller and bounded only by the step timeout.
func (o *Orchestrator) invokeAction(
	ctx context.Context,
	r *run,
	step *Step,
	attempt int,
	results map[string]any,
) (result any, err error) {
	timeout := r.def.stepTimeout(step)
	stepCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}
	stepCtx, span := sagaTracer().Start(stepCtx, spanSagaStepForward, stepAttributes(r.def.ID, step, attempt))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("step %s panicked: %v", step.ID, p))
		}
	}()

	prior := make(map[string]any, len(results))
	for k, v := range results {
		prior[k] = v
	}
	result, err = step.Action(stepCtx, &StepContext{
		SagaID:  r.def.ID,
		StepID:  step.ID,
		Backend: step.Backend,
		Attempt: attempt,
		Results: prior,
	})
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ClassifyError(err) != KindTimeout {
		err = &Error{Kind: KindTimeout, Err: fmt.Errorf("step exceeded %s: %w", timeout, err)}
	}
	return result, err
}

// compensate unwinds completed steps in reverse order. It stops at the first
// compensation that fails after every retry.
func (o *Orchestrator) compensate(
	ctx context.Context,
	r *run,
	completed []*Step,
	results map[string]any,
	failedStep string,
	cause error,
) error {
	compCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if !step.Compensation.IsCompensatable() {
			detail := step.Compensation.Justification()
			if detail == "" {
				detail = "no compensation declared"
			}
			r.update(func(rec *SagaRecord) { rec.markStepSkipped(step.ID) })
			o.stepEvent(compCtx, r, step, EventStepSkipped, 0, detail)
			continue
		}

		key := CompensationIdempotencyKey(r.def.ID, step.ID)
		if o.idempotency.Seen(key) {
			r.update(func(rec *SagaRecord) { rec.markStepCompensated(step.ID) })
			o.stepEvent(compCtx, r, step, EventStepCompensated, 0, "already compensated")
			continue
		}

		started := time.Now()
		err := o.compensateStep(compCtx, r, step, results[step.ID], failedStep, cause)
		o.metrics.RecordCompensationDuration(time.Since(started))
		if err != nil {
			o.metrics.RecordCompensation("failed")
			var compErr *CompensationError
			errors.As(err, &compErr)
			r.update(func(rec *SagaRecord) {
				rec.Inconsistent = &InconsistentStep{StepID: step.ID, Backend: step.Backend, Error: compErr.Err.Error()}
				rec.Uncompensated = remainingApplied(rec.CompletedSteps, rec.CompensatedSteps)
				rec.ErrorKind = KindCompensation
				rec.Error = err.Error()
			})
			o.persist(compCtx, r)
			return &Error{Kind: KindCompensation, StepID: step.ID, Backend: step.Backend, Err: errors.Join(err, cause)}
		}
		o.metrics.RecordCompensation("success")
		o.idempotency.Mark(key)
		r.update(func(rec *SagaRecord) { rec.markStepCompensated(step.ID) })
		o.persist(compCtx, r)
	}
	return nil
}

// compensateStep retries one compensation with the saga's policy. Retries are
// not interruptible.
func (o *Orchestrator) compensateStep(
	ctx context.Context,
	r *run,
	step *Step,
	result any,
	failedStep string,
	cause error,
) error {
	policy := r.def.Retry
	schedule := policy.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		o.stepEvent(ctx, r, step, EventStepCompensating, attempt, "")
		lastErr = o.invokeCompensation(ctx, r, step, attempt, result, failedStep, cause)
		if lastErr == nil {
			o.stepEvent(ctx, r, step, EventStepCompensated, attempt, "")
			return nil
		}
		o.stepEvent(ctx, r, step, EventStepCompensationFailed, attempt, lastErr.Error())
		if attempt < policy.MaxAttempts {
			o.metrics.RecordStepRetry("compensation")
			_ = sleepContext(ctx, schedule.NextBackOff(), nil)
		}
	}
	return &CompensationError{StepID: step.ID, Backend: step.Backend, Attempts: policy.MaxAttempts, Err: lastErr}
}

func (o *Orchestrator) invokeCompensation(
	ctx context.Context,
	r *run,
	step *Step,
	attempt int,
	result any,
	failedStep string,
	cause error,
) (err error) {
	compCtx := ctx
	if timeout := r.def.stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		compCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	compCtx, span := sagaTracer().Start(compCtx, spanSagaStepCompensate, stepAttributes(r.def.ID, step, attempt))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("compensation for step %s panicked: %v", step.ID, p)
		}
	}()

	return step.Compensation.fn(compCtx, &CompensationContext{
		SagaID:     r.def.ID,
		StepID:     step.ID,
		Backend:    step.Backend,
		Attempt:    attempt,
		Result:     result,
		FailedStep: failedStep,
		Cause:      cause,
	})
}

func (o *Orchestrator) stepEvent(ctx context.Context, r *run, step *Step, kind EventKind, attempt int, detail string) {
	o.audit.emit(ctx, AuditEvent{
		SagaID:   r.def.ID,
		SagaName: r.def.Name,
		StepID:   step.ID,
		Kind:     kind,
		Backend:  step.Backend,
		Attempt:  attempt,
		Detail:   detail,
	})
}

// persist saves a snapshot of the run's record. Store failures are logged; the
// saga itself keeps going.
func (o *Orchestrator) persist(ctx context.Context, r *run) {
	rec := r.snapshot()
	if err := o.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to persist saga record", "saga_id", rec.ID, "status", rec.Status.String(), "error", err)
	}
}

func stepIDs(steps []*Step) []string {
	ids := make([]string, len(steps))
	for i, step := range steps {
		ids[i] = step.ID
	}
	return ids
}

// remainingApplied returns completed steps that were not compensated, in
// execution order.
func remainingApplied(completed, compensated []string) []string {
	undone := make(map[string]struct{}, len(compensated))
	for _, id := range compensated {
		undone[id] = struct{}{}
	}
	out := make([]string, 0, len(completed))
	for _, id := range completed {
		if _, ok := undone[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
