package saga

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polystore/polystore/pkg/logger"
)

var fastRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	Multiplier:     2,
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) RecordEvent(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) kinds(stepID string) []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventKind
	for _, e := range s.events {
		if e.StepID == stepID && e.Kind != EventSagaCompensating && !e.Kind.IsTerminalSagaEvent() {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// journal records step invocations in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func trackedStep(j *journal, id string, fail error) []StepOption {
	return []StepOption{
		OnBackend(BackendRelational),
		Action(func(context.Context, *StepContext) (any, error) {
			j.add("do:" + id)
			if fail != nil {
				return nil, fail
			}
			return id, nil
		}),
		Compensate(func(context.Context, *CompensationContext) error {
			j.add("undo:" + id)
			return nil
		}),
	}
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	base := []Option{WithAuditSink(sink), WithLogger(logger.Nop())}
	o := NewOrchestrator(append(base, opts...)...)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o, sink
}

func TestOrchestratorExecutesStepsInOrder(t *testing.T) {
	j := &journal{}
	def, err := New("ordered").
		Step("a", trackedStep(j, "a", nil)...).
		Step("b", append(trackedStep(j, "b", nil), Action(func(_ context.Context, sc *StepContext) (any, error) {
			if sc.Results["a"] != "a" {
				t.Errorf("expected result of a, got %#v", sc.Results["a"])
			}
			j.add("do:b")
			return "b", nil
		}))...).
		Step("c", trackedStep(j, "c", nil)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, sink := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusCompleted || !res.Succeeded() {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if got, want := j.list(), []string{"do:a", "do:b", "do:c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
	if got, want := res.CompletedSteps, []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("completed steps = %v, want %v", got, want)
	}

	if err := o.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got, want := sink.kinds("b"), []EventKind{EventStepStarted, EventStepSucceeded}; !reflect.DeepEqual(got, want) {
		t.Fatalf("events for b = %v, want %v", got, want)
	}
	if sink.count(EventSagaStarted) != 1 || sink.count(EventSagaCompleted) != 1 {
		t.Fatal("expected one saga_started and one saga_completed event")
	}

	status, err := o.GetStatus(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected stored status COMPLETED, got %s", status)
	}
}

func TestOrchestratorCompensatesInReverseOrder(t *testing.T) {
	j := &journal{}
	boom := errors.New("graph write rejected")
	def, err := New("reverse").
		WithRetryPolicy(fastRetry).
		Step("a", trackedStep(j, "a", nil)...).
		Step("b", trackedStep(j, "b", nil)...).
		Step("c", trackedStep(j, "c", nil)...).
		Step("d", trackedStep(j, "d", boom)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, sink := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if !errors.Is(err, boom) {
		t.Fatalf("expected step error, got %v", err)
	}
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if res.FailedStep != "d" || res.Kind != KindFatal {
		t.Fatalf("unexpected failure %s/%s", res.FailedStep, res.Kind)
	}
	want := []string{"do:a", "do:b", "do:c", "do:d", "undo:c", "undo:b", "undo:a"}
	if got := j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	if got, want := res.CompensatedSteps, []string{"c", "b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("compensated = %v, want %v", got, want)
	}

	_ = o.Flush(context.Background())
	if got, want := sink.kinds("b"), []EventKind{
		EventStepStarted, EventStepSucceeded, EventStepCompensating, EventStepCompensated,
	}; !reflect.DeepEqual(got, want) {
		t.Fatalf("events for b = %v, want %v", got, want)
	}
	if got, want := sink.kinds("d"), []EventKind{EventStepStarted, EventStepFailed}; !reflect.DeepEqual(got, want) {
		t.Fatalf("events for d = %v, want %v", got, want)
	}
}

func TestOrchestratorFirstStepFailureHasNothingToUndo(t *testing.T) {
	j := &journal{}
	def, err := New("first-fails").
		Step("a", trackedStep(j, "a", errors.New("no space"))...).
		Step("b", trackedStep(j, "b", nil)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, _ := o.Execute(context.Background(), def)
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if got := j.list(); !reflect.DeepEqual(got, []string{"do:a"}) {
		t.Fatalf("journal = %v", got)
	}
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	def, err := New("retry").
		WithRetryPolicy(fastRetry).
		Step("flaky", Retryable(), Action(func(_ context.Context, sc *StepContext) (any, error) {
			n := attempts.Add(1)
			if int(n) != sc.Attempt {
				t.Errorf("attempt mismatch: counter %d, context %d", n, sc.Attempt)
			}
			if n < 3 {
				return nil, Transient(errors.New("connection reset"))
			}
			return "ok", nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, sink := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	_ = o.Flush(context.Background())
	if sink.count(EventStepRetrying) != 2 {
		t.Fatalf("expected 2 retrying events, got %d", sink.count(EventStepRetrying))
	}
}

func TestOrchestratorRetryExhaustionEscalatesToFatal(t *testing.T) {
	var attempts atomic.Int32
	var undone atomic.Bool
	def, err := New("exhaust").
		WithRetryPolicy(fastRetry).
		Step("a", okAction("a"), Compensate(func(context.Context, *CompensationContext) error {
			undone.Store(true)
			return nil
		})).
		Step("b", Retryable(), noopCompensation(), Action(func(context.Context, *StepContext) (any, error) {
			attempts.Add(1)
			return nil, Transient(errors.New("still down"))
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, _ := o.Execute(context.Background(), def)
	if attempts.Load() != int32(fastRetry.MaxAttempts) {
		t.Fatalf("expected %d attempts, got %d", fastRetry.MaxAttempts, attempts.Load())
	}
	if res.Kind != KindFatal {
		t.Fatalf("expected fatal after exhaustion, got %s", res.Kind)
	}
	if res.Status != StatusCompensated || !undone.Load() {
		t.Fatalf("expected compensation of a, status %s", res.Status)
	}
}

func TestOrchestratorDoesNotRetryWithoutOptIn(t *testing.T) {
	var plain, permanent atomic.Int32
	def, err := New("no-retry").
		WithRetryPolicy(fastRetry).
		Step("a", Action(func(context.Context, *StepContext) (any, error) {
			plain.Add(1)
			return nil, Transient(errors.New("flaky"))
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	o, _ := newTestOrchestrator(t)
	_, _ = o.Execute(context.Background(), def)
	if plain.Load() != 1 {
		t.Fatalf("non-retryable step ran %d times", plain.Load())
	}

	def, err = New("permanent").
		WithRetryPolicy(fastRetry).
		Step("a", Retryable(), Action(func(context.Context, *StepContext) (any, error) {
			permanent.Add(1)
			return nil, Permanent(errors.New("schema mismatch"))
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	_, _ = o.Execute(context.Background(), def)
	if permanent.Load() != 1 {
		t.Fatalf("permanent failure retried %d times", permanent.Load())
	}
}

func TestOrchestratorCompensationFailureLeavesSagaFailed(t *testing.T) {
	j := &journal{}
	var compAttempts atomic.Int32
	stuck := errors.New("vector index locked")
	def, err := New("stuck").
		WithRetryPolicy(fastRetry).
		Step("a", trackedStep(j, "a", nil)...).
		Step("b", OnBackend(BackendVector), okAction("b"), Compensate(func(context.Context, *CompensationContext) error {
			compAttempts.Add(1)
			return stuck
		})).
		Step("c", trackedStep(j, "c", errors.New("file quota"))...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, sink := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Kind != KindCompensation {
		t.Fatalf("expected compensation kind, got %s", res.Kind)
	}
	var compErr *CompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompensationError, got %v", err)
	}
	if compErr.StepID != "b" || compErr.Attempts != fastRetry.MaxAttempts || !errors.Is(compErr, stuck) {
		t.Fatalf("unexpected compensation error %#v", compErr)
	}
	if compAttempts.Load() != int32(fastRetry.MaxAttempts) {
		t.Fatalf("expected %d compensation attempts, got %d", fastRetry.MaxAttempts, compAttempts.Load())
	}
	if res.Inconsistent == nil || res.Inconsistent.StepID != "b" || res.Inconsistent.Backend != BackendVector {
		t.Fatalf("unexpected inconsistent step %#v", res.Inconsistent)
	}
	if got, want := res.Uncompensated, []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("uncompensated = %v, want %v", got, want)
	}
	for _, entry := range j.list() {
		if entry == "undo:a" {
			t.Fatal("compensation must stop at the failing step")
		}
	}
	_ = o.Flush(context.Background())
	if sink.count(EventStepCompensationFailed) != fastRetry.MaxAttempts {
		t.Fatalf("expected %d compensation_failed events, got %d", fastRetry.MaxAttempts, sink.count(EventStepCompensationFailed))
	}
}

func TestOrchestratorSkipsNonCompensatableSteps(t *testing.T) {
	j := &journal{}
	def, err := New("skip").
		Step("a", trackedStep(j, "a", nil)...).
		Step("audit-log", okAction(nil), NoCompensation("append-only log entry")).
		Step("c", trackedStep(j, "c", errors.New("boom"))...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, sink := newTestOrchestrator(t)
	res, _ := o.Execute(context.Background(), def)
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if got, want := res.SkippedSteps, []string{"audit-log"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("skipped = %v, want %v", got, want)
	}
	if got, want := j.list(), []string{"do:a", "do:c", "undo:a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	_ = o.Flush(context.Background())
	if sink.count(EventStepSkipped) != 1 {
		t.Fatalf("expected one skipped event, got %d", sink.count(EventStepSkipped))
	}
}

func TestOrchestratorRejectsInvalidDefinitionWithoutSideEffects(t *testing.T) {
	var ran atomic.Bool
	def := &SagaDefinition{
		ID:    "invalid-1",
		Name:  "invalid",
		Retry: DefaultRetryPolicy(),
		Steps: []*Step{
			{ID: "a", Action: func(context.Context, *StepContext) (any, error) { ran.Store(true); return nil, nil }},
			{ID: "b", Action: func(context.Context, *StepContext) (any, error) { ran.Store(true); return nil, nil }},
		},
	}

	o, sink := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if res.Status != StatusFailed || res.Kind != KindDefinition || res.FailedStep != "b" {
		t.Fatalf("unexpected result %#v", res)
	}
	if ran.Load() {
		t.Fatal("no step may run for an invalid definition")
	}
	if _, err := o.Get(context.Background(), def.ID); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
	_ = o.Flush(context.Background())
	if sink.count(EventSagaStarted) != 0 || sink.count(EventSagaFailed) != 0 {
		t.Fatal("expected no audit events for an invalid definition")
	}

	if _, err := o.Submit(context.Background(), def); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("Submit() expected ErrInvalidDefinition, got %v", err)
	}
}

func TestOrchestratorSagaIDsAreSingleShot(t *testing.T) {
	var runs atomic.Int32
	def, err := New("once").Step("a", Action(func(context.Context, *StepContext) (any, error) {
		runs.Add(1)
		return nil, nil
	})).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	if _, err := o.Execute(context.Background(), def); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	res, err := o.Execute(context.Background(), def)
	if !errors.Is(err, ErrSagaExists) {
		t.Fatalf("expected ErrSagaExists, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED result, got %s", res.Status)
	}
	if _, err := o.Execute(context.Background(), def.Clone()); err != nil {
		t.Fatalf("Execute(clone) error = %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}
}

// gatedSteps builds a->b->c where b blocks until release is closed.
func gatedSteps(t *testing.T, j *journal, entered chan<- struct{}, release <-chan struct{}) *SagaDefinition {
	t.Helper()
	def, err := New("gated").
		WithRetryPolicy(fastRetry).
		Step("a", trackedStep(j, "a", nil)...).
		Step("b", Action(func(context.Context, *StepContext) (any, error) {
			j.add("do:b")
			close(entered)
			<-release
			return "b", nil
		}), Compensate(func(context.Context, *CompensationContext) error {
			j.add("undo:b")
			return nil
		})).
		Step("c", trackedStep(j, "c", nil)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return def
}

func TestOrchestratorCancelCompensatesAtNextBoundary(t *testing.T) {
	j := &journal{}
	entered := make(chan struct{})
	release := make(chan struct{})
	def := gatedSteps(t, j, entered, release)

	o, _ := newTestOrchestrator(t)
	id, err := o.Submit(context.Background(), def)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-entered
	if status, _ := o.GetStatus(context.Background(), id); status != StatusRunning {
		t.Fatalf("expected RUNNING while step b blocks, got %s", status)
	}
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	res, err := o.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Status != StatusCompensated || res.Kind != KindCancelled {
		t.Fatalf("expected COMPENSATED/cancelled, got %s/%s", res.Status, res.Kind)
	}
	if got, want := j.list(), []string{"do:a", "do:b", "undo:b", "undo:a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	if err := o.Cancel(id); !errors.Is(err, ErrSagaTerminal) {
		t.Fatalf("expected ErrSagaTerminal after completion, got %v", err)
	}
}

func TestOrchestratorCancelRetainingAppliedSteps(t *testing.T) {
	j := &journal{}
	entered := make(chan struct{})
	release := make(chan struct{})
	def := gatedSteps(t, j, entered, release)

	o, _ := newTestOrchestrator(t)
	id, err := o.Submit(context.Background(), def)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-entered
	if err := o.Cancel(id, RetainApplied()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	res, err := o.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Status != StatusFailed || res.Kind != KindCancelled {
		t.Fatalf("expected FAILED/cancelled, got %s/%s", res.Status, res.Kind)
	}
	if got, want := res.Uncompensated, []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("uncompensated = %v, want %v", got, want)
	}
	if got, want := j.list(), []string{"do:a", "do:b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
}

func TestOrchestratorCallerCancellationStillCompensates(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def, err := New("caller-cancel").
		Step("a", OnBackend(BackendGraph), Action(func(context.Context, *StepContext) (any, error) {
			j.add("do:a")
			cancel()
			return "a", nil
		}), Compensate(func(compCtx context.Context, _ *CompensationContext) error {
			if compCtx.Err() != nil {
				t.Errorf("compensation context must not inherit caller cancellation: %v", compCtx.Err())
			}
			j.add("undo:a")
			return nil
		})).
		Step("b", trackedStep(j, "b", nil)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, _ := o.Execute(ctx, def)
	if res.Status != StatusCompensated || res.Kind != KindCancelled {
		t.Fatalf("expected COMPENSATED/cancelled, got %s/%s", res.Status, res.Kind)
	}
	if got, want := j.list(), []string{"do:a", "undo:a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
}

func TestOrchestratorSagaTimeout(t *testing.T) {
	j := &journal{}
	def, err := New("saga-timeout").
		WithTimeout(20*time.Millisecond).
		Step("a", OnBackend(BackendFile), Action(func(context.Context, *StepContext) (any, error) {
			time.Sleep(40 * time.Millisecond)
			j.add("do:a")
			return "a", nil
		}), Compensate(func(context.Context, *CompensationContext) error {
			j.add("undo:a")
			return nil
		})).
		Step("b", trackedStep(j, "b", nil)...).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if !errors.Is(err, ErrSagaTimeout) {
		t.Fatalf("expected ErrSagaTimeout, got %v", err)
	}
	if res.Status != StatusCompensated || res.Kind != KindTimeout {
		t.Fatalf("expected COMPENSATED/timeout, got %s/%s", res.Status, res.Kind)
	}
	if got, want := j.list(), []string{"do:a", "undo:a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
}

func TestOrchestratorStepTimeout(t *testing.T) {
	var undone atomic.Bool
	def, err := New("step-timeout").
		Step("a", okAction("a"), Compensate(func(context.Context, *CompensationContext) error {
			undone.Store(true)
			return nil
		})).
		Step("slow", StepTimeout(10*time.Millisecond), noopCompensation(),
			Action(func(ctx context.Context, _ *StepContext) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, _ := o.Execute(context.Background(), def)
	if res.Kind != KindTimeout || res.FailedStep != "slow" {
		t.Fatalf("expected timeout on slow, got %s on %s", res.Kind, res.FailedStep)
	}
	if res.Status != StatusCompensated || !undone.Load() {
		t.Fatalf("expected compensation after timeout, got %s", res.Status)
	}
}

func TestOrchestratorRecoversStepPanic(t *testing.T) {
	def, err := New("panic").
		Step("a", okAction("a")).
		Step("b", noopCompensation(), Action(func(context.Context, *StepContext) (any, error) {
			panic("nil map write")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	res, err := o.Execute(context.Background(), def)
	if err == nil || res.Kind != KindFatal {
		t.Fatalf("expected fatal error from panic, got %v (%s)", err, res.Kind)
	}
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
}

func TestOrchestratorAuditFailuresDoNotAffectSaga(t *testing.T) {
	healthy := &recordingSink{}
	panicking := AuditSinkFunc(func(context.Context, AuditEvent) error { panic("sink exploded") })
	failing := AuditSinkFunc(func(context.Context, AuditEvent) error { return errors.New("sink down") })

	def, err := New("audit").Step("a", okAction("a")).Step("b", okAction("b"), noopCompensation()).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o := NewOrchestrator(
		WithLogger(logger.Nop()),
		WithAuditSink(panicking),
		WithAuditSink(failing),
		WithAuditSink(healthy),
	)
	defer func() { _ = o.Close(context.Background()) }()

	res, err := o.Execute(context.Background(), def)
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED despite sink failures, got %v (%s)", err, res.Status)
	}
	if err := o.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if healthy.count(EventSagaCompleted) != 1 {
		t.Fatal("healthy sink should still receive events")
	}
}

func TestOrchestratorAuditQueueDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	blocking := AuditSinkFunc(func(ctx context.Context, _ AuditEvent) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	o := NewOrchestrator(WithLogger(logger.Nop()), WithAuditSink(blocking), WithAuditQueueSize(1))
	defer func() { _ = o.Close(context.Background()) }()

	def, err := New("drop").Step("a", okAction("a")).Step("b", okAction("b"), noopCompensation()).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Execute(context.Background(), def)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() blocked on a slow audit sink")
	}
	close(block)
	if o.audit.dropped.Load() == 0 {
		t.Fatal("expected dropped audit events")
	}
}

func TestOrchestratorCompensationIdempotency(t *testing.T) {
	var calls atomic.Int32
	def, err := New("idem").
		Step("a", okAction("a"), Compensate(func(context.Context, *CompensationContext) error {
			calls.Add(1)
			return nil
		})).
		Step("b", noopCompensation(), Action(func(context.Context, *StepContext) (any, error) {
			return nil, errors.New("fail")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewInMemoryIdempotencyStore()
	store.Mark(CompensationIdempotencyKey(def.ID, "a"))
	o, _ := newTestOrchestrator(t, WithIdempotencyStore(store))

	res, _ := o.Execute(context.Background(), def)
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("compensation already applied must not run again, ran %d times", calls.Load())
	}
	if got := res.CompensatedSteps; !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("compensated = %v", got)
	}
}

func TestOrchestratorForgetsCompensationKeysOnFinish(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	o, _ := newTestOrchestrator(t, WithIdempotencyStore(store))

	for i := 0; i < 20; i++ {
		def, err := New("undo").
			Step("a", okAction("a"), noopCompensation()).
			Step("b", okAction("b"), noopCompensation()).
			Step("c", noopCompensation(), Action(func(context.Context, *StepContext) (any, error) {
				return nil, errors.New("fail")
			})).
			Build()
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		res, _ := o.Execute(context.Background(), def)
		if res.Status != StatusCompensated {
			t.Fatalf("expected COMPENSATED, got %s", res.Status)
		}
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("idempotency store holds %d keys after every saga finished", n)
	}
}

func corruptingSaga(t *testing.T) *SagaDefinition {
	t.Helper()
	def, err := New("verify").
		Step("check", NoCompensation("read only"), Action(func(context.Context, *StepContext) (any, error) {
			return nil, Corruption("chunk-0", "aa", "bb")
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return def
}

func TestOrchestratorWaitKeepsErrorChainAfterFinish(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	def := corruptingSaga(t)

	_, execErr := o.Execute(context.Background(), def)
	var corrupt *CorruptionError
	if !errors.As(execErr, &corrupt) {
		t.Fatalf("Execute() error = %v, want CorruptionError", execErr)
	}

	res, err := o.Wait(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !errors.As(res.Err, &corrupt) || corrupt.Resource != "chunk-0" {
		t.Fatalf("Wait() lost the error chain: %v", res.Err)
	}
}

func TestOrchestratorWaitFallsBackToRecordAfterEviction(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithResultCacheSize(1))
	first := corruptingSaga(t)
	_, _ = o.Execute(context.Background(), first)
	_, _ = o.Execute(context.Background(), corruptingSaga(t))
	if n := o.results.size(); n != 1 {
		t.Fatalf("result cache holds %d entries, want 1", n)
	}

	res, err := o.Wait(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Status != StatusCompensated || ClassifyError(res.Err) != KindCorruption {
		t.Fatalf("rebuilt result = %s/%v", res.Status, res.Err)
	}
}

func TestOrchestratorCompensationContext(t *testing.T) {
	cause := errors.New("relational constraint")
	var got *CompensationContext
	def, err := New("ctx").
		Step("a", OnBackend(BackendVector), okAction("vec-42"), Compensate(func(_ context.Context, cc *CompensationContext) error {
			copied := *cc
			got = &copied
			return nil
		})).
		Step("b", noopCompensation(), Action(func(context.Context, *StepContext) (any, error) {
			return nil, cause
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t)
	_, _ = o.Execute(context.Background(), def)
	if got == nil {
		t.Fatal("compensation was not invoked")
	}
	if got.Result != "vec-42" || got.FailedStep != "b" || got.Backend != BackendVector || !errors.Is(got.Cause, cause) {
		t.Fatalf("unexpected compensation context %#v", got)
	}
}

func TestOrchestratorConcurrentLimitKeepsSagasPending(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking, err := New("first").Step("a", Action(func(context.Context, *StepContext) (any, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	waiting, err := New("second").Step("a", okAction(nil)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	o, _ := newTestOrchestrator(t, WithMaxConcurrentSagas(1))
	firstID, _ := o.Submit(context.Background(), blocking)
	<-entered
	secondID, _ := o.Submit(context.Background(), waiting)

	time.Sleep(20 * time.Millisecond)
	if status, _ := o.GetStatus(context.Background(), secondID); status != StatusPending {
		t.Fatalf("expected second saga PENDING, got %s", status)
	}
	close(release)

	for _, id := range []string{firstID, secondID} {
		res, err := o.Wait(context.Background(), id)
		if err != nil || res.Status != StatusCompleted {
			t.Fatalf("Wait(%s) = %v, %v", id, res, err)
		}
	}
}

func TestOrchestratorReconcileOrphans(t *testing.T) {
	store := NewMemoryRecordStore()
	now := time.Now().UTC()
	orphan := &SagaRecord{
		ID: "orphan-1", Name: "ingest", Status: StatusRunning,
		StepIDs: []string{"a", "b"}, CompletedSteps: []string{"a"},
		CreatedAt: now, UpdatedAt: now, StartedAt: &now,
	}
	finished := &SagaRecord{ID: "done-1", Name: "ingest", Status: StatusCompleted, CreatedAt: now, UpdatedAt: now}
	for _, rec := range []*SagaRecord{orphan, finished} {
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	o, sink := newTestOrchestrator(t, WithRecordStore(store))
	n, err := o.ReconcileOrphans(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled saga, got %d", n)
	}

	res, err := o.Wait(context.Background(), "orphan-1")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Status != StatusFailed || res.Kind != KindInterrupted {
		t.Fatalf("expected FAILED/interrupted, got %s/%s", res.Status, res.Kind)
	}
	if !reflect.DeepEqual(res.Uncompensated, []string{"a"}) {
		t.Fatalf("uncompensated = %v", res.Uncompensated)
	}
	_ = o.Flush(context.Background())
	if sink.count(EventSagaFailed) != 1 {
		t.Fatal("expected saga_failed event for the orphan")
	}
}

func TestOrchestratorListAndClose(t *testing.T) {
	o := NewOrchestrator(WithLogger(logger.Nop()))
	for i := 0; i < 3; i++ {
		def, err := New("listed").Step("a", okAction(i)).Build()
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if _, err := o.Execute(context.Background(), def); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	records, total, err := o.List(context.Background(), ListFilter{Status: "COMPLETED", Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(records) != 2 {
		t.Fatalf("expected 2 of 3 records, got %d of %d", len(records), total)
	}

	if err := o.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	def, _ := New("late").Step("a", okAction(nil)).Build()
	if _, err := o.Submit(context.Background(), def); !errors.Is(err, ErrOrchestratorClosed) {
		t.Fatalf("expected ErrOrchestratorClosed, got %v", err)
	}
	if err := o.Cancel("missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}
