package saga

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polystore/polystore/pkg/logger"
)

// EventKind names an audit event.
type EventKind string

const (
	EventSagaStarted      EventKind = "saga_started"
	EventSagaCompleted    EventKind = "saga_completed"
	EventSagaCompensating EventKind = "saga_compensating"
	EventSagaCompensated  EventKind = "saga_compensated"
	EventSagaFailed       EventKind = "saga_failed"

	EventStepStarted            EventKind = "started"
	EventStepSucceeded          EventKind = "succeeded"
	EventStepFailed             EventKind = "failed"
	EventStepRetrying           EventKind = "retrying"
	EventStepCompensating       EventKind = "compensating"
	EventStepCompensated        EventKind = "compensated"
	EventStepCompensationFailed EventKind = "compensation_failed"
	EventStepSkipped            EventKind = "skipped"
)

// IsTerminalSagaEvent reports whether k closes a saga's event stream.
func (k EventKind) IsTerminalSagaEvent() bool {
	return k == EventSagaCompleted || k == EventSagaCompensated || k == EventSagaFailed
}

// AuditEvent is one step or saga transition.
type AuditEvent struct {
	SagaID    string        `json:"saga_id"`
	SagaName  string        `json:"saga_name,omitempty"`
	StepID    string        `json:"step_id,omitempty"`
	Kind      EventKind     `json:"kind"`
	Backend   BackendTarget `json:"backend,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
}

// AuditSink consumes audit events. Delivery is best-effort: errors are logged and
// never reach the saga.
type AuditSink interface {
	RecordEvent(ctx context.Context, event AuditEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

func (f AuditSinkFunc) RecordEvent(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

const (
	defaultAuditQueueSize = 1024
	auditDeliveryTimeout  = 5 * time.Second
)

type auditItem struct {
	ctx     context.Context
	event   AuditEvent
	barrier chan struct{}
}

// auditDispatcher delivers events on one background goroutine. Emit never
// blocks; events are dropped when the queue is full.
type auditDispatcher struct {
	sinks   []AuditSink
	queue   chan auditItem
	logger  logger.Logger
	metrics MetricsRecorder
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newAuditDispatcher(sinks []AuditSink, size int, log logger.Logger, metrics MetricsRecorder) *auditDispatcher {
	if size <= 0 {
		size = defaultAuditQueueSize
	}
	d := &auditDispatcher{
		sinks:   sinks,
		queue:   make(chan auditItem, size),
		logger:  log,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *auditDispatcher) emit(ctx context.Context, event AuditEvent) {
	if len(d.sinks) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- auditItem{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		d.dropped.Add(1)
		d.metrics.RecordAuditDropped()
		d.logger.Warn("audit queue full, dropping event",
			"saga_id", event.SagaID, "step_id", event.StepID, "kind", event.Kind)
	}
}

// flush blocks until every event queued before the call was delivered.
func (d *auditDispatcher) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil
	}
	select {
	case d.queue <- auditItem{barrier: barrier}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *auditDispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *auditDispatcher) run() {
	defer close(d.done)
	for item := range d.queue {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		for _, sink := range d.sinks {
			d.deliver(sink, item)
		}
	}
}

func (d *auditDispatcher) deliver(sink AuditSink, item auditItem) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked",
				"saga_id", item.event.SagaID, "kind", item.event.Kind, "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(item.ctx, auditDeliveryTimeout)
	defer cancel()
	if err := sink.RecordEvent(ctx, item.event); err != nil {
		d.logger.Warn("audit sink failed",
			"saga_id", item.event.SagaID, "kind", item.event.Kind, "error", err)
	}
}
