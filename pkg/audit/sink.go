// Package audit provides saga audit sinks: a structured log sink, a durable
// Badger journal with retention, and an envelope publisher over watermill or
// Redis streams.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

// FanOut delivers each event to every sink and joins their errors.
func FanOut(sinks ...saga.AuditSink) saga.AuditSink {
	return saga.AuditSinkFunc(func(ctx context.Context, event saga.AuditEvent) error {
		var errs []error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.RecordEvent(ctx, event); err != nil {
				errs = append(errs, fmt.Errorf("%T: %w", sink, err))
			}
		}
		return errors.Join(errs...)
	})
}

// LoggerSink writes audit events as structured log records.
type LoggerSink struct {
	log logger.Logger
}

// NewLoggerSink logs to log, or to the global logger when log is nil.
func NewLoggerSink(log logger.Logger) *LoggerSink {
	if log == nil {
		log = logger.Global()
	}
	return &LoggerSink{log: log.With("component", "audit")}
}

func (s *LoggerSink) RecordEvent(ctx context.Context, event saga.AuditEvent) error {
	fields := []any{"saga_id", event.SagaID, "kind", event.Kind}
	if event.SagaName != "" {
		fields = append(fields, "saga_name", event.SagaName)
	}
	if event.StepID != "" {
		fields = append(fields, "step_id", event.StepID, "backend", event.Backend, "attempt", event.Attempt)
	}
	if event.Detail != "" {
		fields = append(fields, "detail", event.Detail)
	}

	switch event.Kind {
	case saga.EventStepFailed, saga.EventStepCompensationFailed, saga.EventSagaFailed:
		s.log.WarnContext(ctx, "saga audit", fields...)
	case saga.EventStepStarted, saga.EventStepSucceeded:
		s.log.DebugContext(ctx, "saga audit", fields...)
	default:
		s.log.InfoContext(ctx, "saga audit", fields...)
	}
	return nil
}
