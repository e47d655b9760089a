package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "polystore.saga"

const (
	spanSagaExecute        = "saga.execute"
	spanSagaStepForward    = "saga.step.forward"
	spanSagaStepCompensate = "saga.step.compensate"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}

func stepAttributes(sagaID string, step *Step, attempt int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.step.id", step.ID),
		attribute.String("saga.step.backend", string(step.Backend)),
		attribute.Int("saga.step.attempt", attempt),
	)
}
