package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func okAction(result any) StepOption {
	return Action(func(context.Context, *StepContext) (any, error) { return result, nil })
}

func noopCompensation() StepOption {
	return Compensate(func(context.Context, *CompensationContext) error { return nil })
}

func TestBuilderBuildSuccess(t *testing.T) {
	def, err := New("ingest").
		WithTimeout(time.Minute).
		Step("write-file", OnBackend(BackendFile), okAction("f")).
		Step("write-row", OnBackend(BackendRelational), okAction("r"), noopCompensation(), Retryable()).
		Step("notify", OnBackend(CustomBackend("webhook")), okAction(nil), NoCompensation("notification is informational")).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if def.ID == "" {
		t.Fatal("expected generated saga ID")
	}
	if len(def.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(def.Steps))
	}
	if def.Steps[0].ID != "write-file" || def.Steps[2].ID != "notify" {
		t.Fatalf("steps not kept in insertion order: %s, %s", def.Steps[0].ID, def.Steps[2].ID)
	}
	if !def.Steps[1].Retryable {
		t.Fatal("expected write-row to be retryable")
	}
	if def.Steps[2].Compensation.Justification() != "notification is informational" {
		t.Fatalf("unexpected justification %q", def.Steps[2].Compensation.Justification())
	}
}

func TestBuilderValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
	}{
		{
			name:    "no steps",
			builder: New("empty"),
		},
		{
			name:    "missing action",
			builder: New("x").Step("a"),
		},
		{
			name:    "duplicate step",
			builder: New("x").Step("a", okAction(1)).Step("a", okAction(2), noopCompensation()),
		},
		{
			name:    "absent compensation after first step",
			builder: New("x").Step("a", okAction(1)).Step("b", okAction(2)),
		},
		{
			name:    "empty justification",
			builder: New("x").Step("a", okAction(1)).Step("b", okAction(2), NoCompensation("")),
		},
		{
			name:    "nil compensation function",
			builder: New("x").Step("a", okAction(1), Compensate(nil)),
		},
		{
			name:    "nil compensatable variant",
			builder: New("x").Step("a", okAction(1)).Step("b", okAction(2), WithCompensation(Compensatable(nil))),
		},
		{
			name:    "unknown backend",
			builder: New("x").Step("a", okAction(1), OnBackend("tape")),
		},
		{
			name:    "empty custom backend",
			builder: New("x").Step("a", okAction(1), OnBackend(CustomBackend(""))),
		},
		{
			name:    "negative timeout",
			builder: New("x").Step("a", okAction(1), StepTimeout(-time.Second)),
		},
		{
			name:    "bad retry policy",
			builder: New("x").Step("a", okAction(1)).WithRetryPolicy(RetryPolicy{MaxAttempts: 0, Multiplier: 2}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("expected Build() error")
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
			if ClassifyError(err) != KindDefinition {
				t.Fatalf("expected definition kind, got %s", ClassifyError(err))
			}
		})
	}
}

func TestDefinitionCloneGetsFreshID(t *testing.T) {
	def, err := New("clone").Step("a", okAction(1)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	cloned := def.Clone()
	if cloned.ID == def.ID {
		t.Fatal("expected clone to get a new ID")
	}
	if cloned.Name != def.Name || len(cloned.Steps) != 1 {
		t.Fatalf("unexpected clone: %#v", cloned)
	}
	if cloned.Steps[0] == def.Steps[0] {
		t.Fatal("expected clone to copy steps")
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusCompensating},
		{StatusRunning, StatusFailed},
		{StatusCompensating, StatusCompensated},
		{StatusCompensating, StatusFailed},
	}
	for _, pair := range allowed {
		if !pair[0].CanTransitionTo(pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusCompensating},
		{StatusCompensated, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusRunning, StatusCompensated},
	}
	for _, pair := range denied {
		if pair[0].CanTransitionTo(pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestStatusTextEncoding(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"s": StatusCompensating})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"s":"COMPENSATING"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var decoded map[string]Status
	if err := json.Unmarshal([]byte(`{"s":"failed"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["s"] != StatusFailed {
		t.Fatalf("expected FAILED, got %s", decoded["s"])
	}
	if _, err := ParseStatus("sleeping"); err == nil {
		t.Fatal("expected unknown status error")
	}
}

func TestSagaRecordLifecycle(t *testing.T) {
	def, err := New("lifecycle").Step("a", okAction(1)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rec := newSagaRecord(def)
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if err := rec.TransitionTo(StatusCompleted); err == nil {
		t.Fatal("expected PENDING -> COMPLETED to fail")
	}
	if err := rec.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo(RUNNING) error = %v", err)
	}
	if rec.StartedAt == nil {
		t.Fatal("expected StartedAt to be set")
	}
	rec.markStepCompleted("a")
	if err := rec.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("TransitionTo(COMPLETED) error = %v", err)
	}
	if rec.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}

	copied := rec.Clone()
	copied.CompletedSteps[0] = "mutated"
	if rec.CompletedSteps[0] != "a" {
		t.Fatal("Clone() shares completed steps")
	}
}
