package saga

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of one saga execution.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCompensating
	StatusCompensated
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:      "PENDING",
	StatusRunning:      "RUNNING",
	StatusCompleted:    "COMPLETED",
	StatusCompensating: "COMPENSATING",
	StatusCompensated:  "COMPENSATED",
	StatusFailed:       "FAILED",
}

var validTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusCompleted:    {},
		StatusCompensating: {},
		// Retained cancellation and interrupted runs stop without compensating.
		StatusFailed: {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// String returns the upper-case status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for status, n := range statusNames {
		if n == upper {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown saga status %q", name)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether next is a legal successor.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	_, ok := validTransitions[s][next]
	return ok
}

// InconsistentStep identifies a step whose compensation could not be applied.
type InconsistentStep struct {
	StepID  string        `json:"step_id"`
	Backend BackendTarget `json:"backend"`
	Error   string        `json:"error"`
}

// SagaRecord is the persisted state of one saga execution. The orchestrator owns
// it; definitions stay immutable.
type SagaRecord struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           Status            `json:"status"`
	StepIDs          []string          `json:"step_ids"`
	CompletedSteps   []string          `json:"completed_steps"`
	CompensatedSteps []string          `json:"compensated_steps"`
	SkippedSteps     []string          `json:"skipped_steps,omitempty"`
	FailedStep       string            `json:"failed_step,omitempty"`
	ErrorKind        ErrorKind         `json:"error_kind,omitempty"`
	Error            string            `json:"error,omitempty"`
	Inconsistent     *InconsistentStep `json:"inconsistent,omitempty"`
	Uncompensated    []string          `json:"uncompensated,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

func newSagaRecord(def *SagaDefinition) *SagaRecord {
	now := time.Now().UTC()
	ids := make([]string, len(def.Steps))
	for i, step := range def.Steps {
		ids[i] = step.ID
	}
	return &SagaRecord{
		ID:               def.ID,
		Name:             def.Name,
		Status:           StatusPending,
		StepIDs:          ids,
		CompletedSteps:   make([]string, 0, len(ids)),
		CompensatedSteps: make([]string, 0),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TransitionTo applies a status transition.
func (r *SagaRecord) TransitionTo(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid saga status transition: %s -> %s", r.Status, next)
	}
	now := time.Now().UTC()
	if r.Status == StatusPending && next == StatusRunning {
		started := now
		r.StartedAt = &started
	}
	if next.IsTerminal() {
		done := now
		r.FinishedAt = &done
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

func (r *SagaRecord) markStepCompleted(stepID string) {
	r.CompletedSteps = append(r.CompletedSteps, stepID)
	r.UpdatedAt = time.Now().UTC()
}

func (r *SagaRecord) markStepCompensated(stepID string) {
	r.CompensatedSteps = append(r.CompensatedSteps, stepID)
	r.UpdatedAt = time.Now().UTC()
}

func (r *SagaRecord) markStepSkipped(stepID string) {
	r.SkippedSteps = append(r.SkippedSteps, stepID)
	r.UpdatedAt = time.Now().UTC()
}

func (r *SagaRecord) setFailure(stepID string, err error) {
	r.FailedStep = stepID
	r.ErrorKind = ClassifyError(err)
	if err != nil {
		r.Error = err.Error()
	}
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy.
func (r *SagaRecord) Clone() *SagaRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.StepIDs = append([]string(nil), r.StepIDs...)
	out.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	out.CompensatedSteps = append([]string(nil), r.CompensatedSteps...)
	out.SkippedSteps = append([]string(nil), r.SkippedSteps...)
	out.Uncompensated = append([]string(nil), r.Uncompensated...)
	if r.Inconsistent != nil {
		inc := *r.Inconsistent
		out.Inconsistent = &inc
	}
	if r.StartedAt != nil {
		started := *r.StartedAt
		out.StartedAt = &started
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}

// SagaResult is the terminal outcome handed back to callers.
type SagaResult struct {
	SagaID           string            `json:"saga_id"`
	Name             string            `json:"name"`
	Status           Status            `json:"status"`
	FailedStep       string            `json:"failed_step,omitempty"`
	Kind             ErrorKind         `json:"error_kind,omitempty"`
	Err              error             `json:"-"`
	CompletedSteps   []string          `json:"completed_steps"`
	CompensatedSteps []string          `json:"compensated_steps"`
	SkippedSteps     []string          `json:"skipped_steps,omitempty"`
	Inconsistent     *InconsistentStep `json:"inconsistent,omitempty"`
	// Uncompensated lists, in execution order, steps whose effects remain applied
	// after a failed or retained rollback.
	Uncompensated []string  `json:"uncompensated,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Succeeded reports whether the saga completed every step.
func (r *SagaResult) Succeeded() bool {
	return r != nil && r.Status == StatusCompleted
}

// Duration is the wall time between start and finish.
func (r *SagaResult) Duration() time.Duration {
	if r == nil || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func resultFromRecord(rec *SagaRecord, err error) *SagaResult {
	res := &SagaResult{
		SagaID:           rec.ID,
		Name:             rec.Name,
		Status:           rec.Status,
		FailedStep:       rec.FailedStep,
		Kind:             rec.ErrorKind,
		Err:              err,
		CompletedSteps:   append([]string(nil), rec.CompletedSteps...),
		CompensatedSteps: append([]string(nil), rec.CompensatedSteps...),
		SkippedSteps:     append([]string(nil), rec.SkippedSteps...),
		Uncompensated:    append([]string(nil), rec.Uncompensated...),
	}
	if rec.Inconsistent != nil {
		inc := *rec.Inconsistent
		res.Inconsistent = &inc
	}
	if rec.StartedAt != nil {
		res.StartedAt = *rec.StartedAt
	}
	if rec.FinishedAt != nil {
		res.FinishedAt = *rec.FinishedAt
	}
	if res.Err == nil && rec.Status != StatusCompleted && rec.Error != "" {
		res.Err = &Error{Kind: rec.ErrorKind, StepID: rec.FailedStep, Err: fmt.Errorf("%s", rec.Error)}
	}
	return res
}
