// Package models holds the JSON shapes of the HTTP API.
package models

import (
	"time"

	"github.com/polystore/polystore/pkg/saga"
)

// SagaStatusResponse returns the current state of one saga.
type SagaStatusResponse struct {
	SagaID           string                 `json:"saga_id"`
	Name             string                 `json:"name"`
	State            string                 `json:"state"`
	Steps            []string               `json:"steps"`
	CompletedSteps   []string               `json:"completed_steps"`
	CompensatedSteps []string               `json:"compensated_steps"`
	SkippedSteps     []string               `json:"skipped_steps,omitempty"`
	FailedStep       string                 `json:"failed_step,omitempty"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	Inconsistent     *saga.InconsistentStep `json:"inconsistent,omitempty"`
	Uncompensated    []string               `json:"uncompensated,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// NewSagaStatusResponse renders rec.
func NewSagaStatusResponse(rec *saga.SagaRecord) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:           rec.ID,
		Name:             rec.Name,
		State:            rec.Status.String(),
		Steps:            nonNil(rec.StepIDs),
		CompletedSteps:   nonNil(rec.CompletedSteps),
		CompensatedSteps: nonNil(rec.CompensatedSteps),
		SkippedSteps:     rec.SkippedSteps,
		FailedStep:       rec.FailedStep,
		ErrorKind:        string(rec.ErrorKind),
		FailureReason:    rec.Error,
		Inconsistent:     rec.Inconsistent,
		Uncompensated:    rec.Uncompensated,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.FinishedAt,
	}
}

// SagaSummary is one row in list response.
type SagaSummary struct {
	SagaID      string     `json:"saga_id"`
	Name        string     `json:"name"`
	State       string     `json:"state"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SagaListResponse is paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SagaActionResponse is returned by cancel.
type SagaActionResponse struct {
	SagaID        string `json:"saga_id"`
	State         string `json:"state"`
	RetainApplied bool   `json:"retain_applied"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
