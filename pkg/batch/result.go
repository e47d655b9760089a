package batch

import (
	"time"

	"github.com/polystore/polystore/pkg/saga"
)

// Failure identifies one saga of a batch that did not complete.
type Failure struct {
	Index  int            `json:"index"`
	SagaID string         `json:"saga_id"`
	Status saga.Status    `json:"status"`
	Kind   saga.ErrorKind `json:"error_kind"`
	Error  string         `json:"error"`
}

// Summary counts batch outcomes.
type Summary struct {
	Succeeded   int       `json:"succeeded"`
	Compensated int       `json:"compensated"`
	Failed      int       `json:"failed"`
	Failures    []Failure `json:"failures,omitempty"`
}

// BatchResult holds one result per submitted definition, in input order.
type BatchResult struct {
	Results    []*saga.SagaResult `json:"results"`
	Summary    Summary            `json:"summary"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`

	definitions []*saga.SagaDefinition
}

// AllSucceeded reports whether every saga completed.
func (r *BatchResult) AllSucceeded() bool {
	return r.Summary.Compensated == 0 && r.Summary.Failed == 0
}

// RetryableDefinitions returns fresh copies of the definitions that did not
// complete and can safely run again: their effects were rolled back or never
// applied. Sagas left with applied effects or with invalid definitions are
// excluded.
func (r *BatchResult) RetryableDefinitions() []*saga.SagaDefinition {
	var out []*saga.SagaDefinition
	for i, res := range r.Results {
		def := r.definitions[i]
		if def == nil || !retryable(res) {
			continue
		}
		out = append(out, def.Clone())
	}
	return out
}

func retryable(res *saga.SagaResult) bool {
	switch res.Status {
	case saga.StatusCompensated:
		return true
	case saga.StatusFailed:
		return res.Inconsistent == nil && len(res.Uncompensated) == 0 && res.Kind != saga.KindDefinition
	default:
		return false
	}
}

func summarize(results []*saga.SagaResult) Summary {
	var s Summary
	for i, res := range results {
		switch res.Status {
		case saga.StatusCompleted:
			s.Succeeded++
			continue
		case saga.StatusCompensated:
			s.Compensated++
		default:
			s.Failed++
		}
		f := Failure{Index: i, SagaID: res.SagaID, Status: res.Status, Kind: res.Kind}
		if res.Err != nil {
			f.Error = res.Err.Error()
		}
		s.Failures = append(s.Failures, f)
	}
	return s
}
