// Package saga coordinates multi-backend operations as sequential sagas with
// reverse-order compensation.
package saga

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackendTarget names the external store a step addresses.
type BackendTarget string

const (
	BackendVector     BackendTarget = "vector"
	BackendGraph      BackendTarget = "graph"
	BackendRelational BackendTarget = "relational"
	BackendFile       BackendTarget = "file"
)

// CustomBackend returns a target for a backend outside the four built-in kinds.
func CustomBackend(name string) BackendTarget {
	return BackendTarget("custom:" + name)
}

// Valid reports whether t is a built-in kind or a named custom backend.
func (t BackendTarget) Valid() bool {
	switch t {
	case BackendVector, BackendGraph, BackendRelational, BackendFile:
		return true
	}
	name, ok := strings.CutPrefix(string(t), "custom:")
	return ok && name != ""
}

// ActionFunc executes a forward step.
type ActionFunc func(ctx context.Context, stepCtx *StepContext) (any, error)

// CompensationFunc undoes a forward step. It must be idempotent.
type CompensationFunc func(ctx context.Context, compCtx *CompensationContext) error

// StepContext carries runtime information for a forward attempt.
type StepContext struct {
	SagaID  string
	StepID  string
	Backend BackendTarget
	Attempt int
	// Results holds the outputs of earlier steps, keyed by step ID.
	Results map[string]any
}

// CompensationContext carries runtime information for a compensation attempt.
type CompensationContext struct {
	SagaID     string
	StepID     string
	Backend    BackendTarget
	Attempt    int
	Result     any
	FailedStep string
	Cause      error
}

type compensationKind int

const (
	compensationAbsent compensationKind = iota
	compensationFunc
	compensationNone
)

// Compensation is the undo half of a step: either a function, or an explicit
// declaration that the step is safe to leave applied. The zero value is absent.
type Compensation struct {
	kind          compensationKind
	fn            CompensationFunc
	justification string
}

// Compensatable wraps fn as the step's compensation.
func Compensatable(fn CompensationFunc) Compensation {
	return Compensation{kind: compensationFunc, fn: fn}
}

// NonCompensatable declares that the step's effect may remain after a rollback.
// The justification is recorded in audit events and must not be empty.
func NonCompensatable(justification string) Compensation {
	return Compensation{kind: compensationNone, justification: justification}
}

// IsAbsent reports whether no compensation was declared.
func (c Compensation) IsAbsent() bool { return c.kind == compensationAbsent }

// IsCompensatable reports whether c carries an undo function.
func (c Compensation) IsCompensatable() bool { return c.kind == compensationFunc }

// Justification returns the reason given to NonCompensatable.
func (c Compensation) Justification() string { return c.justification }

// Step is one unit of work addressed to one backend.
type Step struct {
	ID           string
	Backend      BackendTarget
	Action       ActionFunc
	Compensation Compensation
	// Retryable enables retries of transient Action failures.
	Retryable bool
	// Timeout bounds a single Action or compensation call.
	Timeout time.Duration
}

// StepOption configures a step.
type StepOption func(step *Step) error

// Action sets the forward action.
func Action(fn ActionFunc) StepOption {
	return func(step *Step) error {
		step.Action = fn
		return nil
	}
}

// Compensate sets a compensation function.
func Compensate(fn CompensationFunc) StepOption {
	return func(step *Step) error {
		if fn == nil {
			return fmt.Errorf("compensation function cannot be nil")
		}
		step.Compensation = Compensatable(fn)
		return nil
	}
}

// NoCompensation marks the step as safe to leave applied.
func NoCompensation(justification string) StepOption {
	return func(step *Step) error {
		step.Compensation = NonCompensatable(justification)
		return nil
	}
}

// WithCompensation sets a prepared Compensation value.
func WithCompensation(c Compensation) StepOption {
	return func(step *Step) error {
		step.Compensation = c
		return nil
	}
}

// OnBackend sets the step's backend target.
func OnBackend(target BackendTarget) StepOption {
	return func(step *Step) error {
		step.Backend = target
		return nil
	}
}

// Retryable enables retry of transient failures.
func Retryable() StepOption {
	return func(step *Step) error {
		step.Retryable = true
		return nil
	}
}

// StepTimeout sets the per-call timeout.
func StepTimeout(timeout time.Duration) StepOption {
	return func(step *Step) error {
		if timeout < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		step.Timeout = timeout
		return nil
	}
}
