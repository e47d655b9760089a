package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polystore/polystore/pkg/backend"
)

// ErrorKind classifies a saga failure.
type ErrorKind string

const (
	KindTransient              ErrorKind = "transient"
	KindFatal                  ErrorKind = "fatal"
	KindCompensation           ErrorKind = "compensation"
	KindCorruption             ErrorKind = "corruption"
	KindDefinition             ErrorKind = "definition"
	KindCancelled              ErrorKind = "cancelled"
	KindTimeout                ErrorKind = "timeout"
	KindDestinationUnavailable ErrorKind = "destination_unavailable"
	KindResumeExhausted        ErrorKind = "resume_exhausted"
	KindInterrupted            ErrorKind = "interrupted"
)

var (
	// ErrSagaNotFound is returned when a saga cannot be located.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaExists is returned when a saga ID was already executed or is running.
	ErrSagaExists = errors.New("saga already exists")
	// ErrSagaTerminal is returned when cancelling a saga that already finished.
	ErrSagaTerminal = errors.New("saga already terminal")
	// ErrInvalidDefinition matches every DefinitionError.
	ErrInvalidDefinition = errors.New("invalid saga definition")
	// ErrCancelled marks operator-initiated cancellation.
	ErrCancelled = errors.New("saga cancelled")
	// ErrSagaTimeout marks a saga that exceeded its wall-time bound.
	ErrSagaTimeout = errors.New("saga timeout exceeded")
	// ErrInterrupted marks a saga found running after its process went away.
	ErrInterrupted = errors.New("saga interrupted")
)

// Error is a classified saga error.
type Error struct {
	Kind    ErrorKind
	StepID  string
	Backend BackendTarget
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprint(e.Err)
	if e.Kind != "" && !strings.HasPrefix(msg, string(e.Kind)) {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	switch {
	case e.StepID == "":
		return msg
	case e.Backend == "":
		return fmt.Sprintf("step %s: %s", e.StepID, msg)
	default:
		return fmt.Sprintf("step %s (%s): %s", e.StepID, e.Backend, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as fatal; it is never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// CorruptionError reports stored content diverging from its recorded digest.
type CorruptionError struct {
	Resource string
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption detected in %s: expected %s, got %s", e.Resource, e.Expected, e.Actual)
}

// Corruption builds a corruption error. It is always fatal.
func Corruption(resource, expected, actual string) error {
	return &Error{Kind: KindCorruption, Err: &CorruptionError{Resource: resource, Expected: expected, Actual: actual}}
}

// DefinitionError reports an invalid saga definition.
type DefinitionError struct {
	Saga   string
	StepID string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid saga %q: step %q: %s", e.Saga, e.StepID, e.Reason)
	}
	return fmt.Sprintf("invalid saga %q: %s", e.Saga, e.Reason)
}

func (e *DefinitionError) Is(target error) bool { return target == ErrInvalidDefinition }

// CompensationError reports a compensation that failed after all retries. The
// step's forward effect is still applied to its backend.
type CompensationError struct {
	StepID   string
	Backend  BackendTarget
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for step %s on %s after %d attempts: %v", e.StepID, e.Backend, e.Attempts, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// ClassifyError maps err onto the saga error taxonomy.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var sagaErr *Error
	if errors.As(err, &sagaErr) {
		return sagaErr.Kind
	}
	var defErr *DefinitionError
	if errors.As(err, &defErr) {
		return KindDefinition
	}
	var corruptErr *CorruptionError
	if errors.As(err, &corruptErr) {
		return KindCorruption
	}
	var compErr *CompensationError
	if errors.As(err, &compErr) {
		return KindCompensation
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrSagaTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case backend.IsUnavailable(err):
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}
