package backend

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("backend: not found")
	ErrAlreadyExists = errors.New("backend: already exists")
	ErrUnavailable   = errors.New("backend: unavailable")
)

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrAlreadyExists }

// UnavailableError marks a failure to reach the backend at all. These are
// transient: the same call may succeed later.
type UnavailableError struct {
	Backend string
	Cause   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// SerializationError indicates a failure encoding or decoding a stored value.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// Unavailable wraps cause as an UnavailableError for the named backend.
func Unavailable(backendName string, cause error) error {
	if cause == nil {
		return nil
	}
	return &UnavailableError{Backend: backendName, Cause: cause}
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
