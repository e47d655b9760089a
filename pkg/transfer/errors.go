package transfer

import (
	"errors"
	"fmt"

	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/saga"
)

var (
	// ErrProgressNotFound is returned by progress stores for unknown operations.
	ErrProgressNotFound = errors.New("transfer progress not found")
	// ErrTransferExists is returned when an operation ID is already in use.
	ErrTransferExists = errors.New("transfer already exists")
	// ErrTransferActive is returned when resuming a transfer that is still running.
	ErrTransferActive = errors.New("transfer is still running")
	// ErrTransferTerminal is returned when cancelling or resuming a finished transfer.
	ErrTransferTerminal = errors.New("transfer already finished")
	// ErrNotRunning is returned by Wait for a persisted transfer that no process
	// is currently driving.
	ErrNotRunning = errors.New("transfer is not running; resume it")
	// ErrResumeExhausted is returned once a transfer used all its resume attempts.
	ErrResumeExhausted = errors.New("transfer resume attempts exhausted")
	// ErrDestinationUnavailable is returned when the destination cannot be reached.
	ErrDestinationUnavailable = errors.New("transfer destination unavailable")
)

func resumeExhausted(id string, attempts int) error {
	return &saga.Error{
		Kind: saga.KindResumeExhausted,
		Err:  fmt.Errorf("%w: %s after %d attempts", ErrResumeExhausted, id, attempts),
	}
}

func destinationUnavailable(cause error) error {
	return &saga.Error{
		Kind: saga.KindDestinationUnavailable,
		Err:  fmt.Errorf("%w: %w", ErrDestinationUnavailable, cause),
	}
}

// terminalError maps a finished saga onto the error a transfer caller sees.
// unavailable reports that the last chunk write failed to reach the destination.
func terminalError(res *saga.SagaResult, unavailable bool) error {
	if res == nil || res.Succeeded() {
		return nil
	}
	switch res.Kind {
	case saga.KindTransient, saga.KindFatal:
		if unavailable || errors.Is(res.Err, backend.ErrUnavailable) {
			return destinationUnavailable(res.Err)
		}
	}
	return res.Err
}
