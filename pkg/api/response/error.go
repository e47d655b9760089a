package response

import (
	"errors"
	"net/http"

	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/saga"
	"github.com/polystore/polystore/pkg/transfer"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Kind      string         `json:"kind,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnprocessable      = "UNPROCESSABLE"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Common errors
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidationFailed   = errors.New("validation failed")
	ErrConflict           = errors.New("resource conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("request timeout")
	ErrInternalServer     = errors.New("internal server error")
)

// HTTPStatusFromError maps API and domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, saga.ErrSagaNotFound),
		errors.Is(err, transfer.ErrProgressNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidationFailed),
		errors.Is(err, saga.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict),
		errors.Is(err, saga.ErrSagaExists),
		errors.Is(err, saga.ErrSagaTerminal),
		errors.Is(err, transfer.ErrTransferExists),
		errors.Is(err, transfer.ErrTransferActive),
		errors.Is(err, transfer.ErrTransferTerminal),
		errors.Is(err, transfer.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrResumeExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, saga.ErrOrchestratorClosed),
		errors.Is(err, transfer.ErrDestinationUnavailable),
		backend.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeUnprocessable
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes err with the status and code it maps to. Saga errors also
// report their kind so clients can tell corruption from exhaustion.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:      ErrorCodeFromStatus(status),
			Message:   err.Error(),
			Kind:      errorKind(err),
			RequestID: requestID,
		},
	})
}

func errorKind(err error) string {
	var sagaErr *saga.Error
	if errors.As(err, &sagaErr) {
		return string(sagaErr.Kind)
	}
	return ""
}
