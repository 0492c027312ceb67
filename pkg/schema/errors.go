package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeIllegalEvent  = "ILLEGAL_EVENT"
	ErrCodeTraversalPath = "TRAVERSAL_PATH"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	ErrCodeDispatch      = "DISPATCH_ERROR"
	ErrCodeCircuitOpen   = "CIRCUIT_OPEN"
	ErrCodeStore         = "STORE_ERROR"
)

// FluxionError is the structured error type for all fluxion operations.
type FluxionError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StateID int64          `json:"state_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FluxionError) Error() string {
	if e.StateID != 0 {
		return fmt.Sprintf("[%s] state %d: %s", e.Code, e.StateID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FluxionError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FluxionError.
func NewError(code, message string) *FluxionError {
	return &FluxionError{Code: code, Message: message}
}

// NewErrorf creates a new FluxionError with a formatted message.
func NewErrorf(code, format string, args ...any) *FluxionError {
	return &FluxionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches a state ID to the error.
func (e *FluxionError) WithState(stateID int64) *FluxionError {
	e.StateID = stateID
	return e
}

// WithCause attaches an underlying cause.
func (e *FluxionError) WithCause(err error) *FluxionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FluxionError) WithDetails(details map[string]any) *FluxionError {
	e.Details = details
	return e
}
