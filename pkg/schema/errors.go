package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCollaborator      = "COLLABORATOR_ERROR"
	ErrCodeSchedule          = "SCHEDULE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStore             = "STORE_ERROR"
)

// EcrError is the structured error type for all engine operations.
type EcrError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *EcrError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EcrError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EcrError.
func NewError(code, message string) *EcrError {
	return &EcrError{Code: code, Message: message}
}

// NewErrorf creates a new EcrError with a formatted message.
func NewErrorf(code, format string, args ...any) *EcrError {
	return &EcrError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *EcrError) WithAction(actionID string) *EcrError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *EcrError) WithCause(err error) *EcrError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EcrError) WithDetails(details map[string]any) *EcrError {
	e.Details = details
	return e
}

// IsCode reports whether err is an *EcrError carrying the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*EcrError)
	return ok && ee.Code == code
}
