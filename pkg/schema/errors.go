package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeMissingInput      = "MISSING_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
)

// TaskError is the structured error type for all taskmill operations.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TaskError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TaskError.
func NewError(code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// NewErrorf creates a new TaskError with a formatted message.
func NewErrorf(code, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *TaskError) WithStep(stepID string) *TaskError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *TaskError) WithCause(err error) *TaskError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TaskError) WithDetails(details map[string]any) *TaskError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient failure.
// Validation, missing-input, not-found, and lifecycle errors are permanent.
func (e *TaskError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
