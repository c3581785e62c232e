package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTemplateRender = "TEMPLATE_RENDER_ERROR"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeExecutor       = "EXECUTOR_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeConflict       = "CONFLICT"
)

// DispatchError is the structured error type returned by dispatchflow components.
type DispatchError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DispatchError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DispatchError.
func NewError(code, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message}
}

// NewErrorf creates a new DispatchError with a formatted message.
func NewErrorf(code, format string, args ...any) *DispatchError {
	return &DispatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *DispatchError) WithStep(stepID string) *DispatchError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *DispatchError) WithCause(err error) *DispatchError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DispatchError) WithDetails(details map[string]any) *DispatchError {
	e.Details = details
	return e
}

// HasCode reports whether err wraps a DispatchError carrying the given code.
func HasCode(err error, code string) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Code == code
}
