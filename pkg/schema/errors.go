package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeHandler           = "HANDLER_ERROR"
	ErrCodeExecutionTimeout  = "EXECUTION_TIMEOUT"
	ErrCodeQueueTimeout      = "QUEUE_TIMEOUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodePipelineAborted   = "PIPELINE_ABORTED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// QuantorError is the structured error type for all quantor operations.
type QuantorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Command string         `json:"command,omitempty"`
	Step    int            `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *QuantorError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("[%s] command %s: %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *QuantorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new QuantorError.
func NewError(code, message string) *QuantorError {
	return &QuantorError{Code: code, Message: message}
}

// NewErrorf creates a new QuantorError with a formatted message.
func NewErrorf(code, format string, args ...any) *QuantorError {
	return &QuantorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCommand attaches a command name to the error.
func (e *QuantorError) WithCommand(name string) *QuantorError {
	e.Command = name
	return e
}

// WithStep attaches a pipeline step index to the error.
func (e *QuantorError) WithStep(index int) *QuantorError {
	e.Step = index
	return e
}

// WithCause attaches an underlying cause.
func (e *QuantorError) WithCause(err error) *QuantorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *QuantorError) WithDetails(details map[string]any) *QuantorError {
	e.Details = details
	return e
}

// IsRetryable reports whether a pipeline step retry policy may re-attempt
// an execution that failed with this error. Validation failures, unknown
// commands and cancellations never retry.
func (e *QuantorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodePipelineAborted,
		ErrCodeExpression:
		return false
	default:
		return true
	}
}
