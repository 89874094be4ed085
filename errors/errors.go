package errors

import (
	"fmt"
)

// Error is a structured engine failure. Its category, retryability and
// fatality all follow from its code.
type Error struct {
	code    ErrorCode
	message string
	cause   error
	taskID  string
	node    string // workflow node that raised the error, if any
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.code.DefaultCategory()
}

// Retryable returns whether the same call may succeed if repeated.
func (e *Error) Retryable() bool {
	return e.Category().IsRetryable()
}

// Fatal returns whether the error ends the task.
func (e *Error) Fatal() bool {
	return e.code.Fatal()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// Node returns the workflow node that raised the error, if set.
func (e *Error) Node() string {
	return e.node
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithNode sets the workflow node that raised the error.
func WithNode(node string) Option {
	return func(e *Error) {
		e.node = node
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// GenerationFailed creates a generator failure for a task.
func GenerationFailed(taskID string, cause error) *Error {
	return New(ErrCodeGenerationFailed, ErrCodeGenerationFailed.Description(),
		WithTaskID(taskID), WithNode("generate_command"), WithCause(cause))
}

// DecisionFailed creates a decider failure for a task.
func DecisionFailed(taskID string, cause error) *Error {
	return New(ErrCodeDecisionFailed, ErrCodeDecisionFailed.Description(),
		WithTaskID(taskID), WithNode("make_decision"), WithCause(cause))
}

// RecoveryExhausted creates a recovery exhaustion failure for a task.
func RecoveryExhausted(taskID, detail string) *Error {
	msg := ErrCodeRecoveryExhausted.Description()
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return New(ErrCodeRecoveryExhausted, msg, WithTaskID(taskID))
}

// AttemptCeiling creates a max-attempts failure for a task.
func AttemptCeiling(taskID string, maxAttempts int) *Error {
	return New(ErrCodeAttemptCeiling, fmt.Sprintf("max attempts reached (%d)", maxAttempts),
		WithTaskID(taskID))
}

// Canceled creates a cancellation failure for a task.
func Canceled(taskID string) *Error {
	return New(ErrCodeCanceled, ErrCodeCanceled.Description(), WithTaskID(taskID))
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
