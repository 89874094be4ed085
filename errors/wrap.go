package errors

import (
	"context"
	"errors"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an engine Error, its code and task are preserved.
// Context deadlines map to TIMEOUT and cancellations to CANCELED; anything
// else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		wrapped := &Error{
			code:    engineErr.code,
			message: message,
			cause:   err,
			taskID:  engineErr.taskID,
			node:    engineErr.node,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Plain errors are not retryable.
func IsRetryable(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Retryable()
	}
	return false
}

// IsFatal checks if the error ends the task.
// Plain errors are treated as non-fatal so the workflow can absorb them.
func IsFatal(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Fatal()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not an engine Error.
func Code(err error) ErrorCode {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.code
	}
	return ""
}

// Reason renders err as a human-readable completion reason.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogFields returns the structured fields logged alongside err.
// Plain errors only carry their message.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": Reason(err)}
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		return fields
	}
	fields["code"] = engineErr.code.String()
	fields["category"] = engineErr.Category().String()
	fields["retryable"] = engineErr.Retryable()
	if engineErr.taskID != "" {
		fields["task_id"] = engineErr.taskID
	}
	if engineErr.node != "" {
		fields["node"] = engineErr.node
	}
	return fields
}
