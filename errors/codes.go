package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: capability timeouts, generator temporarily unreachable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed decision, unknown task, invalid patch field.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a bounded budget.
	// Examples: attempt ceiling, recovery ceiling, rate limiting.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: recovered panics, invariant violations.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Capability or action timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Capability temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Task or strategy does not exist
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Task id already in use
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed input or unknown field
	ErrCodePermission    ErrorCode = "PERMISSION"     // Action denied by the environment
	ErrCodeTerminal      ErrorCode = "TERMINAL"       // Task is in a terminal state
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Task was cancelled

	// Resource errors
	ErrCodeRateLimit      ErrorCode = "RATE_LIMITED"    // Capability rate limit exceeded
	ErrCodeAttemptCeiling ErrorCode = "ATTEMPT_CEILING" // maxAttempts reached
	ErrCodeHistoryFull    ErrorCode = "HISTORY_FULL"    // Action history cap reached

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Workflow failures
	ErrCodeGenerationFailed   ErrorCode = "GENERATION_FAILED"   // Command generator unreachable or malformed
	ErrCodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"    // Action executor reported failure
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED" // Verifier error or low confidence
	ErrCodeDecisionFailed     ErrorCode = "DECISION_FAILED"     // Decider error or malformed verdict
	ErrCodeRecoveryExhausted  ErrorCode = "RECOVERY_EXHAUSTED"  // No recovery strategy succeeded
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr,
		ErrCodeGenerationFailed, ErrCodeExecutionFailed, ErrCodeVerificationFailed:
		return CategoryTransient

	// Permanent
	case ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeInvalidInput, ErrCodePermission,
		ErrCodeTerminal, ErrCodeCanceled, ErrCodeDecisionFailed:
		return CategoryPermanent

	// Resource
	case ErrCodeRateLimit, ErrCodeAttemptCeiling, ErrCodeHistoryFull, ErrCodeRecoveryExhausted:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// Fatal reports whether a failure with this code ends the task.
// Single execution and verification failures are absorbed by the workflow
// and surfaced to the next capability call instead. GENERATION_FAILED is
// only raised once the generator retry budget is spent.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrCodeGenerationFailed, ErrCodeDecisionFailed, ErrCodeRecoveryExhausted, ErrCodeAttemptCeiling,
		ErrCodeHistoryFull, ErrCodeCanceled, ErrCodePanic, ErrCodeInternal:
		return true
	default:
		return false
	}
}

// codeDescriptions doubles as the completion reason prefix for fatal codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:            "operation timed out",
	ErrCodeUnavailable:        "capability temporarily unavailable",
	ErrCodeNetworkErr:         "network connectivity error",
	ErrCodeNotFound:           "task not found",
	ErrCodeAlreadyExists:      "task already exists",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodePermission:         "permission denied",
	ErrCodeTerminal:           "task is terminal",
	ErrCodeCanceled:           "cancelled",
	ErrCodeRateLimit:          "rate limit exceeded",
	ErrCodeAttemptCeiling:     "max attempts reached",
	ErrCodeHistoryFull:        "action history limit reached",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
	ErrCodeGenerationFailed:   "generator unavailable",
	ErrCodeExecutionFailed:    "action execution failed",
	ErrCodeVerificationFailed: "verification failed",
	ErrCodeDecisionFailed:     "decision system error",
	ErrCodeRecoveryExhausted:  "recovery attempts exhausted",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
