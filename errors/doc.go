// Package errors provides the structured failure taxonomy used by the task
// engine. Every failure the workflow can observe is described by an
// ErrorCode, which maps to a retry category and to a fatality rule.
//
// # Error Categories
//
//   - Transient: generator, executor and verifier hiccups, absorbed and retried
//   - Permanent: malformed verdicts, unknown tasks, cancelled tasks
//   - Resource: attempt ceiling, recovery exhaustion, history cap
//   - Internal: recovered panics and invariant violations
//
// # Usage
//
// Create an error for a workflow failure:
//
//	err := errors.New(errors.ErrCodeGenerationFailed, "generator unavailable",
//	    errors.WithTaskID(taskID))
//
// Wrap a capability error. Context deadlines become TIMEOUT:
//
//	wrapped := errors.Wrap(err, "calling decider")
//
// Decide whether the engine must terminate:
//
//	if errors.IsFatal(err) {
//	    // finish the task as Failed
//	}
package errors
