// Package capability defines the pluggable collaborators the engine drives:
// the command generator, the action executor, the verifier and the decider.
//
// The engine never depends on how these are implemented. Each call receives
// a context carrying the engine's per-call timeout and must honor it.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinayprograms/taskloop/taskstate"
)

// ErrDone is returned by a CommandGenerator that has nothing left to do.
// The engine completes the task instead of treating it as a failure.
var ErrDone = errors.New("generator reported done")

// CommandGenerator proposes the next action for a task.
type CommandGenerator interface {
	// Next returns the next command, ErrDone, or an error.
	Next(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error)
}

// ActionExecutor performs one concrete action.
type ActionExecutor interface {
	// Perform executes cmd. An action that ran but did not succeed is
	// reported through ActionResult, not the error; the error is for
	// executor faults (unreachable backend, timeout).
	Perform(ctx context.Context, cmd taskstate.CommandDecision) (ActionResult, error)
}

// Verifier judges whether an action produced the expected result.
type Verifier interface {
	Check(ctx context.Context, rec taskstate.ActionRecord, expected string) (*taskstate.VerificationResult, error)
}

// Decider chooses how the workflow proceeds after a verified step.
type Decider interface {
	Decide(ctx context.Context, view taskstate.ContextView) (*DecisionResult, error)
}

// Classifier optionally maps a failure to a recovery category and severity.
// Implementations return ok=false when they cannot tell.
type Classifier interface {
	Classify(ctx context.Context, err error, view taskstate.ContextView) (category, severity string, ok bool)
}

// ActionResult is the outcome of one Perform call.
type ActionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Decision is the routing verdict a Decider returns.
type Decision string

const (
	DecisionContinue  Decision = "continue"
	DecisionComplete  Decision = "complete"
	DecisionFailed    Decision = "failed"
	DecisionRecovery  Decision = "recovery"
	DecisionUserInput Decision = "user_input"
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	return string(d)
}

// Valid returns true if the decision is a known value.
func (d Decision) Valid() bool {
	switch d {
	case DecisionContinue, DecisionComplete, DecisionFailed, DecisionRecovery, DecisionUserInput:
		return true
	default:
		return false
	}
}

// DecisionResult is the structured output of a Decider.
type DecisionResult struct {
	Decision             Decision `json:"decision"`
	Reasoning            string   `json:"reasoning,omitempty"`
	Confidence           float64  `json:"confidence"`
	CompletionAssessment string   `json:"completion_assessment,omitempty"`
	ErrorAnalysis        string   `json:"error_analysis,omitempty"`
}

// Validate checks that the result can be routed on.
func (r *DecisionResult) Validate() error {
	if r == nil {
		return fmt.Errorf("nil decision result")
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("unknown decision %q", r.Decision)
	}
	if !taskstate.ValidConfidence(r.Confidence) {
		return fmt.Errorf("decision confidence %v outside [0,1]", r.Confidence)
	}
	return nil
}

// Set bundles the capabilities one engine run needs.
type Set struct {
	Generator CommandGenerator
	Executor  ActionExecutor
	Verifier  Verifier
	Decider   Decider

	// Classifier is optional.
	Classifier Classifier
}

// Validate checks that every required capability is present.
func (s Set) Validate() error {
	switch {
	case s.Generator == nil:
		return fmt.Errorf("command generator is required")
	case s.Executor == nil:
		return fmt.Errorf("action executor is required")
	case s.Verifier == nil:
		return fmt.Errorf("verifier is required")
	case s.Decider == nil:
		return fmt.Errorf("decider is required")
	}
	return nil
}
