package capability

import (
	"context"

	"github.com/vinayprograms/taskloop/taskstate"
)

// GeneratorFunc adapts a function to CommandGenerator.
type GeneratorFunc func(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error)

// Next implements CommandGenerator.
func (f GeneratorFunc) Next(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error) {
	return f(ctx, view)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, cmd taskstate.CommandDecision) (ActionResult, error)

// Perform implements ActionExecutor.
func (f ExecutorFunc) Perform(ctx context.Context, cmd taskstate.CommandDecision) (ActionResult, error) {
	return f(ctx, cmd)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, rec taskstate.ActionRecord, expected string) (*taskstate.VerificationResult, error)

// Check implements Verifier.
func (f VerifierFunc) Check(ctx context.Context, rec taskstate.ActionRecord, expected string) (*taskstate.VerificationResult, error) {
	return f(ctx, rec, expected)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, view taskstate.ContextView) (*DecisionResult, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, view taskstate.ContextView) (*DecisionResult, error) {
	return f(ctx, view)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, err error, view taskstate.ContextView) (string, string, bool)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, err error, view taskstate.ContextView) (string, string, bool) {
	return f(ctx, err, view)
}
