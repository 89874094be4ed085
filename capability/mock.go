package capability

import (
	"context"
	"sync"

	"github.com/vinayprograms/taskloop/taskstate"
)

// --- Scripted capabilities for tests and demos ---

// Step is one scripted reply: a value or an error.
type Step[T any] struct {
	Value T
	Err   error
}

// script hands out steps in order and repeats the last one once exhausted.
type script[T any] struct {
	mu    sync.Mutex
	steps []Step[T]
	calls int
}

func (s *script[T]) next() (Step[T], int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return Step[T]{}, s.calls
	}
	i := s.calls - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i], s.calls
}

func (s *script[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// MockGenerator replays a script of commands and errors.
type MockGenerator struct {
	script script[*taskstate.CommandDecision]

	mu       sync.Mutex
	lastView taskstate.ContextView

	// NextFunc overrides the script when set.
	NextFunc func(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error)
}

// NewMockGenerator creates a generator replaying steps.
func NewMockGenerator(steps ...Step[*taskstate.CommandDecision]) *MockGenerator {
	return &MockGenerator{script: script[*taskstate.CommandDecision]{steps: steps}}
}

// Next implements CommandGenerator.
func (g *MockGenerator) Next(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error) {
	step, _ := g.script.next()
	g.mu.Lock()
	g.lastView = view
	g.mu.Unlock()

	if g.NextFunc != nil {
		return g.NextFunc(ctx, view)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Value.Clone(), nil
}

// CallCount returns the number of Next calls made.
func (g *MockGenerator) CallCount() int { return g.script.count() }

// LastView returns the context the generator last received.
func (g *MockGenerator) LastView() taskstate.ContextView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastView
}

// MockExecutor replays a script of action results.
type MockExecutor struct {
	script script[ActionResult]

	mu       sync.Mutex
	commands []taskstate.CommandDecision

	// PerformFunc overrides the script when set.
	PerformFunc func(ctx context.Context, cmd taskstate.CommandDecision) (ActionResult, error)
}

// NewMockExecutor creates an executor replaying steps. With no steps every
// action succeeds with empty output.
func NewMockExecutor(steps ...Step[ActionResult]) *MockExecutor {
	if len(steps) == 0 {
		steps = []Step[ActionResult]{{Value: ActionResult{Success: true}}}
	}
	return &MockExecutor{script: script[ActionResult]{steps: steps}}
}

// Perform implements ActionExecutor.
func (e *MockExecutor) Perform(ctx context.Context, cmd taskstate.CommandDecision) (ActionResult, error) {
	step, _ := e.script.next()
	e.mu.Lock()
	e.commands = append(e.commands, *cmd.Clone())
	e.mu.Unlock()

	if e.PerformFunc != nil {
		return e.PerformFunc(ctx, cmd)
	}
	return step.Value, step.Err
}

// CallCount returns the number of Perform calls made.
func (e *MockExecutor) CallCount() int { return e.script.count() }

// Commands returns every command performed, in order.
func (e *MockExecutor) Commands() []taskstate.CommandDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]taskstate.CommandDecision, len(e.commands))
	copy(out, e.commands)
	return out
}

// MockVerifier replays a script of verification results.
type MockVerifier struct {
	script script[*taskstate.VerificationResult]

	// CheckFunc overrides the script when set.
	CheckFunc func(ctx context.Context, rec taskstate.ActionRecord, expected string) (*taskstate.VerificationResult, error)
}

// NewMockVerifier creates a verifier replaying steps. With no steps every
// check succeeds with full confidence.
func NewMockVerifier(steps ...Step[*taskstate.VerificationResult]) *MockVerifier {
	if len(steps) == 0 {
		steps = []Step[*taskstate.VerificationResult]{{Value: &taskstate.VerificationResult{Success: true, Confidence: 1}}}
	}
	return &MockVerifier{script: script[*taskstate.VerificationResult]{steps: steps}}
}

// Check implements Verifier.
func (v *MockVerifier) Check(ctx context.Context, rec taskstate.ActionRecord, expected string) (*taskstate.VerificationResult, error) {
	step, _ := v.script.next()
	if v.CheckFunc != nil {
		return v.CheckFunc(ctx, rec, expected)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Value.Clone(), nil
}

// CallCount returns the number of Check calls made.
func (v *MockVerifier) CallCount() int { return v.script.count() }

// MockDecider replays a script of decisions.
type MockDecider struct {
	script script[*DecisionResult]

	// DecideFunc overrides the script when set.
	DecideFunc func(ctx context.Context, view taskstate.ContextView) (*DecisionResult, error)
}

// NewMockDecider creates a decider replaying steps.
func NewMockDecider(steps ...Step[*DecisionResult]) *MockDecider {
	return &MockDecider{script: script[*DecisionResult]{steps: steps}}
}

// Decide implements Decider.
func (d *MockDecider) Decide(ctx context.Context, view taskstate.ContextView) (*DecisionResult, error) {
	step, _ := d.script.next()
	if d.DecideFunc != nil {
		return d.DecideFunc(ctx, view)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Value == nil {
		return nil, nil
	}
	out := *step.Value
	return &out, nil
}

// CallCount returns the number of Decide calls made.
func (d *MockDecider) CallCount() int { return d.script.count() }

// Command is a scripted generator step returning cmd.
func Command(cmd string, actionType taskstate.ActionType, expected string) Step[*taskstate.CommandDecision] {
	return Step[*taskstate.CommandDecision]{Value: &taskstate.CommandDecision{
		Command:        cmd,
		ActionType:     actionType,
		ExpectedResult: expected,
		Confidence:     0.9,
	}}
}

// Verdict is a scripted decider step returning d.
func Verdict(d Decision, reasoning string) Step[*DecisionResult] {
	return Step[*DecisionResult]{Value: &DecisionResult{Decision: d, Reasoning: reasoning, Confidence: 0.8}}
}

// Fail is a scripted step returning err.
func Fail[T any](err error) Step[T] {
	return Step[T]{Err: err}
}
