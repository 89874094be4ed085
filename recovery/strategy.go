package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/taskloop/taskstate"
)

// Strategy is a named recovery technique and what has been learned about it.
// Values returned by the Policy are snapshots.
type Strategy struct {
	ID          string `json:"id"`
	Description string `json:"description"`

	// Categories and Severities the strategy applies to. Empty means all.
	Categories []Category `json:"categories,omitempty"`
	Severities []Severity `json:"severities,omitempty"`

	SuccessRate                float64 `json:"success_rate"`
	AverageRecoveryTimeSeconds float64 `json:"average_recovery_time_seconds"`
	UsageCount                 int     `json:"usage_count"`
}

// Applies reports whether the strategy is a candidate for (cat, sev).
func (s Strategy) Applies(cat Category, sev Severity) bool {
	return containsCategory(s.Categories, cat) && containsSeverity(s.Severities, sev)
}

func (s Strategy) clone() Strategy {
	s.Categories = append([]Category(nil), s.Categories...)
	s.Severities = append([]Severity(nil), s.Severities...)
	return s
}

func (s Strategy) validate() error {
	if s.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if s.SuccessRate < 0 || s.SuccessRate > 1 {
		return fmt.Errorf("strategy %s: success rate %v outside [0,1]", s.ID, s.SuccessRate)
	}
	for _, c := range s.Categories {
		if !c.Valid() {
			return fmt.Errorf("strategy %s: unknown category %q", s.ID, c)
		}
	}
	for _, v := range s.Severities {
		if !v.Valid() {
			return fmt.Errorf("strategy %s: unknown severity %q", s.ID, v)
		}
	}
	return nil
}

func containsCategory(list []Category, c Category) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Episode is what a strategy runner sees of the failure it is recovering.
type Episode struct {
	TaskID   string
	Category Category
	Severity Severity
	Cause    error
	View     taskstate.ContextView

	// Attempt is the task-wide recovery attempt number, starting at 1.
	Attempt int
}

// Runner carries out a strategy. A nil error means the strategy succeeded;
// the returned hint is surfaced to the next command generation.
type Runner interface {
	Run(ctx context.Context, ep Episode) (hint string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ep Episode) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, ep Episode) (string, error) {
	return f(ctx, ep)
}

// Built-in strategy ids.
const (
	StrategyRetryWithBackoff    = "retry_with_backoff"
	StrategyRefreshContext      = "refresh_context"
	StrategyAlternativeApproach = "alternative_approach"
	StrategySimplifyTask        = "simplify_task"
	StrategyResetEnvironment    = "reset_environment"
)

// builtin is a catalogue entry with its default runner.
type builtin struct {
	strategy Strategy
	runner   Runner
}

// builtins returns the default catalogue. Built-in runners do not act on the
// environment themselves: they pause where that helps and hand the generator
// a hint describing how to proceed. Register a custom runner for a strategy
// id to make it do real work.
func builtins(retryDelay time.Duration) []builtin {
	return []builtin{
		{
			strategy: Strategy{
				ID:          StrategyRetryWithBackoff,
				Description: "wait, then retry the failed action unchanged",
				Categories:  []Category{CategoryNetwork, CategoryTimeout, CategoryResource, CategoryUnknown},
				Severities:  []Severity{SeverityLow, SeverityMedium, SeverityHigh},
				SuccessRate: 0.7,
			},
			runner: RunnerFunc(func(ctx context.Context, ep Episode) (string, error) {
				if err := sleep(ctx, retryDelay*time.Duration(ep.Attempt)); err != nil {
					return "", err
				}
				return "the last failure looked transient; retry the previous action", nil
			}),
		},
		{
			strategy: Strategy{
				ID:          StrategyRefreshContext,
				Description: "re-observe the current state before acting again",
				Categories:  []Category{CategoryUIElement, CategoryNotFound, CategoryValidation, CategoryExecution, CategoryUnknown},
				Severities:  []Severity{SeverityLow, SeverityMedium, SeverityHigh},
				SuccessRate: 0.6,
			},
			runner: RunnerFunc(func(ctx context.Context, ep Episode) (string, error) {
				return "state may have changed; inspect the current state before choosing the next action", nil
			}),
		},
		{
			strategy: Strategy{
				ID:          StrategyAlternativeApproach,
				Description: "reach the same goal by a different method",
				Categories:  []Category{CategoryExecution, CategoryUIElement, CategoryNotFound, CategoryPermission, CategoryValidation, CategoryUnknown},
				Severities:  []Severity{SeverityMedium, SeverityHigh, SeverityCritical},
				SuccessRate: 0.5,
			},
			runner: RunnerFunc(func(ctx context.Context, ep Episode) (string, error) {
				return fmt.Sprintf("the previous approach failed (%s); choose a different method", describe(ep)), nil
			}),
		},
		{
			strategy: Strategy{
				ID:          StrategySimplifyTask,
				Description: "shrink the next step",
				Categories:  []Category{CategoryExecution, CategoryValidation, CategoryResource, CategoryTimeout, CategoryUnknown},
				Severities:  []Severity{SeverityMedium, SeverityHigh, SeverityCritical},
				SuccessRate: 0.4,
			},
			runner: RunnerFunc(func(ctx context.Context, ep Episode) (string, error) {
				return "break the goal into a smaller next step", nil
			}),
		},
		{
			strategy: Strategy{
				ID:          StrategyResetEnvironment,
				Description: "return the environment to a known state",
				Severities:  []Severity{SeverityHigh, SeverityCritical},
				SuccessRate: 0.3,
			},
			runner: RunnerFunc(func(ctx context.Context, ep Episode) (string, error) {
				return "return the environment to a known state before continuing", nil
			}),
		},
	}
}

func describe(ep Episode) string {
	if ep.Cause != nil {
		return ep.Cause.Error()
	}
	return string(ep.Category)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
