// Package recovery implements the adaptive recovery policy: it classifies a
// failure, picks the strategies most likely to fix it, runs them until one
// works, and learns from every outcome.
//
// The strategy catalogue is shared by every running task. Each strategy has
// its own lock, so concurrent episodes only contend when they run the same
// strategy.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskloop/capability"
	taskerrors "github.com/vinayprograms/taskloop/errors"
	"github.com/vinayprograms/taskloop/logging"
	"github.com/vinayprograms/taskloop/taskstate"
	"github.com/vinayprograms/taskloop/telemetry"
)

// Common errors.
var (
	// ErrStrategyNotFound indicates the strategy id is not in the catalogue.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrStrategyExists indicates a strategy with the same id is registered.
	ErrStrategyExists = errors.New("strategy already exists")
)

const (
	// DefaultCeiling is the task-wide limit on strategy executions.
	DefaultCeiling = 3

	// DefaultMaxCandidates bounds the strategies tried per episode.
	DefaultMaxCandidates = 3

	rateWeightCap = 0.2
	timeWeightCap = 0.3
)

type entry struct {
	mu       sync.Mutex
	strategy Strategy
	runner   Runner
	order    int
}

// Policy owns the strategy catalogue and runs recovery episodes.
type Policy struct {
	mu      sync.RWMutex
	entries map[string]*entry

	classifier    capability.Classifier
	ceiling       int
	maxCandidates int
	backoff       time.Duration
	retryDelay    time.Duration
	timeout       time.Duration
	builtins      bool
	logger        *logging.Logger
	tracer        *telemetry.Tracer
	now           func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClassifier sets the optional Classifier capability.
func WithClassifier(c capability.Classifier) Option {
	return func(p *Policy) {
		p.classifier = c
	}
}

// WithCeiling sets the task-wide limit on strategy executions.
func WithCeiling(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.ceiling = n
		}
	}
}

// WithMaxCandidates sets how many strategies one episode may try.
func WithMaxCandidates(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxCandidates = n
		}
	}
}

// WithBackoff sets the fixed delay between strategies in one episode.
// The built-in retry strategy waits the same delay per attempt.
func WithBackoff(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.backoff = d
			p.retryDelay = d
		}
	}
}

// WithStrategyTimeout bounds each runner call. Zero disables the bound.
func WithStrategyTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.timeout = d
		}
	}
}

// WithoutBuiltins starts with an empty catalogue.
func WithoutBuiltins() Option {
	return func(p *Policy) {
		p.builtins = false
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Policy) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock sets the time source used to measure strategy runs.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// NewPolicy creates a policy holding the built-in strategies.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		entries:       make(map[string]*entry),
		ceiling:       DefaultCeiling,
		maxCandidates: DefaultMaxCandidates,
		backoff:       500 * time.Millisecond,
		retryDelay:    500 * time.Millisecond,
		timeout:       30 * time.Second,
		builtins:      true,
		logger:        logging.New().WithComponent("recovery"),
		tracer:        telemetry.GetTracer(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.builtins {
		for _, b := range builtins(p.retryDelay) {
			_ = p.Register(b.strategy, b.runner)
		}
	}
	return p
}

// Ceiling returns the task-wide limit on strategy executions.
func (p *Policy) Ceiling() int {
	return p.ceiling
}

// Register adds a strategy and its runner to the catalogue.
func (p *Policy) Register(s Strategy, r Runner) error {
	if err := s.validate(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("strategy %s: runner is required", s.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrStrategyExists, s.ID)
	}
	p.entries[s.ID] = &entry{strategy: s.clone(), runner: r, order: len(p.entries)}
	return nil
}

// SetRunner replaces the runner of a registered strategy, keeping what has
// been learned about it.
func (p *Policy) SetRunner(id string, r Runner) error {
	if r == nil {
		return fmt.Errorf("strategy %s: runner is required", id)
	}
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.runner = r
	e.mu.Unlock()
	return nil
}

// Strategy returns a snapshot of one strategy.
func (p *Policy) Strategy(id string) (Strategy, error) {
	e, err := p.lookup(id)
	if err != nil {
		return Strategy{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy.clone(), nil
}

// Strategies returns snapshots of the whole catalogue in registration order.
func (p *Policy) Strategies() []Strategy {
	entries := p.snapshotEntries()
	out := make([]Strategy, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		out[i] = e.strategy.clone()
		e.mu.Unlock()
	}
	return out
}

// SelectStrategies returns up to the candidate limit of strategies that
// apply to (cat, sev), best historical success rate first. Ties keep
// registration order.
func (p *Policy) SelectStrategies(cat Category, sev Severity) []Strategy {
	type ranked struct {
		s     Strategy
		order int
	}

	var candidates []ranked
	for _, e := range p.snapshotEntries() {
		e.mu.Lock()
		s, order := e.strategy.clone(), e.order
		e.mu.Unlock()
		if s.Applies(cat, sev) {
			candidates = append(candidates, ranked{s, order})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].s.SuccessRate != candidates[j].s.SuccessRate {
			return candidates[i].s.SuccessRate > candidates[j].s.SuccessRate
		}
		return candidates[i].order < candidates[j].order
	})

	if len(candidates) > p.maxCandidates {
		candidates = candidates[:p.maxCandidates]
	}
	out := make([]Strategy, len(candidates))
	for i, c := range candidates {
		out[i] = c.s
	}
	return out
}

// Outcome is the result of running one strategy.
type Outcome struct {
	Success bool
	Seconds float64
	Hint    string
	Err     error
}

// Execute runs one strategy. Runner errors, panics and timeouts are
// reported as an unsuccessful Outcome; they never escape. The runner runs on
// its own goroutine, so one that ignores ctx is abandoned at the deadline
// and its late result discarded.
func (p *Policy) Execute(ctx context.Context, id string, ep Episode) Outcome {
	e, err := p.lookup(id)
	if err != nil {
		return Outcome{Err: err}
	}
	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()

	ctx, span := p.tracer.StartStrategySpan(ctx, id)
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		hint string
		err  error
	}
	done := make(chan result, 1)

	start := p.now()
	go func() {
		hint, err := runSafely(ctx, runner, ep)
		done <- result{hint, err}
	}()

	var out Outcome
	select {
	case r := <-done:
		out = Outcome{Success: r.err == nil, Hint: r.hint, Err: r.err}
	case <-ctx.Done():
		out = Outcome{Err: taskerrors.Wrap(ctx.Err(), "strategy "+id)}
	}
	out.Seconds = p.now().Sub(start).Seconds()
	p.tracer.EndStrategySpan(span, out.Success, out.Seconds, out.Err)
	return out
}

// UpdateLearning folds one observed outcome into a strategy's statistics:
// an exponentially weighted success rate with weight min(0.2, 1/usage), and
// on success an average recovery time with weight min(0.3, 1/usage).
func (p *Policy) UpdateLearning(id string, success bool, seconds float64) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.strategy
	s.UsageCount++
	n := float64(s.UsageCount)

	observed := 0.0
	if success {
		observed = 1.0
	}
	w := min(rateWeightCap, 1/n)
	s.SuccessRate = clamp01(s.SuccessRate*(1-w) + observed*w)

	if success {
		if seconds < 0 {
			seconds = 0
		}
		tw := min(timeWeightCap, 1/n)
		s.AverageRecoveryTimeSeconds = s.AverageRecoveryTimeSeconds*(1-tw) + seconds*tw
	}
	return nil
}

// Request asks for one recovery episode.
type Request struct {
	TaskID string

	// Cause is the failure being recovered from. May be nil.
	Cause error

	View taskstate.ContextView

	// Attempts is the number of strategy executions the task has already
	// used. Episodes stop at the policy ceiling.
	Attempts int
}

// Verdict is the result of one recovery episode.
type Verdict struct {
	Recovered  bool
	Strategy   string
	Hint       string
	Category   Category
	Severity   Severity
	Candidates []string

	// Used is the number of strategies executed in this episode. The caller
	// adds it to the task's recovery attempts.
	Used int

	// Err explains why recovery failed. Nil when Recovered.
	Err error
}

// Recover runs one episode: classify, select, then execute candidates in
// order until one succeeds, the candidates run out or the task-wide ceiling
// is reached. A request made at the ceiling is rejected without running
// anything.
func (p *Policy) Recover(ctx context.Context, req Request) Verdict {
	log := p.logger.WithTaskID(req.TaskID)

	if req.Attempts >= p.ceiling {
		v := Verdict{
			Category: CategoryUnknown,
			Severity: SeverityMedium,
			Err:      taskerrors.RecoveryExhausted(req.TaskID, fmt.Sprintf("ceiling of %d reached", p.ceiling)),
		}
		log.Warn("recovery rejected", map[string]interface{}{
			"attempts": req.Attempts,
			"ceiling":  p.ceiling,
		})
		return v
	}

	cat, sev := p.Classify(ctx, req.Cause, req.View)
	candidates := p.SelectStrategies(cat, sev)

	v := Verdict{Category: cat, Severity: sev}
	for _, s := range candidates {
		v.Candidates = append(v.Candidates, s.ID)
	}

	ctx, span := p.tracer.StartRecoverySpan(ctx, string(cat), string(sev))
	defer func() {
		p.tracer.EndRecoverySpan(span, telemetry.RecoverySpanOptions{
			Candidates: v.Candidates,
			Used:       v.Used,
			Recovered:  v.Recovered,
			Strategy:   v.Strategy,
		}, v.Err)
		log.RecoveryEpisode(string(cat), string(sev), v.Candidates, v.Used)
	}()

	if len(candidates) == 0 {
		v.Err = taskerrors.RecoveryExhausted(req.TaskID, fmt.Sprintf("no strategy applies to %s/%s", cat, sev))
		return v
	}

	var failures []string
	for i, s := range candidates {
		if req.Attempts+v.Used >= p.ceiling {
			failures = append(failures, fmt.Sprintf("ceiling of %d reached", p.ceiling))
			break
		}
		if i > 0 {
			if err := sleep(ctx, p.backoff); err != nil {
				failures = append(failures, err.Error())
				break
			}
		}

		v.Used++
		ep := Episode{
			TaskID:   req.TaskID,
			Category: cat,
			Severity: sev,
			Cause:    req.Cause,
			View:     req.View,
			Attempt:  req.Attempts + v.Used,
		}
		out := p.Execute(ctx, s.ID, ep)
		if err := p.UpdateLearning(s.ID, out.Success, out.Seconds); err != nil {
			log.Warn("learning update failed", map[string]interface{}{"strategy": s.ID, "error": err.Error()})
		}
		log.StrategyResult(s.ID, out.Success, out.Seconds, out.Err)

		if out.Success {
			v.Recovered = true
			v.Strategy = s.ID
			v.Hint = out.Hint
			return v
		}
		failures = append(failures, fmt.Sprintf("%s: %s", s.ID, taskerrors.Reason(out.Err)))
	}

	v.Err = taskerrors.RecoveryExhausted(req.TaskID, strings.Join(failures, "; "))
	return v
}

func (p *Policy) lookup(id string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return e, nil
}

func (p *Policy) snapshotEntries() []*entry {
	p.mu.RLock()
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
