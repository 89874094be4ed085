package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskloop/capability"
	"github.com/vinayprograms/taskloop/config"
	taskerrors "github.com/vinayprograms/taskloop/errors"
	"github.com/vinayprograms/taskloop/events"
	"github.com/vinayprograms/taskloop/logging"
	"github.com/vinayprograms/taskloop/recovery"
	"github.com/vinayprograms/taskloop/taskstate"
	"github.com/vinayprograms/taskloop/telemetry"
)

// Node names one step of the workflow state machine.
type Node string

const (
	NodeInitialize      Node = "initialize"
	NodeGenerateCommand Node = "generate_command"
	NodeExecuteCommand  Node = "execute_command"
	NodeVerifyExecution Node = "verify_execution"
	NodeMakeDecision    Node = "make_decision"

	// nodeEnd stops the loop. The task has already been finished.
	nodeEnd Node = ""
)

// String returns the string representation of the node.
func (n Node) String() string {
	return string(n)
}

// Engine drives tasks in a Store through the workflow. One Engine serves
// any number of concurrent runs; each run owns one task.
type Engine struct {
	store     *taskstate.Store
	caps      capability.Set
	policy    *recovery.Policy
	publisher events.Publisher
	logger    *logging.Logger
	tracer    *telemetry.Tracer

	limits   config.EngineConfig
	timeouts config.TimeoutConfig
	backoff  config.BackoffConfig
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig applies engine limits, capability timeouts and backoffs.
// MaxAttempts, HistoryLimit, ErrorLimit and ContextWindow are enforced by
// the store; build it with taskstate.WithConfig(cfg) so both agree.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) {
		if cfg == nil {
			return
		}
		e.limits = cfg.Engine
		e.timeouts = cfg.Timeouts
		e.backoff = cfg.Backoff
	}
}

// WithPolicy sets the recovery policy. Engines sharing a policy share what
// it learns.
func WithPolicy(p *recovery.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over store using caps. Without WithPolicy a policy
// is built from the configured recovery ceiling, backoff and timeout.
func New(store *taskstate.Store, caps capability.Set, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if err := caps.Validate(); err != nil {
		return nil, err
	}

	defaults := config.Default()
	e := &Engine{
		store:     store,
		caps:      caps,
		publisher: events.NewNoopPublisher(),
		logger:    logging.New().WithComponent("workflow"),
		tracer:    telemetry.GetTracer(),
		limits:    defaults.Engine,
		timeouts:  defaults.Timeouts,
		backoff:   defaults.Backoff,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.policy == nil {
		e.policy = recovery.NewPolicy(
			recovery.WithCeiling(e.limits.RecoveryCeiling),
			recovery.WithBackoff(e.backoff.Recovery),
			recovery.WithStrategyTimeout(e.timeouts.Strategy),
			recovery.WithClassifier(caps.Classifier),
			recovery.WithLogger(e.logger.WithComponent("recovery")),
			recovery.WithTracer(e.tracer),
		)
	}
	return e, nil
}

// Policy returns the recovery policy the engine uses.
func (e *Engine) Policy() *recovery.Policy {
	return e.policy
}

// Result summarises a finished run.
type Result struct {
	TaskID           string
	Status           taskstate.Status
	Reason           string
	Steps            int
	Attempts         int
	RecoveryAttempts int
	Confidence       float64
	Duration         time.Duration
}

// Run drives a Pending (or RequiresUserInput) task until it stops. Task
// failures are reported through the Result; the error is only for tasks
// that could not be run at all (unknown id, already running or finished).
//
// Cancelling ctx aborts in-flight capability calls and ends the task as
// Failed. Store.RequestCancel is the cooperative alternative: the run
// observes it at its next node boundary.
func (e *Engine) Run(ctx context.Context, taskID string) (*Result, error) {
	task, err := e.store.Begin(taskID)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, task), nil
}

// Resume records the user's response to a task waiting for input and runs
// it again from GenerateCommand.
func (e *Engine) Resume(ctx context.Context, taskID, response string) (*Result, error) {
	task, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != taskstate.StatusRequiresUserInput {
		return nil, fmt.Errorf("%w: status is %s", taskstate.ErrNotRunnable, task.Status)
	}
	if response != "" {
		if err := e.store.Update(taskID, taskstate.Patch{AppendUserResponses: []string{response}}); err != nil {
			return nil, err
		}
	}
	return e.Run(ctx, taskID)
}

// drive runs the node loop for a claimed task. It always leaves the task
// stopped.
func (e *Engine) drive(ctx context.Context, task *taskstate.Task) (res *Result) {
	id := task.ID
	log := e.logger.WithTaskID(id)
	start := e.now()

	ctx, span := e.tracer.StartTaskSpan(ctx, id, task.Intent)

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = taskerrors.New(taskerrors.ErrCodePanic, fmt.Sprintf("recovered from panic: %v", r), taskerrors.WithTaskID(id))
			log.Error("run panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			e.fail(id, runErr)
		}

		final, err := e.store.Get(id)
		if err != nil {
			// Deleted underneath us.
			res = &Result{TaskID: id, Status: taskstate.StatusFailed, Reason: taskerrors.Reason(err), Duration: e.now().Sub(start)}
			e.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{Status: string(res.Status), Reason: res.Reason}, err)
			return
		}
		res = resultOf(final, e.now().Sub(start))

		var spanErr error
		if final.Status == taskstate.StatusFailed {
			spanErr = runErr
			if spanErr == nil {
				spanErr = errors.New(res.Reason)
			}
		}
		e.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{
			Status:   string(res.Status),
			Reason:   res.Reason,
			Steps:    res.Steps,
			Attempts: res.Attempts,
			Recovery: res.RecoveryAttempts,
		}, spanErr)

		log.TaskFinished(string(res.Status), res.Reason, res.Steps, res.Duration)
		e.emit(context.WithoutCancel(ctx), events.Event{
			Type:    events.TypeFinished,
			TaskID:  id,
			Status:  string(res.Status),
			Attempt: res.Attempts,
			Step:    res.Steps,
			Reason:  res.Reason,
		})
	}()

	e.emit(ctx, events.Event{Type: events.TypeStarted, TaskID: id, Status: string(task.Status), Attempt: task.AttemptCount})

	node := e.traceNode(ctx, id, NodeInitialize, task.AttemptCount, func(ctx context.Context) (Node, error) {
		return NodeGenerateCommand, nil
	})

	for {
		if node == nodeEnd {
			return
		}
		stopped, err := e.checkBoundary(ctx, id)
		if err != nil {
			runErr = err
			e.fail(id, err)
			return
		}
		if stopped {
			return
		}

		current, err := e.store.Get(id)
		if err != nil {
			runErr = err
			return
		}

		var next Node
		var nodeErr error
		ran := node
		node = e.traceNode(ctx, id, node, current.AttemptCount, func(ctx context.Context) (Node, error) {
			next, nodeErr = e.step(ctx, id, ran)
			return next, nodeErr
		})

		if nodeErr != nil {
			// A node that failed because the run was cancelled reports the
			// cancellation, not the symptom.
			if ctx.Err() != nil {
				nodeErr = contextStop(ctx, id)
			} else if !taskerrors.IsFatal(nodeErr) {
				nodeErr = taskerrors.New(taskerrors.ErrCodeInternal, nodeErr.Error(),
					taskerrors.WithTaskID(id), taskerrors.WithNode(string(ran)))
			}
			runErr = nodeErr
			log.Error("run failed", taskerrors.LogFields(nodeErr))
			e.fail(id, nodeErr)
			return
		}
	}
}

// step dispatches one node.
func (e *Engine) step(ctx context.Context, id string, node Node) (Node, error) {
	switch node {
	case NodeGenerateCommand:
		return e.generateCommand(ctx, id)
	case NodeExecuteCommand:
		return e.executeCommand(ctx, id)
	case NodeVerifyExecution:
		return e.verifyExecution(ctx, id)
	case NodeMakeDecision:
		return e.makeDecision(ctx, id)
	default:
		return nodeEnd, taskerrors.Internal(fmt.Sprintf("unknown workflow node %q", node), taskerrors.WithTaskID(id))
	}
}

// traceNode wraps one node in a span, a log line pair and a node event.
// A node error is returned through the closure; the returned Node is what
// fn produced.
func (e *Engine) traceNode(ctx context.Context, id string, node Node, attempt int, fn func(context.Context) (Node, error)) Node {
	log := e.logger.WithTaskID(id)
	log.NodeStart(string(node), attempt)
	e.emit(ctx, events.Event{Type: events.TypeNode, TaskID: id, Node: string(node), Attempt: attempt})

	ctx, span := e.tracer.StartNodeSpan(ctx, string(node), attempt)
	start := e.now()
	next, err := fn(ctx)
	e.tracer.EndNodeSpan(span, err)
	log.NodeComplete(string(node), e.now().Sub(start), err)
	return next
}

// checkBoundary runs between nodes. It reports stopped=true when the task
// was finished by someone else, and an error when the run must end: ctx
// is done or a cancel was requested.
func (e *Engine) checkBoundary(ctx context.Context, id string) (stopped bool, err error) {
	if ctx.Err() != nil {
		return false, contextStop(ctx, id)
	}
	task, err := e.store.Get(id)
	if err != nil {
		return false, err
	}
	if task.Status.IsStopped() {
		return true, nil
	}
	if task.CancelRequested {
		e.emit(ctx, events.Event{Type: events.TypeCancel, TaskID: id, Status: string(task.Status)})
		return false, taskerrors.Canceled(id)
	}
	return false, nil
}

// contextStop explains why ctx ended. A cancel cause set by the caller
// (for example "shutdown") becomes the completion reason.
func contextStop(ctx context.Context, id string) error {
	err := ctx.Err()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, err) {
		return taskerrors.New(taskerrors.ErrCodeCanceled, cause.Error(), taskerrors.WithTaskID(id))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return taskerrors.New(taskerrors.ErrCodeTimeout, "run deadline exceeded", taskerrors.WithTaskID(id))
	}
	return taskerrors.Canceled(id)
}

// fail finishes the task as Failed with err's text. A task that is already
// terminal is left alone.
func (e *Engine) fail(id string, err error) {
	reason := taskerrors.Reason(err)
	if ferr := e.store.Finish(id, taskstate.StatusFailed, reason); ferr != nil &&
		!errors.Is(ferr, taskstate.ErrTaskTerminal) && !errors.Is(ferr, taskstate.ErrTaskNotFound) {
		e.logger.WithTaskID(id).Error("could not record failure", map[string]interface{}{
			"reason": reason,
			"error":  ferr.Error(),
		})
	}
}

// finish stops the task with a non-error outcome.
func (e *Engine) finish(id string, status taskstate.Status, reason string) (Node, error) {
	if err := e.store.Finish(id, status, reason); err != nil {
		return nodeEnd, taskerrors.Wrap(err, "finish task", taskerrors.WithTaskID(id))
	}
	return nodeEnd, nil
}

func resultOf(t *taskstate.Task, d time.Duration) *Result {
	return &Result{
		TaskID:           t.ID,
		Status:           t.Status,
		Reason:           t.Reason(),
		Steps:            t.StepCount,
		Attempts:         t.AttemptCount,
		RecoveryAttempts: t.RecoveryAttempts,
		Confidence:       t.ConfidenceScore,
		Duration:         d,
	}
}
