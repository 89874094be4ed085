package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vinayprograms/taskloop/events"
	"github.com/vinayprograms/taskloop/logging"
	"github.com/vinayprograms/taskloop/taskstate"
	"github.com/vinayprograms/taskloop/telemetry"
	"github.com/vinayprograms/taskloop/workflow"
)

// Common errors.
var (
	// ErrTaskRunning indicates the task already has a live run.
	ErrTaskRunning = errors.New("task is running")

	// ErrShutdown indicates the supervisor no longer accepts work.
	ErrShutdown = errors.New("supervisor is shut down")

	// ErrShutdownTimeout indicates runs were still exiting when the
	// shutdown context ended.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// errShutdownCause is attached to every run context on shutdown and
// becomes the completion reason of the interrupted tasks.
var errShutdownCause = errors.New("shutdown")

// Snapshot is the caller-facing view of one task.
type Snapshot struct {
	ID               string           `json:"id"`
	Intent           string           `json:"intent"`
	Status           taskstate.Status `json:"status"`
	StepCount        int              `json:"step_count"`
	AttemptCount     int              `json:"attempt_count"`
	RecoveryAttempts int              `json:"recovery_attempts"`
	Confidence       float64          `json:"confidence"`
	ErrorCount       int              `json:"error_count"`
	CompletionReason *string          `json:"completion_reason,omitempty"`
	Running          bool             `json:"running"`
}

// run is the handle of one background engine run.
type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Supervisor owns background runs: at most one per task id.
type Supervisor struct {
	store     *taskstate.Store
	engine    *workflow.Engine
	publisher events.Publisher
	logger    *logging.Logger
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	signalChan   chan os.Signal
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPublisher sets where submit, cancel and cleanup events go. Run events
// are published by the engine.
func WithPublisher(p events.Publisher) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a supervisor running tasks of store on engine.
func New(store *taskstate.Store, engine *workflow.Engine, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:      store,
		engine:     engine,
		publisher:  events.NewNoopPublisher(),
		logger:     logging.New().WithComponent("supervisor"),
		now:        time.Now,
		runs:       make(map[string]*run),
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a task for intent and starts its run.
func (s *Supervisor) Submit(ctx context.Context, intent string) (string, error) {
	return s.SubmitTask(ctx, taskstate.NewTask{Intent: intent})
}

// SubmitWithID is Submit with a caller-supplied id. An id that is already
// in the store is rejected with taskstate.ErrTaskExists.
func (s *Supervisor) SubmitWithID(ctx context.Context, id, intent string) error {
	if id == "" {
		return taskstate.ErrInvalidTask
	}
	_, err := s.SubmitTask(ctx, taskstate.NewTask{ID: id, Intent: intent})
	return err
}

// SubmitTask creates the task described by nt and starts its run.
//
// The run inherits ctx's values (trace context) but not its cancellation:
// it lives until the task stops, Cancel is called or the supervisor shuts
// down.
func (s *Supervisor) SubmitTask(ctx context.Context, nt taskstate.NewTask) (string, error) {
	if s.closed.Load() {
		return "", ErrShutdown
	}
	id, err := s.store.Insert(nt)
	if err != nil {
		return "", err
	}

	s.logger.TaskSubmitted(id, nt.Intent)
	s.emit(ctx, events.Event{Type: events.TypeSubmitted, TaskID: id, Status: string(taskstate.StatusPending)})

	if err := s.start(ctx, id, s.engine.Run); err != nil {
		// Shutdown raced the submit; the task never ran.
		_ = s.store.Finish(id, taskstate.StatusFailed, errShutdownCause.Error())
		return "", err
	}
	return id, nil
}

// Resume answers a task waiting for user input and starts a new run.
func (s *Supervisor) Resume(ctx context.Context, id, response string) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status != taskstate.StatusRequiresUserInput {
		return taskstate.ErrNotRunnable
	}
	return s.start(ctx, id, func(ctx context.Context, id string) (*workflow.Result, error) {
		return s.engine.Resume(ctx, id, response)
	})
}

// start registers a run handle for id and spawns fn. Registration and the
// liveness check happen under one lock, so two starts for the same id
// cannot both succeed.
func (s *Supervisor) start(ctx context.Context, id string, fn func(context.Context, string) (*workflow.Result, error)) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		cancel(errShutdownCause)
		return ErrShutdown
	}
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		cancel(nil)
		return ErrTaskRunning
	}
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel(nil)

		if _, err := fn(runCtx, id); err != nil {
			s.logger.WithTaskID(id).Warn("run did not start", map[string]interface{}{"error": err.Error()})
		}

		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
		close(r.done)
	}()
	return nil
}

// Status returns a snapshot of the task.
func (s *Supervisor) Status(id string) (Snapshot, error) {
	task, err := s.store.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(task), nil
}

// Cancel stops a task. A running task is flagged and stops at its next
// node boundary; a task with no run (pending or waiting for input) fails
// immediately. A task whose run has already stopped for input, but is not
// yet deregistered, is treated as waiting. Returns false for unknown or
// already finished tasks.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	_, running := s.runs[id]
	s.mu.Unlock()

	task, err := s.store.Get(id)
	if err != nil || task.Status.IsTerminal() {
		return false
	}

	log := s.logger.WithTaskID(id)
	if running && !task.Status.IsStopped() {
		if err := s.store.RequestCancel(id); err != nil {
			log.Debug("cancel ignored", map[string]interface{}{"error": err.Error()})
			return false
		}
		// The run may have stopped for input before it could see the flag.
		if after, err := s.store.Get(id); err != nil || after.Status != taskstate.StatusRequiresUserInput {
			log.Info("cancel_requested")
			s.emit(context.Background(), events.Event{Type: events.TypeCancel, TaskID: id})
			return true
		}
	}

	if err := s.store.Finish(id, taskstate.StatusFailed, "cancelled"); err != nil {
		log.Debug("cancel ignored", map[string]interface{}{"error": err.Error()})
		return false
	}
	log.Info("cancelled")
	s.emit(context.Background(), events.Event{Type: events.TypeCancel, TaskID: id, Status: string(taskstate.StatusFailed), Reason: "cancelled"})
	return true
}

// Cleanup removes a stopped task (Completed, Failed or RequiresUserInput)
// whose run has exited. Returns false otherwise.
func (s *Supervisor) Cleanup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.runs[id]; running {
		return false
	}

	task, err := s.store.Get(id)
	if err != nil || !task.Status.IsStopped() {
		return false
	}
	if err := s.store.Delete(id); err != nil {
		return false
	}
	s.emit(context.Background(), events.Event{Type: events.TypeCleanedUp, TaskID: id, Status: string(task.Status)})
	return true
}

// ListActive returns snapshots of tasks with a live run, sorted by id.
func (s *Supervisor) ListActive() []Snapshot {
	ids := s.ActiveIDs()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if task, err := s.store.Get(id); err == nil {
			out = append(out, s.snapshot(task))
		}
	}
	return out
}

// ActiveIDs returns the ids of tasks with a live run, sorted.
func (s *Supervisor) ActiveIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wait blocks until the task's current run exits or ctx ends, then returns
// its snapshot. A task with no run returns immediately.
func (s *Supervisor) Wait(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	r, running := s.runs[id]
	s.mu.Unlock()

	if running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	return s.Status(id)
}

// Shutdown stops accepting work, interrupts every run and waits for them to
// exit. Interrupted tasks end Failed with reason "shutdown". Calling it
// again returns the first result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		for _, r := range s.runs {
			r.cancel(errShutdownCause)
		}
		active := len(s.runs)
		s.mu.Unlock()

		s.logger.Info("shutdown", map[string]interface{}{"active_runs": active})

		exited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-ctx.Done():
			s.shutdownErr = ErrShutdownTimeout
		}
		close(s.done)
	})
	return s.shutdownErr
}

// HandleSignals shuts the supervisor down on SIGTERM or SIGINT, allowing
// timeout for runs to exit.
func (s *Supervisor) HandleSignals(timeout time.Duration) {
	signal.Notify(s.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-s.signalChan:
		case <-s.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()
}

// Done is closed once Shutdown has finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) snapshot(t *taskstate.Task) Snapshot {
	s.mu.Lock()
	_, running := s.runs[t.ID]
	s.mu.Unlock()

	return Snapshot{
		ID:               t.ID,
		Intent:           t.Intent,
		Status:           t.Status,
		StepCount:        t.StepCount,
		AttemptCount:     t.AttemptCount,
		RecoveryAttempts: t.RecoveryAttempts,
		Confidence:       t.ConfidenceScore,
		ErrorCount:       len(t.ErrorMessages),
		CompletionReason: t.CompletionReason,
		Running:          running,
	}
}

func (s *Supervisor) emit(ctx context.Context, ev events.Event) {
	ev.Timestamp = s.now()
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		ev.Trace = carrier
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.WithTaskID(ev.TaskID).Debug("event not published", map[string]interface{}{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
