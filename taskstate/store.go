package taskstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/vinayprograms/taskloop/config"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists indicates a task with the same id already exists.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskTerminal indicates the task is Completed or Failed and can no
	// longer change.
	ErrTaskTerminal = errors.New("task is terminal")

	// ErrUnknownField indicates an update named a field the task does not have.
	ErrUnknownField = errors.New("unknown task field")

	// ErrInvalidPatch indicates an update that would break a task invariant.
	ErrInvalidPatch = errors.New("invalid task update")

	// ErrHistoryFull indicates the action history reached its cap.
	ErrHistoryFull = errors.New("action history limit reached")

	// ErrInvalidTask indicates a task could not be created from the input.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNotRunnable indicates a run cannot start from the task's status.
	ErrNotRunnable = errors.New("task is not runnable")
)

const (
	DefaultMaxAttempts   = 50
	DefaultHistoryLimit  = 500
	DefaultErrorLimit    = 20
	DefaultContextWindow = 5

	// maxOutcomeLen bounds the outcome text carried in an ActionSummary.
	maxOutcomeLen = 200
)

// entry guards one task. Writers hold mu for the whole read-merge-write.
type entry struct {
	mu      sync.Mutex
	task    *Task
	deleted bool
}

// Store owns all task state. Each task has its own lock, so unrelated tasks
// never contend; the index lock is only held to find, insert or remove entries.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	idGen         func() string
	now           func() time.Time
	maxAttempts   int
	historyLimit  int
	errorLimit    int
	contextWindow int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		s.idGen = gen
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithConfig applies the store-side engine limits: default MaxAttempts,
// history and error caps, and the context window.
func WithConfig(cfg *config.Config) StoreOption {
	return func(s *Store) {
		if cfg == nil {
			return
		}
		for _, opt := range []StoreOption{
			WithDefaultMaxAttempts(cfg.Engine.MaxAttempts),
			WithHistoryLimit(cfg.Engine.HistoryLimit),
			WithErrorLimit(cfg.Engine.ErrorLimit),
			WithContextWindow(cfg.Engine.ContextWindow),
		} {
			opt(s)
		}
	}
}

// WithDefaultMaxAttempts sets MaxAttempts for tasks created without one.
func WithDefaultMaxAttempts(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHistoryLimit caps ActionHistory per task.
func WithHistoryLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithErrorLimit caps ErrorMessages per task.
func WithErrorLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.errorLimit = n
		}
	}
}

// WithContextWindow sets how many recent actions SnapshotContext returns.
func WithContextWindow(n int) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.contextWindow = n
		}
	}
}

// NewStore creates an empty task store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:       make(map[string]*entry),
		idGen:         func() string { return uuid.NewString() },
		now:           time.Now,
		maxAttempts:   DefaultMaxAttempts,
		historyLimit:  DefaultHistoryLimit,
		errorLimit:    DefaultErrorLimit,
		contextWindow: DefaultContextWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTask describes a task to create.
type NewTask struct {
	// ID is generated when empty.
	ID string

	// Intent is the opaque request the task works towards. Required.
	Intent string

	// MaxAttempts overrides the store default when positive.
	MaxAttempts int
}

// Create adds a Pending task for intent and returns its generated id.
func (s *Store) Create(intent string) (string, error) {
	return s.Insert(NewTask{Intent: intent})
}

// CreateWithID adds a Pending task under a caller-supplied id.
// Returns ErrTaskExists if the id is taken.
func (s *Store) CreateWithID(id, intent string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	_, err := s.Insert(NewTask{ID: id, Intent: intent})
	return err
}

// Insert adds a Pending task and returns its id.
func (s *Store) Insert(nt NewTask) (string, error) {
	if nt.Intent == "" {
		return "", fmt.Errorf("%w: empty intent", ErrInvalidTask)
	}
	if nt.ID == "" {
		nt.ID = s.idGen()
	}
	maxAttempts := nt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	if maxAttempts > s.historyLimit {
		return "", fmt.Errorf("%w: max attempts %d exceeds history limit %d", ErrInvalidTask, maxAttempts, s.historyLimit)
	}

	now := s.now()
	task := &Task{
		ID:             nt.ID,
		Intent:         nt.Intent,
		Status:         StatusPending,
		MaxAttempts:    maxAttempts,
		ShouldContinue: true,
		ActionHistory:  []ActionRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[nt.ID]; exists {
		return "", ErrTaskExists
	}
	s.entries[nt.ID] = &entry{task: task}
	return nt.ID, nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, error) {
	var out *Task
	err := s.withEntry(id, func(e *entry) error {
		out = e.task.Clone()
		return nil
	})
	return out, err
}

// Update applies p atomically. The merged task is validated before it is
// committed; on error the task is unchanged.
func (s *Store) Update(id string, p Patch) error {
	return s.withEntry(id, func(e *entry) error {
		if e.task.Status.IsTerminal() {
			return ErrTaskTerminal
		}
		next := e.task.Clone()
		p.apply(next, s.errorLimit)
		if err := validateTransition(e.task, next); err != nil {
			return err
		}
		next.UpdatedAt = s.now()
		e.task = next
		return nil
	})
}

// UpdateFields applies a loosely typed update. Field names follow the JSON
// names of Patch; unknown names fail with ErrUnknownField.
func (s *Store) UpdateFields(id string, fields map[string]any) error {
	p, err := PatchFromFields(fields)
	if err != nil {
		return err
	}
	return s.Update(id, p)
}

// AppendAction appends rec to the task's history and advances StepCount in
// the same critical section. Missing IDs and timestamps are filled in.
func (s *Store) AppendAction(id string, rec ActionRecord) error {
	return s.withEntry(id, func(e *entry) error {
		if e.task.Status.IsTerminal() {
			return ErrTaskTerminal
		}
		if len(e.task.ActionHistory) >= s.historyLimit {
			return ErrHistoryFull
		}
		rec = rec.Clone()
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = s.now()
		}

		next := e.task.Clone()
		next.ActionHistory = append(next.ActionHistory, rec)
		next.StepCount = len(next.ActionHistory)
		next.UpdatedAt = s.now()
		e.task = next
		return nil
	})
}

// Begin claims the task for a run: a Pending or RequiresUserInput task moves
// to InProgress in one write and a copy is returned. Any other status fails
// with ErrNotRunnable, so at most one run can hold a task at a time.
//
// A first run resets the counters and stamps StartTime. A resumed run keeps
// its attempt count and history and only clears the stop state.
func (s *Store) Begin(id string) (*Task, error) {
	var out *Task
	err := s.withEntry(id, func(e *entry) error {
		prev := e.task
		if prev.Status != StatusPending && prev.Status != StatusRequiresUserInput {
			return fmt.Errorf("%w: status is %s", ErrNotRunnable, prev.Status)
		}

		now := s.now()
		next := prev.Clone()
		if prev.Status == StatusPending {
			next.AttemptCount = 0
			next.StartTime = now
		}
		next.Status = StatusInProgress
		next.ShouldContinue = true
		next.GenerationFailures = 0
		next.CompletionReason = nil
		next.TotalExecutionTime = nil
		if err := validateTransition(prev, next); err != nil {
			return err
		}
		next.UpdatedAt = now
		e.task = next
		out = next.Clone()
		return nil
	})
	return out, err
}

// Finish moves the task to a stopped status in one write: status,
// ShouldContinue=false, completion reason and total execution time.
func (s *Store) Finish(id string, status Status, reason string) error {
	if !status.IsStopped() {
		return fmt.Errorf("%w: %s is not a stopping status", ErrInvalidPatch, status)
	}
	return s.withEntry(id, func(e *entry) error {
		if e.task.Status.IsTerminal() {
			return ErrTaskTerminal
		}
		next := e.task.Clone()
		next.Status = status
		next.ShouldContinue = false
		next.CompletionReason = &reason
		if !next.StartTime.IsZero() {
			elapsed := s.now().Sub(next.StartTime)
			next.TotalExecutionTime = &elapsed
		}
		if err := validateTransition(e.task, next); err != nil {
			return err
		}
		next.UpdatedAt = s.now()
		e.task = next
		return nil
	})
}

// RequestCancel flags the task for cooperative cancellation. The running
// workflow observes the flag at its next node boundary.
func (s *Store) RequestCancel(id string) error {
	return s.Update(id, Patch{CancelRequested: BoolPtr(true)})
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return ErrTaskNotFound
	}

	// Wait out any writer still holding the entry.
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

// List returns copies of all tasks ordered by creation time.
func (s *Store) List() []*Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	tasks := make([]*Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			tasks = append(tasks, e.task.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SnapshotContext returns the read-only view capabilities receive: the
// intent, the most recent actions, the last verification, the retained
// errors and the current confidence.
func (s *Store) SnapshotContext(id string) (ContextView, error) {
	var view ContextView
	err := s.withEntry(id, func(e *entry) error {
		t := e.task
		view = ContextView{
			TaskID:            t.ID,
			Intent:            t.Intent,
			Status:            t.Status,
			StepCount:         t.StepCount,
			AttemptCount:      t.AttemptCount,
			MaxAttempts:       t.MaxAttempts,
			RecoveryAttempts:  t.RecoveryAttempts,
			LastCommand:       t.LastCommand.Clone(),
			LastVerification:  t.LastVerification.Clone(),
			LastErrors:        cloneStrings(t.ErrorMessages),
			UserResponses:     cloneStrings(t.UserResponses),
			DecisionReasoning: t.DecisionReasoning,
			Confidence:        t.ConfidenceScore,
		}

		start := len(t.ActionHistory) - s.contextWindow
		if start < 0 {
			start = 0
		}
		for i := start; i < len(t.ActionHistory); i++ {
			view.RecentActions = append(view.RecentActions, summarize(i+1, t.ActionHistory[i]))
		}
		return nil
	})
	return view, err
}

// withEntry runs fn with the task's lock held.
func (s *Store) withEntry(id string, fn func(e *entry) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrTaskNotFound
	}
	return fn(e)
}

// validateTransition checks the task invariants between prev and next.
func validateTransition(prev, next *Task) error {
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, next.Status)
	}
	if !canTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: status %s -> %s not allowed", ErrInvalidPatch, prev.Status, next.Status)
	}
	if next.AttemptCount < 0 || next.AttemptCount > next.MaxAttempts {
		return fmt.Errorf("%w: attempt count %d outside [0,%d]", ErrInvalidPatch, next.AttemptCount, next.MaxAttempts)
	}
	if next.RecoveryAttempts < prev.RecoveryAttempts {
		return fmt.Errorf("%w: recovery attempts cannot decrease (%d -> %d)", ErrInvalidPatch, prev.RecoveryAttempts, next.RecoveryAttempts)
	}
	if next.GenerationFailures < 0 {
		return fmt.Errorf("%w: negative generation failures", ErrInvalidPatch)
	}
	if !ValidConfidence(next.ConfidenceScore) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidPatch, next.ConfidenceScore)
	}
	if !next.ShouldContinue && !next.Status.IsStopped() {
		return fmt.Errorf("%w: should_continue=false requires a stopped status", ErrInvalidPatch)
	}
	return nil
}

func summarize(step int, r ActionRecord) ActionSummary {
	sum := ActionSummary{
		Step:       step,
		ActionType: r.ActionType,
		Command:    r.Command,
		Success:    r.Success,
	}
	switch {
	case r.ErrorMessage != nil && *r.ErrorMessage != "":
		sum.Outcome = truncate(*r.ErrorMessage, maxOutcomeLen)
	case r.ActualResult != nil:
		sum.Outcome = truncate(*r.ActualResult, maxOutcomeLen)
	}
	return sum
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
