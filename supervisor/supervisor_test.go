package supervisor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskloop/capability"
	"github.com/vinayprograms/taskloop/config"
	"github.com/vinayprograms/taskloop/events"
	"github.com/vinayprograms/taskloop/logging"
	"github.com/vinayprograms/taskloop/taskstate"
	"github.com/vinayprograms/taskloop/workflow"
)

type harness struct {
	store    *taskstate.Store
	gen      *capability.MockGenerator
	exec     *capability.MockExecutor
	verifier *capability.MockVerifier
	decider  *capability.MockDecider
	sup      *Supervisor
}

func newHarness(t *testing.T, decisions []capability.Step[*capability.DecisionResult]) *harness {
	t.Helper()
	h := &harness{
		store:    taskstate.NewStore(),
		gen:      capability.NewMockGenerator(capability.Command("ls", taskstate.ActionCommand, "")),
		exec:     capability.NewMockExecutor(),
		verifier: capability.NewMockVerifier(),
		decider:  capability.NewMockDecider(decisions...),
	}
	return h
}

// start builds the engine and supervisor. Call after adjusting the mocks.
func (h *harness) start(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.Backoff.Generator = 0
	cfg.Backoff.Recovery = 0

	engine, err := workflow.New(h.store, capability.Set{
		Generator: h.gen,
		Executor:  h.exec,
		Verifier:  h.verifier,
		Decider:   h.decider,
	}, workflow.WithConfig(cfg), workflow.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("workflow.New failed: %v", err)
	}
	h.sup = New(h.store, engine, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h.sup
}

func complete() []capability.Step[*capability.DecisionResult] {
	return []capability.Step[*capability.DecisionResult]{capability.Verdict(capability.DecisionComplete, "done")}
}

func waitFor(t *testing.T, sup *Supervisor, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := sup.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return snap
}

// blockExecutor makes every Perform call announce itself and wait for
// release.
func blockExecutor(exec *capability.MockExecutor) (entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{}, 16)
	release = make(chan struct{})
	exec.PerformFunc = func(ctx context.Context, cmd taskstate.CommandDecision) (capability.ActionResult, error) {
		entered <- struct{}{}
		<-release
		return capability.ActionResult{Success: true}, nil
	}
	return entered, release
}

// ============================================================================
// Submit / Status
// ============================================================================

func TestSupervisor_SubmitAndWait(t *testing.T) {
	h := newHarness(t, complete())
	sup := h.start(t)

	id, err := sup.Submit(context.Background(), "list the files")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	snap := waitFor(t, sup, id)

	if snap.Status != taskstate.StatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.StepCount != 1 || snap.AttemptCount != 1 || snap.ErrorCount != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CompletionReason == nil || *snap.CompletionReason != "done" {
		t.Errorf("completion reason = %v", snap.CompletionReason)
	}
	if snap.Running {
		t.Error("finished task reported as running")
	}
}

func TestSupervisor_StatusNotFound(t *testing.T) {
	sup := newHarness(t, complete()).start(t)
	if _, err := sup.Status("missing"); !errors.Is(err, taskstate.ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestSupervisor_StatusIsIdempotent(t *testing.T) {
	h := newHarness(t, complete())
	sup := h.start(t)
	id, _ := sup.Submit(context.Background(), "x")
	waitFor(t, sup, id)

	first, _ := sup.Status(id)
	second, _ := sup.Status(id)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("status changed without a mutation:\n%+v\n%+v", first, second)
	}
}

func TestSupervisor_SubmitWithIDConcurrent(t *testing.T) {
	h := newHarness(t, complete())
	entered, release := blockExecutor(h.exec)
	defer close(release)
	sup := h.start(t)

	const racers = 2
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sup.SubmitWithID(context.Background(), "order-42", "ship order 42")
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, taskstate.ErrTaskExists):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("ok=%d rejected=%d, want 1/1", ok, rejected)
	}

	<-entered
	if ids := sup.ActiveIDs(); len(ids) != 1 || ids[0] != "order-42" {
		t.Errorf("active = %v", ids)
	}
}

func TestSupervisor_SubmitValidation(t *testing.T) {
	sup := newHarness(t, complete()).start(t)
	if _, err := sup.Submit(context.Background(), ""); !errors.Is(err, taskstate.ErrInvalidTask) {
		t.Errorf("empty intent: got %v", err)
	}
	if err := sup.SubmitWithID(context.Background(), "", "x"); !errors.Is(err, taskstate.ErrInvalidTask) {
		t.Errorf("empty id: got %v", err)
	}
}

// ============================================================================
// Cancel
// ============================================================================

func TestSupervisor_CancelInFlight(t *testing.T) {
	h := newHarness(t, []capability.Step[*capability.DecisionResult]{
		capability.Verdict(capability.DecisionContinue, "more"),
	})
	entered, release := blockExecutor(h.exec)
	sup := h.start(t)

	id, _ := sup.Submit(context.Background(), "long job")
	<-entered

	if !sup.Cancel(id) {
		t.Fatal("Cancel returned false for a running task")
	}
	snap, _ := sup.Status(id)
	if snap.Status != taskstate.StatusInProgress {
		t.Errorf("cancel must not preempt the in-flight call, status = %s", snap.Status)
	}

	close(release)
	snap = waitFor(t, sup, id)
	if snap.Status != taskstate.StatusFailed || snap.CompletionReason == nil || *snap.CompletionReason != "cancelled" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.StepCount != 1 {
		t.Errorf("the in-flight step should complete, steps = %d", snap.StepCount)
	}
	if h.verifier.CallCount() != 0 {
		t.Error("verification ran after cancel")
	}

	if sup.Cancel(id) {
		t.Error("Cancel on a finished task should return false")
	}
	if sup.Cancel("missing") {
		t.Error("Cancel on an unknown task should return false")
	}
}

func TestSupervisor_CancelWaitingForInput(t *testing.T) {
	h := newHarness(t, []capability.Step[*capability.DecisionResult]{
		capability.Verdict(capability.DecisionUserInput, "which account?"),
	})
	sup := h.start(t)

	id, _ := sup.Submit(context.Background(), "pay the bill")
	if snap := waitFor(t, sup, id); snap.Status != taskstate.StatusRequiresUserInput {
		t.Fatalf("status = %s", snap.Status)
	}

	if !sup.Cancel(id) {
		t.Fatal("Cancel returned false for a waiting task")
	}
	snap, _ := sup.Status(id)
	if snap.Status != taskstate.StatusFailed || *snap.CompletionReason != "cancelled" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSupervisor_CancelWaitingBeforeRunExits(t *testing.T) {
	h := newHarness(t, []capability.Step[*capability.DecisionResult]{
		capability.Verdict(capability.DecisionUserInput, "which account?"),
	})
	sup := h.start(t)

	id, _ := sup.Submit(context.Background(), "pay the bill")
	if snap := waitFor(t, sup, id); snap.Status != taskstate.StatusRequiresUserInput {
		t.Fatalf("status = %s", snap.Status)
	}

	// The run has stopped for input but has not deregistered yet.
	sup.mu.Lock()
	sup.runs[id] = &run{cancel: func(error) {}, done: make(chan struct{})}
	sup.mu.Unlock()
	t.Cleanup(func() {
		sup.mu.Lock()
		delete(sup.runs, id)
		sup.mu.Unlock()
	})

	if !sup.Cancel(id) {
		t.Fatal("Cancel returned false for a waiting task")
	}
	snap, _ := sup.Status(id)
	if snap.Status != taskstate.StatusFailed || snap.CompletionReason == nil || *snap.CompletionReason != "cancelled" {
		t.Errorf("snapshot = %+v", snap)
	}
	if sup.Cancel(id) {
		t.Error("second Cancel should report an already finished task")
	}
}

// ============================================================================
// Resume / Cleanup / ListActive
// ============================================================================

func TestSupervisor_Resume(t *testing.T) {
	h := newHarness(t, []capability.Step[*capability.DecisionResult]{
		capability.Verdict(capability.DecisionUserInput, "which account?"),
		capability.Verdict(capability.DecisionComplete, "paid"),
	})
	sup := h.start(t)

	id, _ := sup.Submit(context.Background(), "pay the bill")
	waitFor(t, sup, id)

	if err := sup.Resume(context.Background(), id, "checking"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	snap := waitFor(t, sup, id)
	if snap.Status != taskstate.StatusCompleted || *snap.CompletionReason != "paid" {
		t.Errorf("snapshot = %+v", snap)
	}

	if err := sup.Resume(context.Background(), id, "again"); !errors.Is(err, taskstate.ErrNotRunnable) {
		t.Errorf("Resume on a completed task: got %v", err)
	}
}

func TestSupervisor_Cleanup(t *testing.T) {
	h := newHarness(t, complete())
	entered, release := blockExecutor(h.exec)
	sup := h.start(t)

	id, _ := sup.Submit(context.Background(), "x")
	<-entered
	if sup.Cleanup(id) {
		t.Error("Cleanup removed a running task")
	}

	close(release)
	waitFor(t, sup, id)
	if !sup.Cleanup(id) {
		t.Fatal("Cleanup refused a completed task")
	}
	if _, err := sup.Status(id); !errors.Is(err, taskstate.ErrTaskNotFound) {
		t.Errorf("task still present after cleanup: %v", err)
	}
	if sup.Cleanup(id) {
		t.Error("second Cleanup should return false")
	}
}

func TestSupervisor_ListActive(t *testing.T) {
	h := newHarness(t, complete())
	entered, release := blockExecutor(h.exec)
	sup := h.start(t)

	a, _ := sup.Submit(context.Background(), "a")
	b, _ := sup.Submit(context.Background(), "b")
	<-entered
	<-entered

	active := sup.ListActive()
	if len(active) != 2 {
		t.Fatalf("active = %+v", active)
	}
	for _, snap := range active {
		if !snap.Running || snap.Status != taskstate.StatusInProgress {
			t.Errorf("active snapshot = %+v", snap)
		}
	}

	close(release)
	waitFor(t, sup, a)
	waitFor(t, sup, b)
	if ids := sup.ActiveIDs(); len(ids) != 0 {
		t.Errorf("active after completion = %v", ids)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestSupervisor_Shutdown(t *testing.T) {
	h := newHarness(t, complete())
	entered := make(chan struct{}, 8)
	h.gen.NextFunc = func(ctx context.Context, view taskstate.ContextView) (*taskstate.CommandDecision, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sup := h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := sup.Submit(context.Background(), "wait forever")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}
	for range ids {
		<-entered
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, id := range ids {
		snap, _ := sup.Status(id)
		if snap.Status != taskstate.StatusFailed || snap.CompletionReason == nil || *snap.CompletionReason != "shutdown" {
			t.Errorf("task %s after shutdown: %+v", id, snap)
		}
	}

	if _, err := sup.Submit(context.Background(), "late"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after shutdown: got %v", err)
	}
	if err := sup.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	select {
	case <-sup.Done():
	default:
		t.Error("Done not closed after shutdown")
	}
}

// ============================================================================
// Events
// ============================================================================

func TestSupervisor_PublishesEvents(t *testing.T) {
	pub := events.NewMemoryPublisher(events.DefaultConfig())
	defer pub.Close()

	h := newHarness(t, complete())
	sup := h.start(t, WithPublisher(pub))

	sub, err := pub.Subscribe("t-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sup.SubmitWithID(context.Background(), "t-1", "x"); err != nil {
		t.Fatalf("SubmitWithID failed: %v", err)
	}
	waitFor(t, sup, "t-1")
	sup.Cleanup("t-1")

	var got []events.Type
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out; got %v", got)
		}
	}
	if got[0] != events.TypeSubmitted || got[1] != events.TypeCleanedUp {
		t.Errorf("events = %v", got)
	}
}
