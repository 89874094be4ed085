// Package supervisor runs tasks in the background and answers questions
// about them.
//
// The supervisor holds one run handle per task id. Submit creates the task
// and starts its run on its own goroutine; a second submit for an id that
// exists is rejected, so a task never has two concurrent runs.
//
// # Basic Usage
//
//	store := taskstate.NewStore()
//	engine, _ := workflow.New(store, caps)
//	sup := supervisor.New(store, engine)
//
//	id, err := sup.Submit(ctx, "rename the quarterly reports")
//
//	snap, _ := sup.Status(id)        // status, steps, attempts, confidence
//	snap, _ = sup.Wait(ctx, id)      // block until the run exits
//	sup.Cleanup(id)                  // drop a finished task from the store
//
// # Cancellation
//
// Cancel is cooperative. A running task is flagged and stops at its next
// node boundary, after any in-flight capability call returns; it ends
// Failed with reason "cancelled". A task with no run (waiting for user
// input) fails at once.
//
// # Shutdown
//
// Shutdown rejects new work and interrupts every run by cancelling its
// context. In-flight capability calls are abandoned and the tasks end
// Failed with reason "shutdown". HandleSignals wires Shutdown to SIGTERM
// and SIGINT.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package supervisor
