// Package taskstate owns the canonical, mutable state of every task.
//
// A Task is created Pending, driven by exactly one workflow run, and becomes
// immutable once it is Completed or Failed. All mutation goes through the
// Store, which guards each task with its own lock so a status query can
// never observe half of an update.
//
// # Basic Usage
//
//	store := taskstate.NewStore()
//	id, _ := store.Create("rename every .txt file to .md")
//
//	_ = store.Update(id, taskstate.Patch{
//	    Status: taskstate.StatusPtr(taskstate.StatusInProgress),
//	})
//	_ = store.AppendAction(id, taskstate.ActionRecord{
//	    ActionType: taskstate.ActionCommand,
//	    Command:    "ls *.txt",
//	    Success:    true,
//	})
//
//	view, _ := store.SnapshotContext(id) // what capabilities see
//
// # Invariants
//
// The store refuses any write that would break these:
//
//   - AttemptCount <= MaxAttempts
//   - StepCount == len(ActionHistory)
//   - ShouldContinue == false only in Completed, Failed or RequiresUserInput
//   - Completed and Failed tasks never change again
//   - RecoveryAttempts never decreases
//
// # Loosely Typed Updates
//
// UpdateFields accepts field names as strings for callers that build updates
// dynamically. Names that do not exist fail with ErrUnknownField rather than
// being silently ignored.
package taskstate
