// Package workflow runs tasks through the generate → execute → verify →
// decide loop.
//
// # Nodes
//
// A run claims a task (Initialize) and then cycles through:
//
//   - GenerateCommand: spends one attempt asking the CommandGenerator for
//     the next command. Failures are retried with a fixed backoff until
//     GeneratorRetryLimit consecutive failures end the task.
//   - ExecuteCommand: performs the command and appends an ActionRecord. A
//     failed action is recorded, never raised.
//   - VerifyExecution: asks the Verifier to judge the action. A verifier
//     error becomes a low-confidence failed verification.
//   - MakeDecision: asks the Decider for a typed verdict and routes on it.
//
// Routing:
//
//	complete   → Completed
//	failed     → Failed
//	user_input → RequiresUserInput (continue later with Engine.Resume)
//	recovery   → one recovery.Policy episode, then GenerateCommand or Failed
//	continue   → GenerateCommand while attempts remain, else Failed
//
// # Stopping
//
// Every run ends with the task stopped. Decision errors, the attempt
// ceiling, recovery exhaustion and capability panics finish the task as
// Failed with a readable completion reason. Store.RequestCancel is observed
// at the next node boundary, after any in-flight capability call returns.
// Cancelling the run's context aborts in-flight calls; a cause attached with
// context.WithCancelCause becomes the completion reason.
//
// # Usage
//
//	store := taskstate.NewStore()
//	engine, err := workflow.New(store, capability.Set{
//	    Generator: gen,
//	    Executor:  exec,
//	    Verifier:  verifier,
//	    Decider:   decider,
//	}, workflow.WithConfig(cfg))
//
//	id, _ := store.Create("archive last month's invoices")
//	res, err := engine.Run(ctx, id)
//	fmt.Println(res.Status, res.Reason)
package workflow
