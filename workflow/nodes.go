package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vinayprograms/taskloop/capability"
	taskerrors "github.com/vinayprograms/taskloop/errors"
	"github.com/vinayprograms/taskloop/events"
	"github.com/vinayprograms/taskloop/recovery"
	"github.com/vinayprograms/taskloop/taskstate"
	"github.com/vinayprograms/taskloop/telemetry"
)

// generateCommand spends one attempt asking the generator for the next
// command. Generator failures are retried in place until
// GeneratorRetryLimit consecutive failures.
func (e *Engine) generateCommand(ctx context.Context, id string) (Node, error) {
	task, err := e.store.Get(id)
	if err != nil {
		return nodeEnd, err
	}
	if task.AttemptCount >= task.MaxAttempts {
		return nodeEnd, taskerrors.AttemptCeiling(id, task.MaxAttempts)
	}
	if err := e.store.Update(id, taskstate.Patch{AttemptCount: taskstate.IntPtr(task.AttemptCount + 1)}); err != nil {
		return nodeEnd, err
	}

	view, err := e.store.SnapshotContext(id)
	if err != nil {
		return nodeEnd, err
	}

	ctx, span := e.tracer.StartCapabilitySpan(ctx, "generator")
	cmd, err := call(ctx, e.timeouts.Generator, "generator", func(ctx context.Context) (*taskstate.CommandDecision, error) {
		return e.caps.Generator.Next(ctx, view)
	})
	if err == nil {
		err = cmd.Validate()
	}
	opts := telemetry.CapabilitySpanOptions{Success: err == nil}
	if cmd != nil {
		opts.Command = cmd.Command
		opts.ActionType = string(cmd.ActionType)
		opts.Confidence = cmd.Confidence
		opts.Reasoning = cmd.Reasoning
	}
	if errors.Is(err, capability.ErrDone) {
		e.tracer.EndCapabilitySpan(span, opts, nil)
		return e.finish(id, taskstate.StatusCompleted, capability.ErrDone.Error())
	}
	e.tracer.EndCapabilitySpan(span, opts, err)

	if taskerrors.IsFatal(err) {
		return nodeEnd, err
	}
	if err != nil {
		failures := task.GenerationFailures + 1
		if uerr := e.store.Update(id, taskstate.Patch{
			GenerationFailures: taskstate.IntPtr(failures),
			AppendErrors:       []string{"generation failed: " + err.Error()},
		}); uerr != nil {
			return nodeEnd, uerr
		}
		if failures >= e.limits.GeneratorRetryLimit {
			return nodeEnd, taskerrors.GenerationFailed(id, err)
		}
		fields := taskerrors.LogFields(err)
		fields["failures"] = failures
		e.logger.WithTaskID(id).Warn("generator failed, retrying", fields)
		if err := sleep(ctx, e.backoff.Generator); err != nil {
			return nodeEnd, contextStop(ctx, id)
		}
		return NodeGenerateCommand, nil
	}

	if err := e.store.Update(id, taskstate.Patch{
		LastCommand:        cmd,
		GenerationFailures: taskstate.IntPtr(0),
	}); err != nil {
		return nodeEnd, err
	}
	return NodeExecuteCommand, nil
}

// executeCommand performs the last command and records it. A failed action
// is history, not an error: the run always moves on to verification.
func (e *Engine) executeCommand(ctx context.Context, id string) (Node, error) {
	task, err := e.store.Get(id)
	if err != nil {
		return nodeEnd, err
	}
	cmd := task.LastCommand
	if cmd == nil {
		return nodeEnd, taskerrors.Internal("execute without a command", taskerrors.WithTaskID(id), taskerrors.WithNode(string(NodeExecuteCommand)))
	}

	ctx, span := e.tracer.StartCapabilitySpan(ctx, "executor")
	res, err := call(ctx, e.timeouts.Executor, "executor", func(ctx context.Context) (capability.ActionResult, error) {
		return e.caps.Executor.Perform(ctx, *cmd.Clone())
	})
	if taskerrors.IsFatal(err) {
		e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{Command: cmd.Command, ActionType: string(cmd.ActionType)}, err)
		return nodeEnd, err
	}

	rec := taskstate.ActionRecord{
		ActionType:     cmd.ActionType,
		Command:        cmd.Command,
		ExpectedResult: cmd.ExpectedResult,
	}
	if cmd.Reasoning != "" {
		rec.Reasoning = taskstate.StringPtr(cmd.Reasoning)
	}
	var failure string
	switch {
	case err != nil:
		failure = err.Error()
	case !res.Success:
		failure = res.Error
		if failure == "" {
			failure = "action reported failure"
		}
		fallthrough
	default:
		rec.Success = res.Success
		if res.Output != "" {
			rec.ActualResult = taskstate.StringPtr(res.Output)
		}
	}
	if failure != "" {
		rec.Success = false
		rec.ErrorMessage = taskstate.StringPtr(failure)
	}

	var actionErr error
	if failure != "" {
		actionErr = taskerrors.New(taskerrors.ErrCodeExecutionFailed, failure)
	}
	e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{
		Command:    cmd.Command,
		ActionType: string(cmd.ActionType),
		Success:    rec.Success,
		Output:     res.Output,
	}, actionErr)

	if err := e.store.AppendAction(id, rec); err != nil {
		if errors.Is(err, taskstate.ErrHistoryFull) {
			return nodeEnd, taskerrors.FromCode(taskerrors.ErrCodeHistoryFull, taskerrors.WithTaskID(id))
		}
		return nodeEnd, err
	}
	if failure != "" {
		if err := e.store.Update(id, taskstate.Patch{
			AppendErrors: []string{fmt.Sprintf("execution failed: %s: %s", cmd.Command, failure)},
		}); err != nil {
			return nodeEnd, err
		}
	}

	e.emit(ctx, events.Event{
		Type:   events.TypeAction,
		TaskID: id,
		Step:   task.StepCount + 1,
		Data: map[string]string{
			"command":     cmd.Command,
			"action_type": string(cmd.ActionType),
			"success":     fmt.Sprint(rec.Success),
		},
	})
	return NodeVerifyExecution, nil
}

// verifyExecution judges the last action. A verifier that errors does not
// end the run; its verdict becomes a low-confidence failure.
func (e *Engine) verifyExecution(ctx context.Context, id string) (Node, error) {
	task, err := e.store.Get(id)
	if err != nil {
		return nodeEnd, err
	}
	if len(task.ActionHistory) == 0 {
		return nodeEnd, taskerrors.Internal("verify without an action", taskerrors.WithTaskID(id), taskerrors.WithNode(string(NodeVerifyExecution)))
	}
	rec := task.ActionHistory[len(task.ActionHistory)-1]

	ctx, span := e.tracer.StartCapabilitySpan(ctx, "verifier")
	vr, err := call(ctx, e.timeouts.Verifier, "verifier", func(ctx context.Context) (*taskstate.VerificationResult, error) {
		return e.caps.Verifier.Check(ctx, rec.Clone(), rec.ExpectedResult)
	})
	if err == nil && vr == nil {
		err = errors.New("verifier returned no result")
	}
	if taskerrors.IsFatal(err) {
		e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{}, err)
		return nodeEnd, err
	}

	patch := taskstate.Patch{}
	if err != nil {
		vr = &taskstate.VerificationResult{
			Success:    false,
			Confidence: e.limits.FailedVerificationConfidence,
			Reasoning:  "verifier error: " + err.Error(),
		}
		patch.AppendErrors = []string{"verification error: " + err.Error()}
	} else {
		vr.Confidence = clamp01(vr.Confidence)
		if !vr.Success {
			msg := "verification failed"
			if vr.Reasoning != "" {
				msg += ": " + vr.Reasoning
			}
			patch.AppendErrors = []string{msg}
		}
	}
	e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{
		Success:    vr.Success,
		Confidence: vr.Confidence,
		Output:     vr.ActualResult,
		Reasoning:  vr.Reasoning,
	}, err)

	patch.LastVerification = vr
	patch.ConfidenceScore = taskstate.FloatPtr(vr.Confidence)
	if err := e.store.Update(id, patch); err != nil {
		return nodeEnd, err
	}
	return NodeMakeDecision, nil
}

// makeDecision asks the decider how to proceed and routes on the typed
// verdict. Decider errors are fatal: there is no safe default.
func (e *Engine) makeDecision(ctx context.Context, id string) (Node, error) {
	view, err := e.store.SnapshotContext(id)
	if err != nil {
		return nodeEnd, err
	}

	spanCtx, span := e.tracer.StartCapabilitySpan(ctx, "decider")
	dr, err := call(spanCtx, e.timeouts.Decider, "decider", func(ctx context.Context) (*capability.DecisionResult, error) {
		return e.caps.Decider.Decide(ctx, view)
	})
	if err == nil {
		err = dr.Validate()
	}
	if err != nil {
		e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{}, err)
		if taskerrors.IsFatal(err) {
			return nodeEnd, err
		}
		return nodeEnd, taskerrors.DecisionFailed(id, err)
	}
	e.tracer.EndCapabilitySpan(span, telemetry.CapabilitySpanOptions{
		Success:    true,
		Confidence: dr.Confidence,
		Decision:   dr.Decision.String(),
		Reasoning:  dr.Reasoning,
	}, nil)

	e.logger.WithTaskID(id).Decision(dr.Decision.String(), dr.Confidence, dr.Reasoning)
	e.emit(ctx, events.Event{
		Type:    events.TypeDecision,
		TaskID:  id,
		Attempt: view.AttemptCount,
		Reason:  dr.Reasoning,
		Data:    map[string]string{"decision": dr.Decision.String()},
	})

	if err := e.store.Update(id, taskstate.Patch{DecisionReasoning: taskstate.StringPtr(dr.Reasoning)}); err != nil {
		return nodeEnd, err
	}

	switch dr.Decision {
	case capability.DecisionComplete:
		return e.finish(id, taskstate.StatusCompleted, firstNonEmpty(dr.CompletionAssessment, dr.Reasoning, "task completed"))
	case capability.DecisionFailed:
		return e.finish(id, taskstate.StatusFailed, firstNonEmpty(dr.Reasoning, dr.ErrorAnalysis, "decider reported failure"))
	case capability.DecisionUserInput:
		return e.finish(id, taskstate.StatusRequiresUserInput, firstNonEmpty(dr.Reasoning, "user input required"))
	case capability.DecisionRecovery:
		return e.recover(ctx, id, view, dr)
	default:
		if view.AttemptCount >= view.MaxAttempts {
			return nodeEnd, taskerrors.AttemptCeiling(id, view.MaxAttempts)
		}
		return NodeGenerateCommand, nil
	}
}

// recover runs one recovery episode and charges the strategies it ran to
// the task. A successful strategy's hint is surfaced to the generator
// through the error messages.
func (e *Engine) recover(ctx context.Context, id string, view taskstate.ContextView, dr *capability.DecisionResult) (Node, error) {
	verdict := e.policy.Recover(ctx, recovery.Request{
		TaskID:   id,
		Cause:    recoveryCause(view, dr),
		View:     view,
		Attempts: view.RecoveryAttempts,
	})

	patch := taskstate.Patch{}
	if verdict.Used > 0 {
		patch.RecoveryAttempts = taskstate.IntPtr(view.RecoveryAttempts + verdict.Used)
	}
	if verdict.Recovered && verdict.Hint != "" {
		patch.AppendErrors = []string{fmt.Sprintf("recovery (%s): %s", verdict.Strategy, verdict.Hint)}
	}
	if !patch.IsEmpty() {
		if err := e.store.Update(id, patch); err != nil {
			return nodeEnd, err
		}
	}

	data := map[string]string{
		"category":   string(verdict.Category),
		"severity":   string(verdict.Severity),
		"candidates": strings.Join(verdict.Candidates, ","),
		"used":       fmt.Sprint(verdict.Used),
		"recovered":  fmt.Sprint(verdict.Recovered),
	}
	if verdict.Strategy != "" {
		data["strategy"] = verdict.Strategy
	}
	e.emit(ctx, events.Event{
		Type:   events.TypeRecovery,
		TaskID: id,
		Reason: taskerrors.Reason(verdict.Err),
		Data:   data,
	})

	if !verdict.Recovered {
		if verdict.Err == nil {
			return nodeEnd, taskerrors.RecoveryExhausted(id, "")
		}
		return nodeEnd, verdict.Err
	}
	return NodeGenerateCommand, nil
}

// recoveryCause picks the most specific description of what went wrong:
// the decider's analysis, then the last action's error, then the newest
// retained error message.
func recoveryCause(view taskstate.ContextView, dr *capability.DecisionResult) error {
	if dr.ErrorAnalysis != "" {
		return errors.New(dr.ErrorAnalysis)
	}
	if last, ok := view.LastAction(); ok && !last.Success && last.Outcome != "" {
		return errors.New(last.Outcome)
	}
	if n := len(view.LastErrors); n > 0 {
		return errors.New(view.LastErrors[n-1])
	}
	if dr.Reasoning != "" {
		return errors.New(dr.Reasoning)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// clamp01 maps v into [0,1]. NaN maps to 0.
func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
