package taskstate

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task has been created but no run has started.
	StatusPending Status = "pending"

	// StatusInProgress indicates a workflow run is driving the task.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the task reached its goal.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task ended without reaching its goal.
	StatusFailed Status = "failed"

	// StatusRequiresUserInput indicates the run stopped to wait for a human.
	StatusRequiresUserInput Status = "requires_user_input"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRequiresUserInput:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for Completed and Failed. Terminal tasks are
// immutable.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsStopped returns true when no run should be driving the task: the
// terminal statuses plus RequiresUserInput.
func (s Status) IsStopped() bool {
	return s.IsTerminal() || s == StatusRequiresUserInput
}

// canTransition reports whether from → to is an allowed status change.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusRequiresUserInput
	case StatusRequiresUserInput:
		return to == StatusInProgress || to == StatusFailed
	default:
		return false
	}
}

// ActionType identifies the kind of concrete action a command performs.
type ActionType string

const (
	ActionCommand     ActionType = "command"
	ActionClick       ActionType = "click"
	ActionTypeText    ActionType = "type"
	ActionWait        ActionType = "wait"
	ActionVerify      ActionType = "verify"
	ActionTerminal    ActionType = "terminal"
	ActionWebNavigate ActionType = "web_navigate"
	ActionWebAnalyze  ActionType = "web_analyze"
)

// Valid returns true if the action type is a known value.
func (a ActionType) Valid() bool {
	switch a {
	case ActionCommand, ActionClick, ActionTypeText, ActionWait, ActionVerify,
		ActionTerminal, ActionWebNavigate, ActionWebAnalyze:
		return true
	default:
		return false
	}
}

// CommandDecision is the generator's proposal for the next action.
type CommandDecision struct {
	Command        string            `json:"command"`
	ActionType     ActionType        `json:"action_type"`
	Reasoning      string            `json:"reasoning,omitempty"`
	ExpectedResult string            `json:"expected_result,omitempty"`
	Confidence     float64           `json:"confidence"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// ValidConfidence reports whether v lies in [0,1]. NaN does not.
func ValidConfidence(v float64) bool {
	return v >= 0 && v <= 1
}

// Validate checks that the decision can be executed.
func (c *CommandDecision) Validate() error {
	if c == nil {
		return fmt.Errorf("nil command decision")
	}
	if c.Command == "" {
		return fmt.Errorf("command decision has empty command")
	}
	if !c.ActionType.Valid() {
		return fmt.Errorf("command decision has unknown action type %q", c.ActionType)
	}
	if !ValidConfidence(c.Confidence) {
		return fmt.Errorf("command decision confidence %v outside [0,1]", c.Confidence)
	}
	return nil
}

// Clone returns a deep copy of the decision.
func (c *CommandDecision) Clone() *CommandDecision {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Parameters != nil {
		clone.Parameters = make(map[string]string, len(c.Parameters))
		for k, v := range c.Parameters {
			clone.Parameters[k] = v
		}
	}
	return &clone
}

// VerificationResult is the verifier's judgement of the last action.
type VerificationResult struct {
	Success      bool    `json:"success"`
	ActualResult string  `json:"actual_result,omitempty"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// Clone returns a copy of the result.
func (v *VerificationResult) Clone() *VerificationResult {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// ActionRecord is an immutable log entry for one attempted action.
type ActionRecord struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	ActionType     ActionType `json:"action_type"`
	Command        string     `json:"command"`
	ExpectedResult string     `json:"expected_result,omitempty"`
	ActualResult   *string    `json:"actual_result,omitempty"`
	Success        bool       `json:"success"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	Reasoning      *string    `json:"reasoning,omitempty"`
}

// Clone returns a deep copy of the record.
func (r ActionRecord) Clone() ActionRecord {
	r.ActualResult = cloneString(r.ActualResult)
	r.ErrorMessage = cloneString(r.ErrorMessage)
	r.Reasoning = cloneString(r.Reasoning)
	return r
}

// Task is the canonical state of one automation request.
// Values handed out by the Store are copies; mutate through the Store only.
type Task struct {
	ID     string `json:"id"`
	Intent string `json:"intent"`
	Status Status `json:"status"`

	StepCount    int `json:"step_count"`
	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	ActionHistory     []ActionRecord      `json:"action_history"`
	LastCommand       *CommandDecision    `json:"last_command,omitempty"`
	LastVerification  *VerificationResult `json:"last_verification,omitempty"`
	DecisionReasoning string              `json:"decision_reasoning,omitempty"`
	ErrorMessages     []string            `json:"error_messages,omitempty"`
	UserResponses     []string            `json:"user_responses,omitempty"`

	RecoveryAttempts   int     `json:"recovery_attempts"`
	GenerationFailures int     `json:"generation_failures"`
	ShouldContinue     bool    `json:"should_continue"`
	CancelRequested    bool    `json:"cancel_requested"`
	CompletionReason   *string `json:"completion_reason,omitempty"`
	ConfidenceScore    float64 `json:"confidence_score"`

	StartTime          time.Time      `json:"start_time"`
	TotalExecutionTime *time.Duration `json:"total_execution_time,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.ActionHistory != nil {
		clone.ActionHistory = make([]ActionRecord, len(t.ActionHistory))
		for i, r := range t.ActionHistory {
			clone.ActionHistory[i] = r.Clone()
		}
	}
	clone.LastCommand = t.LastCommand.Clone()
	clone.LastVerification = t.LastVerification.Clone()
	clone.ErrorMessages = cloneStrings(t.ErrorMessages)
	clone.UserResponses = cloneStrings(t.UserResponses)
	clone.CompletionReason = cloneString(t.CompletionReason)
	if t.TotalExecutionTime != nil {
		d := *t.TotalExecutionTime
		clone.TotalExecutionTime = &d
	}
	return &clone
}

// Reason returns the completion reason, or "" if none is recorded.
func (t *Task) Reason() string {
	if t.CompletionReason == nil {
		return ""
	}
	return *t.CompletionReason
}

// ActionSummary is a compact view of one ActionRecord for capability requests.
type ActionSummary struct {
	Step       int        `json:"step"`
	ActionType ActionType `json:"action_type"`
	Command    string     `json:"command"`
	Success    bool       `json:"success"`
	Outcome    string     `json:"outcome,omitempty"`
}

// String renders the summary as a single line.
func (s ActionSummary) String() string {
	mark := "ok"
	if !s.Success {
		mark = "failed"
	}
	if s.Outcome == "" {
		return fmt.Sprintf("#%d [%s] %s (%s)", s.Step, s.ActionType, s.Command, mark)
	}
	return fmt.Sprintf("#%d [%s] %s (%s): %s", s.Step, s.ActionType, s.Command, mark, s.Outcome)
}

// ContextView is the read-only projection of a task handed to capabilities.
type ContextView struct {
	TaskID            string              `json:"task_id"`
	Intent            string              `json:"intent"`
	Status            Status              `json:"status"`
	StepCount         int                 `json:"step_count"`
	AttemptCount      int                 `json:"attempt_count"`
	MaxAttempts       int                 `json:"max_attempts"`
	RecoveryAttempts  int                 `json:"recovery_attempts"`
	RecentActions     []ActionSummary     `json:"recent_actions,omitempty"`
	LastCommand       *CommandDecision    `json:"last_command,omitempty"`
	LastVerification  *VerificationResult `json:"last_verification,omitempty"`
	LastErrors        []string            `json:"last_errors,omitempty"`
	UserResponses     []string            `json:"user_responses,omitempty"`
	DecisionReasoning string              `json:"decision_reasoning,omitempty"`
	Confidence        float64             `json:"confidence"`
}

// LastAction returns the most recent action summary, if any.
func (v ContextView) LastAction() (ActionSummary, bool) {
	if len(v.RecentActions) == 0 {
		return ActionSummary{}, false
	}
	return v.RecentActions[len(v.RecentActions)-1], true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// StringPtr returns a pointer to s. Convenience for optional record fields.
func StringPtr(s string) *string {
	return &s
}
