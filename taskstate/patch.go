package taskstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Patch is a partial update to a task. Nil fields are left unchanged.
//
// ActionHistory and StepCount are absent on purpose: they only change
// through AppendAction.
type Patch struct {
	Status             *Status             `json:"status,omitempty"`
	AttemptCount       *int                `json:"attempt_count,omitempty"`
	RecoveryAttempts   *int                `json:"recovery_attempts,omitempty"`
	GenerationFailures *int                `json:"generation_failures,omitempty"`
	ShouldContinue     *bool               `json:"should_continue,omitempty"`
	CancelRequested    *bool               `json:"cancel_requested,omitempty"`
	LastCommand        *CommandDecision    `json:"last_command,omitempty"`
	LastVerification   *VerificationResult `json:"last_verification,omitempty"`
	DecisionReasoning  *string             `json:"decision_reasoning,omitempty"`
	ConfidenceScore    *float64            `json:"confidence_score,omitempty"`
	CompletionReason   *string             `json:"completion_reason,omitempty"`
	StartTime          *time.Time          `json:"start_time,omitempty"`
	TotalExecutionTime *time.Duration      `json:"total_execution_time,omitempty"`

	// AppendErrors are pushed onto ErrorMessages; the oldest are dropped
	// once the store's error limit is reached.
	AppendErrors []string `json:"append_errors,omitempty"`

	// AppendUserResponses are pushed onto UserResponses.
	AppendUserResponses []string `json:"append_user_responses,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.AttemptCount == nil && p.RecoveryAttempts == nil &&
		p.GenerationFailures == nil && p.ShouldContinue == nil && p.CancelRequested == nil &&
		p.LastCommand == nil && p.LastVerification == nil && p.DecisionReasoning == nil &&
		p.ConfidenceScore == nil && p.CompletionReason == nil && p.StartTime == nil &&
		p.TotalExecutionTime == nil && len(p.AppendErrors) == 0 && len(p.AppendUserResponses) == 0
}

// PatchFromFields builds a Patch from loosely typed field names, using the
// JSON names of Patch. Unknown names fail with ErrUnknownField instead of
// being dropped.
func PatchFromFields(fields map[string]any) (Patch, error) {
	var p Patch
	if len(fields) == 0 {
		return p, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return Patch{}, fmt.Errorf("%w: %s", ErrUnknownField, strings.TrimPrefix(err.Error(), "json: unknown field "))
		}
		return Patch{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return p, nil
}

// apply writes p onto t. The caller validates the result.
func (p Patch) apply(t *Task, errorLimit int) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AttemptCount != nil {
		t.AttemptCount = *p.AttemptCount
	}
	if p.RecoveryAttempts != nil {
		t.RecoveryAttempts = *p.RecoveryAttempts
	}
	if p.GenerationFailures != nil {
		t.GenerationFailures = *p.GenerationFailures
	}
	if p.ShouldContinue != nil {
		t.ShouldContinue = *p.ShouldContinue
	}
	if p.CancelRequested != nil {
		t.CancelRequested = *p.CancelRequested
	}
	if p.LastCommand != nil {
		t.LastCommand = p.LastCommand.Clone()
	}
	if p.LastVerification != nil {
		t.LastVerification = p.LastVerification.Clone()
	}
	if p.DecisionReasoning != nil {
		t.DecisionReasoning = *p.DecisionReasoning
	}
	if p.ConfidenceScore != nil {
		t.ConfidenceScore = *p.ConfidenceScore
	}
	if p.CompletionReason != nil {
		t.CompletionReason = cloneString(p.CompletionReason)
	}
	if p.StartTime != nil {
		t.StartTime = *p.StartTime
	}
	if p.TotalExecutionTime != nil {
		d := *p.TotalExecutionTime
		t.TotalExecutionTime = &d
	}
	if len(p.AppendErrors) > 0 {
		t.ErrorMessages = appendBounded(t.ErrorMessages, p.AppendErrors, errorLimit)
	}
	if len(p.AppendUserResponses) > 0 {
		t.UserResponses = append(t.UserResponses, p.AppendUserResponses...)
	}
}

// appendBounded appends add to s and keeps only the newest limit entries.
func appendBounded(s, add []string, limit int) []string {
	s = append(s, add...)
	if limit > 0 && len(s) > limit {
		trimmed := make([]string, limit)
		copy(trimmed, s[len(s)-limit:])
		s = trimmed
	}
	return s
}

// Pointer helpers for building patches.

func StatusPtr(s Status) *Status { return &s }

func IntPtr(i int) *int { return &i }

func BoolPtr(b bool) *bool { return &b }

func FloatPtr(f float64) *float64 { return &f }

func TimePtr(t time.Time) *time.Time { return &t }

func DurationPtr(d time.Duration) *time.Duration { return &d }
