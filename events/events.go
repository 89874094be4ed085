// Package events publishes task lifecycle events.
//
// Every state change the engine makes can be observed as an Event on a
// subject of the form <prefix>.task.<task id>.<event type>. Backends are
// in-memory (tests, single process), NATS (cross-process observers) and a
// JSONL file. Publishing is best effort: the engine logs publish errors and
// carries on.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("publisher closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Type identifies what happened.
type Type string

const (
	TypeSubmitted Type = "submitted"
	TypeStarted   Type = "started"
	TypeNode      Type = "node"
	TypeAction    Type = "action"
	TypeDecision  Type = "decision"
	TypeRecovery  Type = "recovery"
	TypeCancel    Type = "cancel"
	TypeFinished  Type = "finished"
	TypeCleanedUp Type = "cleaned_up"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type              `json:"type"`
	TaskID    string            `json:"task_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status,omitempty"`
	Node      string            `json:"node,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Step      int               `json:"step,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`

	// Trace carries W3C trace context so observers can join the run's trace.
	Trace map[string]string `json:"trace,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	// Publish sends an event. It must not block on slow subscribers.
	Publish(ctx context.Context, e Event) error

	// Close releases the backend.
	Close() error
}

// Subscriber is implemented by backends that can deliver events back.
type Subscriber interface {
	// Subscribe receives events for one task, or for all tasks when taskID
	// is empty.
	Subscribe(taskID string) (Subscription, error)
}

// Subscription represents an active subscription.
type Subscription interface {
	// Events returns the channel for incoming events.
	// Channel is closed when the subscription ends.
	Events() <-chan Event

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common publisher configuration.
type Config struct {
	// SubjectPrefix is the first subject token. Default: "taskloop"
	SubjectPrefix string

	// BufferSize for subscription channels. Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "taskloop",
		BufferSize:    256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Subject returns the subject an event is published on.
func Subject(prefix string, e Event) string {
	return fmt.Sprintf("%s.task.%s.%s", prefix, e.TaskID, e.Type)
}

// SubscribeSubject returns the subject pattern matching one task's events,
// or every task's when taskID is empty.
func SubscribeSubject(prefix, taskID string) string {
	if taskID == "" {
		taskID = "*"
	}
	return fmt.Sprintf("%s.task.%s.>", prefix, taskID)
}

// ValidateEvent checks that an event can be routed.
func ValidateEvent(e Event) error {
	if e.TaskID == "" || e.Type == "" {
		return ErrInvalidSubject
	}
	if strings.ContainsAny(e.TaskID, ".*> \t\n") {
		return fmt.Errorf("%w: task id %q", ErrInvalidSubject, e.TaskID)
	}
	return nil
}

// matchSubject reports whether subject matches a NATS-style pattern where
// "*" matches one token and a trailing ">" matches the rest.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that drops everything.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (NoopPublisher) Publish(ctx context.Context, e Event) error { return nil }
func (NoopPublisher) Close() error                               { return nil }
