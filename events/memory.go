package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryPublisher delivers events to in-process subscribers.
// Useful for testing and single-process observers.
type MemoryPublisher struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan Event
	closed  atomic.Bool
	pub     *MemoryPublisher
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(cfg Config) *MemoryPublisher {
	return &MemoryPublisher{config: cfg.withDefaults()}
}

// Publish delivers e to every matching subscriber. Subscribers whose buffer
// is full miss the event.
func (p *MemoryPublisher) Publish(ctx context.Context, e Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if p.closed.Load() {
		return ErrClosed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	subject := Subject(p.config.SubjectPrefix, e)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		if sub.closed.Load() || !matchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Buffer full, drop event
		}
	}
	return nil
}

// Subscribe creates a subscription for one task, or all tasks when taskID is
// empty.
func (p *MemoryPublisher) Subscribe(taskID string) (Subscription, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: SubscribeSubject(p.config.SubjectPrefix, taskID),
		ch:      make(chan Event, p.config.BufferSize),
		pub:     p,
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	return sub, nil
}

// Close shuts down the publisher and closes all subscriptions.
func (p *MemoryPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	p.subs = nil
	return nil
}

// Events returns the event channel.
func (s *memorySub) Events() <-chan Event {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	for i, sub := range s.pub.subs {
		if sub == s {
			s.pub.subs = append(s.pub.subs[:i], s.pub.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
