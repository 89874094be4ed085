package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events as JSON on NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "taskloop",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSPublisher connects to NATS and returns a publisher that owns the
// connection.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSPublisher{conn: conn, config: cfg, owned: true}, nil
}

// NewNATSPublisherFromConn creates a publisher on an existing connection.
// Close does not close conn.
func NewNATSPublisherFromConn(conn *nats.Conn, cfg NATSConfig) *NATSPublisher {
	cfg.Config = cfg.Config.withDefaults()
	return &NATSPublisher{conn: conn, config: cfg}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish sends e as JSON. Trace context is also copied into NATS headers.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if p.conn.IsClosed() {
		return ErrClosed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.config.SubjectPrefix, e))
	msg.Data = data
	for k, v := range e.Trace {
		msg.Header.Set(k, v)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe receives events for one task, or all tasks when taskID is empty.
// Messages that do not decode are dropped.
func (p *NATSPublisher) Subscribe(taskID string) (Subscription, error) {
	if p.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{ch: make(chan Event, p.config.BufferSize)}
	sub, err := p.conn.Subscribe(SubscribeSubject(p.config.SubjectPrefix, taskID), func(m *nats.Msg) {
		var e Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			return
		}
		s.deliver(e)
	})
	if err != nil {
		close(s.ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close drains and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *natsSubscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Buffer full
	}
}

func (s *natsSubscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel.
func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return err
}
