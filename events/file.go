package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FilePublisher appends events to a file, one JSON object per line.
type FilePublisher struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFilePublisher opens (or creates) path for appending.
func NewFilePublisher(path string) (*FilePublisher, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &FilePublisher{file: file}, nil
}

// Publish writes e as a single line.
func (p *FilePublisher) Publish(ctx context.Context, e Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err = p.file.Write(data)
	return err
}

// Close syncs and closes the file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.file.Sync()
	return p.file.Close()
}
