package events

import (
	"fmt"

	"github.com/vinayprograms/taskloop/config"
)

// New creates a publisher for the configured backend.
func New(cfg config.EventsConfig) (Publisher, error) {
	base := Config{SubjectPrefix: cfg.SubjectPrefix}

	switch cfg.Backend {
	case "", "none":
		return NewNoopPublisher(), nil
	case "memory":
		return NewMemoryPublisher(base), nil
	case "nats":
		nc := DefaultNATSConfig()
		nc.Config = base
		nc.URL = cfg.NATSURL
		pub, err := NewNATSPublisher(nc)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "file":
		pub, err := NewFilePublisher(cfg.Path)
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown events backend: %s", cfg.Backend)
	}
}
