// Package config loads engine configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete engine configuration.
type Config struct {
	Engine    EngineConfig
	Timeouts  TimeoutConfig
	Backoff   BackoffConfig
	Telemetry TelemetryConfig
	Events    EventsConfig
	LogLevel  string
}

// EngineConfig bounds a single task run.
type EngineConfig struct {
	// MaxAttempts caps generate→decide cycles per task. Default: 50
	MaxAttempts int

	// RecoveryCeiling caps recovery strategy executions per task. Default: 3
	RecoveryCeiling int

	// GeneratorRetryLimit is the number of consecutive generator failures
	// after which the task fails. Default: 3
	GeneratorRetryLimit int

	// HistoryLimit caps ActionHistory. Must be >= MaxAttempts. Default: 500
	HistoryLimit int

	// ErrorLimit caps ErrorMessages; the newest are retained. Default: 20
	ErrorLimit int

	// ContextWindow is how many recent actions a context snapshot carries. Default: 5
	ContextWindow int

	// FailedVerificationConfidence is recorded when the verifier errors. Default: 0.1
	FailedVerificationConfidence float64
}

// TimeoutConfig bounds each capability call. Zero disables the bound.
type TimeoutConfig struct {
	Generator time.Duration
	Executor  time.Duration
	Verifier  time.Duration
	Decider   time.Duration
	Strategy  time.Duration
}

// BackoffConfig holds fixed delays between retries.
type BackoffConfig struct {
	Generator time.Duration
	Recovery  time.Duration
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" or "http"
	ServiceName string
	Insecure    bool
}

// EventsConfig selects the lifecycle event backend.
type EventsConfig struct {
	Backend       string // "none", "memory", "nats" or "file"
	NATSURL       string
	Path          string // JSONL output for the file backend
	SubjectPrefix string
}

// Default returns configuration with the engine's standard ceilings.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxAttempts:                  50,
			RecoveryCeiling:              3,
			GeneratorRetryLimit:          3,
			HistoryLimit:                 500,
			ErrorLimit:                   20,
			ContextWindow:                5,
			FailedVerificationConfidence: 0.1,
		},
		Timeouts: TimeoutConfig{
			Generator: 60 * time.Second,
			Executor:  120 * time.Second,
			Verifier:  60 * time.Second,
			Decider:   60 * time.Second,
			Strategy:  30 * time.Second,
		},
		Backoff: BackoffConfig{
			Generator: time.Second,
			Recovery:  500 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskloop",
		},
		Events: EventsConfig{
			Backend:       "none",
			SubjectPrefix: "taskloop",
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive, got %d", e.MaxAttempts)
	}
	if e.RecoveryCeiling <= 0 {
		return fmt.Errorf("engine.recovery_ceiling must be positive, got %d", e.RecoveryCeiling)
	}
	if e.GeneratorRetryLimit <= 0 {
		return fmt.Errorf("engine.generator_retry_limit must be positive, got %d", e.GeneratorRetryLimit)
	}
	if e.HistoryLimit < e.MaxAttempts {
		return fmt.Errorf("engine.history_limit (%d) must be >= engine.max_attempts (%d)", e.HistoryLimit, e.MaxAttempts)
	}
	if e.ErrorLimit <= 0 {
		return fmt.Errorf("engine.error_limit must be positive, got %d", e.ErrorLimit)
	}
	if e.ContextWindow < 0 {
		return fmt.Errorf("engine.context_window must not be negative, got %d", e.ContextWindow)
	}
	if e.FailedVerificationConfidence < 0 || e.FailedVerificationConfidence > 1 {
		return fmt.Errorf("engine.failed_verification_confidence must be in [0,1], got %v", e.FailedVerificationConfidence)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.generator": c.Timeouts.Generator,
		"timeouts.executor":  c.Timeouts.Executor,
		"timeouts.verifier":  c.Timeouts.Verifier,
		"timeouts.decider":   c.Timeouts.Decider,
		"timeouts.strategy":  c.Timeouts.Strategy,
		"backoff.generator":  c.Backoff.Generator,
		"backoff.recovery":   c.Backoff.Recovery,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	switch c.Events.Backend {
	case "", "none", "memory":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required for the nats backend")
		}
	case "file":
		if c.Events.Path == "" {
			return fmt.Errorf("events.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown events.backend %q", c.Events.Backend)
	}
	return nil
}

// tomlConfig is the TOML representation. Durations are strings ("1.5s").
type tomlConfig struct {
	LogLevel string `toml:"log_level"`
	Engine   struct {
		MaxAttempts                  *int     `toml:"max_attempts"`
		RecoveryCeiling              *int     `toml:"recovery_ceiling"`
		GeneratorRetryLimit          *int     `toml:"generator_retry_limit"`
		HistoryLimit                 *int     `toml:"history_limit"`
		ErrorLimit                   *int     `toml:"error_limit"`
		ContextWindow                *int     `toml:"context_window"`
		FailedVerificationConfidence *float64 `toml:"failed_verification_confidence"`
	} `toml:"engine"`
	Timeouts struct {
		Generator string `toml:"generator"`
		Executor  string `toml:"executor"`
		Verifier  string `toml:"verifier"`
		Decider   string `toml:"decider"`
		Strategy  string `toml:"strategy"`
	} `toml:"timeouts"`
	Backoff struct {
		Generator string `toml:"generator"`
		Recovery  string `toml:"recovery"`
	} `toml:"backoff"`
	Telemetry struct {
		Enabled     bool   `toml:"enabled"`
		Endpoint    string `toml:"endpoint"`
		Protocol    string `toml:"protocol"`
		ServiceName string `toml:"service_name"`
		Insecure    bool   `toml:"insecure"`
	} `toml:"telemetry"`
	Events struct {
		Backend       string `toml:"backend"`
		NATSURL       string `toml:"nats_url"`
		Path          string `toml:"path"`
		SubjectPrefix string `toml:"subject_prefix"`
	} `toml:"events"`
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses configuration from TOML content. Keys that are absent keep
// their Default value; unknown keys are rejected.
func Parse(content string) (*Config, error) {
	var raw tomlConfig
	md, err := toml.Decode(content, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	cfg := Default()
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}

	setInt(&cfg.Engine.MaxAttempts, raw.Engine.MaxAttempts)
	setInt(&cfg.Engine.RecoveryCeiling, raw.Engine.RecoveryCeiling)
	setInt(&cfg.Engine.GeneratorRetryLimit, raw.Engine.GeneratorRetryLimit)
	setInt(&cfg.Engine.HistoryLimit, raw.Engine.HistoryLimit)
	setInt(&cfg.Engine.ErrorLimit, raw.Engine.ErrorLimit)
	setInt(&cfg.Engine.ContextWindow, raw.Engine.ContextWindow)
	if raw.Engine.FailedVerificationConfidence != nil {
		cfg.Engine.FailedVerificationConfidence = *raw.Engine.FailedVerificationConfidence
	}

	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"timeouts.generator", raw.Timeouts.Generator, &cfg.Timeouts.Generator},
		{"timeouts.executor", raw.Timeouts.Executor, &cfg.Timeouts.Executor},
		{"timeouts.verifier", raw.Timeouts.Verifier, &cfg.Timeouts.Verifier},
		{"timeouts.decider", raw.Timeouts.Decider, &cfg.Timeouts.Decider},
		{"timeouts.strategy", raw.Timeouts.Strategy, &cfg.Timeouts.Strategy},
		{"backoff.generator", raw.Backoff.Generator, &cfg.Backoff.Generator},
		{"backoff.recovery", raw.Backoff.Recovery, &cfg.Backoff.Recovery},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	cfg.Telemetry.Enabled = raw.Telemetry.Enabled
	cfg.Telemetry.Insecure = raw.Telemetry.Insecure
	cfg.Telemetry.Endpoint = raw.Telemetry.Endpoint
	if raw.Telemetry.Protocol != "" {
		cfg.Telemetry.Protocol = raw.Telemetry.Protocol
	}
	if raw.Telemetry.ServiceName != "" {
		cfg.Telemetry.ServiceName = raw.Telemetry.ServiceName
	}

	if raw.Events.Backend != "" {
		cfg.Events.Backend = raw.Events.Backend
	}
	cfg.Events.NATSURL = raw.Events.NATSURL
	cfg.Events.Path = raw.Events.Path
	if raw.Events.SubjectPrefix != "" {
		cfg.Events.SubjectPrefix = raw.Events.SubjectPrefix
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
