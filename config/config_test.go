package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Engine.MaxAttempts != 50 {
		t.Errorf("MaxAttempts = %d, want 50", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.RecoveryCeiling != 3 {
		t.Errorf("RecoveryCeiling = %d, want 3", cfg.Engine.RecoveryCeiling)
	}
	if cfg.Engine.GeneratorRetryLimit != 3 {
		t.Errorf("GeneratorRetryLimit = %d, want 3", cfg.Engine.GeneratorRetryLimit)
	}
	if cfg.Engine.HistoryLimit != 500 {
		t.Errorf("HistoryLimit = %d, want 500", cfg.Engine.HistoryLimit)
	}
}

func TestParse(t *testing.T) {
	content := `
log_level = "debug"

[engine]
max_attempts = 10
recovery_ceiling = 2
context_window = 3

[timeouts]
decider = "5s"
executor = "250ms"

[backoff]
generator = "10ms"

[telemetry]
enabled = true
endpoint = "localhost:4318"
protocol = "http"

[events]
backend = "nats"
nats_url = "nats://127.0.0.1:4222"
`
	cfg, err := Parse(content)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Engine.MaxAttempts != 10 || cfg.Engine.RecoveryCeiling != 2 || cfg.Engine.ContextWindow != 3 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Absent keys keep defaults
	if cfg.Engine.GeneratorRetryLimit != 3 {
		t.Errorf("GeneratorRetryLimit = %d, want default 3", cfg.Engine.GeneratorRetryLimit)
	}
	if cfg.Timeouts.Decider != 5*time.Second {
		t.Errorf("Timeouts.Decider = %v", cfg.Timeouts.Decider)
	}
	if cfg.Timeouts.Executor != 250*time.Millisecond {
		t.Errorf("Timeouts.Executor = %v", cfg.Timeouts.Executor)
	}
	if cfg.Timeouts.Generator != 60*time.Second {
		t.Errorf("Timeouts.Generator = %v, want default", cfg.Timeouts.Generator)
	}
	if cfg.Backoff.Generator != 10*time.Millisecond {
		t.Errorf("Backoff.Generator = %v", cfg.Backoff.Generator)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Protocol != "http" || cfg.Telemetry.ServiceName != "taskloop" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Events.Backend != "nats" || cfg.Events.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("events = %+v", cfg.Events)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad toml", `[engine`, "failed to parse config"},
		{"unknown key", "[engine]\nmax_attemps = 3", "unknown config key"},
		{"bad duration", "[timeouts]\ndecider = \"soon\"", "invalid timeouts.decider"},
		{"zero attempts", "[engine]\nmax_attempts = 0", "max_attempts must be positive"},
		{"history below attempts", "[engine]\nmax_attempts = 100\nhistory_limit = 10", "history_limit"},
		{"nats without url", "[events]\nbackend = \"nats\"", "nats_url is required"},
		{"file without path", "[events]\nbackend = \"file\"", "events.path is required"},
		{"unknown backend", "[events]\nbackend = \"kafka\"", "unknown events.backend"},
		{"bad protocol", "[telemetry]\nprotocol = \"udp\"", "telemetry.protocol"},
		{"negative backoff", "[backoff]\nrecovery = \"-1s\"", "backoff.recovery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskloop.toml")
	if err := os.WriteFile(path, []byte("[engine]\nerror_limit = 7\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Engine.ErrorLimit != 7 {
		t.Errorf("ErrorLimit = %d, want 7", cfg.Engine.ErrorLimit)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
