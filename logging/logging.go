// Package logging provides real-time console output for task runs.
// The TaskState store is the record of what happened; this package only
// mirrors workflow progress for operators watching a process.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name to a Level.
// Unknown names fall back to LevelInfo.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// Logger writes leveled lines to an output writer.
// Loggers derived with WithComponent or WithTaskID share the parent's
// output and write lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	taskID    string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything. Used as the default when
// callers do not inject one.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// WithTaskID returns a new logger that tags every line with task=<id>.
func (l *Logger) WithTaskID(taskID string) *Logger {
	c := *l
	c.taskID = taskID
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message task=<id> key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if l.taskID != "" {
		fieldStr = " task=" + l.taskID
	}
	if len(fields) > 0 && fields[0] != nil {
		fieldStr += formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Workflow event helpers ---
// Called by the engine and supervisor after the store has been updated.

// TaskSubmitted logs a new task entering the supervisor.
func (l *Logger) TaskSubmitted(taskID, intent string) {
	l.Info("task_submitted", map[string]interface{}{
		"id":     taskID,
		"intent": truncate(intent, 80),
	})
}

// NodeStart logs entry into a workflow node.
func (l *Logger) NodeStart(node string, attempt int) {
	l.Debug("node_start", map[string]interface{}{
		"node":    node,
		"attempt": attempt,
	})
}

// NodeComplete logs the outcome of a workflow node.
func (l *Logger) NodeComplete(node string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"node":     node,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("node_error", fields)
		return
	}
	l.Debug("node_complete", fields)
}

// Decision logs the decider's routing verdict.
func (l *Logger) Decision(verdict string, confidence float64, reasoning string) {
	l.Info("decision", map[string]interface{}{
		"verdict":    verdict,
		"confidence": fmt.Sprintf("%.2f", confidence),
		"reasoning":  truncate(reasoning, 120),
	})
}

// RecoveryEpisode logs the start of a recovery episode.
func (l *Logger) RecoveryEpisode(category, severity string, candidates []string, used int) {
	l.Info("recovery_episode", map[string]interface{}{
		"category":   category,
		"severity":   severity,
		"strategies": strings.Join(candidates, ","),
		"used":       used,
	})
}

// StrategyResult logs one executed recovery strategy.
func (l *Logger) StrategyResult(strategy string, success bool, seconds float64, err error) {
	fields := map[string]interface{}{
		"strategy": strategy,
		"success":  success,
		"seconds":  fmt.Sprintf("%.3f", seconds),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Info("recovery_strategy", fields)
}

// TaskFinished logs a task reaching a terminal status.
func (l *Logger) TaskFinished(status, reason string, steps int, duration time.Duration) {
	fields := map[string]interface{}{
		"status":   status,
		"reason":   reason,
		"steps":    steps,
		"duration": duration.String(),
	}
	if status == "failed" {
		l.Warn("task_finished", fields)
		return
	}
	l.Info("task_finished", fields)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
