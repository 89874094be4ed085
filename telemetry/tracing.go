// OpenTelemetry tracing for task runs.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with engine-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include command output and reasoning in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task Spans ---

// TaskSpanOptions describes how a run ended.
type TaskSpanOptions struct {
	Status   string
	Reason   string
	Steps    int
	Attempts int
	Recovery int
}

// StartTaskSpan starts the root span of one run.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, intent string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.id", taskID))
	if t.debug {
		span.SetAttributes(attribute.String("task.intent", truncate(intent, 1000)))
	}
	return ctx, span
}

// EndTaskSpan ends a run span.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("task.status", opts.Status),
		attribute.Int("task.steps", opts.Steps),
		attribute.Int("task.attempts", opts.Attempts),
		attribute.Int("task.recovery_attempts", opts.Recovery),
	)
	if opts.Reason != "" {
		span.SetAttributes(attribute.String("task.reason", truncate(opts.Reason, 500)))
	}
	endSpan(span, err)
}

// --- Node Spans ---

// StartNodeSpan starts a span for one workflow node.
func (t *Tracer) StartNodeSpan(ctx context.Context, node string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "node."+node, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("node.name", node),
		attribute.Int("node.attempt", attempt),
	)
	return ctx, span
}

// EndNodeSpan ends a node span.
func (t *Tracer) EndNodeSpan(span trace.Span, err error) {
	endSpan(span, err)
}

// --- Capability Spans ---

// CapabilitySpanOptions contains options for capability call spans.
type CapabilitySpanOptions struct {
	Command    string
	ActionType string
	Success    bool
	Confidence float64
	Decision   string
	Output     string // Only included if debug=true
	Reasoning  string // Only included if debug=true
}

// StartCapabilitySpan starts a span for a call to an external capability.
func (t *Tracer) StartCapabilitySpan(ctx context.Context, capability string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "capability."+capability, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("capability.name", capability))
	return ctx, span
}

// EndCapabilitySpan ends a capability span with attributes.
func (t *Tracer) EndCapabilitySpan(span trace.Span, opts CapabilitySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Bool("capability.success", opts.Success),
		attribute.Float64("capability.confidence", opts.Confidence),
	}
	if opts.Command != "" {
		attrs = append(attrs, attribute.String("capability.command", truncate(opts.Command, 500)))
	}
	if opts.ActionType != "" {
		attrs = append(attrs, attribute.String("capability.action_type", opts.ActionType))
	}
	if opts.Decision != "" {
		attrs = append(attrs, attribute.String("capability.decision", opts.Decision))
	}

	if t.debug {
		if opts.Output != "" {
			attrs = append(attrs, attribute.String("capability.output", truncate(opts.Output, 4000)))
		}
		if opts.Reasoning != "" {
			attrs = append(attrs, attribute.String("capability.reasoning", truncate(opts.Reasoning, 2000)))
		}
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Recovery Spans ---

// RecoverySpanOptions contains options for recovery episode spans.
type RecoverySpanOptions struct {
	Candidates []string
	Used       int
	Recovered  bool
	Strategy   string
}

// StartRecoverySpan starts a span for one recovery episode.
func (t *Tracer) StartRecoverySpan(ctx context.Context, category, severity string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "recovery.episode", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("recovery.category", category),
		attribute.String("recovery.severity", severity),
	)
	return ctx, span
}

// EndRecoverySpan ends a recovery episode span.
func (t *Tracer) EndRecoverySpan(span trace.Span, opts RecoverySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("recovery.used", opts.Used),
		attribute.Bool("recovery.recovered", opts.Recovered),
	}
	if len(opts.Candidates) > 0 {
		attrs = append(attrs, attribute.StringSlice("recovery.candidates", opts.Candidates))
	}
	if opts.Strategy != "" {
		attrs = append(attrs, attribute.String("recovery.strategy", opts.Strategy))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// StartStrategySpan starts a span for one strategy execution.
func (t *Tracer) StartStrategySpan(ctx context.Context, strategyID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "recovery.strategy."+strategyID, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("strategy.id", strategyID))
	return ctx, span
}

// EndStrategySpan ends a strategy span.
func (t *Tracer) EndStrategySpan(span trace.Span, success bool, seconds float64, err error) {
	span.SetAttributes(
		attribute.Bool("strategy.success", success),
		attribute.Float64("strategy.seconds", seconds),
	)
	endSpan(span, err)
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
