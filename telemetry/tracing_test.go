package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T, debug bool) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProviderWithExporter(ProviderConfig{ServiceName: "test", Debug: debug}, exp)
	if err != nil {
		t.Fatalf("NewProviderWithExporter() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p.Tracer(), exp
}

func attr(stub tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range stub.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGetTracer_DefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	ctx, span := tr.StartNodeSpan(context.Background(), "generate_command", 1)
	tr.EndNodeSpan(span, nil)
	if ctx == nil {
		t.Fatal("expected context")
	}
	if span.SpanContext().IsValid() {
		t.Error("noop tracer should not produce valid span contexts")
	}
}

func TestTaskAndNodeSpans(t *testing.T) {
	tr, exp := newRecordingTracer(t, false)

	ctx, task := tr.StartTaskSpan(context.Background(), "task-1", "secret intent")
	_, node := tr.StartNodeSpan(ctx, "execute_command", 2)
	tr.EndNodeSpan(node, errors.New("executor down"))
	tr.EndTaskSpan(task, TaskSpanOptions{Status: "failed", Reason: "cancelled", Steps: 1, Attempts: 2}, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	nodeStub, taskStub := spans[0], spans[1]
	if nodeStub.Name != "node.execute_command" {
		t.Errorf("node span name = %q", nodeStub.Name)
	}
	if nodeStub.Parent.SpanID() != taskStub.SpanContext.SpanID() {
		t.Error("node span should be a child of the task span")
	}
	if nodeStub.Status.Code != codes.Error {
		t.Errorf("node status = %v, want Error", nodeStub.Status.Code)
	}

	if v, ok := attr(taskStub, "task.status"); !ok || v.AsString() != "failed" {
		t.Errorf("task.status = %v", v)
	}
	if _, ok := attr(taskStub, "task.intent"); ok {
		t.Error("intent must only be recorded in debug mode")
	}
}

func TestCapabilitySpan_DebugContent(t *testing.T) {
	tr, exp := newRecordingTracer(t, true)

	_, span := tr.StartCapabilitySpan(context.Background(), "executor")
	tr.EndCapabilitySpan(span, CapabilitySpanOptions{
		Command:    "ls",
		ActionType: "command",
		Success:    true,
		Output:     "a.txt",
	}, nil)

	stub := exp.GetSpans()[0]
	if stub.Name != "capability.executor" {
		t.Errorf("name = %q", stub.Name)
	}
	if v, ok := attr(stub, "capability.output"); !ok || v.AsString() != "a.txt" {
		t.Errorf("capability.output = %v", v)
	}
	if stub.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", stub.Status.Code)
	}
}

func TestRecoverySpans(t *testing.T) {
	tr, exp := newRecordingTracer(t, false)

	ctx, ep := tr.StartRecoverySpan(context.Background(), "network", "high")
	_, st := tr.StartStrategySpan(ctx, "retry_with_backoff")
	tr.EndStrategySpan(st, true, 0.5, nil)
	tr.EndRecoverySpan(ep, RecoverySpanOptions{
		Candidates: []string{"retry_with_backoff", "refresh_context"},
		Used:       1,
		Recovered:  true,
		Strategy:   "retry_with_backoff",
	}, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if v, ok := attr(spans[0], "strategy.success"); !ok || !v.AsBool() {
		t.Errorf("strategy.success = %v", v)
	}
	if v, ok := attr(spans[1], "recovery.candidates"); !ok || len(v.AsStringSlice()) != 2 {
		t.Errorf("recovery.candidates = %v", v)
	}
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("traceparent", "00-abc")
	if c.Get("traceparent") != "00-abc" {
		t.Error("Get after Set failed")
	}
	if len(c.Keys()) != 1 {
		t.Errorf("Keys = %v", c.Keys())
	}
}

func TestNewProvider_ResourceCarriesService(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProviderWithExporter(ProviderConfig{ServiceName: "taskloop-test", ServiceVersion: "1.2.3"}, exp)
	if err != nil {
		t.Fatalf("NewProviderWithExporter() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().StartTaskSpan(context.Background(), "task-1", "")
	p.Tracer().EndTaskSpan(span, TaskSpanOptions{Status: "completed"}, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	res := spans[0].Resource
	if res.SchemaURL() == "" {
		t.Error("resource should keep a schema URL")
	}
	want := map[string]string{
		"service.name":       "taskloop-test",
		"service.version":    "1.2.3",
		"telemetry.sdk.name": "opentelemetry",
	}
	for key, v := range want {
		got, ok := res.Set().Value(attribute.Key(key))
		if !ok || got.AsString() != v {
			t.Errorf("resource %s = %v, want %q", key, got, v)
		}
	}
}

func TestInitProvider_HTTP(t *testing.T) {
	t.Cleanup(func() { SetGlobalTracer(nil) })
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "taskloop-test",
		Endpoint:    "http://localhost:4318",
		Protocol:    "http",
		Insecure:    true,
	})
	if err != nil {
		t.Fatalf("InitProvider() error = %v", err)
	}
	if p.Tracer() == nil {
		t.Error("expected a tracer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestInitProvider_RequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestResolveServiceName(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	if got := resolveServiceName(""); got != DefaultServiceName {
		t.Errorf("resolveServiceName(\"\") = %q", got)
	}
	t.Setenv("OTEL_SERVICE_NAME", "from-env")
	if got := resolveServiceName(""); got != "from-env" {
		t.Errorf("env override = %q", got)
	}
	if got := resolveServiceName("explicit"); got != "explicit" {
		t.Errorf("explicit = %q", got)
	}
}
