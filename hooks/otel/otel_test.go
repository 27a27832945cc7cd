package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/manwithacat/dazzle-sub009/hooks"
)

// setupTest creates a test tracer provider and returns the hooks and span recorder.
func setupTest() (*OTelHooks, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := NewOTelHooks(tp)
	return h, sr
}

func findAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewOTelHooks(t *testing.T) {
	// Nil tracer provider falls back to the global one.
	h := NewOTelHooks(nil)
	if h == nil || h.tracer == nil {
		t.Fatal("expected non-nil hooks with a tracer")
	}
}

func TestRunLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:       "run-123",
		ProcessName: "order_fulfilment",
		DSLVersion:  "v1a2b3c4d5e6",
		StartTime:   time.Now(),
	})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{
		RunID:       "run-123",
		ProcessName: "order_fulfilment",
		Duration:    100 * time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "run/order_fulfilment" {
		t.Errorf("expected span name 'run/order_fulfilment', got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected status OK, got %v", span.Status().Code)
	}
	if v, ok := findAttr(span.Attributes(), "dazzle.run_id"); !ok || v.AsString() != "run-123" {
		t.Errorf("expected dazzle.run_id attribute run-123, got %v", v.AsString())
	}
}

func TestRunFailed(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{RunID: "run-f", ProcessName: "p"})
	h.OnRunFailed(ctx, hooks.RunFailedInfo{
		RunID:       "run-f",
		ProcessName: "p",
		Error:       errors.New("step exploded"),
		Duration:    time.Millisecond,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestStepChildOfRun(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{RunID: "run-1", ProcessName: "p"})
	h.OnStepStart(ctx, hooks.StepStartInfo{
		RunID: "run-1", ProcessName: "p", StepName: "reserve_stock", StepKind: "handler",
	})
	h.OnStepComplete(ctx, hooks.StepCompleteInfo{
		RunID: "run-1", ProcessName: "p", StepName: "reserve_stock", StepKind: "handler",
		Duration: 5 * time.Millisecond,
	})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{RunID: "run-1", ProcessName: "p"})

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	// The step span ends first and must be a child of the run span.
	stepSpan, runSpan := spans[0], spans[1]
	if stepSpan.Name() != "step/reserve_stock" {
		t.Errorf("unexpected step span name %s", stepSpan.Name())
	}
	if stepSpan.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("step span should be a child of the run span")
	}
}

func TestStepFailed(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnStepStart(ctx, hooks.StepStartInfo{RunID: "r", StepName: "charge", StepKind: "handler"})
	h.OnStepFailed(ctx, hooks.StepFailedInfo{
		RunID: "r", StepName: "charge", StepKind: "handler",
		Error: errors.New("declined"),
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", spans[0].Status().Code)
	}
}

func TestSuspendResumeEvents(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{RunID: "r", ProcessName: "p"})
	h.OnRunSuspended(ctx, hooks.RunSuspendedInfo{RunID: "r", ProcessName: "p"})
	h.OnRunResumed(ctx, hooks.RunResumedInfo{RunID: "r", ProcessName: "p"})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{RunID: "r", ProcessName: "p"})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 2 || events[0].Name != "run_suspended" || events[1].Name != "run_resumed" {
		t.Errorf("expected suspend+resume events, got %v", events)
	}
}

func TestEventSpans(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnEventEmitted(ctx, hooks.EventEmittedInfo{
		EventID: "e-1", EventType: "order.created", Topic: "orders", RunID: "r",
	})
	h.OnEventConsumed(ctx, hooks.EventConsumedInfo{
		EventID: "e-1", EventType: "order.created", Consumer: "billing",
	})
	h.OnEventConsumed(ctx, hooks.EventConsumedInfo{
		EventID: "e-1", EventType: "order.created", Consumer: "audit",
		Error: errors.New("boom"),
	})

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[0].Name() != "event_emitted/order.created" {
		t.Errorf("unexpected span name %s", spans[0].Name())
	}
	if spans[2].Status().Code != codes.Error {
		t.Errorf("failed consumption should record error status, got %v", spans[2].Status().Code)
	}
}

func TestMigrationLifecycle(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	info := hooks.MigrationInfo{
		MigrationID: "mig-1", FromVersion: "v-old", ToVersion: "v-new",
	}
	h.OnMigrationStarted(ctx, info)
	info.RunsDrained = 7
	h.OnMigrationCompleted(ctx, info)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "migration/mig-1" {
		t.Errorf("unexpected span name %s", spans[0].Name())
	}
	if v, ok := findAttr(spans[0].Attributes(), "dazzle.runs_drained"); !ok || v.AsInt64() != 7 {
		t.Error("expected dazzle.runs_drained attribute 7")
	}
}

func TestMigrationRollback(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	info := hooks.MigrationInfo{MigrationID: "mig-2", FromVersion: "a", ToVersion: "b"}
	h.OnMigrationStarted(ctx, info)
	h.OnMigrationRolledBack(ctx, info)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("rollback should leave error status, got %v", spans[0].Status().Code)
	}
}

func TestUnknownIDsAreIgnored(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunComplete(ctx, hooks.RunCompleteInfo{RunID: "never-started"})
	h.OnStepComplete(ctx, hooks.StepCompleteInfo{RunID: "x", StepName: "y"})
	h.OnMigrationCompleted(ctx, hooks.MigrationInfo{MigrationID: "z"})

	if got := len(sr.Ended()); got != 0 {
		t.Fatalf("expected no spans, got %d", got)
	}
}
