// Package otel provides OpenTelemetry tracing for process hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manwithacat/dazzle-sub009/hooks"
)

const tracerName = "dazzle"

// OTelHooks implements ProcessHooks with OpenTelemetry tracing. It creates
// spans for run, step, event, task, and migration lifecycle events.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex

	// run_id -> active run span, and its context for child spans
	runSpans    map[string]trace.Span
	runContexts map[string]context.Context

	// run_id:step_name -> active step span
	stepSpans map[string]trace.Span

	// migration_id -> active migration span
	migrationSpans map[string]trace.Span
}

// NewOTelHooks creates an OpenTelemetry hooks instance. If tracerProvider
// is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:         tracer,
		runSpans:       make(map[string]trace.Span),
		runContexts:    make(map[string]context.Context),
		stepSpans:      make(map[string]trace.Span),
		migrationSpans: make(map[string]trace.Span),
	}
}

// Run lifecycle

// OnRunStart opens a span for the run.
func (h *OTelHooks) OnRunStart(ctx context.Context, info hooks.RunStartInfo) {
	spanCtx, span := h.tracer.Start(ctx, fmt.Sprintf("run/%s", info.ProcessName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dazzle.run_id", info.RunID),
			attribute.String("dazzle.process_name", info.ProcessName),
			attribute.String("dazzle.dsl_version", info.DSLVersion),
		),
	)
	h.mu.Lock()
	h.runSpans[info.RunID] = span
	h.runContexts[info.RunID] = spanCtx
	h.mu.Unlock()
}

func (h *OTelHooks) endRunSpan(runID string, fn func(trace.Span)) {
	h.mu.Lock()
	span, ok := h.runSpans[runID]
	if ok {
		delete(h.runSpans, runID)
		delete(h.runContexts, runID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	fn(span)
	span.End()
}

// OnRunComplete ends the run span with success status.
func (h *OTelHooks) OnRunComplete(ctx context.Context, info hooks.RunCompleteInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.Int64("dazzle.duration_ms", info.Duration.Milliseconds()))
		span.SetStatus(codes.Ok, "run completed")
	})
}

// OnRunFailed ends the run span with error status.
func (h *OTelHooks) OnRunFailed(ctx context.Context, info hooks.RunFailedInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.Int64("dazzle.duration_ms", info.Duration.Milliseconds()))
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
	})
}

// OnRunCancelled ends the run span with cancellation status.
func (h *OTelHooks) OnRunCancelled(ctx context.Context, info hooks.RunCancelledInfo) {
	h.endRunSpan(info.RunID, func(span trace.Span) {
		span.SetAttributes(attribute.String("dazzle.cancel_reason", info.Reason))
		span.SetStatus(codes.Error, "run cancelled: "+info.Reason)
	})
}

// OnRunSuspended records a suspension event on the run span.
func (h *OTelHooks) OnRunSuspended(ctx context.Context, info hooks.RunSuspendedInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.RunID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("run_suspended")
	}
}

// OnRunResumed records a resume event on the run span.
func (h *OTelHooks) OnRunResumed(ctx context.Context, info hooks.RunResumedInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.RunID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("run_resumed")
	}
}

// Step lifecycle

func stepKey(runID, stepName string) string {
	return runID + ":" + stepName
}

// OnStepStart opens a step span as a child of the run span when available.
func (h *OTelHooks) OnStepStart(ctx context.Context, info hooks.StepStartInfo) {
	h.mu.Lock()
	parentCtx := ctx
	if runCtx, ok := h.runContexts[info.RunID]; ok {
		parentCtx = runCtx
	}
	h.mu.Unlock()

	_, span := h.tracer.Start(parentCtx, fmt.Sprintf("step/%s", info.StepName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dazzle.run_id", info.RunID),
			attribute.String("dazzle.process_name", info.ProcessName),
			attribute.String("dazzle.step_name", info.StepName),
			attribute.String("dazzle.step_kind", info.StepKind),
		),
	)
	h.mu.Lock()
	h.stepSpans[stepKey(info.RunID, info.StepName)] = span
	h.mu.Unlock()
}

// OnStepComplete ends the step span with success status.
func (h *OTelHooks) OnStepComplete(ctx context.Context, info hooks.StepCompleteInfo) {
	key := stepKey(info.RunID, info.StepName)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("dazzle.duration_ms", info.Duration.Milliseconds()))
	span.SetStatus(codes.Ok, "step completed")
	span.End()
}

// OnStepFailed ends the step span with error status.
func (h *OTelHooks) OnStepFailed(ctx context.Context, info hooks.StepFailedInfo) {
	key := stepKey(info.RunID, info.StepName)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("dazzle.duration_ms", info.Duration.Milliseconds()))
	span.RecordError(info.Error)
	span.SetStatus(codes.Error, info.Error.Error())
	span.End()
}

// Events

// OnEventEmitted records an instantaneous span for an outbox append.
func (h *OTelHooks) OnEventEmitted(ctx context.Context, info hooks.EventEmittedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("event_emitted/%s", info.EventType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("dazzle.event_id", info.EventID),
			attribute.String("dazzle.event_type", info.EventType),
			attribute.String("dazzle.topic", info.Topic),
			attribute.String("dazzle.run_id", info.RunID),
		),
	)
	span.SetStatus(codes.Ok, "event emitted")
	span.End()
}

// OnEventConsumed records an instantaneous span for a consumed event.
func (h *OTelHooks) OnEventConsumed(ctx context.Context, info hooks.EventConsumedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("event_consumed/%s", info.EventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("dazzle.event_id", info.EventID),
			attribute.String("dazzle.event_type", info.EventType),
			attribute.String("dazzle.consumer", info.Consumer),
			attribute.Bool("dazzle.skipped", info.Skipped),
		),
	)
	if info.Error != nil {
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
	} else {
		span.SetStatus(codes.Ok, "event consumed")
	}
	span.End()
}

// Human tasks

// OnTaskCreated records an instantaneous span for a created task.
func (h *OTelHooks) OnTaskCreated(ctx context.Context, info hooks.TaskCreatedInfo) {
	_, span := h.tracer.Start(ctx, "task_created",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dazzle.task_id", info.TaskID),
			attribute.String("dazzle.run_id", info.RunID),
			attribute.String("dazzle.assignee_id", info.AssigneeID),
		),
	)
	span.SetStatus(codes.Ok, "task created")
	span.End()
}

// OnTaskCompleted records an instantaneous span for a completed task.
func (h *OTelHooks) OnTaskCompleted(ctx context.Context, info hooks.TaskCompletedInfo) {
	_, span := h.tracer.Start(ctx, "task_completed",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dazzle.task_id", info.TaskID),
			attribute.String("dazzle.run_id", info.RunID),
			attribute.String("dazzle.outcome", info.Outcome),
		),
	)
	span.SetStatus(codes.Ok, "task completed")
	span.End()
}

// Version migrations

// OnMigrationStarted opens a span spanning the whole migration.
func (h *OTelHooks) OnMigrationStarted(ctx context.Context, info hooks.MigrationInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("migration/%s", info.MigrationID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dazzle.migration_id", info.MigrationID),
			attribute.String("dazzle.from_version", info.FromVersion),
			attribute.String("dazzle.to_version", info.ToVersion),
		),
	)
	h.mu.Lock()
	h.migrationSpans[info.MigrationID] = span
	h.mu.Unlock()
}

func (h *OTelHooks) endMigrationSpan(migrationID string, fn func(trace.Span)) {
	h.mu.Lock()
	span, ok := h.migrationSpans[migrationID]
	delete(h.migrationSpans, migrationID)
	h.mu.Unlock()
	if !ok {
		return
	}
	fn(span)
	span.End()
}

// OnMigrationCompleted ends the migration span with success status.
func (h *OTelHooks) OnMigrationCompleted(ctx context.Context, info hooks.MigrationInfo) {
	h.endMigrationSpan(info.MigrationID, func(span trace.Span) {
		span.SetAttributes(attribute.Int("dazzle.runs_drained", info.RunsDrained))
		span.SetStatus(codes.Ok, "migration completed")
	})
}

// OnMigrationRolledBack ends the migration span with rollback status.
func (h *OTelHooks) OnMigrationRolledBack(ctx context.Context, info hooks.MigrationInfo) {
	h.endMigrationSpan(info.MigrationID, func(span trace.Span) {
		span.SetStatus(codes.Error, "migration rolled back")
	})
}

// Ensure OTelHooks implements ProcessHooks.
var _ hooks.ProcessHooks = (*OTelHooks)(nil)
