// Instrumentation helpers for the execution engine.
//
// This file centralizes metric and span-event emission so the orchestrator,
// worker pool and queue report consistent names and attributes. Instruments
// are created against the global otel providers: with no SDK installed they
// are no-ops, and installing a provider later (cmd wiring) activates them
// retroactively.

package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhalbert/flowline/core"
)

const instrumentationName = "github.com/mhalbert/flowline/orchestration"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	executionsStarted metric.Int64Counter
	executionsSettled metric.Int64Counter
	executionDuration metric.Float64Histogram
	stepAttempts      metric.Int64Counter
	stepDuration      metric.Float64Histogram
	queueWait         metric.Float64Histogram
	workersActive     metric.Int64Gauge
	workerPanics      metric.Int64Counter
)

func init() {
	executionsStarted, _ = meter.Int64Counter("flowline.executions.started",
		metric.WithDescription("Executions claimed and started by a worker"))
	executionsSettled, _ = meter.Int64Counter("flowline.executions.settled",
		metric.WithDescription("Execution outcomes by status"))
	executionDuration, _ = meter.Float64Histogram("flowline.executions.duration_ms",
		metric.WithDescription("Wall time from first start to terminal status"),
		metric.WithUnit("ms"))
	stepAttempts, _ = meter.Int64Counter("flowline.steps.attempts",
		metric.WithDescription("Step attempts by task type and outcome"))
	stepDuration, _ = meter.Float64Histogram("flowline.steps.duration_ms",
		metric.WithDescription("Step handler duration"),
		metric.WithUnit("ms"))
	queueWait, _ = meter.Float64Histogram("flowline.queue.wait_ms",
		metric.WithDescription("Time a message spent queued before a worker picked it up"),
		metric.WithUnit("ms"))
	workersActive, _ = meter.Int64Gauge("flowline.workers.active",
		metric.WithDescription("Workers currently running"))
	workerPanics, _ = meter.Int64Counter("flowline.workers.panics",
		metric.WithDescription("Panics recovered in worker goroutines"))
}

// ═══════════════════════════════════════════════════════════════════════════
// Execution Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// EmitExecutionStarted records a worker taking ownership of an execution.
func EmitExecutionStarted(ctx context.Context, exec *core.Execution, workerID string) {
	executionsStarted.Add(ctx, 1)

	attrs := []attribute.KeyValue{
		attribute.String("execution_id", exec.ID),
		attribute.String("workflow_id", exec.WorkflowID),
		attribute.Int("retry_count", exec.RetryCount),
	}
	if workerID != "" {
		attrs = append(attrs, attribute.String("worker_id", workerID))
	}
	trace.SpanFromContext(ctx).AddEvent("execution.started", trace.WithAttributes(attrs...))
}

// EmitExecutionCompleted records a successful terminal settle.
func EmitExecutionCompleted(ctx context.Context, exec *core.Execution) {
	executionsSettled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", "completed")))
	recordExecutionDuration(ctx, exec, "completed")

	trace.SpanFromContext(ctx).AddEvent("execution.completed", trace.WithAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.String("workflow_id", exec.WorkflowID),
	))
}

// EmitExecutionFailed records a terminal failure.
func EmitExecutionFailed(ctx context.Context, exec *core.Execution, errMsg string) {
	executionsSettled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", "failed")))
	recordExecutionDuration(ctx, exec, "failed")

	trace.SpanFromContext(ctx).AddEvent("execution.failed", trace.WithAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.String("workflow_id", exec.WorkflowID),
		attribute.String("error", errMsg),
	))
}

// EmitExecutionRetryScheduled records an execution-level retry with its
// backoff delay.
func EmitExecutionRetryScheduled(ctx context.Context, exec *core.Execution, retryNumber int, delay time.Duration) {
	executionsSettled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", "retrying")))

	trace.SpanFromContext(ctx).AddEvent("execution.retry_scheduled", trace.WithAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.Int("retry_number", retryNumber),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	))
}

// EmitExecutionCancelled records a cancellation observed between steps.
func EmitExecutionCancelled(ctx context.Context, executionID string, stepOrder int) {
	executionsSettled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", "cancelled")))

	trace.SpanFromContext(ctx).AddEvent("execution.cancellation_observed", trace.WithAttributes(
		attribute.String("execution_id", executionID),
		attribute.Int("step_order", stepOrder),
	))
}

func recordExecutionDuration(ctx context.Context, exec *core.Execution, status string) {
	if exec.StartedAt == nil {
		return
	}
	executionDuration.Record(ctx, float64(time.Since(*exec.StartedAt).Milliseconds()),
		metric.WithAttributes(attribute.String("status", status)))
}

// ═══════════════════════════════════════════════════════════════════════════
// Step Attempts
// ═══════════════════════════════════════════════════════════════════════════

// EmitStepCompleted records a successful step attempt.
func EmitStepCompleted(ctx context.Context, step *core.WorkflowStep, attempt int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", step.TaskType),
		attribute.String("status", "completed"),
	)
	stepAttempts.Add(ctx, 1, attrs)
	stepDuration.Record(ctx, float64(duration.Milliseconds()), attrs)

	trace.SpanFromContext(ctx).AddEvent("step.completed", trace.WithAttributes(
		attribute.String("step_name", step.Name),
		attribute.String("task_type", step.TaskType),
		attribute.Int("attempt", attempt),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	))
}

// EmitStepFailed records a failed step attempt and marks the span.
func EmitStepFailed(ctx context.Context, step *core.WorkflowStep, attempt int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", step.TaskType),
		attribute.String("status", "failed"),
	)
	stepAttempts.Add(ctx, 1, attrs)
	stepDuration.Record(ctx, float64(duration.Milliseconds()), attrs)

	span := trace.SpanFromContext(ctx)
	eventAttrs := []attribute.KeyValue{
		attribute.String("step_name", step.Name),
		attribute.String("task_type", step.TaskType),
		attribute.Int("attempt", attempt),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	}
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error", err.Error()))
		span.RecordError(err)
	}
	span.AddEvent("step.failed", trace.WithAttributes(eventAttrs...))
}

// ═══════════════════════════════════════════════════════════════════════════
// Queue and Workers
// ═══════════════════════════════════════════════════════════════════════════

// EmitQueueWaitTime records how long a message sat in the queue before a
// worker dequeued it.
func EmitQueueWaitTime(ctx context.Context, executionID string, wait time.Duration) {
	queueWait.Record(ctx, float64(wait.Milliseconds()))

	trace.SpanFromContext(ctx).AddEvent("queue.wait", trace.WithAttributes(
		attribute.String("execution_id", executionID),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	))
}

// EmitWorkerStarted records a worker goroutine joining the pool.
func EmitWorkerStarted(ctx context.Context, workerID string, active int) {
	workersActive.Record(ctx, int64(active),
		metric.WithAttributes(attribute.String("worker_id", workerID)))
}

// EmitWorkerStopped records a worker goroutine leaving the pool.
func EmitWorkerStopped(ctx context.Context, workerID string, active int) {
	workersActive.Record(ctx, int64(active),
		metric.WithAttributes(attribute.String("worker_id", workerID)))
}

// EmitWorkerPanic records a recovered panic in a worker goroutine.
func EmitWorkerPanic(ctx context.Context, workerID, executionID string) {
	workerPanics.Add(ctx, 1)

	trace.SpanFromContext(ctx).AddEvent("worker.panic", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("execution_id", executionID),
	))
}
