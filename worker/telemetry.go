package worker

import (
	"context"
	"time"

	"github.com/jobnik/worker-sdk/jobmanager"
	"github.com/jobnik/worker-sdk/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// emitTaskStarted records the metric/span-event pair for a task entering
// handler execution.
func emitTaskStarted(ctx context.Context, stageType string, taskID jobmanager.TaskId) {
	telemetry.Counter(telemetry.MetricTaskStarted, "stage_type", stageType)
	telemetry.AddSpanEvent(ctx, "task.started",
		attribute.String("task_id", taskID.String()),
		attribute.String("stage_type", stageType),
	)
}

// emitTaskCompleted records the metric/span-event pair for a task settled as
// COMPLETED, along with its end-to-end handler duration.
func emitTaskCompleted(ctx context.Context, stageType string, taskID jobmanager.TaskId, duration time.Duration) {
	telemetry.Counter(telemetry.MetricTaskSettled, "stage_type", stageType, "status", "completed")
	telemetry.Histogram(telemetry.MetricTaskDuration, float64(duration.Milliseconds()),
		"stage_type", stageType, "status", "completed")
	telemetry.AddSpanEvent(ctx, "task.completed",
		attribute.String("task_id", taskID.String()),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
}

// emitTaskFailed records the metric/span-event pair for a task settled as
// FAILED, and attaches err to the active span.
func emitTaskFailed(ctx context.Context, stageType string, taskID jobmanager.TaskId, duration time.Duration, err error) {
	telemetry.Counter(telemetry.MetricTaskSettled, "stage_type", stageType, "status", "failed")
	if duration > 0 {
		telemetry.Histogram(telemetry.MetricTaskDuration, float64(duration.Milliseconds()),
			"stage_type", stageType, "status", "failed")
	}
	attrs := []attribute.KeyValue{
		attribute.String("task_id", taskID.String()),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	telemetry.AddSpanEvent(ctx, "task.failed", attrs...)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
	}
}

// emitQueueEmpty records an empty-dequeue poll as a gauge sample, so a
// dashboard can show how often a stage's queue is running dry.
func emitQueueEmpty(stageType string, consecutivePolls int) {
	telemetry.Gauge(telemetry.MetricQueueEmptyPolls, float64(consecutivePolls),
		"stage_type", stageType)
}

// emitWorkerStarted and emitWorkerStopped record the Worker's own lifecycle,
// separate from the per-task metrics above.
func emitWorkerStarted(stageType string, concurrency int) {
	telemetry.Counter(telemetry.MetricWorkerLifecycleStart, "stage_type", stageType)
	telemetry.Gauge(telemetry.MetricWorkerConcurrency, float64(concurrency), "stage_type", stageType)
}

func emitWorkerStopped(stageType string) {
	telemetry.Counter(telemetry.MetricWorkerLifecycleStop, "stage_type", stageType)
}
