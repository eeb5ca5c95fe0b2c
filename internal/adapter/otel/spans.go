package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "swarmforge"

// StartWorkflowSpan starts a span covering one orchestration call.
func StartWorkflowSpan(ctx context.Context, workflowID string, tasks int, deadline *float64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", workflowID),
		attribute.Int("workflow.tasks", tasks),
	}
	if deadline != nil {
		attrs = append(attrs, attribute.Float64("workflow.deadline_seconds", *deadline))
	}
	return otel.Tracer(tracerName).Start(ctx, "workflow", trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for one task inside a workflow.
func StartTaskSpan(ctx context.Context, taskID, taskType string, index int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.type", taskType),
			attribute.Int("task.index", index),
		),
	)
}

// StartPoolSpan starts a span for a single worker pool execution.
func StartPoolSpan(ctx context.Context, taskID, workerType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pool.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("worker.type", workerType),
		),
	)
}
