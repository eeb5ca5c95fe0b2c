package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "swarmforge"

// Metrics holds the orchestration metric instruments.
type Metrics struct {
	WorkflowsStarted          metric.Int64Counter
	WorkflowsCompleted        metric.Int64Counter
	WorkflowsDeadlineExceeded metric.Int64Counter
	TasksFinished             metric.Int64Counter
	WorkflowDuration          metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WorkflowsStarted, err = meter.Int64Counter("swarmforge.workflows.started",
		metric.WithDescription("Number of workflows started"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsCompleted, err = meter.Int64Counter("swarmforge.workflows.completed",
		metric.WithDescription("Number of workflows that ran every task"))
	if err != nil {
		return nil, err
	}

	m.WorkflowsDeadlineExceeded, err = meter.Int64Counter("swarmforge.workflows.deadline_exceeded",
		metric.WithDescription("Number of workflows halted by their deadline"))
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("swarmforge.tasks.finished",
		metric.WithDescription("Number of tasks reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("swarmforge.workflow.duration_seconds",
		metric.WithDescription("Workflow duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskFinished counts a terminal task status. Safe on a nil receiver.
func (m *Metrics) TaskFinished(ctx context.Context, taskType, status string) {
	if m == nil {
		return
	}
	m.TasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.type", taskType),
		attribute.String("task.status", status),
	))
}

// WorkflowStarted counts a started workflow. Safe on a nil receiver.
func (m *Metrics) WorkflowStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.WorkflowsStarted.Add(ctx, 1)
}

// WorkflowFinished records the outcome and duration. Safe on a nil receiver.
func (m *Metrics) WorkflowFinished(ctx context.Context, deadlineExceeded bool, seconds float64) {
	if m == nil {
		return
	}
	if deadlineExceeded {
		m.WorkflowsDeadlineExceeded.Add(ctx, 1)
	} else {
		m.WorkflowsCompleted.Add(ctx, 1)
	}
	m.WorkflowDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.Bool("workflow.deadline_exceeded", deadlineExceeded),
	))
}
