// Package worker defines disposable execution units and their outcomes.
package worker

import (
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusTerminated Status = "terminated"
)

// Worker is a handle in the pool arena. A worker holds at most one task.
type Worker struct {
	ID             string     `json:"worker_id"`
	Type           task.Type  `json:"type"`
	Status         Status     `json:"status"`
	TaskID         string     `json:"current_task,omitempty"`
	TaskDeadline   *time.Time `json:"task_deadline,omitempty"`
	TasksCompleted int        `json:"tasks_completed"`
	CreatedAt      time.Time  `json:"created_at"`
}

// New returns an idle worker of the given type.
func New(typ task.Type, now time.Time) *Worker {
	return &Worker{
		ID:        string(typ) + "-" + uuid.NewString()[:8],
		Type:      typ,
		Status:    StatusIdle,
		CreatedAt: now.UTC(),
	}
}

// Assign marks the worker busy with t.
func (w *Worker) Assign(t *task.Task) {
	w.Status = StatusBusy
	w.TaskID = t.ID
	w.TaskDeadline = t.Deadline
}

// Release clears the assignment and counts the finished task.
func (w *Worker) Release() {
	w.Status = StatusIdle
	w.TaskID = ""
	w.TaskDeadline = nil
	w.TasksCompleted++
}

// Outcome is the classification of a single pool execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeFailed  Outcome = "failed"
)

// ExecutionResult is what the pool reports for one task.
type ExecutionResult struct {
	Status   Outcome        `json:"status"`
	WorkerID string         `json:"worker_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Duration float64        `json:"duration"`
}

// TaskStatus maps an outcome onto the terminal task status it implies.
func (o Outcome) TaskStatus() task.Status {
	switch o {
	case OutcomeSuccess:
		return task.StatusCompleted
	case OutcomeTimeout:
		return task.StatusTimeout
	default:
		return task.StatusFailed
	}
}
