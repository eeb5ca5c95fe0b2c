// Package workflow defines orchestration requests and their aggregate results.
package workflow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
)

var (
	ErrNoTasks         = errors.New("workflow must contain at least one task")
	ErrInvalidPriority = errors.New("invalid workflow priority")
	ErrInvalidDeadline = errors.New("workflow deadline must be a finite number >= 0")
)

// Status is the outcome of a workflow run.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusDeadlineExceeded Status = "partially_completed_deadline_exceeded"
)

// Request is an orchestration request as submitted by a client.
type Request struct {
	Tasks    []task.Spec   `json:"tasks"`
	Priority task.Priority `json:"priority,omitempty"`
	Deadline *float64      `json:"deadline,omitempty"` // seconds, relative to start
	Reorder  bool          `json:"reorder,omitempty"`
}

// Validate checks the request and normalizes task type aliases in place.
func (r *Request) Validate() error {
	if len(r.Tasks) == 0 {
		return ErrNoTasks
	}
	p, err := task.ParsePriority(string(r.Priority))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority)
	}
	r.Priority = p
	if r.Deadline != nil {
		d := *r.Deadline
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			return ErrInvalidDeadline
		}
	}
	for i := range r.Tasks {
		if err := r.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return nil
}

// TaskResult is one slot of the per-task results array.
type TaskResult struct {
	Index         int            `json:"index"`
	TaskID        string         `json:"task_id"`
	Type          task.Type      `json:"type"`
	Status        task.Status    `json:"status"`
	WorkerID      string         `json:"worker_id,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Code          string         `json:"code,omitempty"`
	PriorityScore float64        `json:"priority_score"`
}

// Result is the aggregate outcome of one orchestration call.
type Result struct {
	WorkflowID       string        `json:"workflow_id"`
	Status           Status        `json:"status"`
	Priority         task.Priority `json:"priority"`
	Deadline         *float64      `json:"deadline"`
	Duration         float64       `json:"duration"` // seconds
	DeadlineExceeded bool          `json:"deadline_exceeded"`
	TasksExecuted    int           `json:"tasks_executed"`
	TasksTotal       int           `json:"tasks_total"`
	Results          []TaskResult  `json:"results"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// Finish stamps completion, duration and status.
func (r *Result) Finish(now time.Time) {
	r.CompletedAt = now.UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt).Seconds()
	if r.DeadlineExceeded {
		r.Status = StatusDeadlineExceeded
	} else {
		r.Status = StatusCompleted
	}
}
