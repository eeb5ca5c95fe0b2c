package messagequeue

import "errors"

// TaskCreatedPayload is published on tasks.created.
type TaskCreatedPayload struct {
	TaskID     string   `json:"task_id"`
	WorkflowID string   `json:"workflow_id"`
	Type       string   `json:"type"`
	Priority   string   `json:"priority"`
	Deadline   *float64 `json:"deadline_seconds,omitempty"`
}

func (p *TaskCreatedPayload) check() error {
	return required("task_id", p.TaskID, "type", p.Type)
}

// TaskStatusPayload is published on tasks.status after every transition.
type TaskStatusPayload struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	WorkerID   string `json:"worker_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (p *TaskStatusPayload) check() error {
	return required("task_id", p.TaskID, "status", p.Status)
}

// TaskCancelPayload asks whichever instance runs the task to cancel it.
type TaskCancelPayload struct {
	TaskID string `json:"task_id"`
}

func (p *TaskCancelPayload) check() error {
	return required("task_id", p.TaskID)
}

// WorkflowCompletedPayload is published once per workflow.
type WorkflowCompletedPayload struct {
	WorkflowID       string  `json:"workflow_id"`
	Status           string  `json:"status"`
	DeadlineExceeded bool    `json:"deadline_exceeded"`
	TasksExecuted    int     `json:"tasks_executed"`
	TasksTotal       int     `json:"tasks_total"`
	Duration         float64 `json:"duration"`
}

func (p *WorkflowCompletedPayload) check() error {
	if err := required("workflow_id", p.WorkflowID, "status", p.Status); err != nil {
		return err
	}
	if p.TasksExecuted < 0 || p.TasksExecuted > p.TasksTotal {
		return errors.New("tasks_executed out of range")
	}
	return nil
}

// WorkerStatusPayload is published when a worker changes state.
type WorkerStatusPayload struct {
	WorkerID string `json:"worker_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	TaskID   string `json:"task_id,omitempty"`
}

func (p *WorkerStatusPayload) check() error {
	return required("worker_id", p.WorkerID, "status", p.Status)
}
