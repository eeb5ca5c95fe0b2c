// Package taskstoretest provides a compliance suite for taskstore.Store implementations.
package taskstoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore"
)

// Run exercises put/get for tasks and workflows against s.
func Run(t *testing.T, s taskstore.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("PutGetTask", func(t *testing.T) {
		secs := 30.0
		tk, err := task.New(task.TypeCrawl, map[string]any{"url": "https://a"}, task.PriorityHigh, &secs, now)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.PutTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetTask(ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != tk.ID || got.Type != tk.Type || got.Status != task.StatusPending {
			t.Fatalf("got %+v, want %+v", got, tk)
		}
		if got.Deadline == nil || !got.Deadline.Equal(*tk.Deadline) {
			t.Fatalf("deadline = %v, want %v", got.Deadline, tk.Deadline)
		}
		if got.Params["url"] != "https://a" {
			t.Fatalf("params = %v", got.Params)
		}
	})

	t.Run("ReadYourWrites", func(t *testing.T) {
		tk, _ := task.New(task.TypeAnalyze, nil, "", nil, now)
		_ = s.PutTask(ctx, tk)
		_ = tk.Transition(task.StatusRunning, now)
		if err := s.PutTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
		_ = tk.Transition(task.StatusCompleted, now.Add(time.Second))
		tk.Result = map[string]any{"ok": true}
		if err := s.PutTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetTask(ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != task.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		if got.Result["ok"] != true {
			t.Fatalf("result = %v", got.Result)
		}
		if got.CompletedAt == nil {
			t.Fatal("expected completed_at")
		}
	})

	t.Run("GetTaskMissing", func(t *testing.T) {
		_, err := s.GetTask(ctx, "does-not-exist")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetWorkflow", func(t *testing.T) {
		deadline := 5.0
		r := &workflow.Result{
			WorkflowID:       "wf-compliance",
			Priority:         task.PriorityNormal,
			Deadline:         &deadline,
			DeadlineExceeded: true,
			TasksExecuted:    1,
			TasksTotal:       2,
			Results: []workflow.TaskResult{
				{Index: 0, TaskID: "t1", Type: task.TypeCrawl, Status: task.StatusCompleted},
				{Index: 1, TaskID: "t2", Type: task.TypeCrawl, Status: task.StatusCancelled},
			},
			StartedAt: now,
		}
		r.Finish(now.Add(2 * time.Second))
		if err := s.PutWorkflow(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetWorkflow(ctx, r.WorkflowID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != workflow.StatusDeadlineExceeded || got.TasksTotal != 2 || len(got.Results) != 2 {
			t.Fatalf("got %+v", got)
		}
		if got.Results[1].Status != task.StatusCancelled {
			t.Fatalf("results[1] = %+v", got.Results[1])
		}
	})

	t.Run("GetWorkflowMissing", func(t *testing.T) {
		_, err := s.GetWorkflow(ctx, "wf-missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
