package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
)

// Store implements taskstore.Store on PostgreSQL. Expired rows are hidden
// from reads and removed by Purge.
type Store struct {
	pool        *pgxpool.Pool
	taskTTL     time.Duration
	workflowTTL time.Duration
	now         func() time.Time
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool, taskTTL, workflowTTL time.Duration) *Store {
	return &Store{pool: pool, taskTTL: taskTTL, workflowTTL: workflowTTL, now: time.Now}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, workflow_id, type, status, priority, params, result, error, worker_id,
	deadline_seconds, deadline, created_at, started_at, completed_at, updated_at`

// PutTask upserts t.
func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	params, err := jsonb(t.Params)
	if err != nil {
		return fmt.Errorf("encode params %s: %w", t.ID, err)
	}
	result, err := jsonb(t.Result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", t.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
		   worker_id = EXCLUDED.worker_id, started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at`,
		t.ID, optional(t.WorkflowID), string(t.Type), string(t.Status), string(t.Priority),
		params, result, t.Error, optional(t.WorkerID),
		t.DeadlineSeconds, t.Deadline, t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
		expiresAt(s.now(), s.taskTTL))
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task unless it is missing or expired.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`, id, s.now())
	t, err := scanTask(row)
	if err != nil {
		return nil, lookupErr(err, "task", id)
	}
	return t, nil
}

func scanTask(r row) (*task.Task, error) {
	var (
		t                    task.Task
		workflowID, workerID *string
		typ, status, prio    string
		params, result       []byte
	)
	err := r.Scan(&t.ID, &workflowID, &typ, &status, &prio, &params, &result, &t.Error, &workerID,
		&t.DeadlineSeconds, &t.Deadline, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type, t.Status, t.Priority = task.Type(typ), task.Status(status), task.Priority(prio)
	if workflowID != nil {
		t.WorkflowID = *workflowID
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	for _, p := range []**time.Time{&t.Deadline, &t.StartedAt, &t.CompletedAt} {
		if *p != nil {
			u := (*p).UTC()
			*p = &u
		}
	}
	return &t, nil
}

// PutWorkflow upserts r. The full result is kept as JSONB; summary columns
// are duplicated for querying.
func (s *Store) PutWorkflow(ctx context.Context, r *workflow.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", r.WorkflowID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (id, status, deadline_exceeded, tasks_executed, tasks_total, result, started_at, completed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, deadline_exceeded = EXCLUDED.deadline_exceeded,
		   tasks_executed = EXCLUDED.tasks_executed, result = EXCLUDED.result,
		   completed_at = EXCLUDED.completed_at, expires_at = EXCLUDED.expires_at`,
		r.WorkflowID, string(r.Status), r.DeadlineExceeded, r.TasksExecuted, r.TasksTotal,
		data, r.StartedAt, r.CompletedAt, expiresAt(s.now(), s.workflowTTL))
	if err != nil {
		return fmt.Errorf("put workflow %s: %w", r.WorkflowID, err)
	}
	return nil
}

// GetWorkflow returns the workflow result unless it is missing or expired.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Result, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM workflows
		 WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`, id, s.now()).Scan(&data)
	if err != nil {
		return nil, lookupErr(err, "workflow", id)
	}
	var r workflow.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &r, nil
}

// Purge deletes expired tasks and workflows and returns how many rows went.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	tasks, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	wfs, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE expires_at <= $1`, now)
	if err != nil {
		return tasks.RowsAffected(), fmt.Errorf("purge workflows: %w", err)
	}
	return tasks.RowsAffected() + wfs.RowsAffected(), nil
}
