// Package kvstore implements the task store port on any cache.Cache, such
// as the Redis adapter or a tiered ristretto + NATS KV cache.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
	"github.com/Strob0t/SwarmForge/internal/port/cache"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore"
)

// Store keeps JSON-encoded records under "task:<id>" and "workflow:<id>".
type Store struct {
	c           cache.Cache
	taskTTL     time.Duration
	workflowTTL time.Duration
}

// New creates a Store over c.
func New(c cache.Cache, taskTTL, workflowTTL time.Duration) *Store {
	return &Store{c: c, taskTTL: taskTTL, workflowTTL: workflowTTL}
}

// PutTask stores t with the task retention TTL.
func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	return s.put(ctx, taskstore.TaskKeyPrefix+t.ID, t, s.taskTTL)
}

// GetTask loads the task record.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := s.get(ctx, taskstore.TaskKeyPrefix+id, &t); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return &t, nil
}

// PutWorkflow stores r with the workflow retention TTL.
func (s *Store) PutWorkflow(ctx context.Context, r *workflow.Result) error {
	return s.put(ctx, taskstore.WorkflowKeyPrefix+r.WorkflowID, r, s.workflowTTL)
}

// GetWorkflow loads the workflow record.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Result, error) {
	var r workflow.Result
	if err := s.get(ctx, taskstore.WorkflowKeyPrefix+id, &r); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.c.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, ok, err := s.c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
