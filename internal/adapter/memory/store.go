// Package memory implements the task store port in process memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero: never
}

// Store keeps encoded records in maps guarded by a RWMutex. Records are
// copied on every read and write so callers never share mutable state.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]entry
	workflows   map[string]entry
	taskTTL     time.Duration
	workflowTTL time.Duration
	now         func() time.Time
}

// NewStore returns an empty store. A zero ttl keeps records forever.
func NewStore(taskTTL, workflowTTL time.Duration) *Store {
	return &Store{
		tasks:       make(map[string]entry),
		workflows:   make(map[string]entry),
		taskTTL:     taskTTL,
		workflowTTL: workflowTTL,
		now:         time.Now,
	}
}

// PutTask stores t, replacing any previous record with the same id.
func (s *Store) PutTask(_ context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	s.mu.Lock()
	s.tasks[t.ID] = s.entry(data, s.taskTTL)
	s.mu.Unlock()
	return nil
}

// GetTask returns a copy of the task record.
func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	data, ok := s.lookup(s.tasks, id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// PutWorkflow stores the workflow result.
func (s *Store) PutWorkflow(_ context.Context, r *workflow.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", r.WorkflowID, err)
	}
	s.mu.Lock()
	s.workflows[r.WorkflowID] = s.entry(data, s.workflowTTL)
	s.mu.Unlock()
	return nil
}

// GetWorkflow returns a copy of the workflow result.
func (s *Store) GetWorkflow(_ context.Context, id string) (*workflow.Result, error) {
	data, ok := s.lookup(s.workflows, id)
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	var r workflow.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &r, nil
}

// Sweep drops expired records and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range []map[string]entry{s.tasks, s.workflows} {
		for k, e := range m {
			if expired(e, now) {
				delete(m, k)
				n++
			}
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *Store) entry(data []byte, ttl time.Duration) entry {
	e := entry{data: data}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

func (s *Store) lookup(m map[string]entry, id string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := m[id]
	s.mu.RUnlock()
	if !ok || expired(e, s.now()) {
		return nil, false
	}
	return e.data, true
}

func expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
