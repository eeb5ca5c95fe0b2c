// Package executor defines the uniform capability interface the worker pool
// invokes, and the registry binding each task type to its executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
)

// ErrDuplicate is returned when a type is registered twice.
var ErrDuplicate = errors.New("executor already registered")

// Request is the input to a single execution.
type Request struct {
	TaskID   string
	Type     task.Type
	Params   map[string]any
	Deadline *time.Time // nil: no bound beyond the context
}

// Executor performs one capability. Implementations should observe ctx; the
// pool never preempts them. An executor that stops early because ctx expired
// may return the data it produced so far together with ctx.Err().
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps task types to executors. It is injected, never global.
type Registry struct {
	mu        sync.RWMutex
	executors map[task.Type]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[task.Type]Executor)}
}

// Register binds typ to e.
func (r *Registry) Register(typ task.Type, e Executor) error {
	if !typ.Valid() {
		return fmt.Errorf("register %q: %w", typ, task.ErrUnknownType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[typ]; ok {
		return fmt.Errorf("register %q: %w", typ, ErrDuplicate)
	}
	r.executors[typ] = e
	return nil
}

// Get returns the executor for typ.
func (r *Registry) Get(typ task.Type) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Type, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the known task types that have no executor.
func (r *Registry) Missing() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []task.Type
	for _, t := range task.AllTypes() {
		if _, ok := r.executors[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
