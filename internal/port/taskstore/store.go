// Package taskstore defines the port for the shared task and workflow record store.
package taskstore

import (
	"context"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
)

// Key prefixes shared by every key-value backed implementation.
const (
	TaskKeyPrefix     = "task:"
	WorkflowKeyPrefix = "workflow:"
)

// Store is the shared record of task metadata. Implementations must give
// read-your-writes consistency within a single process. Lookups of unknown
// ids return an error wrapping domain.ErrNotFound.
type Store interface {
	PutTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	PutWorkflow(ctx context.Context, r *workflow.Result) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Result, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
