// Package broadcast defines the port for pushing live status events to connected clients.
package broadcast

import "context"

// Event types pushed to clients.
const (
	EventTaskStatus     = "task.status"
	EventWorkflowStatus = "workflow.status"
	EventWorkerStatus   = "worker.status"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
