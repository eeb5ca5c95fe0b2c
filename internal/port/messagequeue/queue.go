// Package messagequeue defines the lifecycle event bus port and the payload
// schemas carried on each subject.
package messagequeue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subjects for task, workflow and worker lifecycle events.
const (
	SubjectTaskCreated       = "tasks.created"
	SubjectTaskStatus        = "tasks.status"
	SubjectTaskCancel        = "tasks.cancel" // operator-initiated cancellation
	SubjectWorkflowCompleted = "workflows.completed"
	SubjectWorkerStatus      = "workers.status"
)

// DLQSubject is where messages on subject go once they are rejected.
func DLQSubject(subject string) string { return subject + ".dlq" }

// Handler processes one message. ctx carries the request and workflow ids
// of the publisher.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Queue is a durable event bus.
type Queue interface {
	Publisher

	// Subscribe delivers messages published on subject after the call. The
	// returned function stops delivery.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain flushes in-flight messages and closes the connection.
	Drain() error
	Close() error
	IsConnected() bool
}

// PublishJSON encodes v, checks it against the subject schema and publishes it.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := Validate(subject, data); err != nil {
		return err
	}
	return p.Publish(ctx, subject, data)
}
