package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload marks a message that does not match its subject schema.
var ErrInvalidPayload = errors.New("invalid payload")

type checker interface {
	check() error
}

// Validate checks data against the schema for subject: well-formed JSON of
// the right shape with the identifying fields present. Subjects without a
// schema only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: malformed JSON on %s", ErrInvalidPayload, subject)
	}

	var target checker
	switch subject {
	case SubjectTaskCreated:
		target = &TaskCreatedPayload{}
	case SubjectTaskStatus:
		target = &TaskStatusPayload{}
	case SubjectTaskCancel:
		target = &TaskCancelPayload{}
	case SubjectWorkflowCompleted:
		target = &WorkflowCompletedPayload{}
	case SubjectWorkerStatus:
		target = &WorkerStatusPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, subject, err)
	}
	if err := target.check(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, subject, err)
	}
	return nil
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%s is required", fields[i])
		}
	}
	return nil
}
