// Package task defines the Task domain entity and its lifecycle rules.
package task

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownType       = errors.New("unknown task type")
	ErrInvalidDeadline   = errors.New("deadline must be a finite number of seconds")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidPriority   = errors.New("invalid priority: must be low, normal, high, or critical")
)

// Type is the capability a task needs. Each type maps to exactly one executor.
type Type string

const (
	TypeCrawl            Type = "crawl"
	TypeAnalyze          Type = "analyze"
	TypeBenchmark        Type = "benchmark"
	TypeImageGeneration  Type = "image_generation"
	TypeVideoGeneration  Type = "video_generation"
	TypeCryptoPrediction Type = "crypto_prediction"
	TypeFraudDetection   Type = "fraud_detection"
)

// AllTypes lists every task type in declaration order.
func AllTypes() []Type {
	return []Type{
		TypeCrawl,
		TypeAnalyze,
		TypeBenchmark,
		TypeImageGeneration,
		TypeVideoGeneration,
		TypeCryptoPrediction,
		TypeFraudDetection,
	}
}

// typeAliases maps the worker names used by older clients onto task types.
var typeAliases = map[string]Type{
	"crawler":  TypeCrawl,
	"analysis": TypeAnalyze,
}

// ParseType resolves a type name or alias.
func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeCrawl, TypeAnalyze, TypeBenchmark, TypeImageGeneration,
		TypeVideoGeneration, TypeCryptoPrediction, TypeFraudDetection:
		return true
	}
	return false
}

// Priority is the ordinal urgency of a task or workflow.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority resolves a priority label. An empty label means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusTimeout:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusTimeout:   {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusTimeout:   {},
	StatusCancelled: {},
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Spec describes a task as submitted by a client.
type Spec struct {
	Type     Type           `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	Deadline *float64       `json:"deadline,omitempty"` // seconds, relative to creation
}

// Validate checks the spec for structural correctness. A deadline <= 0 is
// valid and already past, so the task times out without running.
func (s *Spec) Validate() error {
	t, err := ParseType(string(s.Type))
	if err != nil {
		return err
	}
	s.Type = t
	if s.Priority != "" {
		if _, err := ParsePriority(string(s.Priority)); err != nil {
			return err
		}
	}
	if s.Deadline != nil {
		if err := checkFinite(*s.Deadline); err != nil {
			return err
		}
	}
	return nil
}

// Task represents a single unit of work with an optional deadline.
type Task struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	Type            Type           `json:"type"`
	Params          map[string]any `json:"params,omitempty"`
	Priority        Priority       `json:"priority"`
	DeadlineSeconds *float64       `json:"deadline_seconds,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Status          Status         `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// New builds a pending task created at now. The absolute deadline is fixed
// here and never recomputed.
func New(typ Type, params map[string]any, priority Priority, deadlineSeconds *float64, now time.Time) (*Task, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	now = now.UTC()
	t := &Task{
		ID:        uuid.NewString(),
		Type:      typ,
		Params:    params,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if deadlineSeconds != nil {
		if err := checkFinite(*deadlineSeconds); err != nil {
			return nil, err
		}
		secs := *deadlineSeconds
		d := now.Add(secondsToDuration(secs))
		t.DeadlineSeconds = &secs
		t.Deadline = &d
	}
	return t, nil
}

// Transition moves the task to status to, stamping started_at / completed_at.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	now = now.UTC()
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == StatusRunning:
		t.StartedAt = &now
	case to.IsTerminal():
		t.CompletedAt = &now
	}
	return nil
}

// DeadlineExceeded reports whether now is at or past the absolute deadline.
// Tasks without a deadline never expire.
func (t *Task) DeadlineExceeded(now time.Time) bool {
	if t.Deadline == nil {
		return false
	}
	return !now.Before(*t.Deadline)
}

// Remaining returns the time left before the deadline and whether one is set.
func (t *Task) Remaining(now time.Time) (time.Duration, bool) {
	if t.Deadline == nil {
		return 0, false
	}
	return t.Deadline.Sub(now), true
}

func checkFinite(secs float64) error {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return ErrInvalidDeadline
	}
	return nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// SecondsToDuration converts a deadline in (fractional) seconds to a Duration.
func SecondsToDuration(secs float64) time.Duration {
	return secondsToDuration(secs)
}
