package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Records are always written in UTC with a trailing "Z". Readers accept the
// naive ISO-8601 form (no offset, treated as UTC) that older producers emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp with or without a zone marker
// and returns it normalized to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unsupported format", s)
}

// FormatTimestamp renders ts as UTC RFC 3339 with a trailing "Z".
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// DeadlineFrom computes the absolute deadline from a raw creation timestamp.
func DeadlineFrom(createdAt string, deadlineSeconds float64) (time.Time, error) {
	created, err := ParseTimestamp(createdAt)
	if err != nil {
		return time.Time{}, err
	}
	if err := checkFinite(deadlineSeconds); err != nil {
		return time.Time{}, err
	}
	return created.Add(secondsToDuration(deadlineSeconds)), nil
}

// wireTask mirrors Task with timestamps as strings so decoding can accept
// every format ParseTimestamp understands.
type wireTask struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	Type            Type           `json:"type"`
	Params          map[string]any `json:"params,omitempty"`
	Priority        Priority       `json:"priority"`
	DeadlineSeconds *float64       `json:"deadline_seconds,omitempty"`
	Deadline        *string        `json:"deadline,omitempty"`
	Status          Status         `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	CreatedAt       string         `json:"created_at"`
	StartedAt       *string        `json:"started_at,omitempty"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
}

// MarshalJSON writes every timestamp in UTC "Z" form.
func (t Task) MarshalJSON() ([]byte, error) {
	w := wireTask{
		ID:              t.ID,
		WorkflowID:      t.WorkflowID,
		Type:            t.Type,
		Params:          t.Params,
		Priority:        t.Priority,
		DeadlineSeconds: t.DeadlineSeconds,
		Deadline:        formatOptional(t.Deadline),
		Status:          t.Status,
		Result:          t.Result,
		Error:           t.Error,
		WorkerID:        t.WorkerID,
		CreatedAt:       FormatTimestamp(t.CreatedAt),
		StartedAt:       formatOptional(t.StartedAt),
		CompletedAt:     formatOptional(t.CompletedAt),
		UpdatedAt:       FormatTimestamp(t.UpdatedAt),
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts naive and zoned timestamps. When the record carries
// deadline_seconds but no absolute deadline, the deadline is derived from
// created_at.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	created, err := ParseTimestamp(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	out := Task{
		ID:              w.ID,
		WorkflowID:      w.WorkflowID,
		Type:            w.Type,
		Params:          w.Params,
		Priority:        w.Priority,
		DeadlineSeconds: w.DeadlineSeconds,
		Status:          w.Status,
		Result:          w.Result,
		Error:           w.Error,
		WorkerID:        w.WorkerID,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	if w.UpdatedAt != "" {
		if out.UpdatedAt, err = ParseTimestamp(w.UpdatedAt); err != nil {
			return fmt.Errorf("updated_at: %w", err)
		}
	}
	if out.Deadline, err = parseOptional(w.Deadline); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	if out.Deadline == nil && w.DeadlineSeconds != nil {
		d := created.Add(secondsToDuration(*w.DeadlineSeconds))
		out.Deadline = &d
	}
	if out.StartedAt, err = parseOptional(w.StartedAt); err != nil {
		return fmt.Errorf("started_at: %w", err)
	}
	if out.CompletedAt, err = parseOptional(w.CompletedAt); err != nil {
		return fmt.Errorf("completed_at: %w", err)
	}
	*t = out
	return nil
}

func formatOptional(ts *time.Time) *string {
	if ts == nil {
		return nil
	}
	s := FormatTimestamp(*ts)
	return &s
}

func parseOptional(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	ts, err := ParseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
