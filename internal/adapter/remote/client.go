// Package remote provides executors that delegate to external HTTP model
// services (image and video generation, crypto prediction, fraud detection).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
	"github.com/Strob0t/SwarmForge/internal/resilience"
)

const maxResponseBody = 32 << 20

// Endpoint describes one remote service.
type Endpoint struct {
	Type    task.Type     `json:"type"`
	URL     string        `json:"url"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"-"`
	State   string        `json:"breaker_state,omitempty"`
}

// PathFor returns the route a task type is served on.
func PathFor(typ task.Type) string {
	switch typ {
	case task.TypeCryptoPrediction:
		return "/predict"
	case task.TypeFraudDetection:
		return "/analyze"
	default:
		return "/generate"
	}
}

// Executor POSTs task params as JSON and returns the decoded object.
type Executor struct {
	endpoint   Endpoint
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ executor.Executor = (*Executor)(nil)

// New creates an executor for typ against svc.
func New(typ task.Type, svc config.Service) *Executor {
	return &Executor{
		endpoint: Endpoint{
			Type:    typ,
			URL:     strings.TrimRight(svc.URL, "/"),
			Path:    PathFor(typ),
			Timeout: svc.Timeout,
		},
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (e *Executor) SetBreaker(b *resilience.Breaker) {
	e.breaker = b
}

// Endpoint reports the configured endpoint and breaker state.
func (e *Executor) Endpoint() Endpoint {
	ep := e.endpoint
	if e.breaker != nil {
		ep.State = e.breaker.State().String()
	}
	return ep
}

// Execute calls the service, bounded by the per-service timeout and ctx.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (map[string]any, error) {
	body, err := json.Marshal(params(req))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", e.endpoint.Type, err)
	}
	var out map[string]any
	// The service timeout lives inside the call so the breaker counts it,
	// unlike expiry of the caller's ctx.
	call := func(ctx context.Context) error {
		if e.endpoint.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.endpoint.Timeout)
			defer cancel()
		}
		data, err := e.do(ctx, req.TaskID, body)
		if err != nil {
			return err
		}
		out, err = decode(data)
		return err
	}

	if e.breaker != nil {
		err = e.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.endpoint.Type, err)
	}
	return out, nil
}

func (e *Executor) do(ctx context.Context, taskID string, body []byte) ([]byte, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint.URL+e.endpoint.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Task-ID", taskID)

	resp, err := e.httpClient.Do(r)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// StatusError is a non-2xx reply from a remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote service error %d: %s", e.Code, e.Body)
}

func params(req executor.Request) map[string]any {
	out := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		out[k] = v
	}
	out["task_id"] = req.TaskID
	return out
}

// decode accepts a JSON object, or wraps any other JSON value as "result".
func decode(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": v}, nil
}

// IsStatus reports whether err carries a remote reply with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
