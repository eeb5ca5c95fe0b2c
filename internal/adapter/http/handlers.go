package http

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sort"
	"time"

	"github.com/Strob0t/SwarmForge/internal/adapter/remote"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/worker"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
	"github.com/Strob0t/SwarmForge/internal/service"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

const healthTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Pool         *service.PoolService
	Services     func() []remote.Endpoint
	Checks       map[string]HealthCheck
	Now          func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Health reports liveness plus the state of each dependency. Any failing
// dependency turns the response into 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	deps := make(map[string]string, len(h.Checks))
	healthy := true
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			deps[name] = "down: " + err.Error()
			healthy = false
			continue
		}
		deps[name] = "up"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    task.FormatTimestamp(h.now()),
	})
}

// Orchestrate runs a workflow synchronously and returns its result.
func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[workflow.Request](w, r)
	if !ok {
		return
	}
	res, err := h.Orchestrator.OrchestrateWorkflow(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateTask stores a pending task without running it.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[task.Spec](w, r)
	if !ok {
		return
	}
	t, err := h.Orchestrator.CreateTask(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask returns a task record.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask moves a non-terminal task to cancelled.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.CancelTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetWorkflow returns a stored workflow result.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orchestrator.GetWorkflow(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// serviceInfo describes one capability for GET /services.
type serviceInfo struct {
	Type     task.Type `json:"type"`
	Location string    `json:"location"` // "builtin" or "remote"
	URL      string    `json:"url,omitempty"`
	Path     string    `json:"path,omitempty"`
	Breaker  string    `json:"breaker_state,omitempty"`
	Workers  int       `json:"workers"`
}

// ListServices lists every registered task type and where it runs.
func (h *Handlers) ListServices(w http.ResponseWriter, _ *http.Request) {
	remotes := map[task.Type]remote.Endpoint{}
	if h.Services != nil {
		for _, ep := range h.Services() {
			remotes[ep.Type] = ep
		}
	}
	counts := h.Pool.Status().WorkerTypes

	types := h.Pool.Types()
	out := make([]serviceInfo, 0, len(types))
	for _, typ := range types {
		info := serviceInfo{Type: typ, Location: "builtin", Workers: counts[string(typ)]}
		if ep, ok := remotes[typ]; ok {
			info.Location = "remote"
			info.URL = ep.URL
			info.Path = ep.Path
			info.Breaker = ep.State
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	writeJSON(w, http.StatusOK, out)
}

// poolTask is the task part of a direct pool execution. Params may come
// nested under "params" or as the task's own keys.
type poolTask struct {
	Params   map[string]any
	Priority task.Priority
	Deadline *float64
}

var (
	errPoolDeadline = errors.New("task deadline must be a number")
	errPoolPriority = errors.New("task priority must be a string")
)

func (pt *poolTask) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["deadline"]; ok {
		delete(raw, "deadline")
		if v != nil {
			d, ok := v.(float64)
			if !ok {
				return errPoolDeadline
			}
			pt.Deadline = &d
		}
	}
	if v, ok := raw["priority"]; ok {
		delete(raw, "priority")
		if v != nil {
			p, ok := v.(string)
			if !ok {
				return errPoolPriority
			}
			pt.Priority = task.Priority(p)
		}
	}
	if nested, ok := raw["params"].(map[string]any); ok {
		delete(raw, "params")
		maps.Copy(raw, nested)
	}
	if len(raw) > 0 {
		pt.Params = raw
	}
	return nil
}

type poolExecuteRequest struct {
	WorkerType string   `json:"worker_type"`
	Task       poolTask `json:"task"`
}

type poolExecuteResponse struct {
	TaskID string `json:"task_id"`
	worker.ExecutionResult
}

// PoolExecute runs one task on the pool outside any workflow. The task is
// not persisted.
func (h *Handlers) PoolExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[poolExecuteRequest](w, r)
	if !ok {
		return
	}
	spec := task.Spec{
		Type:     task.Type(req.WorkerType),
		Params:   req.Task.Params,
		Priority: req.Task.Priority,
		Deadline: req.Task.Deadline,
	}
	if err := spec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := task.New(spec.Type, spec.Params, spec.Priority, spec.Deadline, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Pool.Execute(r.Context(), spec.Type, t, service.ExecuteOptions{})
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, poolExecuteResponse{TaskID: t.ID, ExecutionResult: res})
}

// PoolStatus returns the pool occupancy snapshot.
func (h *Handlers) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Status())
}

// PoolShrink disposes all idle workers.
func (h *Handlers) PoolShrink(w http.ResponseWriter, r *http.Request) {
	n := h.Pool.Shrink(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"disposed": n})
}

// ListWorkers lists all live workers.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.ListWorkers(r.Context()))
}

type createWorkerRequest struct {
	WorkerType string `json:"worker_type"`
}

// CreateWorker adds an idle worker of the requested type.
func (h *Handlers) CreateWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createWorkerRequest](w, r)
	if !ok {
		return
	}
	typ, err := task.ParseType(req.WorkerType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wk, err := h.Pool.CreateWorker(r.Context(), typ)
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

// GetWorker returns one worker.
func (h *Handlers) GetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.Pool.GetWorker(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// DisposeWorker removes an idle worker.
func (h *Handlers) DisposeWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.Pool.DisposeWorker(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
