package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	sfotel "github.com/Strob0t/SwarmForge/internal/adapter/otel"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/worker"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
	"github.com/Strob0t/SwarmForge/internal/logger"
	"github.com/Strob0t/SwarmForge/internal/port/broadcast"
	"github.com/Strob0t/SwarmForge/internal/port/messagequeue"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore"
)

const (
	errDeadlineBeforeDispatch = "deadline exceeded before dispatch"
	errWorkflowDeadline       = "workflow deadline exceeded"
	errOperatorCancel         = "cancelled by operator"
)

// errBudgetSpent is the cancel cause of an execution cut short by the
// workflow deadline.
var errBudgetSpent = errors.New(errWorkflowDeadline)

// runningTask is a task currently owned by an OrchestrateWorkflow call.
// Its mutex orders status changes and store writes between the workflow
// loop and operator cancellation.
type runningTask struct {
	mu     sync.Mutex
	t      *task.Task
	cancel context.CancelFunc
}

// OrchestratorService runs workflows of tasks sequentially against the
// worker pool and enforces task and workflow deadlines. It is the only
// writer of task and workflow records.
type OrchestratorService struct {
	store   taskstore.Store
	pool    *PoolService
	cfg     config.Orchestrator
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *sfotel.Metrics
	now     func() time.Time

	mu      sync.Mutex
	running map[string]*runningTask
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(store taskstore.Store, pool *PoolService, cfg config.Orchestrator) *OrchestratorService {
	return &OrchestratorService{
		store:   store,
		pool:    pool,
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]*runningTask),
	}
}

// SetQueue enables lifecycle event publishing.
func (s *OrchestratorService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetHub enables live status broadcasting.
func (s *OrchestratorService) SetHub(h broadcast.Broadcaster) { s.hub = h }

// SetMetrics enables OTel workflow metrics.
func (s *OrchestratorService) SetMetrics(m *sfotel.Metrics) { s.metrics = m }

func (s *OrchestratorService) defaultPriority() task.Priority {
	p, err := task.ParsePriority(s.cfg.DefaultPriority)
	if err != nil {
		return task.PriorityNormal
	}
	return p
}

// CreateTask validates spec and stores a pending task. Deadlines <= 0 are
// accepted and already exceeded.
func (s *OrchestratorService) CreateTask(ctx context.Context, spec task.Spec) (*task.Task, error) {
	return s.createTask(ctx, spec, "")
}

func (s *OrchestratorService) createTask(ctx context.Context, spec task.Spec, workflowID string) (*task.Task, error) {
	typ, err := task.ParseType(string(spec.Type))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	prio := spec.Priority
	if prio == "" {
		prio = s.defaultPriority()
	}
	if prio, err = task.ParsePriority(string(prio)); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	t, err := task.New(typ, spec.Params, prio, spec.Deadline, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	t.WorkflowID = workflowID

	if err := s.store.PutTask(ctx, t); err != nil {
		return nil, fmt.Errorf("store task %s: %w", t.ID, err)
	}
	s.publish(ctx, messagequeue.SubjectTaskCreated, messagequeue.TaskCreatedPayload{
		TaskID:     t.ID,
		WorkflowID: workflowID,
		Type:       string(t.Type),
		Priority:   string(t.Priority),
		Deadline:   t.DeadlineSeconds,
	})
	slog.Debug("task created", "task_id", t.ID, "type", t.Type, "priority", t.Priority)
	return t, nil
}

// IsDeadlineExceeded reports whether t has a deadline that has passed.
func (s *OrchestratorService) IsDeadlineExceeded(t *task.Task) bool {
	if t.Deadline == nil {
		return false
	}
	return t.DeadlineExceeded(s.now())
}

// GetTask returns the stored task.
func (s *OrchestratorService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetWorkflow returns the stored workflow result.
func (s *OrchestratorService) GetWorkflow(ctx context.Context, id string) (*workflow.Result, error) {
	return s.store.GetWorkflow(ctx, id)
}

// CancelTask moves a pending or running task to cancelled. Cancelling a
// terminal task returns it unchanged. A running executor is not interrupted;
// its context is cancelled so that executors observing it can stop.
func (s *OrchestratorService) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	rt, ok := s.running[id]
	s.mu.Unlock()

	if ok {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if !rt.t.Status.IsTerminal() {
			rt.t.Error = errOperatorCancel
			if err := s.transition(ctx, rt.t, task.StatusCancelled); err != nil {
				return nil, err
			}
			rt.cancel()
			slog.Info("task cancelled", "task_id", id, "workflow_id", rt.t.WorkflowID)
		}
		cp := *rt.t
		return &cp, nil
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}
	t.Error = errOperatorCancel
	if err := s.transition(ctx, t, task.StatusCancelled); err != nil {
		return nil, err
	}
	slog.Info("task cancelled", "task_id", id)
	return t, nil
}

// ListenForCancels subscribes to operator cancellation requests on the queue.
// It is a no-op without a queue.
func (s *OrchestratorService) ListenForCancels(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectTaskCancel, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.TaskCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode cancel: %w", err)
		}
		_, err := s.CancelTask(ctx, p.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("cancel for unknown task", "task_id", p.TaskID)
			return nil
		}
		return err
	})
}

// OrchestrateWorkflow runs req's tasks one at a time in order (or by score
// when req.Reorder is set). Executor failures are recorded and the workflow
// continues. The workflow deadline is checked before each task; once it is
// reached no further task starts and the remaining ones are recorded as
// cancelled. A task still running when the workflow deadline passes is
// cancelled too and is not counted as executed.
func (s *OrchestratorService) OrchestrateWorkflow(ctx context.Context, req workflow.Request) (*workflow.Result, error) {
	if req.Priority == "" {
		req.Priority = s.defaultPriority()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	start := s.now().UTC()
	res := &workflow.Result{
		WorkflowID: uuid.NewString(),
		Priority:   req.Priority,
		Deadline:   req.Deadline,
		TasksTotal: len(req.Tasks),
		Results:    make([]workflow.TaskResult, 0, len(req.Tasks)),
		StartedAt:  start,
	}
	ctx = logger.WithWorkflowID(ctx, res.WorkflowID)
	ctx, span := sfotel.StartWorkflowSpan(ctx, res.WorkflowID, len(req.Tasks), req.Deadline)
	defer span.End()
	s.metrics.WorkflowStarted(ctx)

	var deadline *time.Time
	if req.Deadline != nil {
		d := start.Add(task.SecondsToDuration(*req.Deadline))
		deadline = &d
	}

	slog.Info("workflow started", "workflow_id", res.WorkflowID, "tasks", len(req.Tasks), "priority", req.Priority, "reorder", req.Reorder)

	ranked := task.Rank(req.Tasks, req.Priority, req.Reorder)
	for i, r := range ranked {
		if deadline != nil && !s.now().Before(*deadline) {
			res.DeadlineExceeded = true
			slog.Warn("workflow deadline exceeded", "workflow_id", res.WorkflowID, "executed", res.TasksExecuted, "total", res.TasksTotal)
			s.cancelRemaining(ctx, res, req.Priority, ranked[i:])
			break
		}

		tr, counted, halted := s.runTask(ctx, res.WorkflowID, req.Priority, r, deadline)
		res.Results = append(res.Results, tr)
		if counted {
			res.TasksExecuted++
		}
		if halted {
			res.DeadlineExceeded = true
			slog.Warn("workflow deadline exceeded during task", "workflow_id", res.WorkflowID, "task_id", tr.TaskID)
			s.cancelRemaining(ctx, res, req.Priority, ranked[i+1:])
			break
		}
	}

	res.Finish(s.now())

	if err := s.store.PutWorkflow(ctx, res); err != nil {
		slog.Error("store workflow result", "workflow_id", res.WorkflowID, "error", err)
	}
	s.publish(ctx, messagequeue.SubjectWorkflowCompleted, messagequeue.WorkflowCompletedPayload{
		WorkflowID:       res.WorkflowID,
		Status:           string(res.Status),
		DeadlineExceeded: res.DeadlineExceeded,
		TasksExecuted:    res.TasksExecuted,
		TasksTotal:       res.TasksTotal,
		Duration:         res.Duration,
	})
	s.broadcast(ctx, broadcast.EventWorkflowStatus, WorkflowStatusEvent{
		WorkflowID:       res.WorkflowID,
		Status:           string(res.Status),
		TasksExecuted:    res.TasksExecuted,
		TasksTotal:       res.TasksTotal,
		DeadlineExceeded: res.DeadlineExceeded,
	})
	s.metrics.WorkflowFinished(ctx, res.DeadlineExceeded, res.Duration)

	slog.Info("workflow finished", "workflow_id", res.WorkflowID, "status", res.Status,
		"executed", res.TasksExecuted, "total", res.TasksTotal, "duration", res.Duration)
	return res, nil
}

// runTask creates, dispatches and records one workflow task. counted reports
// whether the task counts towards tasks_executed; halted reports that the
// workflow deadline passed while it ran.
func (s *OrchestratorService) runTask(ctx context.Context, workflowID string, def task.Priority, r task.Ranked, deadline *time.Time) (tr workflow.TaskResult, counted, halted bool) {
	tr = workflow.TaskResult{Index: r.Index, Type: r.Spec.Type, PriorityScore: r.Score}

	spec := r.Spec
	if spec.Priority == "" {
		spec.Priority = def
	}
	t, err := s.createTask(ctx, spec, workflowID)
	if err != nil {
		slog.Error("create workflow task", "workflow_id", workflowID, "index", r.Index, "error", err)
		tr.Status = task.StatusFailed
		tr.Error = err.Error()
		return tr, true, false
	}
	tr.TaskID = t.ID

	ctx, span := sfotel.StartTaskSpan(ctx, t.ID, string(t.Type), r.Index)
	defer span.End()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if deadline != nil {
		var cancelBudget context.CancelFunc
		execCtx, cancelBudget = context.WithTimeoutCause(execCtx, deadline.Sub(s.now()), errBudgetSpent)
		defer cancelBudget()
	}

	rt := &runningTask{t: t, cancel: cancel}
	s.track(rt)
	defer s.untrack(t.ID)

	rt.mu.Lock()
	if s.IsDeadlineExceeded(t) {
		t.Error = errDeadlineBeforeDispatch
		_ = s.transition(ctx, t, task.StatusTimeout)
		rt.mu.Unlock()
		slog.Info("task deadline passed before dispatch", "task_id", t.ID)
		return s.fill(tr, t), true, false
	}
	if err := s.transition(ctx, t, task.StatusRunning); err != nil {
		// cancelled by an operator between creation and dispatch
		rt.mu.Unlock()
		return s.fill(tr, t), true, false
	}
	rt.mu.Unlock()

	out, execErr := s.pool.Execute(execCtx, t.Type, t, ExecuteOptions{
		OnStart: func(workerID string) {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			t.WorkerID = workerID
			if err := s.store.PutTask(ctx, t); err != nil {
				slog.Error("store task", "task_id", t.ID, "error", err)
			}
		},
	})
	ended := s.now()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if out.WorkerID != "" {
		t.WorkerID = out.WorkerID
	}

	if t.Status.IsTerminal() {
		// cancelled by an operator while running
		if t.Result == nil {
			t.Result = out.Data
		}
		if err := s.store.PutTask(ctx, t); err != nil {
			slog.Error("store task", "task_id", t.ID, "status", t.Status, "error", err)
		}
		return s.fill(tr, t), true, false
	}

	budgetSpent := deadline != nil && (!ended.Before(*deadline) || errors.Is(context.Cause(execCtx), errBudgetSpent))
	switch {
	case budgetSpent:
		t.Result = out.Data
		t.Error = errWorkflowDeadline
		_ = s.transition(ctx, t, task.StatusCancelled)
		return s.fill(tr, t), false, true
	case execErr != nil:
		t.Error = execErr.Error()
		tr.Code = out.Code
		_ = s.transition(ctx, t, task.StatusFailed)
	default:
		if out.Status != worker.OutcomeFailed {
			t.Result = out.Data
		}
		t.Error = out.Error
		_ = s.transition(ctx, t, out.Status.TaskStatus())
	}
	return s.fill(tr, t), true, false
}

// cancelRemaining creates every unstarted task and cancels it immediately so
// the store reflects the whole workflow.
func (s *OrchestratorService) cancelRemaining(ctx context.Context, res *workflow.Result, def task.Priority, remaining []task.Ranked) {
	for _, r := range remaining {
		tr := workflow.TaskResult{Index: r.Index, Type: r.Spec.Type, PriorityScore: r.Score, Status: task.StatusCancelled, Error: errWorkflowDeadline}
		spec := r.Spec
		if spec.Priority == "" {
			spec.Priority = def
		}
		t, err := s.createTask(ctx, spec, res.WorkflowID)
		if err != nil {
			slog.Error("create cancelled task", "workflow_id", res.WorkflowID, "index", r.Index, "error", err)
			res.Results = append(res.Results, tr)
			continue
		}
		t.Error = errWorkflowDeadline
		_ = s.transition(ctx, t, task.StatusCancelled)
		res.Results = append(res.Results, s.fill(tr, t))
	}
}

// transition applies a status change and persists it.
func (s *OrchestratorService) transition(ctx context.Context, t *task.Task, to task.Status) error {
	if err := t.Transition(to, s.now()); err != nil {
		slog.Error("task transition rejected", "task_id", t.ID, "from", t.Status, "to", to)
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := s.store.PutTask(ctx, t); err != nil {
		slog.Error("store task", "task_id", t.ID, "status", to, "error", err)
	}

	s.publish(ctx, messagequeue.SubjectTaskStatus, messagequeue.TaskStatusPayload{
		TaskID:     t.ID,
		WorkflowID: t.WorkflowID,
		Status:     string(to),
		WorkerID:   t.WorkerID,
		Error:      t.Error,
	})
	s.broadcast(ctx, broadcast.EventTaskStatus, TaskStatusEvent{
		TaskID:     t.ID,
		WorkflowID: t.WorkflowID,
		Status:     string(to),
		WorkerID:   t.WorkerID,
	})
	if to.IsTerminal() {
		s.metrics.TaskFinished(ctx, string(t.Type), string(to))
	}
	return nil
}

func (s *OrchestratorService) fill(tr workflow.TaskResult, t *task.Task) workflow.TaskResult {
	tr.TaskID = t.ID
	tr.Type = t.Type
	tr.Status = t.Status
	tr.WorkerID = t.WorkerID
	tr.Result = t.Result
	tr.Error = t.Error
	return tr
}

func (s *OrchestratorService) track(rt *runningTask) {
	s.mu.Lock()
	s.running[rt.t.ID] = rt
	s.mu.Unlock()
}

func (s *OrchestratorService) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *OrchestratorService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	if err := messagequeue.PublishJSON(ctx, s.queue, subject, payload); err != nil {
		slog.Warn("publish event", "subject", subject, "error", err)
	}
}

func (s *OrchestratorService) broadcast(ctx context.Context, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, eventType, payload)
}

// TaskStatusEvent is broadcast on every task status change.
type TaskStatusEvent struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status"`
	WorkerID   string `json:"worker_id,omitempty"`
}

// WorkflowStatusEvent is broadcast when a workflow finishes.
type WorkflowStatusEvent struct {
	WorkflowID       string `json:"workflow_id"`
	Status           string `json:"status"`
	TasksExecuted    int    `json:"tasks_executed"`
	TasksTotal       int    `json:"tasks_total"`
	DeadlineExceeded bool   `json:"deadline_exceeded"`
}
