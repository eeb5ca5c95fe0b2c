package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	sfotel "github.com/Strob0t/SwarmForge/internal/adapter/otel"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/worker"
	"github.com/Strob0t/SwarmForge/internal/port/broadcast"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
	"github.com/Strob0t/SwarmForge/internal/port/messagequeue"
)

var (
	// ErrCapacityExceeded is returned when no worker slot could be acquired
	// under the configured capacity policy.
	ErrCapacityExceeded = errors.New("worker pool at capacity")
	// ErrUnknownWorkerType is returned when no executor serves the type.
	ErrUnknownWorkerType = errors.New("no executor for worker type")
)

// CodeCapacityExceeded is the machine-readable code for capacity failures.
const CodeCapacityExceeded = "capacity_exceeded"

// PoolObserver receives execution measurements. The Prometheus exporter
// implements it.
type PoolObserver interface {
	ObserveExecution(workerType task.Type, outcome worker.Outcome, d time.Duration)
	ObserveRejection(workerType task.Type, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveExecution(task.Type, worker.Outcome, time.Duration) {}
func (nopObserver) ObserveRejection(task.Type, string)                        {}

// ExecuteOptions tunes a single Execute call.
type ExecuteOptions struct {
	// OnStart runs synchronously once a worker is assigned and before the
	// executor is invoked.
	OnStart func(workerID string)
}

// PoolStatus is a snapshot of the arena.
type PoolStatus struct {
	TotalWorkers   int            `json:"total_workers"`
	MaxWorkers     int            `json:"max_workers"`
	IdleWorkers    int            `json:"idle_workers"`
	BusyWorkers    int            `json:"busy_workers"`
	AvailableSlots int            `json:"available_slots"`
	WorkerTypes    map[string]int `json:"worker_types"`
	Timestamp      time.Time      `json:"timestamp"`
}

// PoolService bounds concurrent task execution across disposable workers.
// Worker handles live in an arena indexed by id; a weighted semaphore caps
// the number of busy workers at cfg.MaxWorkers.
type PoolService struct {
	registry *executor.Registry
	cfg      config.Pool
	sem      *semaphore.Weighted
	hub      broadcast.Broadcaster
	queue    messagequeue.Publisher
	observer PoolObserver
	now      func() time.Time

	mu      sync.Mutex
	workers map[string]*worker.Worker
	busy    int
}

// NewPoolService creates a PoolService. hub may be nil.
func NewPoolService(registry *executor.Registry, cfg config.Pool, hub broadcast.Broadcaster) *PoolService {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &PoolService{
		registry: registry,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		hub:      hub,
		observer: nopObserver{},
		now:      time.Now,
		workers:  make(map[string]*worker.Worker),
	}
}

// SetQueue publishes worker state changes on workers.status.
func (p *PoolService) SetQueue(q messagequeue.Publisher) { p.queue = q }

// SetObserver installs an execution observer.
func (p *PoolService) SetObserver(o PoolObserver) {
	if o != nil {
		p.observer = o
	}
}

type execOutcome struct {
	data map[string]any
	err  error
}

// Execute runs t on a worker of type workerType.
//
// A task whose deadline has already passed is reported as timeout without
// invoking the executor. Otherwise a slot is acquired per the capacity
// policy, the executor runs with a context bounded by the task deadline and
// ctx, and the outcome is classified: an executor error is failed, a result
// produced at or after the deadline is timeout with its data kept, anything
// else is success. Executors are never preempted; one still running after
// the bound plus timeout_grace is abandoned and its slot is released only
// when it returns.
//
// The returned error is non-nil only for ErrUnknownWorkerType and
// ErrCapacityExceeded.
func (p *PoolService) Execute(ctx context.Context, workerType task.Type, t *task.Task, opts ExecuteOptions) (worker.ExecutionResult, error) {
	exec, ok := p.registry.Get(workerType)
	if !ok {
		return worker.ExecutionResult{}, fmt.Errorf("%w: %q", ErrUnknownWorkerType, workerType)
	}

	ctx, span := sfotel.StartPoolSpan(ctx, t.ID, string(workerType))
	defer span.End()

	start := p.now()
	if t.DeadlineExceeded(start) {
		slog.Info("task deadline passed before execution", "task_id", t.ID, "worker_type", workerType)
		p.observer.ObserveExecution(workerType, worker.OutcomeTimeout, 0)
		return worker.ExecutionResult{
			Status: worker.OutcomeTimeout,
			Error:  "deadline exceeded before execution",
		}, nil
	}

	if err := p.acquireSlot(ctx, t); err != nil {
		p.observer.ObserveRejection(workerType, p.cfg.CapacityPolicy)
		slog.Warn("worker slot unavailable", "task_id", t.ID, "worker_type", workerType, "policy", p.cfg.CapacityPolicy, "error", err)
		return worker.ExecutionResult{Code: CodeCapacityExceeded}, err
	}

	// The deadline may have passed while waiting for a slot.
	if t.DeadlineExceeded(p.now()) {
		p.sem.Release(1)
		p.observer.ObserveExecution(workerType, worker.OutcomeTimeout, 0)
		return worker.ExecutionResult{
			Status: worker.OutcomeTimeout,
			Error:  "deadline exceeded while waiting for a worker",
		}, nil
	}

	w := p.checkout(workerType, t)
	if opts.OnStart != nil {
		opts.OnStart(w.ID)
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	bound, bounded := p.bound(ctx, t)
	if remaining, ok := t.Remaining(p.now()); ok {
		execCtx, cancel = context.WithTimeout(ctx, remaining)
	}

	req := executor.Request{
		TaskID:   t.ID,
		Type:     workerType,
		Params:   t.Params,
		Deadline: t.Deadline,
	}
	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		data, err := exec.Execute(execCtx, req)
		done <- execOutcome{data: data, err: err}
	}()

	out, finished := p.await(ctx, done, bound, bounded)
	if !finished {
		go func() {
			<-done
			cancel()
			p.release(context.WithoutCancel(ctx), w)
			slog.Info("abandoned executor returned", "task_id", req.TaskID, "worker_id", w.ID)
		}()
		slog.Warn("executor abandoned after deadline", "task_id", t.ID, "worker_id", w.ID, "grace", p.cfg.TimeoutGrace)
		res := worker.ExecutionResult{
			Status:   worker.OutcomeTimeout,
			WorkerID: w.ID,
			Error:    "executor did not return before the deadline",
			Duration: p.now().Sub(start).Seconds(),
		}
		p.observer.ObserveExecution(workerType, res.Status, p.now().Sub(start))
		return res, nil
	}
	cancel()

	res := p.classify(t, out)
	res.WorkerID = w.ID
	elapsed := p.now().Sub(start)
	res.Duration = elapsed.Seconds()
	p.release(ctx, w)

	p.observer.ObserveExecution(workerType, res.Status, elapsed)
	slog.Info("task executed", "task_id", t.ID, "worker_id", w.ID, "status", res.Status, "duration", res.Duration)
	return res, nil
}

// classify maps an executor outcome onto success, timeout or failed.
func (p *PoolService) classify(t *task.Task, out execOutcome) worker.ExecutionResult {
	exceeded := t.DeadlineExceeded(p.now())
	switch {
	case out.err != nil && exceeded && errors.Is(out.err, context.DeadlineExceeded):
		// executor observed the deadline and stopped early
		return worker.ExecutionResult{Status: worker.OutcomeTimeout, Data: out.data, Error: "deadline exceeded"}
	case out.err != nil && (errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded)):
		// cut short by the caller's ctx; the caller decides what to keep
		return worker.ExecutionResult{Status: worker.OutcomeFailed, Data: out.data, Error: out.err.Error()}
	case out.err != nil:
		return worker.ExecutionResult{Status: worker.OutcomeFailed, Error: out.err.Error()}
	case exceeded:
		return worker.ExecutionResult{Status: worker.OutcomeTimeout, Data: out.data, Error: "deadline exceeded during execution"}
	default:
		return worker.ExecutionResult{Status: worker.OutcomeSuccess, Data: out.data}
	}
}

// bound returns how long to wait for the executor: the nearer of the task
// deadline and the ctx deadline.
func (p *PoolService) bound(ctx context.Context, t *task.Task) (time.Duration, bool) {
	var (
		d       time.Duration
		bounded bool
	)
	if r, ok := t.Remaining(p.now()); ok {
		d, bounded = r, true
	}
	if dl, ok := ctx.Deadline(); ok {
		if r := time.Until(dl); !bounded || r < d {
			d, bounded = r, true
		}
	}
	return d, bounded
}

// await waits for the executor up to bound plus the grace period. A ctx that
// ends first also starts the grace period.
func (p *PoolService) await(ctx context.Context, done <-chan execOutcome, bound time.Duration, bounded bool) (execOutcome, bool) {
	var expire <-chan time.Time
	if bounded {
		timer := time.NewTimer(max(bound, 0) + p.cfg.TimeoutGrace)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case out := <-done:
		return out, true
	case <-expire:
		return execOutcome{}, false
	case <-ctx.Done():
	}

	grace := time.NewTimer(p.cfg.TimeoutGrace)
	defer grace.Stop()
	select {
	case out := <-done:
		return out, true
	case <-grace.C:
		return execOutcome{}, false
	}
}

// acquireSlot takes one semaphore slot per the capacity policy.
func (p *PoolService) acquireSlot(ctx context.Context, t *task.Task) error {
	if p.cfg.CapacityPolicy == config.CapacityReject {
		if !p.sem.TryAcquire(1) {
			return ErrCapacityExceeded
		}
		return nil
	}

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if r, ok := t.Remaining(p.now()); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	return nil
}

// checkout assigns t to an idle worker of the same type or a new one. The
// caller holds a semaphore slot, so at most MaxWorkers-1 workers are busy
// and an idle worker can always be evicted when the arena is full.
func (p *PoolService) checkout(typ task.Type, t *task.Task) *worker.Worker {
	p.mu.Lock()
	w := p.findIdleLocked(typ)
	if w == nil {
		if len(p.workers) >= p.cfg.MaxWorkers {
			p.evictIdleLocked()
		}
		w = worker.New(typ, p.now())
		p.workers[w.ID] = w
		slog.Debug("worker created", "worker_id", w.ID, "type", typ)
	}
	w.Assign(t)
	p.busy++
	snapshot := *w
	p.mu.Unlock()

	p.broadcastWorker(context.Background(), &snapshot)
	return w
}

// release returns w per the disposal policy and frees its slot.
func (p *PoolService) release(ctx context.Context, w *worker.Worker) {
	p.mu.Lock()
	w.Release()
	p.busy--
	if p.cfg.Disposal != config.DisposalRecycle || p.idleCountLocked()-1 >= p.cfg.MaxIdle {
		p.terminateLocked(w)
	}
	snapshot := *w
	p.mu.Unlock()

	p.sem.Release(1)
	p.broadcastWorker(ctx, &snapshot)
}

func (p *PoolService) findIdleLocked(typ task.Type) *worker.Worker {
	var found *worker.Worker
	for _, w := range p.workers {
		if w.Status == worker.StatusIdle && w.Type == typ {
			if found == nil || w.CreatedAt.Before(found.CreatedAt) {
				found = w
			}
		}
	}
	return found
}

// evictIdleLocked terminates the oldest idle worker.
func (p *PoolService) evictIdleLocked() bool {
	var oldest *worker.Worker
	for _, w := range p.workers {
		if w.Status == worker.StatusIdle && (oldest == nil || w.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = w
		}
	}
	if oldest == nil {
		return false
	}
	p.terminateLocked(oldest)
	return true
}

func (p *PoolService) idleCountLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.Status == worker.StatusIdle {
			n++
		}
	}
	return n
}

func (p *PoolService) terminateLocked(w *worker.Worker) {
	w.Status = worker.StatusTerminated
	delete(p.workers, w.ID)
	slog.Debug("worker disposed", "worker_id", w.ID, "type", w.Type, "tasks_completed", w.TasksCompleted)
}

// CreateWorker adds an idle worker of typ, evicting the oldest idle worker
// when the arena is full.
func (p *PoolService) CreateWorker(ctx context.Context, typ task.Type) (*worker.Worker, error) {
	if _, ok := p.registry.Get(typ); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkerType, typ)
	}
	p.mu.Lock()
	if len(p.workers) >= p.cfg.MaxWorkers && !p.evictIdleLocked() {
		p.mu.Unlock()
		return nil, fmt.Errorf("create worker: %w", ErrCapacityExceeded)
	}
	w := worker.New(typ, p.now())
	p.workers[w.ID] = w
	snapshot := *w
	p.mu.Unlock()

	p.broadcastWorker(ctx, &snapshot)
	slog.Info("worker created", "worker_id", w.ID, "type", typ)
	return &snapshot, nil
}

// GetWorker returns a snapshot of the worker.
func (p *PoolService) GetWorker(_ context.Context, id string) (*worker.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	snapshot := *w
	return &snapshot, nil
}

// DisposeWorker removes an idle worker. Busy workers cannot be disposed.
func (p *PoolService) DisposeWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	if w.Status == worker.StatusBusy {
		p.mu.Unlock()
		return fmt.Errorf("worker %s is busy with task %s: %w", id, w.TaskID, domain.ErrConflict)
	}
	p.terminateLocked(w)
	snapshot := *w
	p.mu.Unlock()

	p.broadcastWorker(ctx, &snapshot)
	return nil
}

// ListWorkers returns snapshots of every worker, oldest first.
func (p *PoolService) ListWorkers(_ context.Context) []worker.Worker {
	p.mu.Lock()
	out := make([]worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shrink disposes every idle worker and returns how many were removed.
func (p *PoolService) Shrink(ctx context.Context) int {
	p.mu.Lock()
	var removed []worker.Worker
	for _, w := range p.workers {
		if w.Status == worker.StatusIdle {
			p.terminateLocked(w)
			removed = append(removed, *w)
		}
	}
	p.mu.Unlock()

	for i := range removed {
		p.broadcastWorker(ctx, &removed[i])
	}
	if len(removed) > 0 {
		slog.Info("pool shrunk", "disposed", len(removed))
	}
	return len(removed)
}

// Types returns the worker types the pool can run.
func (p *PoolService) Types() []task.Type {
	return p.registry.Types()
}

// Status returns a snapshot of pool occupancy.
func (p *PoolService) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{
		TotalWorkers: len(p.workers),
		MaxWorkers:   p.cfg.MaxWorkers,
		BusyWorkers:  p.busy,
		WorkerTypes:  make(map[string]int),
		Timestamp:    p.now().UTC(),
	}
	for _, w := range p.workers {
		st.WorkerTypes[string(w.Type)]++
		if w.Status == worker.StatusIdle {
			st.IdleWorkers++
		}
	}
	st.AvailableSlots = p.cfg.MaxWorkers - p.busy
	return st
}

// broadcastWorker must be called without p.mu held.
func (p *PoolService) broadcastWorker(ctx context.Context, w *worker.Worker) {
	if p.queue != nil {
		err := messagequeue.PublishJSON(ctx, p.queue, messagequeue.SubjectWorkerStatus, messagequeue.WorkerStatusPayload{
			WorkerID: w.ID,
			Type:     string(w.Type),
			Status:   string(w.Status),
			TaskID:   w.TaskID,
		})
		if err != nil {
			slog.Warn("publish worker status", "worker_id", w.ID, "error", err)
		}
	}
	if p.hub == nil {
		return
	}
	p.hub.BroadcastEvent(ctx, broadcast.EventWorkerStatus, WorkerStatusEvent{
		WorkerID: w.ID,
		Type:     string(w.Type),
		Status:   string(w.Status),
		TaskID:   w.TaskID,
	})
}

// WorkerStatusEvent is broadcast whenever a worker changes state.
type WorkerStatusEvent struct {
	WorkerID string `json:"worker_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	TaskID   string `json:"task_id,omitempty"`
}
