package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/adapter/memory"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/workflow"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
	"github.com/Strob0t/SwarmForge/internal/port/messagequeue"
)

// fakeQueue records published subjects and keeps subscribed handlers.
type fakeQueue struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]messagequeue.Handler
}

func (q *fakeQueue) Publish(_ context.Context, subject string, _ []byte) error {
	q.mu.Lock()
	q.published = append(q.published, subject)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.published {
		if s == subject {
			n++
		}
	}
	return n
}

type orchestratorFixture struct {
	svc   *OrchestratorService
	pool  *PoolService
	store *memory.Store
	clock *fakeClock
}

func newOrchestratorFixture(t *testing.T, cfg config.Pool, execs map[task.Type]executor.Func) *orchestratorFixture {
	t.Helper()
	clock := newFakeClock()
	pool := newTestPool(t, cfg, execs)
	pool.now = clock.Now
	store := memory.NewStore(0, 0)
	svc := NewOrchestratorService(store, pool, config.Orchestrator{DefaultPriority: "normal"})
	svc.now = clock.Now
	return &orchestratorFixture{svc: svc, pool: pool, store: store, clock: clock}
}

// sleeper simulates work taking d by advancing the clock.
func sleeper(clock *fakeClock, d time.Duration) executor.Func {
	return func(_ context.Context, req executor.Request) (map[string]any, error) {
		clock.Advance(d)
		return map[string]any{"task": req.TaskID, "seconds": d.Seconds()}, nil
	}
}

func specs(types ...task.Type) []task.Spec {
	out := make([]task.Spec, len(types))
	for i, typ := range types {
		out[i] = task.Spec{Type: typ, Params: map[string]any{"i": i}}
	}
	return out
}

func TestCreateTask_StoresPendingRecord(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	ctx := context.Background()

	tk, err := f.svc.CreateTask(ctx, task.Spec{Type: "crawler", Deadline: secs(30)})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Type != task.TypeCrawl || tk.Priority != task.PriorityNormal {
		t.Errorf("task = %+v", tk)
	}
	want := f.clock.Now().Add(30 * time.Second)
	if tk.Deadline == nil || !tk.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", tk.Deadline, want)
	}

	got, err := f.svc.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("stored status = %s", got.Status)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	tests := []struct {
		name string
		spec task.Spec
	}{
		{"unknown type", task.Spec{Type: "mining"}},
		{"nan deadline", task.Spec{Type: task.TypeCrawl, Deadline: secs(math.NaN())}},
		{"infinite deadline", task.Spec{Type: task.TypeCrawl, Deadline: secs(math.Inf(1))}},
		{"bad priority", task.Spec{Type: task.TypeCrawl, Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateTask(context.Background(), tt.spec)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestIsDeadlineExceeded_NonPositiveDeadline(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	for _, d := range []float64{0, -5} {
		tk, err := f.svc.CreateTask(context.Background(), task.Spec{Type: task.TypeCrawl, Deadline: secs(d)})
		if err != nil {
			t.Fatalf("deadline %v: %v", d, err)
		}
		if !f.svc.IsDeadlineExceeded(tk) {
			t.Errorf("deadline %v should be exceeded immediately", d)
		}
	}
}

func TestIsDeadlineExceeded_NoDeadlineNeverExpires(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	tk, err := f.svc.CreateTask(context.Background(), task.Spec{Type: task.TypeAnalyze})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(100_000 * time.Hour)
	if f.svc.IsDeadlineExceeded(tk) {
		t.Fatal("task without deadline expired")
	}
}

func TestCancelTask_Idempotent(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	ctx := context.Background()
	tk, err := f.svc.CreateTask(ctx, task.Spec{Type: task.TypeCrawl})
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.svc.CancelTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	second, err := f.svc.CancelTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if first.Status != task.StatusCancelled || second.Status != task.StatusCancelled {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Errorf("second cancel changed completed_at: %v -> %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestCancelTask_TerminalUnchanged(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: returning(map[string]any{"ok": true}, nil),
	})
	ctx := context.Background()
	res, err := f.svc.OrchestrateWorkflow(ctx, workflow.Request{Tasks: specs(task.TypeCrawl)})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Results[0].TaskID

	got, err := f.svc.CancelTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("completed task changed to %s", got.Status)
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	if _, err := f.svc.CancelTask(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOrchestrate_ErrorDoesNotAbortWorkflow(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl:     sleeper(newFakeClock(), 0),
		task.TypeAnalyze:   returning(nil, errors.New("no data points")),
		task.TypeBenchmark: returning(map[string]any{"ops": 1}, nil),
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: specs(task.TypeCrawl, task.TypeAnalyze, task.TypeBenchmark, task.TypeCrawl),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TasksExecuted != 4 || res.TasksTotal != 4 {
		t.Fatalf("executed %d of %d, want 4 of 4", res.TasksExecuted, res.TasksTotal)
	}
	if res.Status != workflow.StatusCompleted || res.DeadlineExceeded {
		t.Errorf("status = %s, exceeded = %v", res.Status, res.DeadlineExceeded)
	}
	if r := res.Results[1]; r.Status != task.StatusFailed || r.Error != "no data points" {
		t.Errorf("failed entry = %+v", r)
	}
	for i, r := range res.Results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d", i, r.Index)
		}
	}
}

func TestOrchestrate_DeadlineHaltsWorkflow(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	clock := newFakeClock()
	step := func(d time.Duration) executor.Func {
		return func(ctx context.Context, req executor.Request) (map[string]any, error) {
			mu.Lock()
			ran = append(ran, req.TaskID)
			mu.Unlock()
			return sleeper(clock, d)(ctx, req)
		}
	}
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl:     step(2 * time.Second),
		task.TypeAnalyze:   step(2 * time.Second),
		task.TypeBenchmark: step(3 * time.Second),
	})
	f.clock = clock
	f.pool.now = clock.Now
	f.svc.now = clock.Now

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks:    specs(task.TypeCrawl, task.TypeAnalyze, task.TypeBenchmark),
		Deadline: secs(5),
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.TasksExecuted != 2 || res.TasksTotal != 3 {
		t.Fatalf("executed %d of %d, want 2 of 3", res.TasksExecuted, res.TasksTotal)
	}
	if res.Status != workflow.StatusDeadlineExceeded || !res.DeadlineExceeded {
		t.Errorf("status = %s, exceeded = %v", res.Status, res.DeadlineExceeded)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results = %d entries, want 3", len(res.Results))
	}
	for i, want := range []task.Status{task.StatusCompleted, task.StatusCompleted, task.StatusCancelled} {
		if res.Results[i].Status != want {
			t.Errorf("results[%d] = %s, want %s", i, res.Results[i].Status, want)
		}
	}
	if res.Duration != 7 {
		t.Errorf("duration = %v, want 7", res.Duration)
	}

	// The overrunning task keeps its data in the store.
	third, err := f.svc.GetTask(context.Background(), res.Results[2].TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != task.StatusCancelled || third.Result == nil {
		t.Errorf("third task = %+v", third)
	}
	if len(ran) != 3 {
		t.Errorf("executors run = %d, want 3", len(ran))
	}
}

func TestOrchestrate_RemainingTasksCancelledNotStarted(t *testing.T) {
	var calls atomic.Int32
	clock := newFakeClock()
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(ctx context.Context, req executor.Request) (map[string]any, error) {
			calls.Add(1)
			return sleeper(clock, 3*time.Second)(ctx, req)
		},
	})
	f.pool.now = clock.Now
	f.svc.now = clock.Now

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks:    specs(task.TypeCrawl, task.TypeCrawl, task.TypeCrawl, task.TypeCrawl),
		Deadline: secs(5),
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("executor calls = %d, want 2", calls.Load())
	}
	if res.TasksExecuted != 1 || len(res.Results) != 4 {
		t.Fatalf("executed = %d, results = %d", res.TasksExecuted, len(res.Results))
	}
	for _, r := range res.Results[1:] {
		if r.Status != task.StatusCancelled || r.TaskID == "" {
			t.Errorf("entry = %+v, want a stored cancelled task", r)
		}
		stored, err := f.svc.GetTask(context.Background(), r.TaskID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != task.StatusCancelled || stored.WorkflowID != res.WorkflowID {
			t.Errorf("stored = %+v", stored)
		}
	}
	if !res.Results[3].Status.IsTerminal() || res.Results[3].WorkerID != "" {
		t.Errorf("unstarted task has a worker: %+v", res.Results[3])
	}
}

func TestOrchestrate_ZeroWorkflowDeadlineRunsNothing(t *testing.T) {
	var calls atomic.Int32
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(context.Context, executor.Request) (map[string]any, error) {
			calls.Add(1)
			return nil, nil
		},
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks:    specs(task.TypeCrawl, task.TypeCrawl),
		Deadline: secs(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 || res.TasksExecuted != 0 {
		t.Fatalf("calls = %d, executed = %d", calls.Load(), res.TasksExecuted)
	}
	if len(res.Results) != 2 || res.Status != workflow.StatusDeadlineExceeded {
		t.Fatalf("result = %+v", res)
	}
}

func TestOrchestrate_TaskDeadlinePassedBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(context.Context, executor.Request) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{}, nil
		},
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: []task.Spec{
			{Type: task.TypeCrawl, Deadline: secs(0)},
			{Type: task.TypeCrawl},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Results[0].Status != task.StatusTimeout {
		t.Errorf("first = %s, want timeout", res.Results[0].Status)
	}
	if res.Results[1].Status != task.StatusCompleted {
		t.Errorf("second = %s, want completed", res.Results[1].Status)
	}
	if calls.Load() != 1 || res.TasksExecuted != 2 {
		t.Errorf("calls = %d, executed = %d", calls.Load(), res.TasksExecuted)
	}

	stored, err := f.svc.GetTask(context.Background(), res.Results[0].TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.StartedAt != nil {
		t.Errorf("timed-out task should never start, started_at = %v", stored.StartedAt)
	}
}

func TestOrchestrate_TaskTimeoutKeepsPartialResult(t *testing.T) {
	clock := newFakeClock()
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeBenchmark: sleeper(clock, 2*time.Second),
		task.TypeCrawl:     returning(map[string]any{"ok": true}, nil),
	})
	f.pool.now = clock.Now
	f.svc.now = clock.Now

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: []task.Spec{
			{Type: task.TypeBenchmark, Deadline: secs(1)},
			{Type: task.TypeCrawl},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	first := res.Results[0]
	if first.Status != task.StatusTimeout || first.Result["seconds"] != 2.0 {
		t.Errorf("first = %+v, want timeout with data", first)
	}
	if res.Results[1].Status != task.StatusCompleted || res.TasksExecuted != 2 {
		t.Errorf("workflow should continue after a task timeout: %+v", res)
	}
}

func TestOrchestrate_CapacityExceededIsTaskFailure(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxWorkers = 1
	cfg.CapacityPolicy = config.CapacityReject

	started := make(chan struct{})
	release := make(chan struct{})
	f := newOrchestratorFixture(t, cfg, map[task.Type]executor.Func{
		task.TypeBenchmark: func(context.Context, executor.Request) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		},
		task.TypeCrawl: returning(nil, nil),
	})

	holder := newTask(t, task.TypeBenchmark, nil, f.clock.Now())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.pool.Execute(context.Background(), task.TypeBenchmark, holder, ExecuteOptions{})
	}()
	<-started

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: specs(task.TypeCrawl, task.TypeCrawl),
	})
	close(release)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range res.Results {
		if r.Status != task.StatusFailed || r.Code != CodeCapacityExceeded {
			t.Errorf("results[%d] = %+v, want failed capacity_exceeded", i, r)
		}
	}
	if res.TasksExecuted != 2 || res.Status != workflow.StatusCompleted {
		t.Errorf("workflow = %+v", res)
	}
}

func TestOrchestrate_ReorderByScore(t *testing.T) {
	var order []task.Type
	var mu sync.Mutex
	record := func(_ context.Context, req executor.Request) (map[string]any, error) {
		mu.Lock()
		order = append(order, req.Type)
		mu.Unlock()
		return nil, nil
	}
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl:          record,
		task.TypeFraudDetection: record,
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: []task.Spec{
			{Type: task.TypeCrawl, Priority: task.PriorityLow},
			{Type: task.TypeFraudDetection, Priority: task.PriorityCritical},
		},
		Reorder: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order[0] != task.TypeFraudDetection {
		t.Fatalf("execution order = %v", order)
	}
	if res.Results[0].Index != 1 || res.Results[0].PriorityScore != 6 {
		t.Errorf("first entry = %+v", res.Results[0])
	}
	if res.Results[1].Index != 0 || res.Results[1].PriorityScore != 1 {
		t.Errorf("second entry = %+v", res.Results[1])
	}
}

func TestOrchestrate_PreservesOrderByDefault(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl:          returning(nil, nil),
		task.TypeFraudDetection: returning(nil, nil),
	})
	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: []task.Spec{
			{Type: task.TypeCrawl, Priority: task.PriorityLow},
			{Type: task.TypeFraudDetection, Priority: task.PriorityCritical},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Results[0].Type != task.TypeCrawl || res.Results[1].Type != task.TypeFraudDetection {
		t.Fatalf("order changed: %+v", res.Results)
	}
}

func TestOrchestrate_OperatorCancelsRunningTask(t *testing.T) {
	ids := make(chan string, 1)
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(ctx context.Context, req executor.Request) (map[string]any, error) {
			ids <- req.TaskID
			<-ctx.Done()
			return map[string]any{"pages": 1}, ctx.Err()
		},
		task.TypeAnalyze: returning(nil, nil),
	})

	type outcome struct {
		res *workflow.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
			Tasks: specs(task.TypeCrawl, task.TypeAnalyze),
		})
		out <- outcome{res, err}
	}()

	id := <-ids
	cancelled, err := f.svc.CancelTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	o := <-out
	if o.err != nil {
		t.Fatal(o.err)
	}
	if r := o.res.Results[0]; r.Status != task.StatusCancelled || r.Error != errOperatorCancel {
		t.Errorf("cancelled entry = %+v", r)
	}
	if o.res.Results[1].Status != task.StatusCompleted {
		t.Errorf("workflow should continue: %+v", o.res.Results[1])
	}

	stored, err := f.svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != task.StatusCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestOrchestrate_PersistsWorkflowAndPublishes(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: returning(nil, nil),
	})
	q := &fakeQueue{}
	hub := &recordingHub{}
	f.svc.SetQueue(q)
	f.svc.SetHub(hub)

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks:    specs(task.TypeCrawl, task.TypeCrawl),
		Priority: task.PriorityHigh,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.GetWorkflow(context.Background(), res.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workflow.StatusCompleted || got.TasksExecuted != 2 || len(got.Results) != 2 {
		t.Errorf("stored workflow = %+v", got)
	}
	stored, err := f.svc.GetTask(context.Background(), res.Results[0].TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Priority != task.PriorityHigh {
		t.Errorf("task should inherit workflow priority, got %s", stored.Priority)
	}

	if n := q.count(messagequeue.SubjectTaskCreated); n != 2 {
		t.Errorf("tasks.created = %d, want 2", n)
	}
	// running + completed per task
	if n := q.count(messagequeue.SubjectTaskStatus); n != 4 {
		t.Errorf("tasks.status = %d, want 4", n)
	}
	if n := q.count(messagequeue.SubjectWorkflowCompleted); n != 1 {
		t.Errorf("workflows.completed = %d, want 1", n)
	}
	if n := hub.count("workflow.status"); n != 1 {
		t.Errorf("workflow.status broadcasts = %d, want 1", n)
	}
}

func TestOrchestrate_Validation(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	tests := []struct {
		name string
		req  workflow.Request
	}{
		{"no tasks", workflow.Request{}},
		{"bad priority", workflow.Request{Tasks: specs(task.TypeCrawl), Priority: "urgent"}},
		{"negative deadline", workflow.Request{Tasks: specs(task.TypeCrawl), Deadline: secs(-1)}},
		{"unknown type", workflow.Request{Tasks: []task.Spec{{Type: "mining"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.OrchestrateWorkflow(context.Background(), tt.req); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestListenForCancels(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), nil)
	q := &fakeQueue{}
	f.svc.SetQueue(q)

	stop, err := f.svc.ListenForCancels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	tk, err := f.svc.CreateTask(context.Background(), task.Spec{Type: task.TypeCrawl})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(messagequeue.TaskCancelPayload{TaskID: tk.ID})
	h := q.handlers[messagequeue.SubjectTaskCancel]
	if h == nil {
		t.Fatal("no cancel handler subscribed")
	}
	if err := h(context.Background(), messagequeue.SubjectTaskCancel, data); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	unknown, _ := json.Marshal(messagequeue.TaskCancelPayload{TaskID: "missing"})
	if err := h(context.Background(), messagequeue.SubjectTaskCancel, unknown); err != nil {
		t.Fatalf("unknown task should be ignored, got %v", err)
	}
}

func TestOrchestrate_WorkflowDeadlineKeepsPartialResult(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeAnalyze: func(ctx context.Context, _ executor.Request) (map[string]any, error) {
			<-ctx.Done()
			return map[string]any{"partial": true}, ctx.Err()
		},
		task.TypeCrawl: returning(nil, nil),
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks:    specs(task.TypeAnalyze, task.TypeCrawl),
		Deadline: secs(0.05),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.DeadlineExceeded || res.TasksExecuted != 0 {
		t.Fatalf("exceeded = %v, executed = %d", res.DeadlineExceeded, res.TasksExecuted)
	}
	first := res.Results[0]
	if first.Status != task.StatusCancelled || first.Result["partial"] != true {
		t.Fatalf("first = %+v, want cancelled with partial data", first)
	}
	if res.Results[1].Status != task.StatusCancelled {
		t.Errorf("second = %s, want cancelled", res.Results[1].Status)
	}

	stored, err := f.svc.GetTask(context.Background(), first.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Result["partial"] != true {
		t.Errorf("stored result = %v", stored.Result)
	}
}

func TestOrchestrate_ContextErrorWithoutBudgetIsFailedWithoutData(t *testing.T) {
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeAnalyze: returning(map[string]any{"partial": true}, context.Canceled),
	})

	res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
		Tasks: specs(task.TypeAnalyze),
	})
	if err != nil {
		t.Fatal(err)
	}
	if r := res.Results[0]; r.Status != task.StatusFailed || r.Result != nil {
		t.Errorf("result = %+v, want failed without data", r)
	}
}

func TestOrchestrate_NonPositiveTaskDeadlineTimesOut(t *testing.T) {
	var calls atomic.Int32
	f := newOrchestratorFixture(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(context.Context, executor.Request) (map[string]any, error) {
			calls.Add(1)
			return nil, nil
		},
	})

	for _, d := range []float64{0, -1} {
		res, err := f.svc.OrchestrateWorkflow(context.Background(), workflow.Request{
			Tasks: []task.Spec{{Type: task.TypeCrawl, Deadline: secs(d)}},
		})
		if err != nil {
			t.Fatalf("deadline %v: %v", d, err)
		}
		if r := res.Results[0]; r.Status != task.StatusTimeout || r.Error != errDeadlineBeforeDispatch {
			t.Errorf("deadline %v: result = %+v", d, r)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("executor ran %d times", calls.Load())
	}

	tk, err := f.svc.CreateTask(context.Background(), task.Spec{Type: task.TypeCrawl, Deadline: secs(-3)})
	if err != nil {
		t.Fatalf("create with negative deadline: %v", err)
	}
	if !f.svc.IsDeadlineExceeded(tk) {
		t.Error("negative deadline should already be exceeded")
	}
}

// failingStore rejects task writes once armed.
type failingStore struct {
	*memory.Store
	armed atomic.Bool
}

func (s *failingStore) PutTask(ctx context.Context, t *task.Task) error {
	if s.armed.Load() {
		return errors.New("disk full")
	}
	return s.Store.PutTask(ctx, t)
}

func TestOrchestrate_LogsStoreFailureAfterOperatorCancel(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	store := &failingStore{Store: memory.NewStore(0, 0)}
	ids := make(chan string, 1)
	pool := newTestPool(t, testPoolConfig(), map[task.Type]executor.Func{
		task.TypeCrawl: func(ctx context.Context, req executor.Request) (map[string]any, error) {
			ids <- req.TaskID
			<-ctx.Done()
			store.armed.Store(true)
			return map[string]any{"pages": 1}, ctx.Err()
		},
	})
	svc := NewOrchestratorService(store, pool, config.Orchestrator{DefaultPriority: "normal"})

	done := make(chan error, 1)
	go func() {
		_, err := svc.OrchestrateWorkflow(context.Background(), workflow.Request{Tasks: specs(task.TypeCrawl)})
		done <- err
	}()

	id := <-ids
	if _, err := svc.CancelTask(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		if rec["msg"] == "store task" && rec["task_id"] == id && rec["error"] == "disk full" {
			found = true
		}
	}
	if !found {
		t.Errorf("store failure not logged:\n%s", buf.String())
	}
}
