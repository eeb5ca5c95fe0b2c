package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/adapter/postgres"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore/taskstoretest"
)

// setupStore connects to DATABASE_URL, runs all migrations and returns a
// store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T, taskTTL time.Duration) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	pool, err := postgres.NewPool(ctx, config.Postgres{DSN: dsn, MaxConns: 4, MinConns: 1, HealthCheck: time.Minute})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return postgres.NewStore(pool, taskTTL, time.Hour)
}

func TestStoreCompliance(t *testing.T) {
	taskstoretest.Run(t, setupStore(t, time.Hour))
}

func TestStoreUpsertKeepsImmutableFields(t *testing.T) {
	s := setupStore(t, time.Hour)
	ctx := context.Background()

	secs := 10.0
	tk, err := task.New(task.TypeAnalyze, map[string]any{"analysis_type": "statistics"}, task.PriorityHigh, &secs, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(task.StatusRunning, time.Now()); err != nil {
		t.Fatal(err)
	}
	tk.WorkerID = "analyze-1234"
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusRunning || got.WorkerID != "analyze-1234" || got.StartedAt == nil {
		t.Errorf("got %+v", got)
	}
	if got.Params["analysis_type"] != "statistics" || got.Deadline == nil || got.Deadline.Location() != time.UTC {
		t.Errorf("immutable fields changed: %+v", got)
	}
}

func TestStoreExpiredHiddenAndPurged(t *testing.T) {
	s := setupStore(t, time.Millisecond)
	ctx := context.Background()

	tk, err := task.New(task.TypeCrawl, nil, task.PriorityNormal, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := s.GetTask(ctx, tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired task: err = %v, want ErrNotFound", err)
	}
	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("purged %d rows, want >= 1", n)
	}
}

func TestMigrationVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatal(err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("version = %d, want >= 1", v)
	}
}
