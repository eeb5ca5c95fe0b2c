package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore/taskstoretest"
)

func TestStoreCompliance(t *testing.T) {
	taskstoretest.Run(t, NewStore(time.Hour, 2*time.Hour))
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(0, 0)
	ctx := context.Background()
	tk, _ := task.New(task.TypeCrawl, map[string]any{"url": "https://a"}, "", nil, time.Now())
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	tk.Params["url"] = "https://mutated"
	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Params["url"] != "https://a" {
		t.Fatalf("stored record aliased caller memory: %v", got.Params)
	}
}

func TestStoreTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(time.Hour, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	tk, _ := task.New(task.TypeAnalyze, nil, "", nil, now)
	_ = s.PutTask(ctx, tk)

	now = now.Add(59 * time.Minute)
	if _, err := s.GetTask(ctx, tk.ID); err != nil {
		t.Fatalf("record should still be live: %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := s.GetTask(ctx, tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
}
