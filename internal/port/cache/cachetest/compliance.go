// Package cachetest checks that a cache.Cache behaves the way the task store
// relies on.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/port/cache"
)

// Settle is called after writes for implementations that apply them
// asynchronously (ristretto). It may be nil.
type Settle func()

type step struct {
	op    string // set, delete or get
	key   string
	value string
	found bool
}

// Run exercises c with a fixed set of write/read sequences.
func Run(t *testing.T, c cache.Cache, settle Settle) {
	t.Helper()
	if settle == nil {
		settle = func() {}
	}

	cases := []struct {
		name  string
		steps []step
	}{
		{"read own write", []step{
			{op: "set", key: "task:t1", value: `{"status":"pending"}`},
			{op: "get", key: "task:t1", value: `{"status":"pending"}`, found: true},
		}},
		{"unknown key", []step{
			{op: "get", key: "task:never"},
		}},
		{"overwrite", []step{
			{op: "set", key: "task:t2", value: "pending"},
			{op: "set", key: "task:t2", value: "success"},
			{op: "get", key: "task:t2", value: "success", found: true},
		}},
		{"delete", []step{
			{op: "set", key: "workflow:w1", value: "running"},
			{op: "delete", key: "workflow:w1"},
			{op: "get", key: "workflow:w1"},
		}},
		{"delete unknown", []step{
			{op: "delete", key: "workflow:never"},
		}},
	}

	ctx := context.Background()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i, s := range tc.steps {
				switch s.op {
				case "set":
					if err := c.Set(ctx, s.key, []byte(s.value), time.Minute); err != nil {
						t.Fatalf("step %d: set %s: %v", i, s.key, err)
					}
					settle()
				case "delete":
					if err := c.Delete(ctx, s.key); err != nil {
						t.Fatalf("step %d: delete %s: %v", i, s.key, err)
					}
					settle()
				case "get":
					got, found, err := c.Get(ctx, s.key)
					if err != nil {
						t.Fatalf("step %d: get %s: %v", i, s.key, err)
					}
					if found != s.found || (found && string(got) != s.value) {
						t.Fatalf("step %d: get %s = %q, %v; want %q, %v", i, s.key, got, found, s.value, s.found)
					}
				}
			}
		})
	}
}
