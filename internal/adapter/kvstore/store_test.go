package kvstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/SwarmForge/internal/adapter/kvstore"
	"github.com/Strob0t/SwarmForge/internal/adapter/ristretto"
	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore/taskstoretest"
)

type recordingCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newRecordingCache() *recordingCache {
	return &recordingCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *recordingCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func TestCompliance(t *testing.T) {
	taskstoretest.Run(t, kvstore.New(newRecordingCache(), time.Hour, 2*time.Hour))
}

func TestComplianceOverRistretto(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	taskstoretest.Run(t, kvstore.New(c, time.Hour, 2*time.Hour))
}

func TestKeysAndTTLs(t *testing.T) {
	c := newRecordingCache()
	s := kvstore.New(c, time.Hour, 2*time.Hour)
	tk, err := task.New(task.TypeCrawl, nil, task.PriorityNormal, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutTask(context.Background(), tk); err != nil {
		t.Fatal(err)
	}

	key := "task:" + tk.ID
	if c.ttls[key] != time.Hour {
		t.Errorf("ttl = %v, want 1h", c.ttls[key])
	}
	if !strings.Contains(string(c.data[key]), `"created_at":"`) || !strings.Contains(string(c.data[key]), `Z"`) {
		t.Errorf("timestamps should be UTC with Z: %s", c.data[key])
	}
}

func TestCorruptRecord(t *testing.T) {
	c := newRecordingCache()
	c.data["task:bad"] = []byte("{")
	s := kvstore.New(c, 0, 0)
	_, err := s.GetTask(context.Background(), "bad")
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want decode error", err)
	}
}
