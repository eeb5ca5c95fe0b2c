package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Strob0t/SwarmForge/internal/secrets"
)

func static(vals map[string]string) secrets.Loader {
	return func() (map[string]string, error) { return vals, nil }
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_GetAndLookup(t *testing.T) {
	v, err := secrets.NewVault(static(map[string]string{secrets.OperatorKeyHash: "h1"}))
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.OperatorKeyHash); got != "h1" {
		t.Fatalf("Get = %q", got)
	}
	if got := v.Get(secrets.RedisPassword); got != "" {
		t.Fatalf("missing secret = %q", got)
	}
	if got := v.Lookup(secrets.RedisPassword, "from-config"); got != "from-config" {
		t.Fatalf("Lookup fallback = %q", got)
	}
	if got := v.Lookup(secrets.OperatorKeyHash, "from-config"); got != "h1" {
		t.Fatalf("Lookup = %q", got)
	}
}

func TestVault_ReloadNotifiesChangedWatchers(t *testing.T) {
	current := map[string]string{"a": "1", "b": "1"}
	v, _ := secrets.NewVault(func() (map[string]string, error) { return current, nil })

	var gotA, gotB []string
	v.Watch("a", func(s string) { gotA = append(gotA, s) })
	v.Watch("b", func(s string) { gotB = append(gotB, s) })

	current = map[string]string{"a": "2", "b": "1"}
	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}
	current = map[string]string{"b": "1"}
	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}

	if len(gotA) != 2 || gotA[0] != "2" || gotA[1] != "" {
		t.Fatalf("watcher a = %q", gotA)
	}
	if len(gotB) != 0 {
		t.Fatalf("watcher b ran for unchanged value: %q", gotB)
	}
	if v.Get("a") != "" {
		t.Fatal("removed secret still visible")
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"k": "original"}, nil
		}
		return nil, errors.New("unavailable")
	})
	called := false
	v.Watch("k", func(string) { called = true })

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("k"); got != "original" {
		t.Fatalf("after failed reload = %q", got)
	}
	if called {
		t.Fatal("watcher ran after failed reload")
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(static(map[string]string{"k": "v"}))
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get("k")
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("SWARMFORGE_OPERATOR_KEY_HASH", "hash")
	vals, err := secrets.EnvLoader("SWARMFORGE_", secrets.OperatorKeyHash, secrets.RedisPassword)()
	if err != nil {
		t.Fatal(err)
	}
	if vals[secrets.OperatorKeyHash] != "hash" {
		t.Fatalf("vals = %v", vals)
	}
	if _, ok := vals[secrets.RedisPassword]; ok {
		t.Fatal("unset variable must be omitted")
	}
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, secrets.RedisPassword), []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	vals, err := secrets.DirLoader(dir, secrets.RedisPassword, secrets.OperatorKeyHash)()
	if err != nil {
		t.Fatal(err)
	}
	if vals[secrets.RedisPassword] != "s3cret" {
		t.Fatalf("value not trimmed: %q", vals[secrets.RedisPassword])
	}
	if _, ok := vals[secrets.OperatorKeyHash]; ok {
		t.Fatal("missing file must be omitted")
	}

	if vals, err := secrets.DirLoader("", secrets.RedisPassword)(); err != nil || len(vals) != 0 {
		t.Fatalf("empty dir = %v, %v", vals, err)
	}
}

func TestMergeLaterWins(t *testing.T) {
	vals, err := secrets.Merge(
		static(map[string]string{"a": "env", "b": "env"}),
		static(map[string]string{"b": "file"}),
	)()
	if err != nil {
		t.Fatal(err)
	}
	if vals["a"] != "env" || vals["b"] != "file" {
		t.Fatalf("vals = %v", vals)
	}

	failing := func() (map[string]string, error) { return nil, errors.New("boom") }
	if _, err := secrets.Merge(static(nil), failing)(); err == nil {
		t.Fatal("expected merge to propagate loader error")
	}
}
