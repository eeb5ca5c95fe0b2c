// Package secrets holds credentials that can rotate while the server runs.
package secrets

import (
	"fmt"
	"sync"
)

// Secret names.
const (
	OperatorKeyHash = "operator_key_hash"
	RedisPassword   = "redis_password"
)

// Loader returns the current secret values by name.
type Loader func() (map[string]string, error)

// Vault holds secret values in memory. Reload swaps them atomically and
// notifies watchers of every name whose value changed.
type Vault struct {
	mu       sync.RWMutex
	values   map[string]string
	loader   Loader
	watchers map[string][]func(string)
}

// NewVault calls loader once to populate the vault.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values:   vals,
		loader:   loader,
		watchers: make(map[string][]func(string)),
	}, nil
}

// Get returns the secret for name, or "" if it is not set.
func (v *Vault) Get(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[name]
}

// Lookup returns the secret for name, or fallback if it is not set.
func (v *Vault) Lookup(name, fallback string) string {
	if s := v.Get(name); s != "" {
		return s
	}
	return fallback
}

// Watch registers fn to run with the new value after a reload changes name.
func (v *Vault) Watch(name string, fn func(string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.watchers[name] = append(v.watchers[name], fn)
}

// Reload re-runs the loader. On error the previous values stay active and no
// watcher runs. Watchers run outside the lock.
func (v *Vault) Reload() error {
	next, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}

	type change struct {
		fn    func(string)
		value string
	}
	var changes []change

	v.mu.Lock()
	for name, fns := range v.watchers {
		if v.values[name] == next[name] {
			continue
		}
		for _, fn := range fns {
			changes = append(changes, change{fn, next[name]})
		}
	}
	v.values = next
	v.mu.Unlock()

	for _, c := range changes {
		c.fn(c.value)
	}
	return nil
}
