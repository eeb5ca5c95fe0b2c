package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/SwarmForge/internal/adapter/kvstore"
	"github.com/Strob0t/SwarmForge/internal/adapter/memory"
	sfnats "github.com/Strob0t/SwarmForge/internal/adapter/nats"
	"github.com/Strob0t/SwarmForge/internal/adapter/natskv"
	"github.com/Strob0t/SwarmForge/internal/adapter/postgres"
	"github.com/Strob0t/SwarmForge/internal/adapter/redis"
	"github.com/Strob0t/SwarmForge/internal/adapter/ristretto"
	"github.com/Strob0t/SwarmForge/internal/adapter/tiered"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/port/cache"
	"github.com/Strob0t/SwarmForge/internal/port/taskstore"
)

const (
	sweepInterval = time.Minute
	purgeInterval = 10 * time.Minute
)

// backend is an opened Task Store plus what it takes to check and close it.
type backend struct {
	store taskstore.Store
	ping  func(ctx context.Context) error // nil for in-process stores
	close func()
}

// openStore builds the configured Task Store. The nats backend needs a
// connected queue; background expiry loops stop when ctx is done.
func openStore(ctx context.Context, cfg *config.Config, queue *sfnats.Queue) (*backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		s := memory.NewStore(cfg.Store.TaskTTL, cfg.Store.WorkflowTTL)
		s.StartSweeper(ctx, sweepInterval)
		return &backend{store: s, close: func() {}}, nil

	case config.BackendRedis:
		rc, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
		c, closeL1, err := withL1(cfg.Cache, rc)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return &backend{
			store: kvstore.New(c, cfg.Store.TaskTTL, cfg.Store.WorkflowTTL),
			ping:  rc.Ping,
			close: func() {
				closeL1()
				_ = rc.Close()
			},
		}, nil

	case config.BackendNATS:
		if queue == nil {
			return nil, fmt.Errorf("store backend nats requires nats.url")
		}
		kv, err := natskv.Open(ctx, queue.JetStream(), cfg.NATS.KVBucket, cfg.Store.WorkflowTTL)
		if err != nil {
			return nil, fmt.Errorf("nats kv: %w", err)
		}
		c, closeL1, err := withL1(cfg.Cache, kv)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: kvstore.New(c, cfg.Store.TaskTTL, cfg.Store.WorkflowTTL),
			ping:  queue.Ping,
			close: closeL1,
		}, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected")
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		s := postgres.NewStore(pool, cfg.Store.TaskTTL, cfg.Store.WorkflowTTL)
		go purgeLoop(ctx, s)
		return &backend{store: s, ping: s.Ping, close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// withL1 fronts l2 with a ristretto read cache unless it is disabled.
func withL1(cfg config.Cache, l2 cache.Cache) (cache.Cache, func(), error) {
	if cfg.L1MaxSizeMB <= 0 {
		return l2, func() {}, nil
	}
	l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
	if err != nil {
		return nil, nil, fmt.Errorf("l1 cache: %w", err)
	}
	return tiered.New(l1, l2, cfg.L1TTL), l1.Close, nil
}

func purgeLoop(ctx context.Context, s *postgres.Store) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				slog.Error("purge expired records", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired records", "rows", n)
			}
		}
	}
}
