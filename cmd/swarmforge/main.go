package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Strob0t/SwarmForge/internal/adapter/builtin"
	sfhttp "github.com/Strob0t/SwarmForge/internal/adapter/http"
	sfnats "github.com/Strob0t/SwarmForge/internal/adapter/nats"
	"github.com/Strob0t/SwarmForge/internal/adapter/natskv"
	sfotel "github.com/Strob0t/SwarmForge/internal/adapter/otel"
	sfprom "github.com/Strob0t/SwarmForge/internal/adapter/prometheus"
	"github.com/Strob0t/SwarmForge/internal/adapter/remote"
	"github.com/Strob0t/SwarmForge/internal/adapter/ws"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/logger"
	"github.com/Strob0t/SwarmForge/internal/middleware"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
	"github.com/Strob0t/SwarmForge/internal/secrets"
	"github.com/Strob0t/SwarmForge/internal/service"
)

const (
	crawlTimeout    = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		err = runAdmin(os.Args[2:])
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, path)

	level := new(slog.LevelVar)
	log, closeLog := logger.New(cfg.Logging, level)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Store.Backend,
		"max_workers", cfg.Pool.MaxWorkers,
		"capacity_policy", cfg.Pool.CapacityPolicy,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Observability ---

	shutdownOTel, err := sfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()
	metrics, err := sfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	vault, err := secrets.NewVault(secrets.Merge(
		secrets.EnvLoader("SWARMFORGE_", secrets.OperatorKeyHash, secrets.RedisPassword),
		secrets.DirLoader(cfg.Auth.SecretsDir, secrets.OperatorKeyHash, secrets.RedisPassword),
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	cfg.Redis.Password = vault.Lookup(secrets.RedisPassword, cfg.Redis.Password)

	// --- Infrastructure ---

	var queue *sfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = sfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Error("nats drain", "error", err)
			}
		}()
	} else {
		slog.Warn("nats disabled: no lifecycle events, idempotency or remote cancel")
	}

	be, err := openStore(ctx, cfg, queue)
	if err != nil {
		return err
	}
	defer be.close()

	// --- Executors ---

	registry := executor.NewRegistry()
	if err := builtin.Register(registry, &http.Client{Timeout: crawlTimeout}); err != nil {
		return fmt.Errorf("builtin executors: %w", err)
	}
	remotes, err := remote.Register(registry, cfg.Services, cfg.Breaker)
	if err != nil {
		return fmt.Errorf("remote executors: %w", err)
	}
	if missing := registry.Missing(); len(missing) > 0 {
		slog.Warn("task types without executor", "types", missing)
	}

	// --- Services ---

	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin)...)

	pool := service.NewPoolService(registry, cfg.Pool, hub)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := sfprom.NewExporter(promReg)
	if err != nil {
		return fmt.Errorf("prometheus: %w", err)
	}
	pool.SetObserver(exporter)
	if err := promReg.Register(sfprom.NewPoolCollector(pool)); err != nil {
		return fmt.Errorf("prometheus pool collector: %w", err)
	}

	orch := service.NewOrchestratorService(be.store, pool, cfg.Orchestrator)
	orch.SetHub(hub)
	orch.SetMetrics(metrics)

	checks := map[string]sfhttp.HealthCheck{}
	if be.ping != nil {
		checks["store"] = be.ping
	}

	opts := sfhttp.RouterOptions{
		CORSOrigin:  cfg.Server.CORSOrigin,
		ServiceName: cfg.OTEL.ServiceName,
		RateLimiter: middleware.NewRateLimiterFromConfig(cfg.Rate),
		Operator:    middleware.NewOperatorKey(vault.Lookup(secrets.OperatorKeyHash, cfg.Auth.OperatorKeyHash)),
		Metrics:     sfprom.Handler(promReg),
		WebSocket:   hub.HandleWS,
	}
	stopCleanup := opts.RateLimiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()
	vault.Watch(secrets.OperatorKeyHash, func(hash string) {
		opts.Operator.Rotate(cmp.Or(hash, holder.Get().Auth.OperatorKeyHash))
	})

	if queue != nil {
		orch.SetQueue(queue)
		pool.SetQueue(queue)
		checks["nats"] = queue.Ping

		stopCancels, err := orch.ListenForCancels(ctx)
		if err != nil {
			return fmt.Errorf("cancel subscriber: %w", err)
		}
		defer stopCancels()

		idem, err := natskv.Open(ctx, queue.JetStream(), cfg.NATS.IdempotencyBucket, cfg.NATS.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		opts.Idempotency = middleware.Idempotency(idem, cfg.NATS.IdempotencyTTL)
	}

	// --- HTTP ---

	handlers := &sfhttp.Handlers{
		Orchestrator: orch,
		Pool:         pool,
		Services:     remotes.Endpoints,
		Checks:       checks,
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           sfhttp.NewRouter(handlers, opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("server: %w", err)
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				reload(holder, vault, level)
				continue
			}
		}
		break
	}

	slog.Info("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads the config file and secrets and applies what can change at
// runtime: the log level and the operator key. Everything else needs a
// restart.
func reload(h *config.Holder, vault *secrets.Vault, level *slog.LevelVar) {
	if err := h.Reload(); err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	cfg := h.Get()
	level.Set(logger.ParseLevel(cfg.Logging.Level))
	if err := vault.Reload(); err != nil {
		slog.Error("secrets reload failed", "error", err)
	}
	slog.Info("config reloaded", "log_level", cfg.Logging.Level)
}

// originPatterns turns the CORS origin into a websocket origin pattern.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}
