package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "swarmforge.yaml"

// Load reads the file named by SWARMFORGE_CONFIG, or DefaultConfigFile.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("SWARMFORGE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom layers defaults < YAML at yamlPath < ENV. A missing file is not
// an error.
func LoadFrom(yamlPath string) (*Config, error) {
	return build(yamlPath, nil)
}

func build(yamlPath string, overlay func(*Config)) (*Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	if overlay != nil {
		overlay(&cfg)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// binding copies one environment variable into a config field.
type binding struct {
	key string
	set func(string) error
}

func bind[T any](key string, dst *T, parse func(string) (T, error)) binding {
	return binding{key: key, set: func(v string) error {
		x, err := parse(v)
		if err != nil {
			return err
		}
		*dst = x
		return nil
	}}
}

func str(key string, dst *string) binding {
	return bind(key, dst, func(s string) (string, error) { return s, nil })
}

func integer(key string, dst *int) binding { return bind(key, dst, strconv.Atoi) }

func dur(key string, dst *time.Duration) binding { return bind(key, dst, time.ParseDuration) }

func boolean(key string, dst *bool) binding { return bind(key, dst, strconv.ParseBool) }

func float(key string, dst *float64) binding {
	return bind(key, dst, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func int32v(key string, dst *int32) binding {
	return bind(key, dst, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	})
}

func int64v(key string, dst *int64) binding {
	return bind(key, dst, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func envBindings(cfg *Config) []binding {
	return []binding{
		str("SWARMFORGE_PORT", &cfg.Server.Port),
		str("SWARMFORGE_CORS_ORIGIN", &cfg.Server.CORSOrigin),
		dur("SWARMFORGE_READ_TIMEOUT", &cfg.Server.ReadTimeout),
		dur("SWARMFORGE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout),

		str("SWARMFORGE_LOG_LEVEL", &cfg.Logging.Level),
		str("SWARMFORGE_LOG_SERVICE", &cfg.Logging.Service),
		boolean("SWARMFORGE_LOG_ASYNC", &cfg.Logging.Async),

		str("SWARMFORGE_STORE_BACKEND", &cfg.Store.Backend),
		dur("SWARMFORGE_TASK_TTL", &cfg.Store.TaskTTL),
		dur("SWARMFORGE_WORKFLOW_TTL", &cfg.Store.WorkflowTTL),

		str("REDIS_ADDR", &cfg.Redis.Addr),
		str("REDIS_PASSWORD", &cfg.Redis.Password),
		integer("REDIS_DB", &cfg.Redis.DB),

		str("NATS_URL", &cfg.NATS.URL),
		str("SWARMFORGE_NATS_KV_BUCKET", &cfg.NATS.KVBucket),
		str("SWARMFORGE_IDEMPOTENCY_BUCKET", &cfg.NATS.IdempotencyBucket),
		dur("SWARMFORGE_IDEMPOTENCY_TTL", &cfg.NATS.IdempotencyTTL),

		int64v("SWARMFORGE_CACHE_L1_SIZE_MB", &cfg.Cache.L1MaxSizeMB),
		dur("SWARMFORGE_CACHE_L1_TTL", &cfg.Cache.L1TTL),

		str("DATABASE_URL", &cfg.Postgres.DSN),
		int32v("SWARMFORGE_PG_MAX_CONNS", &cfg.Postgres.MaxConns),
		int32v("SWARMFORGE_PG_MIN_CONNS", &cfg.Postgres.MinConns),
		dur("SWARMFORGE_PG_MAX_CONN_LIFETIME", &cfg.Postgres.MaxConnLifetime),
		dur("SWARMFORGE_PG_MAX_CONN_IDLE_TIME", &cfg.Postgres.MaxConnIdleTime),
		dur("SWARMFORGE_PG_HEALTH_CHECK", &cfg.Postgres.HealthCheck),

		// MAX_WORKERS is the legacy name; the prefixed one is applied after it.
		integer("MAX_WORKERS", &cfg.Pool.MaxWorkers),
		integer("SWARMFORGE_POOL_MAX_WORKERS", &cfg.Pool.MaxWorkers),
		str("SWARMFORGE_POOL_CAPACITY_POLICY", &cfg.Pool.CapacityPolicy),
		dur("SWARMFORGE_POOL_ACQUIRE_TIMEOUT", &cfg.Pool.AcquireTimeout),
		str("SWARMFORGE_POOL_DISPOSAL", &cfg.Pool.Disposal),
		integer("SWARMFORGE_POOL_MAX_IDLE", &cfg.Pool.MaxIdle),
		dur("SWARMFORGE_POOL_TIMEOUT_GRACE", &cfg.Pool.TimeoutGrace),

		str("SWARMFORGE_DEFAULT_PRIORITY", &cfg.Orchestrator.DefaultPriority),

		str("IMAGE_SERVICE_URL", &cfg.Services.ImageGeneration.URL),
		str("VIDEO_SERVICE_URL", &cfg.Services.VideoGeneration.URL),
		str("CRYPTO_SERVICE_URL", &cfg.Services.CryptoPrediction.URL),
		str("FRAUD_SERVICE_URL", &cfg.Services.FraudDetection.URL),

		integer("SWARMFORGE_BREAKER_MAX_FAILURES", &cfg.Breaker.MaxFailures),
		dur("SWARMFORGE_BREAKER_TIMEOUT", &cfg.Breaker.Timeout),

		float("SWARMFORGE_RATE_RPS", &cfg.Rate.RequestsPerSecond),
		integer("SWARMFORGE_RATE_BURST", &cfg.Rate.Burst),
		dur("SWARMFORGE_RATE_CLEANUP_INTERVAL", &cfg.Rate.CleanupInterval),
		dur("SWARMFORGE_RATE_MAX_IDLE_TIME", &cfg.Rate.MaxIdleTime),

		boolean("SWARMFORGE_OTEL_ENABLED", &cfg.OTEL.Enabled),
		str("SWARMFORGE_OTEL_ENDPOINT", &cfg.OTEL.Endpoint),
		str("SWARMFORGE_OTEL_SERVICE_NAME", &cfg.OTEL.ServiceName),
		boolean("SWARMFORGE_OTEL_INSECURE", &cfg.OTEL.Insecure),
		float("SWARMFORGE_OTEL_SAMPLE_RATE", &cfg.OTEL.SampleRate),

		str("SWARMFORGE_OPERATOR_KEY_HASH", &cfg.Auth.OperatorKeyHash),
		str("SWARMFORGE_SECRETS_DIR", &cfg.Auth.SecretsDir),
	}
}

// loadEnv overlays non-empty environment variables onto cfg. Values that do
// not parse are logged and leave the field unchanged.
func loadEnv(cfg *Config) {
	for _, b := range envBindings(cfg) {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			slog.Warn("ignoring invalid environment value", "key", b.key, "error", err)
		}
	}
}

// validate reports every violated constraint in cfg.
func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port != "", "server.port is required")
	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		check(cfg.Redis.Addr != "", "redis.addr is required for the redis store")
	case BackendNATS:
		check(cfg.NATS.URL != "", "nats.url is required for the nats store")
		check(cfg.NATS.KVBucket != "", "nats.kv_bucket is required for the nats store")
	case BackendPostgres:
		check(cfg.Postgres.DSN != "", "postgres.dsn is required for the postgres store")
		check(cfg.Postgres.MaxConns >= 1, "postgres.max_conns must be >= 1")
	default:
		check(false, "store.backend %q: must be memory, redis, nats or postgres", cfg.Store.Backend)
	}

	p := cfg.Pool
	check(p.MaxWorkers >= 1, "pool.max_workers must be >= 1")
	check(p.CapacityPolicy == CapacityWait || p.CapacityPolicy == CapacityReject,
		"pool.capacity_policy %q: must be wait or reject", p.CapacityPolicy)
	check(p.Disposal == DisposalDispose || p.Disposal == DisposalRecycle,
		"pool.disposal %q: must be dispose or recycle", p.Disposal)
	check(p.MaxIdle >= 0, "pool.max_idle must be >= 0")
	check(p.TimeoutGrace >= 0, "pool.timeout_grace must be >= 0")

	switch cfg.Orchestrator.DefaultPriority {
	case "low", "normal", "high", "critical":
	default:
		check(false, "orchestrator.default_priority %q: must be low, normal, high or critical", cfg.Orchestrator.DefaultPriority)
	}
	check(cfg.Breaker.MaxFailures >= 1, "breaker.max_failures must be >= 1")
	check(cfg.Rate.Burst >= 1, "rate.burst must be >= 1")
	check(cfg.OTEL.SampleRate >= 0 && cfg.OTEL.SampleRate <= 1, "otel.sample_rate must be between 0 and 1")

	return errors.Join(errs...)
}
