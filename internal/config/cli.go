package config

import (
	"flag"
	"fmt"
	"io"
)

// CLIFlags holds command line overrides. Nil fields were not set.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	Backend    *string
	MaxWorkers *int
	DSN        *string
	NatsURL    *string
	RedisAddr  *string
}

// ParseFlags parses serve flags. Only flags present in args are set.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("swarmforge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath, port, logLevel, backend, dsn, natsURL, redisAddr string
		maxWorkers                                                   int
	)
	fs.StringVar(&configPath, "config", "", "path to YAML config")
	fs.StringVar(&configPath, "c", "", "path to YAML config (shorthand)")
	fs.StringVar(&port, "port", "", "HTTP port")
	fs.StringVar(&port, "p", "", "HTTP port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "log level")
	fs.StringVar(&backend, "store", "", "task store backend")
	fs.IntVar(&maxWorkers, "max-workers", 0, "worker pool size")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN")
	fs.StringVar(&natsURL, "nats-url", "", "NATS URL")
	fs.StringVar(&redisAddr, "redis-addr", "", "Redis address")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var out CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			out.ConfigPath = &configPath
		case "port", "p":
			out.Port = &port
		case "log-level":
			out.LogLevel = &logLevel
		case "store":
			out.Backend = &backend
		case "max-workers":
			out.MaxWorkers = &maxWorkers
		case "dsn":
			out.DSN = &dsn
		case "nats-url":
			out.NatsURL = &natsURL
		case "redis-addr":
			out.RedisAddr = &redisAddr
		}
	})
	return out, nil
}

// applyCLI overlays set flags onto cfg.
func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.Backend != nil {
		cfg.Store.Backend = *f.Backend
	}
	if f.MaxWorkers != nil {
		cfg.Pool.MaxWorkers = *f.MaxWorkers
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
	if f.RedisAddr != nil {
		cfg.Redis.Addr = *f.RedisAddr
	}
}

// LoadWithCLI layers defaults < YAML < ENV < CLI and returns the YAML path
// used.
func LoadWithCLI(f CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if f.ConfigPath != nil {
		path = *f.ConfigPath
	}
	cfg, err := build(path, func(c *Config) { applyCLI(c, f) })
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
