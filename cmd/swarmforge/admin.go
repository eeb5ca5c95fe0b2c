package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	sfnats "github.com/Strob0t/SwarmForge/internal/adapter/nats"
	"github.com/Strob0t/SwarmForge/internal/adapter/postgres"
	"github.com/Strob0t/SwarmForge/internal/config"
	"github.com/Strob0t/SwarmForge/internal/middleware"
	"github.com/Strob0t/SwarmForge/internal/port/messagequeue"
)

const adminTimeout = 30 * time.Second

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "get-task":
		return runAdminGetTask(args[1:])
	case "cancel-task":
		return runAdminCancelTask(args[1:])
	case "hash-key":
		return runAdminHashKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: swarmforge admin <command> [options]

Commands:
  migrate      Apply pending PostgreSQL migrations
  rollback     Roll back PostgreSQL migrations
  version      Show the current migration version
  get-task     Print a stored task as JSON
  cancel-task  Ask the running server to cancel a task (requires NATS)
  hash-key     Hash an operator API key for auth.operator_key_hash
  help         Show this help message

Examples:
  swarmforge admin migrate
  swarmforge admin rollback --steps 2
  swarmforge admin get-task --id 6f1c...
  swarmforge admin cancel-task --id 6f1c...
  swarmforge admin hash-key
`)
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := adminContext()
	defer cancel()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Migrations applied")
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := adminContext()
	defer cancel()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := adminContext()
	defer cancel()
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STORE\tMIGRATION")
	_, _ = fmt.Fprintf(w, "%s\t%d\n", cfg.Store.Backend, v)
	return w.Flush()
}

func runAdminGetTask(args []string) error {
	fs := flag.NewFlagSet("get-task", flag.ContinueOnError)
	id := fs.String("id", "", "task id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Backend == config.BackendMemory {
		return fmt.Errorf("store backend memory is private to the server process")
	}

	ctx, cancel := adminContext()
	defer cancel()

	var queue *sfnats.Queue
	if cfg.Store.Backend == config.BackendNATS {
		queue, err = sfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
	}
	be, err := openStore(ctx, cfg, queue)
	if err != nil {
		return err
	}
	defer be.close()

	t, err := be.store.GetTask(ctx, *id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func runAdminCancelTask(args []string) error {
	fs := flag.NewFlagSet("cancel-task", flag.ContinueOnError)
	id := fs.String("id", "", "task id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("cancel-task needs nats.url; use POST /api/v1/tasks/{id}/cancel instead")
	}

	ctx, cancel := adminContext()
	defer cancel()
	queue, err := sfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	if err := messagequeue.PublishJSON(ctx, queue, messagequeue.SubjectTaskCancel, messagequeue.TaskCancelPayload{TaskID: *id}); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Cancel requested for task %s\n", *id)
	return nil
}

func runAdminHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := promptSecret("Operator key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	confirm, err := promptSecret("Confirm key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key != confirm {
		return fmt.Errorf("keys do not match")
	}

	hash, err := middleware.HashOperatorKey(key)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	fmt.Println(hash)
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
