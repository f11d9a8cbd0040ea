// Command migrate применяет и откатывает встроенные миграции PostgreSQL.
//
//	migrate [-dsn DSN] [-steps N] [-timeout 30s] up|down|status|pending
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envDSN         = "LIFECYCLE_POSTGRES_DSN"
)

type command string

const (
	commandUp      command = "up"
	commandDown    command = "down"
	commandStatus  command = "status"
	commandPending command = "pending"
)

// migrator: операции над схемой, которые использует CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	PendingMigrations(ctx context.Context) ([]string, error)
}

type config struct {
	dsn     string
	command command
	steps   int
	timeout time.Duration
}

var openMigrator = func(ctx context.Context, dsn string) (migrator, io.Closer, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := execute(context.Background(), cfg, os.Stdout); err != nil {
		log.WithError(err).WithField("command", cfg.command).Fatal("migration failed")
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{command: commandUp}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envDSN+")")
	fs.IntVar(&cfg.steps, "steps", 0, "migrations to apply (0: all) or roll back (0: one)")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		cfg.command = command(strings.ToLower(fs.Arg(0)))
	default:
		return config{}, fmt.Errorf("expected one command, got %q", fs.Args())
	}
	cfg.dsn = cmp.Or(strings.TrimSpace(cfg.dsn), strings.TrimSpace(getenv(envDSN)))

	switch {
	case cfg.command != commandUp && cfg.command != commandDown && cfg.command != commandStatus && cfg.command != commandPending:
		return config{}, fmt.Errorf("unknown command %q (use up|down|status|pending)", cfg.command)
	case cfg.dsn == "":
		return config{}, fmt.Errorf("postgres dsn is required (-dsn or %s)", envDSN)
	case cfg.steps < 0:
		return config{}, errors.New("steps must be >= 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func execute(ctx context.Context, cfg config, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	m, closer, err := openMigrator(ctx, cfg.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer closer.Close()

	return run(ctx, m, cfg.command, cfg.steps, out)
}

func run(ctx context.Context, m migrator, cmd command, steps int, out io.Writer) error {
	switch cmd {
	case commandUp:
		if err := m.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case commandDown:
		if err := m.MigrateDown(ctx, max(steps, 1)); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case commandPending:
		return printPending(ctx, m, out)
	case commandStatus:
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	version, applied, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d\n", cmd, version, applied)
	return err
}

func printPending(ctx context.Context, m migrator, out io.Writer) error {
	pending, err := m.PendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}
	if len(pending) == 0 {
		_, err = fmt.Fprintln(out, "no pending migrations")
		return err
	}
	_, err = fmt.Fprintln(out, strings.Join(pending, "\n"))
	return err
}
