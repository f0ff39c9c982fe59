package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Command names a migration action.
type Command string

const (
	CommandUp      Command = "up"
	CommandStatus  Command = "status"
	CommandDown    Command = "down"
	CommandVersion Command = "version"
)

// ErrUnknownCommand is returned for an unsupported Command.
var ErrUnknownCommand = errors.New("unknown migrate command")

// Runner applies the archive schema with goose.
type Runner struct {
	dsn  string
	dir  string
	log  *slog.Logger
	open func(dsn string) (*sql.DB, error)
}

// New returns a migration runner for the archive database.
func New(dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("configure goose: %w", err)
	}
	return Runner{
		dsn:  dsn,
		dir:  migrationsDir,
		log:  log.With("component", "migrate"),
		open: func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) },
	}, nil
}

// Run executes cmd. target is only used by CommandDown; zero rolls back
// the latest migration.
func (r Runner) Run(ctx context.Context, cmd Command, target int64) error {
	switch cmd {
	case CommandUp:
		return r.Ensure(ctx)
	case CommandStatus:
		return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
			if err := goose.StatusContext(ctx, db, r.dir); err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			return nil
		})
	case CommandDown:
		return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
			if target > 0 {
				r.log.Info("rolling back archive schema", "target", target)
				if err := goose.DownToContext(ctx, db, r.dir, target); err != nil {
					return fmt.Errorf("rollback to version %d: %w", target, err)
				}
				return nil
			}
			r.log.Info("rolling back latest archive migration")
			if err := goose.DownContext(ctx, db, r.dir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
			return nil
		})
	case CommandVersion:
		return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
			version, err := goose.GetDBVersionContext(ctx, db)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			r.log.Info("archive schema version", "version", version)
			return nil
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		r.log.Info("applying archive migrations", "dir", r.dir)
		if err := goose.UpContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("archive migrations applied")
		return nil
	})
}

func (r Runner) withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	db, err := r.open(r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := db.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(runCtx, db)
}
