package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Config selects and tunes the journal database.
type Config struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Open connects to the journal database. DSNs starting with postgres:// or
// postgresql:// go through pgx; anything else is a SQLite file path.
// Returns the handle and the ent dialect name used to build queries.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*sql.DB, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, dsn, dialectName := resolveDriver(cfg.DSN)
	logger.Info("connecting to journal database", "driver", driver)

	if dialectName == dialect.SQLite {
		if dir := filepath.Dir(strings.TrimPrefix(dsn, "file:")); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create journal dir: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		logger.Error("failed to open journal database", "error", err)
		return nil, "", err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if dialectName == dialect.SQLite {
		// One connection keeps PRAGMAs and the single-writer model simple.
		db.SetMaxOpenConns(1)
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				_ = db.Close()
				logger.Error("failed to configure journal database", "pragma", p, "error", err)
				return nil, "", err
			}
		}
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		logger.Error("failed to initialize journal schema", "error", err)
		return nil, "", err
	}

	logger.Info("journal database ready", "dialect", dialectName)
	return db, dialectName, nil
}

// HealthCheck pings the journal database.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("pinging journal database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return db.PingContext(ctx)
}

func resolveDriver(dsn string) (driver, conn, dialectName string) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "pgx", dsn, dialect.Postgres
	}
	return "sqlite", dsn, dialect.SQLite
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS task_transitions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id)`,
		`
CREATE TABLE IF NOT EXISTS orchestrator_lease (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
