// Package db opens the configured database and applies the embedded schema.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/constants"
	"github.com/RezaEskandarii/jobfire/internal/lock"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pooled connection and verifies it with a ping.
func OpenPostgres(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens path (or an in-memory database for ":memory:") with a
// single connection, which also serializes writers.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if busyTimeout > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	return db, nil
}

// Migrate applies the schema for dialect. Statements are idempotent.
//
// For postgres the migration advisory lock keeps concurrently starting
// instances from racing on DDL; pass nil to skip locking.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, distributedLock lock.DistributedLockManager) error {
	script, err := ReadSchema(dialect)
	if err != nil {
		return err
	}

	if distributedLock != nil {
		if err := distributedLock.Acquire(ctx, constants.MigrationLock); err != nil {
			return err
		}
		defer distributedLock.Release(ctx, constants.MigrationLock)
	}

	if _, err := db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("apply %s schema: %w", dialect, err)
	}
	return nil
}

func ReadSchema(dialect Dialect) (string, error) {
	switch dialect {
	case Postgres, SQLite:
	default:
		return "", fmt.Errorf("unknown dialect %q", dialect)
	}
	b, err := migrationsFS.ReadFile("migrations/" + string(dialect) + ".sql")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
