package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
)

var migrationsDir string

func init() {
	if _, file, _, ok := runtime.Caller(0); ok {
		migrationsDir = filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	}
}

// ApplyMigrations opens a pool on dsn and runs migrations/*.sql in name order.
// With isolate set, everything lands in a fresh schema that the returned
// teardown drops, so runs can share one database.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := db.ParseConfig(dsn)
	if err != nil {
		return nil, nil, err
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		schema := pgx.Identifier{fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())}.Sanitize()
		if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
			return nil, nil, fmt.Errorf("infra: create schema: %w", err)
		}
		setPath := "SET search_path TO " + schema
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
		teardown = func(ctx context.Context) error {
			return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: connect pool: %w", err)
	}
	if err := migrate(ctx, pool, migrationsDir); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, err
	}
	return pool, teardown, nil
}

func execOnce(ctx context.Context, dsn, stmt string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, stmt)
	return err
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("infra: list migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("infra: no migrations found in " + dir)
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("infra: read %s: %w", filepath.Base(f), err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("infra: apply %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}
