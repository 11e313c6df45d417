package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

const (
	localHost     = "127.0.0.1:5432"
	localDatabase = "escrow_stress"
	localRole     = "escrow_stress"
	localPassword = "escrow_stress"
)

// InitLocalDatabase recreates escrow_stress on a Postgres listening on localhost
// and returns a DSN owned by a dedicated role.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if !isPostgresRunning() {
		return "", errors.New("infra: no postgres listening on " + localHost)
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	database := pgx.Identifier{localDatabase}.Sanitize()
	steps := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$;`, role, localPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, localDatabase),
		"DROP DATABASE IF EXISTS " + database,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", database, role),
	}
	for _, stmt := range steps {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("infra: prepare local database: %w", err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", localRole, localPassword, localHost, localDatabase), nil
}

// connectAdmin tries the usual superuser DSNs of a developer machine.
func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	user := os.Getenv("USER")
	candidates := []string{
		"postgres://postgres@" + localHost + "/postgres?sslmode=disable",
		"postgres://postgres:postgres@" + localHost + "/postgres?sslmode=disable",
		"postgres://" + user + "@" + localHost + "/postgres?sslmode=disable",
		"postgres://" + user + ":postgres@" + localHost + "/postgres?sslmode=disable",
	}
	var lastErr error
	for _, dsn := range candidates {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("infra: connect as admin: %w", lastErr)
}

func isPostgresRunning() bool {
	return exec.Command("pg_isready", "-h", "127.0.0.1", "-p", "5432").Run() == nil
}
