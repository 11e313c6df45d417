package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	containerImage    = "postgres:16-alpine"
	containerDatabase = "escrow"
	containerUser     = "escrow"
	containerPassword = "escrow"
)

// PGContainer wraps the throwaway Postgres. A zero value stands for a database
// the run does not own.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 returns a DSN for an empty Postgres 16. overrideDSN and then
// STRESS_TEST_PG_DSN take precedence over starting a container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv("STRESS_TEST_PG_DSN")} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	pgC, err := postgres.Run(ctx,
		containerImage,
		postgres.WithDatabase(containerDatabase),
		postgres.WithUsername(containerUser),
		postgres.WithPassword(containerPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: run postgres: %w", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: connection string: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
