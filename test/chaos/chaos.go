package chaos

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random backend of the current database every few
// seconds. appName narrows the victims to one application_name when set.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, seed int64, stop <-chan struct{}) {
	r := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if r.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				  AND ($1 = '' OR application_name = $1)
				ORDER BY random() LIMIT 1`, appName)
		}
	}
}

// Transient reports errors caused by a terminated backend or a dropped
// connection. Callers retry them instead of failing the run.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 57: operator intervention, class 08: connection exception
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.As(err, &netErr)
}
