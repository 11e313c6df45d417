package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
	id, transaction_id, raised_by, reason, description, status,
	reviewed_by, resolved_by, resolution, created_at, updated_at, resolved_at
`

func scan(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.TransactionID, &rec.RaisedBy, &rec.Reason, &rec.Description, &rec.Status,
		&rec.ReviewedBy, &rec.ResolvedBy, &rec.Resolution, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	return rec, err
}

// Upsert writes rec inside the caller's transaction.
func (r *Repository) Upsert(ctx context.Context, q DBTX, rec Record) error {
	const query = `
		INSERT INTO escrow_disputes (
			id, transaction_id, raised_by, reason, description, status,
			reviewed_by, resolved_by, resolution, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reviewed_by = EXCLUDED.reviewed_by,
			resolved_by = EXCLUDED.resolved_by,
			resolution = EXCLUDED.resolution,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at
	`
	_, err := q.Exec(ctx, query, rec.ID, rec.TransactionID, rec.RaisedBy, rec.Reason, rec.Description, string(rec.Status),
		rec.ReviewedBy, rec.ResolvedBy, rec.Resolution, rec.CreatedAt, rec.UpdatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: upsert: %w", err)
	}
	return nil
}

// ForTransaction returns the dispute attached to a transaction, or nil when none exists.
func (r *Repository) ForTransaction(ctx context.Context, q DBTX, transactionID string) (*Record, error) {
	rec, err := scan(q.QueryRow(ctx, `SELECT `+selectColumns+` FROM escrow_disputes WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: load for transaction: %w", err)
	}
	return &rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scan(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM escrow_disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// List returns disputes, newest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status Status) ([]Record, error) {
	query := `SELECT ` + selectColumns + ` FROM escrow_disputes`
	args := []any{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
