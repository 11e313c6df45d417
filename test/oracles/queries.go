package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_fee_arithmetic",
			SQL: `SELECT id, price, fee_rate, escrow_fee, total FROM escrow_transactions
                  WHERE total <> price + escrow_fee
                     OR escrow_fee <> ROUND(price * fee_rate, 2)`,
		},
		{
			Name: "O2_single_dispute",
			SQL: `SELECT d.transaction_id, t.status FROM escrow_disputes d
                  JOIN escrow_transactions t ON t.id = d.transaction_id
                  WHERE t.status <> 'disputed' OR t.disputed_at IS NULL`,
		},
		{
			Name: "O3_status_milestones",
			SQL: `SELECT id, status FROM escrow_transactions
                  WHERE (status NOT IN ('pending_agreement', 'cancelled', 'expired') AND agreed_at IS NULL)
                     OR (status IN ('payment_received', 'item_shipped', 'inspection_period', 'buyer_approved', 'funds_released') AND paid_at IS NULL)
                     OR (status IN ('item_shipped', 'inspection_period', 'buyer_approved', 'funds_released') AND shipped_at IS NULL)
                     OR (status IN ('inspection_period', 'buyer_approved', 'funds_released') AND (delivered_at IS NULL OR inspection_ends_at IS NULL))
                     OR (status = 'buyer_approved' AND buyer_approved_at IS NULL)
                     OR (status = 'funds_released' AND (buyer_approved_at IS NULL OR seller_approved_at IS NULL OR completed_at IS NULL))
                     OR (status = 'cancelled' AND cancelled_at IS NULL)
                     OR (status = 'expired' AND expired_at IS NULL)
                     OR (status <> 'funds_released' AND completed_at IS NOT NULL)`,
		},
		{
			Name: "O4_temporal_order",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE agreed_at < created_at
                     OR paid_at < agreed_at
                     OR shipped_at < paid_at
                     OR delivered_at < shipped_at
                     OR inspection_ends_at < delivered_at
                     OR completed_at < seller_approved_at`,
		},
		{
			Name: "O5_message_seq_gapless",
			SQL: `WITH m AS (
                      SELECT transaction_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY seq) AS rn
                      FROM escrow_messages)
                  SELECT * FROM m WHERE seq <> rn`,
		},
		{
			Name: "O6_version_matches_log",
			SQL: `SELECT t.id, t.version, COUNT(m.seq) AS messages
                  FROM escrow_transactions t
                  LEFT JOIN escrow_messages m ON m.transaction_id = t.id
                  GROUP BY t.id, t.version
                  HAVING t.version <> COUNT(m.seq)`,
		},
		{
			Name: "O7_payment_covers_total",
			SQL: `SELECT id, total, payment FROM escrow_transactions
                  WHERE paid_at IS NOT NULL
                    AND (payment IS NULL OR (payment->>'amount')::numeric <> total)`,
		},
		{
			Name: "O8_dispute_decision",
			SQL: `SELECT id, status, reviewed_by, resolved_by FROM escrow_disputes
                  WHERE (status = 'under_review' AND reviewed_by = '')
                     OR (status IN ('resolved', 'closed') AND (resolved_by = '' OR resolved_at IS NULL OR resolution = ''))`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
