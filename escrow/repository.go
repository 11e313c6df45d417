package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
)

// PGStore implements Store on PostgreSQL. Each write runs in one database
// transaction that locks the aggregate row and checks its version.
type PGStore struct {
	pool     *pgxpool.Pool
	disputes *dispute.Repository
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, disputes: dispute.NewRepository(pool)}
}

func (s *PGStore) Disputes() dispute.Store { return s.disputes }

const transactionColumns = `
	seq, id, buyer_id, seller_id, supervisor_id,
	item_title, item_description, category, condition, estimated_value::text, images,
	price::text, fee_rate::text, escrow_fee::text, total::text, currency,
	delivery_method, delivery_address, inspection_days, status, payment, shipping,
	agreed_at, paid_at, shipped_at, delivered_at, inspection_started_at, inspection_ends_at,
	buyer_approved_at, seller_approved_at, completed_at, disputed_at, cancelled_at, expired_at,
	expires_at, version, created_at, updated_at
`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                          Transaction
		supervisor, estimated      *string
		price, rate, fee, total    string
		category, condition        string
		currency, delivery, status string
		payment, shipping          []byte
	)
	ts := &t.Timestamps
	err := row.Scan(
		&t.Seq, &t.ID, &t.BuyerID, &t.SellerID, &supervisor,
		&t.Item.Title, &t.Item.Description, &category, &condition, &estimated, &t.Item.Images,
		&price, &rate, &fee, &total, &currency,
		&delivery, &t.DeliveryAddress, &t.InspectionDays, &status, &payment, &shipping,
		&ts.AgreedAt, &ts.PaidAt, &ts.ShippedAt, &ts.DeliveredAt, &ts.InspectionStartedAt, &ts.InspectionEndsAt,
		&ts.BuyerApprovedAt, &ts.SellerApprovedAt, &ts.CompletedAt, &ts.DisputedAt, &ts.CancelledAt, &ts.ExpiredAt,
		&t.ExpiresAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}

	if supervisor != nil {
		t.SupervisorID = *supervisor
	}
	t.Item.Category = Category(category)
	t.Item.Condition = Condition(condition)
	t.Currency = Currency(currency)
	t.DeliveryMethod = DeliveryMethod(delivery)
	t.Status = Status(status)

	for dst, raw := range map[*decimal.Decimal]string{&t.Price: price, &t.FeeRate: rate, &t.EscrowFee: fee, &t.Total: total} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Transaction{}, fmt.Errorf("parse numeric %q: %w", raw, err)
		}
		*dst = v
	}
	if estimated != nil {
		v, err := decimal.NewFromString(*estimated)
		if err != nil {
			return Transaction{}, fmt.Errorf("parse estimated value: %w", err)
		}
		t.Item.EstimatedValue = &v
	}
	if payment != nil {
		t.Payment = &Payment{}
		if err := json.Unmarshal(payment, t.Payment); err != nil {
			return Transaction{}, fmt.Errorf("decode payment: %w", err)
		}
	}
	if shipping != nil {
		t.Shipping = &Shipping{}
		if err := json.Unmarshal(shipping, t.Shipping); err != nil {
			return Transaction{}, fmt.Errorf("decode shipping: %w", err)
		}
	}
	return t, nil
}

func (s *PGStore) Create(ctx context.Context, t Transaction) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var estimated *string
	if t.Item.EstimatedValue != nil {
		v := t.Item.EstimatedValue.String()
		estimated = &v
	}
	images := t.Item.Images
	if images == nil {
		images = []string{}
	}

	insertSQL := `
		INSERT INTO escrow_transactions (
			id, buyer_id, seller_id, supervisor_id,
			item_title, item_description, category, condition, estimated_value, images,
			price, fee_rate, escrow_fee, total, currency,
			delivery_method, delivery_address, inspection_days, status,
			expires_at, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9::numeric, $10,
			$11::numeric, $12::numeric, $13::numeric, $14::numeric, $15,
			$16, $17, $18, $19,
			$20, 1, $21, $22
		)
		RETURNING seq
	`
	err = tx.QueryRow(ctx, insertSQL,
		t.ID, t.BuyerID, t.SellerID, nullable(t.SupervisorID),
		t.Item.Title, t.Item.Description, string(t.Item.Category), string(t.Item.Condition), estimated, images,
		t.Price.String(), t.FeeRate.String(), t.EscrowFee.String(), t.Total.String(), string(t.Currency),
		string(t.DeliveryMethod), t.DeliveryAddress, t.InspectionDays, string(t.Status),
		t.ExpiresAt, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrConflict
		}
		return Transaction{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}
	if err := insertMessages(ctx, tx, t.ID, t.Messages, 0); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	t.Version = 1
	return t, nil
}

func (s *PGStore) Load(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: load: %w", err)
	}
	msgs, err := loadMessages(ctx, s.pool, id)
	if err != nil {
		return Transaction{}, err
	}
	t.Messages = msgs
	t.Dispute, err = s.disputes.ForTransaction(ctx, s.pool, id)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// Save writes the mutable part of the aggregate, inserts messages beyond the
// persisted log and upserts the dispute, all guarded by the version check.
func (s *PGStore) Save(ctx context.Context, t Transaction) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	payment, err := jsonOrNil(t.Payment)
	if err != nil {
		return Transaction{}, err
	}
	shipping, err := jsonOrNil(t.Shipping)
	if err != nil {
		return Transaction{}, err
	}

	ts := t.Timestamps
	updateSQL := `
		UPDATE escrow_transactions
		SET status = $3,
		    payment = $4::jsonb,
		    shipping = $5::jsonb,
		    agreed_at = $6,
		    paid_at = $7,
		    shipped_at = $8,
		    delivered_at = $9,
		    inspection_started_at = $10,
		    inspection_ends_at = $11,
		    buyer_approved_at = $12,
		    seller_approved_at = $13,
		    completed_at = $14,
		    disputed_at = $15,
		    cancelled_at = $16,
		    expired_at = $17,
		    updated_at = $18,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var version int64
	err = tx.QueryRow(ctx, updateSQL,
		t.ID, t.Version, string(t.Status), payment, shipping,
		ts.AgreedAt, ts.PaidAt, ts.ShippedAt, ts.DeliveredAt, ts.InspectionStartedAt, ts.InspectionEndsAt,
		ts.BuyerApprovedAt, ts.SellerApprovedAt, ts.CompletedAt, ts.DisputedAt, ts.CancelledAt, ts.ExpiredAt,
		t.UpdatedAt,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, s.missingOrConflict(ctx, tx, t.ID)
		}
		return Transaction{}, fmt.Errorf("escrow: update transaction: %w", err)
	}

	var persisted int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM escrow_messages WHERE transaction_id = $1`, t.ID).Scan(&persisted); err != nil {
		return Transaction{}, fmt.Errorf("escrow: message watermark: %w", err)
	}
	if err := insertMessages(ctx, tx, t.ID, t.Messages, persisted); err != nil {
		return Transaction{}, err
	}
	if t.Dispute != nil {
		if err := s.disputes.Upsert(ctx, tx, *t.Dispute); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit save: %w", err)
	}
	t.Version = version
	return t, nil
}

func (s *PGStore) missingOrConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: check existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// AppendMessage adds one message and bumps the aggregate version so a concurrent
// Save from a stale snapshot fails with ErrConflict.
func (s *PGStore) AppendMessage(ctx context.Context, id string, m Message) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE escrow_transactions
		SET version = version + 1, updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
		RETURNING version
	`, id, m.CreatedAt).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("escrow: lock transaction: %w", err)
	}

	var persisted int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM escrow_messages WHERE transaction_id = $1`, id).Scan(&persisted); err != nil {
		return Message{}, fmt.Errorf("escrow: message watermark: %w", err)
	}
	m.Seq = persisted + 1
	if err := insertMessages(ctx, tx, id, []Message{m}, persisted); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("escrow: commit message: %w", err)
	}
	return m, nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, id string, msgs []Message, after int) error {
	for _, m := range msgs {
		if m.Seq <= after {
			continue
		}
		attachments := m.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_messages (transaction_id, seq, sender_id, text, internal, attachments, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, m.Seq, m.SenderID, m.Text, m.Internal, attachments, m.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrConflict
			}
			return fmt.Errorf("escrow: insert message: %w", err)
		}
	}
	return nil
}

func loadMessages(ctx context.Context, q dispute.DBTX, id string) ([]Message, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, sender_id, text, internal, attachments, created_at
		FROM escrow_messages
		WHERE transaction_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 8)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.SenderID, &m.Text, &m.Internal, &m.Attachments, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan message: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate messages: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE status = ANY($1) ORDER BY seq`, names)
	if err != nil {
		return nil, fmt.Errorf("escrow: list by status: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) ListForParty(ctx context.Context, f ListFilters) ([]Transaction, int, error) {
	f = normalizeFilters(f)

	var (
		where []string
		args  []any
	)
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		where = append(where, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d OR supervisor_id = $%d)", len(args), len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, string(f.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrow_transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions` + clause +
		fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list: %w", err)
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, category, currency, COUNT(*), SUM(price)::text, SUM(escrow_fee)::text
		FROM escrow_transactions
		GROUP BY status, category, currency
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("escrow: stats: %w", err)
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var (
			status, category, currency string
			count                      int
			value, fees                string
		)
		if err := rows.Scan(&status, &category, &currency, &count, &value, &fees); err != nil {
			return Stats{}, fmt.Errorf("escrow: scan stats: %w", err)
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return Stats{}, fmt.Errorf("escrow: parse stats value: %w", err)
		}
		f, err := decimal.NewFromString(fees)
		if err != nil {
			return Stats{}, fmt.Errorf("escrow: parse stats fees: %w", err)
		}
		st.Total += count
		st.ByStatus[Status(status)] += count
		st.ByCategory[Category(category)] += count
		st.Value[Currency(currency)] = st.Value[Currency(currency)].Add(v)
		st.Fees[Currency(currency)] = st.Fees[Currency(currency)].Add(f)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("escrow: iterate stats: %w", err)
	}
	return st, nil
}

func collect(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	out := make([]Transaction, 0, 16)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate transactions: %w", err)
	}
	return out, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case *Payment:
		if x == nil {
			return nil, nil
		}
	case *Shipping:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode json: %w", err)
	}
	return b, nil
}
