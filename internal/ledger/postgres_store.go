package ledger

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresReceiptStore persists transfer receipts in PostgreSQL.
type PostgresReceiptStore struct {
	db *sql.DB
}

// NewPostgresReceiptStore creates a PostgreSQL-backed receipt store.
func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

func (s *PostgresReceiptStore) Save(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_receipts (id, backend, from_addr, to_addr, amount, reference, intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		r.ID, r.Backend, r.From, r.To, r.Amount, r.Reference, r.IntentID, r.CreatedAt,
	)
	return err
}

func (s *PostgresReceiptStore) GetByIntentID(ctx context.Context, intentID string) (*Receipt, error) {
	r := &Receipt{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, backend, from_addr, to_addr, amount, COALESCE(reference, ''), COALESCE(intent_id, ''), created_at
		FROM transfer_receipts
		WHERE intent_id = $1`,
		intentID,
	).Scan(&r.ID, &r.Backend, &r.From, &r.To, &r.Amount, &r.Reference, &r.IntentID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresReceiptStore) List(ctx context.Context, principal string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backend, from_addr, to_addr, amount, COALESCE(reference, ''), COALESCE(intent_id, ''), created_at
		FROM transfer_receipts
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		principal, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r := &Receipt{}
		if err := rows.Scan(&r.ID, &r.Backend, &r.From, &r.To, &r.Amount, &r.Reference, &r.IntentID, &r.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

var _ ReceiptStore = (*PostgresReceiptStore)(nil)
