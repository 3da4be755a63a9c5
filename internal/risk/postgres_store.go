package risk

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, sender, recipient, amount, score, factors, category, intent_id, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		a.ID, a.Sender, a.Recipient, a.Amount, a.Score, pq.Array(a.Factors), string(a.Category), a.IntentID, a.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySender(ctx context.Context, sender string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, amount, score, factors, category, COALESCE(intent_id, ''), assessed_at
		FROM risk_assessments
		WHERE sender = $1
		ORDER BY assessed_at DESC
		LIMIT $2`,
		sender, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a := &Assessment{}
		var category string
		if err := rows.Scan(&a.ID, &a.Sender, &a.Recipient, &a.Amount, &a.Score, pq.Array(&a.Factors), &category, &a.IntentID, &a.AssessedAt); err != nil {
			return nil, err
		}
		a.Category = Category(category)
		result = append(result, a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
