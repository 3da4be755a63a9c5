package intent

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists intents in PostgreSQL. The compare-and-swap in
// UpdateStatus is a conditional UPDATE on the stored status, so concurrent
// transitions on different processes still resolve to one winner.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, sender, recipient, amount, chain_context, COALESCE(memo, ''), nonce, status,
	risk_score, COALESCE(reason, ''), COALESCE(decided_by, ''), COALESCE(registered_by, ''),
	expires_at, created_at, decided_at, executed_at, execution_failed, COALESCE(failure_note, ''), failed_at`

func (s *PostgresStore) Create(ctx context.Context, i *PaymentIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (id, sender, recipient, amount, chain_context, memo, nonce, status,
			risk_score, reason, decided_by, registered_by, expires_at, created_at,
			decided_at, executed_at, execution_failed, failure_note, failed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			$13, $14, $15, $16, $17, NULLIF($18, ''), $19)`,
		i.ID, i.Sender, i.Recipient, i.Amount, i.ChainContext, i.Memo, int64(i.Nonce), string(i.Status),
		i.RiskScore, i.Reason, i.DecidedBy, i.RegisteredBy, i.ExpiresAt, i.CreatedAt,
		i.DecidedAt, i.ExecutedAt, i.ExecutionFailed, i.FailureNote, i.FailedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrIntentExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	i, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, i *PaymentIntent, from Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, risk_score = $2, reason = NULLIF($3, ''), decided_by = NULLIF($4, ''),
			decided_at = $5, executed_at = $6, execution_failed = $7, failure_note = NULLIF($8, ''), failed_at = $9
		WHERE id = $10 AND status = $11`,
		string(i.Status), i.RiskScore, i.Reason, i.DecidedBy,
		i.DecidedAt, i.ExecutedAt, i.ExecutionFailed, i.FailureNote, i.FailedAt,
		i.ID, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or the status moved under us.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payment_intents WHERE id = $1)`, i.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (s *PostgresStore) ListBySender(ctx context.Context, sender string, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE sender = $1 ORDER BY created_at DESC LIMIT $2`, sender, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*PaymentIntent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var intents []*PaymentIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, i)
	}
	return intents, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scannable) (*PaymentIntent, error) {
	i := &PaymentIntent{}
	var status string
	var nonce int64
	var decidedAt, executedAt, failedAt sql.NullTime
	err := row.Scan(
		&i.ID, &i.Sender, &i.Recipient, &i.Amount, &i.ChainContext, &i.Memo, &nonce, &status,
		&i.RiskScore, &i.Reason, &i.DecidedBy, &i.RegisteredBy,
		&i.ExpiresAt, &i.CreatedAt, &decidedAt, &executedAt, &i.ExecutionFailed, &i.FailureNote, &failedAt,
	)
	if err != nil {
		return nil, err
	}
	i.Status = Status(status)
	i.Nonce = uint64(nonce)
	i.DecidedAt = nullTime(decidedAt)
	i.ExecutedAt = nullTime(executedAt)
	i.FailedAt = nullTime(failedAt)
	return i, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
