package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
// Schema lives in migrations/; see webhook_subscriptions.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, principal, url, secret, events, active, consecutive_failures, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.Principal, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.ConsecutiveFailures, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, principal, url, secret, events, active, consecutive_failures,
		       last_success, COALESCE(last_error, ''), created_at
		FROM webhook_subscriptions WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.Principal, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.ConsecutiveFailures, &lastSuccess, &sub.LastError, &sub.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	return sub, nil
}

func (p *PostgresStore) GetByPrincipal(ctx context.Context, principal string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, principal, url, secret, events, active, consecutive_failures,
		       last_success, COALESCE(last_error, ''), created_at
		FROM webhook_subscriptions WHERE principal = $1 ORDER BY created_at DESC
	`, principal)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanSubscriptions(rows)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	// JSONB containment matches subscriptions whose events array includes the type.
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, principal, url, secret, events, active, consecutive_failures,
		       last_success, COALESCE(last_error, ''), created_at
		FROM webhook_subscriptions
		WHERE active = TRUE AND events @> $1::jsonb
	`, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			active = $1,
			consecutive_failures = $2,
			last_success = $3,
			last_error = $4
		WHERE id = $5
	`, sub.Active, sub.ConsecutiveFailures, sub.LastSuccess, sub.LastError, sub.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var eventsJSON []byte
		var lastSuccess sql.NullTime

		if err := rows.Scan(
			&sub.ID, &sub.Principal, &sub.URL, &sub.Secret, &eventsJSON,
			&sub.Active, &sub.ConsecutiveFailures, &lastSuccess, &sub.LastError, &sub.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
