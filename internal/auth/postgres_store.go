package auth

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists API keys in PostgreSQL.
// Schema lives in migrations/; see api_keys.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed auth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const apiKeyColumns = "id, hash, principal, name, created_at, last_used, expires_at, revoked"

// Create stores a new API key.
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, principal, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Principal, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves a live API key by its hash. Revoked and expired keys
// are filtered in SQL so a stale row can never authenticate.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByPrincipal retrieves all API keys for a principal, revoked included.
func (p *PostgresStore) GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys WHERE principal = $1 ORDER BY created_at DESC
	`, principal)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update persists revocation and metadata changes.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	return requireRow(p.db.ExecContext(ctx, `
		UPDATE api_keys SET name = $1, revoked = $2 WHERE id = $3
	`, key.Name, key.Revoked, key.ID))
}

// Touch records when a key last authenticated.
func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	return requireRow(p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1 WHERE id = $2
	`, at, id))
}

// Delete removes an API key.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return requireRow(p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id))
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		key       APIKey
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := row.Scan(
		&key.ID, &key.Hash, &key.Principal, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return &key, nil
}

// requireRow maps a zero-row exec result to ErrKeyNotFound.
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
