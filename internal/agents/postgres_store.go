package agents

import (
	"context"
	"database/sql"
)

// PostgresStore persists agent grants in PostgreSQL, keyed by principal.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed grant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, g *Grant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_grants (id, principal, label, active, granted_by, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Principal, g.Label, g.Active, g.GrantedBy, g.CreatedAt, g.RevokedAt,
	)
	return err
}

func (p *PostgresStore) GetByPrincipal(ctx context.Context, principal string) (*Grant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, principal, COALESCE(label, ''), active, COALESCE(granted_by, ''), created_at, revoked_at
		FROM agent_grants WHERE principal = $1`, principal)

	g := &Grant{}
	err := row.Scan(&g.ID, &g.Principal, &g.Label, &g.Active, &g.GrantedBy, &g.CreatedAt, &g.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (p *PostgresStore) Update(ctx context.Context, g *Grant) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_grants
		SET label = $2, active = $3, granted_by = $4, revoked_at = $5
		WHERE principal = $1`,
		g.Principal, g.Label, g.Active, g.GrantedBy, g.RevokedAt,
	)
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

func (p *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*Grant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, principal, COALESCE(label, ''), active, COALESCE(granted_by, ''), created_at, revoked_at
		FROM agent_grants
		WHERE NOT $1 OR active
		ORDER BY principal ASC`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Grant
	for rows.Next() {
		g := &Grant{}
		if err := rows.Scan(&g.ID, &g.Principal, &g.Label, &g.Active, &g.GrantedBy, &g.CreatedAt, &g.RevokedAt); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
