package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists policy state in PostgreSQL.
//
// The global policy is a single guarded row (id=1). Sender policies and
// spend counters are keyed by sender address. Map fields are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Global(ctx context.Context) (*GlobalPolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT max_per_tx, daily_limit, whitelist_enabled, recipient_blacklist, recipient_whitelist, paused, updated_at
		FROM policy_global WHERE id = 1`)

	g := &GlobalPolicy{}
	var blacklist, whitelist []byte
	err := row.Scan(&g.MaxPerTx, &g.DailyLimit, &g.WhitelistEnabled, &blacklist, &whitelist, &g.Paused, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultGlobal(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalBoolMap(blacklist, &g.RecipientBlacklist); err != nil {
		return nil, fmt.Errorf("corrupt recipient_blacklist: %w", err)
	}
	if err := unmarshalBoolMap(whitelist, &g.RecipientWhitelist); err != nil {
		return nil, fmt.Errorf("corrupt recipient_whitelist: %w", err)
	}
	return g, nil
}

func (p *PostgresStore) UpdateGlobal(ctx context.Context, g *GlobalPolicy) error {
	blacklist, err := json.Marshal(orEmptyBoolMap(g.RecipientBlacklist))
	if err != nil {
		return err
	}
	whitelist, err := json.Marshal(orEmptyBoolMap(g.RecipientWhitelist))
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policy_global (id, max_per_tx, daily_limit, whitelist_enabled, recipient_blacklist, recipient_whitelist, paused, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			max_per_tx = EXCLUDED.max_per_tx,
			daily_limit = EXCLUDED.daily_limit,
			whitelist_enabled = EXCLUDED.whitelist_enabled,
			recipient_blacklist = EXCLUDED.recipient_blacklist,
			recipient_whitelist = EXCLUDED.recipient_whitelist,
			paused = EXCLUDED.paused,
			updated_at = EXCLUDED.updated_at`,
		g.MaxPerTx, g.DailyLimit, g.WhitelistEnabled, blacklist, whitelist, g.Paused, g.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Sender(ctx context.Context, sender string) (*SenderPolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT sender, COALESCE(max_per_tx, ''), COALESCE(daily_limit, ''), blocked, restricted, allowed_recipients, recipient_max, updated_at
		FROM policy_senders WHERE sender = $1`, sender)

	sp := &SenderPolicy{}
	var allowed, recipientMax []byte
	err := row.Scan(&sp.Sender, &sp.MaxPerTx, &sp.DailyLimit, &sp.Blocked, &sp.Restricted, &allowed, &recipientMax, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalBoolMap(allowed, &sp.AllowedRecipients); err != nil {
		return nil, fmt.Errorf("corrupt allowed_recipients for %s: %w", sender, err)
	}
	if err := unmarshalStringMap(recipientMax, &sp.RecipientMax); err != nil {
		return nil, fmt.Errorf("corrupt recipient_max for %s: %w", sender, err)
	}
	return sp, nil
}

func (p *PostgresStore) UpsertSender(ctx context.Context, sp *SenderPolicy) error {
	allowed, err := json.Marshal(orEmptyBoolMap(sp.AllowedRecipients))
	if err != nil {
		return err
	}
	recipientMax, err := json.Marshal(orEmptyStringMap(sp.RecipientMax))
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policy_senders (sender, max_per_tx, daily_limit, blocked, restricted, allowed_recipients, recipient_max, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sender) DO UPDATE SET
			max_per_tx = EXCLUDED.max_per_tx,
			daily_limit = EXCLUDED.daily_limit,
			blocked = EXCLUDED.blocked,
			restricted = EXCLUDED.restricted,
			allowed_recipients = EXCLUDED.allowed_recipients,
			recipient_max = EXCLUDED.recipient_max,
			updated_at = EXCLUDED.updated_at`,
		sp.Sender, sp.MaxPerTx, sp.DailyLimit, sp.Blocked, sp.Restricted, allowed, recipientMax, sp.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListSenders(ctx context.Context) ([]*SenderPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sender, COALESCE(max_per_tx, ''), COALESCE(daily_limit, ''), blocked, restricted, allowed_recipients, recipient_max, updated_at
		FROM policy_senders ORDER BY sender ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SenderPolicy
	for rows.Next() {
		sp := &SenderPolicy{}
		var allowed, recipientMax []byte
		if err := rows.Scan(&sp.Sender, &sp.MaxPerTx, &sp.DailyLimit, &sp.Blocked, &sp.Restricted, &allowed, &recipientMax, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalBoolMap(allowed, &sp.AllowedRecipients); err != nil {
			return nil, fmt.Errorf("corrupt allowed_recipients for %s: %w", sp.Sender, err)
		}
		if err := unmarshalStringMap(recipientMax, &sp.RecipientMax); err != nil {
			return nil, fmt.Errorf("corrupt recipient_max for %s: %w", sp.Sender, err)
		}
		result = append(result, sp)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Counter(ctx context.Context, sender string) (*SpendCounter, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT sender, spent, window_start FROM spend_counters WHERE sender = $1`, sender)

	c := &SpendCounter{}
	err := row.Scan(&c.Sender, &c.Spent, &c.WindowStart)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) UpsertCounter(ctx context.Context, c *SpendCounter) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spend_counters (sender, spent, window_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (sender) DO UPDATE SET
			spent = EXCLUDED.spent,
			window_start = EXCLUDED.window_start`,
		c.Sender, c.Spent, c.WindowStart,
	)
	return err
}

// unmarshalBoolMap decodes a JSONB set column, failing loudly on corruption
// instead of silently returning an empty set (which would fail open for the
// blacklist).
func unmarshalBoolMap(data []byte, m *map[string]bool) error {
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

func unmarshalStringMap(data []byte, m *map[string]string) error {
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// orEmptyBoolMap avoids storing SQL NULL for absent maps.
func orEmptyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Store = (*PostgresStore)(nil)
