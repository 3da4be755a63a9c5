package audit

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
)

// PostgresLogger persists audit events in PostgreSQL. Seq is the BIGSERIAL
// primary key, so append order survives restarts and events are never
// rewritten; there is no UPDATE or DELETE path in this store.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates a PostgreSQL-backed audit log.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (p *PostgresLogger) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (event_id, kind, sender, recipient, amount, rule, reason, intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		RETURNING seq`,
		e.ID, string(e.Kind), e.Sender, e.Recipient, e.Amount, e.Rule, e.Reason, e.IntentID, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return err
	}

	metrics.AuditEventsTotal.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

func (p *PostgresLogger) Query(ctx context.Context, q Query) (*Page, error) {
	limit := clampLimit(q.Limit)

	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}

	// Filters compose with AND; empty values disable a clause.
	query := `
		SELECT seq, event_id, kind, sender, recipient, amount, rule, COALESCE(reason, ''), COALESCE(intent_id, ''), created_at
		FROM audit_events
		WHERE ($1 = '' OR sender = $1 OR recipient = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		  AND ($5::bigint IS NULL OR seq < $5)
		ORDER BY seq DESC
		LIMIT $6`

	var since, until interface{}
	if !q.Since.IsZero() {
		since = q.Since
	}
	if !q.Until.IsZero() {
		until = q.Until
	}
	var beforeSeq interface{}
	if cur != nil {
		if n, perr := strconv.ParseInt(cur.ID, 10, 64); perr == nil {
			beforeSeq = n
		}
	}

	rows, err := p.db.QueryContext(ctx, query, q.Principal, string(q.Kind), since, until, beforeSeq, limit+1)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var kind string
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &e.Sender, &e.Recipient, &e.Amount, &e.Rule, &e.Reason, &e.IntentID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events, next, more := pagination.ComputePage(events, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.Seq, 10)
	})
	return &Page{Events: events, NextCursor: next, HasMore: more}, nil
}

var _ Logger = (*PostgresLogger)(nil)
