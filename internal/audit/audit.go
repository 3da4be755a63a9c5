// Package audit records every authorization attempt as an immutable event.
//
// The execution gate writes exactly one event per invocation, allowed or
// blocked, before any value moves. The log is append-only: events are never
// updated or deleted, and per-process append order matches decision order,
// so the spend history at any past moment can be reconstructed from it.
package audit

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound = errors.New("audit: event not found")
)

// Kind classifies the outcome of a gate invocation.
type Kind string

const (
	KindAllowed Kind = "allowed"
	KindBlocked Kind = "blocked"
)

// Event is one immutable authorization record.
//
// Seq is assigned by the store at append time and is strictly increasing
// within a process; it is the ordering key for queries and cursors. Rule
// names the policy rule that produced the outcome ("ok" when allowed),
// Reason is the single human-readable explanation carried back to callers.
type Event struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Rule      string    `json:"rule"`
	Reason    string    `json:"reason,omitempty"`
	IntentID  string    `json:"intentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query filters the event log. Principal matches sender or recipient.
// Zero times mean unbounded; Limit <= 0 uses the store default.
type Query struct {
	Principal string
	Kind      Kind
	Since     time.Time
	Until     time.Time
	Cursor    string
	Limit     int
}

// Page is one page of query results, newest first.
type Page struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Logger persists and queries audit events.
//
// Record assigns ID, Seq, and CreatedAt (when zero) and must only return
// nil once the event is durably staged; the gate treats a Record failure
// as a reason to refuse the whole operation.
type Logger interface {
	Record(ctx context.Context, e *Event) error
	Query(ctx context.Context, q Query) (*Page, error)
}
