package audit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
)

// DefaultQueryLimit caps one page of events when the caller does not set one.
const DefaultQueryLimit = 100

// MaxQueryLimit is the hard ceiling for one page of events.
const MaxQueryLimit = 1000

// MemoryLogger is an in-memory audit log for tests and demo mode.
// Events are held in append order; Seq is the slice position plus one.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryLogger creates an empty in-memory audit log.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.Seq = int64(len(m.events)) + 1
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("evt_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events = append(m.events, &cp)

	e.ID = cp.ID
	e.Seq = cp.Seq
	e.CreatedAt = cp.CreatedAt

	metrics.AuditEventsTotal.WithLabelValues(string(cp.Kind)).Inc()
	return nil
}

func (m *MemoryLogger) Query(_ context.Context, q Query) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := clampLimit(q.Limit)

	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}
	var beforeSeq int64 = -1
	if cur != nil {
		// The cursor ID carries the Seq of the last event on the prior page.
		if n, perr := strconv.ParseInt(cur.ID, 10, 64); perr == nil {
			beforeSeq = n
		}
	}

	// Newest first: walk the append-ordered slice backwards.
	var matched []*Event
	for i := len(m.events) - 1; i >= 0 && len(matched) < limit+1; i-- {
		e := m.events[i]
		if beforeSeq >= 0 && e.Seq >= beforeSeq {
			continue
		}
		if !matches(e, q) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	events, next, more := pagination.ComputePage(matched, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.Seq, 10)
	})
	return &Page{Events: events, NextCursor: next, HasMore: more}, nil
}

// Events returns every stored event in append order (for tests).
func (m *MemoryLogger) Events() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Event, len(m.events))
	for i, e := range m.events {
		cp := *e
		result[i] = &cp
	}
	return result
}

func matches(e *Event, q Query) bool {
	if q.Principal != "" && e.Sender != q.Principal && e.Recipient != q.Principal {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.CreatedAt.After(q.Until) {
		return false
	}
	return true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

var _ Logger = (*MemoryLogger)(nil)
