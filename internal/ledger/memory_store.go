package ledger

import (
	"context"
	"strings"
	"sync"
)

// MemoryReceiptStore keeps receipts in memory for development and tests.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	byIntent map[string]*Receipt
}

// NewMemoryReceiptStore creates an empty in-memory receipt store.
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{byIntent: make(map[string]*Receipt)}
}

func (s *MemoryReceiptStore) Save(ctx context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.receipts = append(s.receipts, &cp)
	if cp.IntentID != "" {
		s.byIntent[cp.IntentID] = &cp
	}
	return nil
}

func (s *MemoryReceiptStore) GetByIntentID(ctx context.Context, intentID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byIntent[intentID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryReceiptStore) List(ctx context.Context, principal string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	principal = strings.ToLower(principal)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first.
	out := make([]*Receipt, 0, limit)
	for i := len(s.receipts) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.receipts[i]
		if r.From != principal && r.To != principal {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
