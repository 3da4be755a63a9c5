package intent

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory intent store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*PaymentIntent
}

// NewMemoryStore creates an empty in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*PaymentIntent)}
}

func (s *MemoryStore) Create(ctx context.Context, i *PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[i.ID]; exists {
		return ErrIntentExists
	}
	cp := *i
	s.intents[i.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, i *PaymentIntent, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.intents[i.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStaleStatus
	}
	cp := *i
	s.intents[i.ID] = &cp
	return nil
}

func (s *MemoryStore) ListBySender(ctx context.Context, sender string, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*PaymentIntent
	for _, i := range s.intents {
		if i.Sender == sender {
			cp := *i
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*PaymentIntent
	for _, i := range s.intents {
		if i.Status == status {
			cp := *i
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(intents []*PaymentIntent) {
	sort.Slice(intents, func(a, b int) bool {
		return intents[a].CreatedAt.After(intents[b].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
