package risk

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps assessments in memory for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // sender → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assessments: make(map[string][]*Assessment)}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	key := strings.ToLower(a.Sender)
	s.assessments[key] = append(s.assessments[key], &cp)
	return nil
}

func (s *MemoryStore) ListBySender(ctx context.Context, sender string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[strings.ToLower(sender)]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		cp.Factors = append([]string(nil), all[i].Factors...)
		result = append(result, &cp)
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
