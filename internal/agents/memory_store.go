package agents

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory grant store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant // keyed by principal
}

// NewMemoryStore creates a new in-memory grant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

func (m *MemoryStore) Create(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.grants[g.Principal] = &cp
	return nil
}

func (m *MemoryStore) GetByPrincipal(_ context.Context, principal string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[principal]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[g.Principal]; !ok {
		return ErrNotFound
	}
	cp := *g
	m.grants[g.Principal] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, activeOnly bool) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Grant, 0, len(m.grants))
	for _, g := range m.grants {
		if activeOnly && !g.Active {
			continue
		}
		cp := *g
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Principal < result[j].Principal
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
