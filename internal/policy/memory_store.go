package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	global   *GlobalPolicy
	senders  map[string]*SenderPolicy
	counters map[string]*SpendCounter
}

// NewMemoryStore creates a new in-memory policy store with default globals.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		global:   DefaultGlobal(),
		senders:  make(map[string]*SenderPolicy),
		counters: make(map[string]*SpendCounter),
	}
}

func (m *MemoryStore) Global(_ context.Context) (*GlobalPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyGlobal(m.global), nil
}

func (m *MemoryStore) UpdateGlobal(_ context.Context, g *GlobalPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = copyGlobal(g)
	return nil
}

func (m *MemoryStore) Sender(_ context.Context, sender string) (*SenderPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.senders[sender]
	if !ok {
		return nil, ErrNotFound
	}
	return copySender(p), nil
}

func (m *MemoryStore) UpsertSender(_ context.Context, p *SenderPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[p.Sender] = copySender(p)
	return nil
}

func (m *MemoryStore) ListSenders(_ context.Context) ([]*SenderPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*SenderPolicy, 0, len(m.senders))
	for _, p := range m.senders {
		result = append(result, copySender(p))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sender < result[j].Sender
	})
	return result, nil
}

func (m *MemoryStore) Counter(_ context.Context, sender string) (*SpendCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[sender]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertCounter(_ context.Context, c *SpendCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.counters[c.Sender] = &cp
	return nil
}

// copyGlobal deep-copies a global policy so callers cannot mutate store state.
func copyGlobal(g *GlobalPolicy) *GlobalPolicy {
	cp := *g
	cp.RecipientBlacklist = copyBoolMap(g.RecipientBlacklist)
	cp.RecipientWhitelist = copyBoolMap(g.RecipientWhitelist)
	return &cp
}

// copySender deep-copies a sender policy.
func copySender(p *SenderPolicy) *SenderPolicy {
	cp := *p
	cp.AllowedRecipients = copyBoolMap(p.AllowedRecipients)
	if p.RecipientMax != nil {
		cp.RecipientMax = make(map[string]string, len(p.RecipientMax))
		for k, v := range p.RecipientMax {
			cp.RecipientMax[k] = v
		}
	}
	return &cp
}

func copyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)
