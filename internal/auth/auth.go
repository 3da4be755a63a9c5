// Package auth issues and validates the API keys that identify principals.
//
// Keys are bearer secrets of the form sk_<64 hex>. Only a SHA-256 hash is
// stored; the raw key is shown once at issue time. Each key is bound to a
// single principal, and ownership checks compare that principal against the
// resource being touched.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is the stored record for an issued key. Hash is the SHA-256 of the
// raw key; the raw key itself is never persisted.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Principal string     `json:"principal"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
//
// Touch is separate from Update so the asynchronous last-used write can
// never race a revocation back to active.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, validates and revokes API keys.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a principal.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, principal, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + idgen.Hex(8),
		Hash:      hashKey(rawKey),
		Principal: strings.ToLower(principal),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey checks a presented key and returns its metadata. Accepts the
// raw key with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Record last use off the request path.
	go func(id string) {
		_ = m.store.Touch(context.Background(), id, time.Now().UTC())
	}(key.ID)

	return key, nil
}

// ListKeys returns all keys for a principal.
func (m *Manager) ListKeys(ctx context.Context, principal string) ([]*APIKey, error) {
	return m.store.GetByPrincipal(ctx, strings.ToLower(principal))
}

// RevokeKey revokes one of a principal's keys. Revocation is immediate:
// the next ValidateKey on the revoked key fails. Looking the key up through
// the principal's own list keeps one principal from revoking another's key
// by guessing IDs.
func (m *Manager) RevokeKey(ctx context.Context, keyID, principal string) error {
	keys, err := m.store.GetByPrincipal(ctx, strings.ToLower(principal))
	if err != nil {
		return err
	}

	var target *APIKey
	for _, k := range keys {
		if k.ID == keyID {
			target = k
			break
		}
	}
	if target == nil {
		return ErrKeyNotFound
	}

	target.Revoked = true
	return m.store.Update(ctx, target)
}

// hashKey is the stored form of a raw key. Plain SHA-256 is enough; keys
// are 256-bit random values, not passwords.
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Principal, principal) {
			result = append(result, copyKey(k))
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = at
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
