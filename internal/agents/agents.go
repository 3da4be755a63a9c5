// Package agents tracks which principals may decide payment intents.
//
// A grant marks a principal as an active decision agent: only active agents
// may approve or reject intents, register intents on behalf of a sender, or
// record risk assessments. Revocation is immediate, with no grace period,
// and grants are kept after revocation for audit history.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Errors
var (
	ErrNotFound       = errors.New("agents: grant not found")
	ErrAlreadyGranted = errors.New("agents: principal already has an active grant")
)

// Grant records decision authority for one principal.
type Grant struct {
	ID        string     `json:"id"`
	Principal string     `json:"principal"`
	Label     string     `json:"label,omitempty"`
	Active    bool       `json:"active"`
	GrantedBy string     `json:"grantedBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Store persists agent grants.
type Store interface {
	Create(ctx context.Context, g *Grant) error
	GetByPrincipal(ctx context.Context, principal string) (*Grant, error)
	Update(ctx context.Context, g *Grant) error
	List(ctx context.Context, activeOnly bool) ([]*Grant, error)
}

// Service implements grant lifecycle and authorization checks.
type Service struct {
	store Store
}

// NewService creates a new agents service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Grant activates decision authority for a principal. Re-granting a revoked
// principal reactivates the existing record; granting an already-active one
// fails with ErrAlreadyGranted.
func (s *Service) Grant(ctx context.Context, principal, label, grantedBy string) (*Grant, error) {
	principal = normalize(principal)

	existing, err := s.store.GetByPrincipal(ctx, principal)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Active {
			return nil, ErrAlreadyGranted
		}
		existing.Active = true
		existing.RevokedAt = nil
		existing.GrantedBy = grantedBy
		if label != "" {
			existing.Label = label
		}
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	g := &Grant{
		ID:        idgen.WithPrefix("ag_"),
		Principal: principal,
		Label:     label,
		Active:    true,
		GrantedBy: grantedBy,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Revoke deactivates a principal's grant. Takes effect on the next
// authorization check; in-flight decisions are not unwound.
func (s *Service) Revoke(ctx context.Context, principal string) (*Grant, error) {
	g, err := s.store.GetByPrincipal(ctx, normalize(principal))
	if err != nil {
		return nil, err
	}
	if !g.Active {
		return nil, fmt.Errorf("agents: grant for %s already revoked", principal)
	}

	now := time.Now()
	g.Active = false
	g.RevokedAt = &now
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// IsAuthorized reports whether the principal holds an active grant.
// Store errors read as not authorized; authorization fails closed.
func (s *Service) IsAuthorized(ctx context.Context, principal string) bool {
	g, err := s.store.GetByPrincipal(ctx, normalize(principal))
	if err != nil {
		return false
	}
	return g.Active
}

// List returns grants, optionally only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Grant, error) {
	return s.store.List(ctx, activeOnly)
}

func normalize(principal string) string {
	return strings.ToLower(strings.TrimSpace(principal))
}
