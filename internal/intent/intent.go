// Package intent implements the payment intent registry.
//
// An intent is a pre-authorized transfer: registered by (or on behalf of) a
// sender, decided by an authorized agent, and executed at most once through
// the gate. Intent IDs are derived from the intent's content, so registering
// the same logical intent twice collides instead of double-authorizing.
// Records are never deleted; terminal intents stay queryable for audit.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("intent: not found")
	ErrIntentExists   = errors.New("intent: already registered")
	ErrNotAuthorized  = errors.New("intent: caller is not an authorized agent")
	ErrNotSender      = errors.New("intent: caller is not the intent sender")
	ErrStaleStatus    = errors.New("intent: status changed concurrently")
	ErrInvalidRequest = errors.New("intent: invalid request")
)

// Status is an intent lifecycle state.
//
// Stored statuses: PENDING → {APPROVED, REJECTED, CANCELLED}; APPROVED →
// EXECUTED. EXPIRED is derived at read time and never written: a pending or
// approved intent past its expiry reads as expired and stays permanently
// unexecutable, while the stored row keeps its last written status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExecuted  Status = "executed"
	StatusExpired   Status = "expired" // derived, never stored
)

// StateError reports an operation applied in the wrong lifecycle state.
// Actual is the effective status the caller observed, so a stale approve
// racing a cancel reads "need pending, is cancelled".
type StateError struct {
	Op       string
	Expected Status
	Actual   Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("intent: cannot %s: status is %s, need %s", e.Op, e.Actual, e.Expected)
}

// PaymentIntent is one pre-authorized transfer.
type PaymentIntent struct {
	ID           string     `json:"id"`
	Sender       string     `json:"sender"`
	Recipient    string     `json:"recipient"`
	Amount       string     `json:"amount"` // canonical 6-decimal USDC string
	ChainContext string     `json:"chainContext"`
	Memo         string     `json:"memo,omitempty"`
	Nonce        uint64     `json:"nonce,omitempty"`
	Status       Status     `json:"status"`
	RiskScore    int        `json:"riskScore"` // 0..100, recorded verbatim at decision time
	Reason       string     `json:"reason,omitempty"`
	DecidedBy    string     `json:"decidedBy,omitempty"`
	RegisteredBy string     `json:"registeredBy,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`

	// Execution-failure flag: set when the transfer behind an executed
	// intent faulted, never cleared. Reconciliation reads it.
	ExecutionFailed bool       `json:"executionFailed,omitempty"`
	FailureNote     string     `json:"failureNote,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
}

// EffectiveStatus derives the externally visible status at the given time.
func (i *PaymentIntent) EffectiveStatus(now time.Time) Status {
	if (i.Status == StatusPending || i.Status == StatusApproved) && !i.ExpiresAt.After(now) {
		return StatusExpired
	}
	return i.Status
}

// IsTerminal reports whether no further stored transition is possible.
func (i *PaymentIntent) IsTerminal() bool {
	switch i.Status {
	case StatusRejected, StatusCancelled, StatusExecuted:
		return true
	}
	return false
}

// DeriveID computes the content-derived intent ID: a hex sha256 over the
// normalized fields. amount must already be in canonical form (usdc.Canonical)
// so equal amounts always hash equal.
func DeriveID(sender, recipient, amount, chainContext string, expiresAt time.Time, memo string, nonce uint64) string {
	memoHash := sha256.Sum256([]byte(memo))
	payload := strings.Join([]string{
		strings.ToLower(sender),
		strings.ToLower(recipient),
		amount,
		chainContext,
		strconv.FormatInt(expiresAt.Unix(), 10),
		hex.EncodeToString(memoHash[:]),
		strconv.FormatUint(nonce, 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Store persists intents. UpdateStatus is a compare-and-swap: it writes the
// full record only if the stored status still equals from, returning
// ErrStaleStatus otherwise. Concurrent approve/cancel races resolve
// deterministically; one wins, the other observes a StateError.
type Store interface {
	Create(ctx context.Context, i *PaymentIntent) error
	Get(ctx context.Context, id string) (*PaymentIntent, error)
	UpdateStatus(ctx context.Context, i *PaymentIntent, from Status) error
	ListBySender(ctx context.Context, sender string, limit int) ([]*PaymentIntent, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*PaymentIntent, error)
}
