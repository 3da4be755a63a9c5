// Package ledger executes settled value transfers on an external backend.
//
// The gate treats a Ledger as a primitive: one Transfer call per authorized
// payment, nothing more. Custody stays with the backend: the service holds
// delegated spending authority (an ERC-20 allowance, a Stripe platform key),
// never the funds themselves. Three drivers ship: an in-memory ledger for
// tests and development, an EVM driver moving ERC-20 USDC over JSON-RPC, and
// a Stripe driver moving value between connected accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/spendgate/internal/metrics"
)

var (
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrInvalidAddress        = errors.New("ledger: invalid address")
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrReceiptNotFound       = errors.New("ledger: receipt not found")
	ErrUnknownAccount        = errors.New("ledger: no account mapped for principal")
)

// TransferError wraps a driver failure with enough context to decide what
// happened to the funds. Ref is the backend reference (tx hash, Stripe
// transfer ID) when one exists. A non-empty Ref with an error means the
// outcome on the backend is unknown, not failed.
type TransferError struct {
	Op  string
	Ref string
	Err error
}

func (e *TransferError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("ledger: %s failed (ref: %s): %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Receipt is the durable record of one settled transfer. Reconciliation
// matches receipts against executed intents by IntentID, which the gate
// stamps before saving.
type Receipt struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	IntentID  string    `json:"intentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ledger moves value between principals on a settlement backend.
//
// Transfer takes raw 6-decimal units; the Receipt it returns carries the
// canonical decimal form. A Receipt comes back only when the backend reports
// the transfer settled; an error with a *TransferError Ref means the outcome
// is unknown and needs reconciliation.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount *big.Int) (*Receipt, error)
	BalanceOf(ctx context.Context, principal string) (*big.Int, error)
	Backend() string
}

// ReceiptStore persists transfer receipts.
type ReceiptStore interface {
	Save(ctx context.Context, r *Receipt) error
	GetByIntentID(ctx context.Context, intentID string) (*Receipt, error)
	List(ctx context.Context, principal string, limit int) ([]*Receipt, error)
}

// observe records transfer metrics for one driver call. Drivers defer it at
// the top of Transfer.
func observe(backend string, start time.Time, err *error) {
	metrics.TransferDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	result := "ok"
	if *err != nil {
		result = "error"
	}
	metrics.TransfersTotal.WithLabelValues(backend, result).Inc()
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
