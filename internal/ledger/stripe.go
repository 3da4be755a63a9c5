package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/usdc"
)

// centsPerUnit converts 6-decimal amounts to Stripe's 2-decimal cents.
var centsPerUnit = big.NewInt(10_000)

// AccountResolver maps a principal to a Stripe connected account ID.
type AccountResolver interface {
	ConnectedAccount(ctx context.Context, principal string) (string, error)
}

// StaticAccountResolver resolves from a fixed principal → acct_ map.
type StaticAccountResolver map[string]string

func (r StaticAccountResolver) ConnectedAccount(_ context.Context, principal string) (string, error) {
	acct, ok := r[strings.ToLower(principal)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, principal)
	}
	return acct, nil
}

// StripeBackend abstracts the slice of the Stripe API the driver touches.
type StripeBackend interface {
	NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error)
	GetBalance(params *stripe.BalanceParams) (*stripe.Balance, error)
}

type stripeClient struct {
	api *client.API
}

func (c *stripeClient) NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error) {
	return c.api.Transfers.New(params)
}

func (c *stripeClient) GetBalance(params *stripe.BalanceParams) (*stripe.Balance, error) {
	return c.api.Balance.Get(params)
}

// StripeOption configures the Stripe ledger.
type StripeOption func(*StripeLedger)

// WithStripeBackend sets a custom API backend (useful for testing).
func WithStripeBackend(backend StripeBackend) StripeOption {
	return func(l *StripeLedger) { l.backend = backend }
}

// StripeLedger moves USD between connected accounts on a Stripe platform.
// Principals resolve to acct_ IDs through the AccountResolver; the platform
// key authorizes the transfer, the platform never holds the recipient's
// funds. Stripe settles in whole cents, so amounts with sub-cent precision
// are rejected rather than silently rounded.
type StripeLedger struct {
	backend  StripeBackend
	resolver AccountResolver
}

var _ Ledger = (*StripeLedger)(nil)

// NewStripeLedger creates a Stripe ledger using the given platform API key.
func NewStripeLedger(apiKey string, resolver AccountResolver, opts ...StripeOption) (*StripeLedger, error) {
	if resolver == nil {
		return nil, fmt.Errorf("ledger: account resolver required")
	}

	l := &StripeLedger{resolver: resolver}
	for _, opt := range opts {
		opt(l)
	}

	if l.backend == nil {
		if apiKey == "" {
			return nil, fmt.Errorf("ledger: stripe API key required")
		}
		api := &client.API{}
		api.Init(apiKey, nil)
		l.backend = &stripeClient{api: api}
	}

	return l, nil
}

func (l *StripeLedger) Backend() string { return "stripe" }

func (l *StripeLedger) Transfer(ctx context.Context, from, to string, amount *big.Int) (r *Receipt, err error) {
	defer observe("stripe", time.Now(), &err)

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	cents, err := toCents(amount)
	if err != nil {
		return nil, err
	}

	destination, err := l.resolver.ConnectedAccount(ctx, to)
	if err != nil {
		return nil, &TransferError{Op: "resolve", Err: err}
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	params.AddMetadata("sender", strings.ToLower(from))
	params.AddMetadata("recipient", strings.ToLower(to))

	transfer, err := l.backend.NewTransfer(params)
	if err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}

	return &Receipt{
		ID:        idgen.WithPrefix("rcp_"),
		Backend:   "stripe",
		From:      strings.ToLower(from),
		To:        strings.ToLower(to),
		Amount:    usdc.Format(amount),
		Reference: transfer.ID,
		CreatedAt: time.Now(),
	}, nil
}

// BalanceOf reports the available USD balance of the principal's connected
// account, converted back to raw 6-decimal units.
func (l *StripeLedger) BalanceOf(ctx context.Context, principal string) (*big.Int, error) {
	acct, err := l.resolver.ConnectedAccount(ctx, principal)
	if err != nil {
		return nil, err
	}

	params := &stripe.BalanceParams{}
	params.Context = ctx
	params.SetStripeAccount(acct)

	bal, err := l.backend.GetBalance(params)
	if err != nil {
		return nil, fmt.Errorf("ledger: balance lookup failed: %w", err)
	}

	for _, avail := range bal.Available {
		if avail.Currency == stripe.CurrencyUSD {
			return new(big.Int).Mul(big.NewInt(avail.Amount), centsPerUnit), nil
		}
	}
	return big.NewInt(0), nil
}

// toCents converts raw 6-decimal units to whole cents, rejecting sub-cent
// amounts.
func toCents(amount *big.Int) (int64, error) {
	cents, rem := new(big.Int).QuoRem(amount, centsPerUnit, new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("%w: stripe settles whole cents only", ErrInvalidAmount)
	}
	if !cents.IsInt64() {
		return 0, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	}
	return cents.Int64(), nil
}
