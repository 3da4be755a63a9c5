package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStripeBackend struct {
	transfers   []*stripe.TransferParams
	transferErr error
	balance     *stripe.Balance
	balanceErr  error
}

func (m *mockStripeBackend) NewTransfer(params *stripe.TransferParams) (*stripe.Transfer, error) {
	if m.transferErr != nil {
		return nil, m.transferErr
	}
	m.transfers = append(m.transfers, params)
	return &stripe.Transfer{ID: "tr_123", Amount: *params.Amount}, nil
}

func (m *mockStripeBackend) GetBalance(params *stripe.BalanceParams) (*stripe.Balance, error) {
	return m.balance, m.balanceErr
}

func newTestStripeLedger(t *testing.T, backend StripeBackend) *StripeLedger {
	t.Helper()
	l, err := NewStripeLedger("", StaticAccountResolver{
		"0xsender":    "acct_sender",
		"0xrecipient": "acct_recipient",
	}, WithStripeBackend(backend))
	require.NoError(t, err)
	return l
}

func TestStripeLedger_TransferConvertsToCents(t *testing.T) {
	backend := &mockStripeBackend{}
	l := newTestStripeLedger(t, backend)

	// 1.50 USDC = 1_500_000 raw units = 150 cents.
	r, err := l.Transfer(context.Background(), "0xSender", "0xRecipient", big.NewInt(1_500_000))
	require.NoError(t, err)

	assert.Equal(t, "stripe", r.Backend)
	assert.Equal(t, "tr_123", r.Reference)
	assert.Equal(t, "1.500000", r.Amount, "receipt carries the canonical decimal form")

	require.Len(t, backend.transfers, 1)
	params := backend.transfers[0]
	assert.Equal(t, int64(150), *params.Amount)
	assert.Equal(t, "usd", *params.Currency)
	assert.Equal(t, "acct_recipient", *params.Destination)
	assert.Equal(t, "0xsender", params.Metadata["sender"])
}

func TestStripeLedger_RejectsSubCentAmounts(t *testing.T) {
	backend := &mockStripeBackend{}
	l := newTestStripeLedger(t, backend)

	// 0.000001 USDC cannot settle as whole cents.
	_, err := l.Transfer(context.Background(), "0xsender", "0xrecipient", big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, backend.transfers)
}

func TestStripeLedger_UnmappedPrincipal(t *testing.T) {
	backend := &mockStripeBackend{}
	l := newTestStripeLedger(t, backend)

	_, err := l.Transfer(context.Background(), "0xsender", "0xstranger", big.NewInt(10_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "resolve", te.Op)
}

func TestStripeLedger_TransferFailure(t *testing.T) {
	backend := &mockStripeBackend{transferErr: errors.New("card_declined")}
	l := newTestStripeLedger(t, backend)

	_, err := l.Transfer(context.Background(), "0xsender", "0xrecipient", big.NewInt(10_000))
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "transfer", te.Op)
	assert.Empty(t, te.Ref, "no reference when the API call itself failed")
}

func TestStripeLedger_BalanceOfConvertsToRawUnits(t *testing.T) {
	backend := &mockStripeBackend{
		balance: &stripe.Balance{
			Available: []*stripe.Amount{
				{Amount: 250, Currency: stripe.CurrencyEUR},
				{Amount: 150, Currency: stripe.CurrencyUSD},
			},
		},
	}
	l := newTestStripeLedger(t, backend)

	bal, err := l.BalanceOf(context.Background(), "0xsender")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), bal.Int64(), "150 cents = 1.50 in raw units")
}

func TestNewStripeLedger_RequiresResolver(t *testing.T) {
	_, err := NewStripeLedger("sk_test_x", nil)
	assert.Error(t, err)
}
