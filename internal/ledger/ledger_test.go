package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestMemoryLedger_TransferMovesTrackedBalances(t *testing.T) {
	ml := NewMemoryLedger()
	ml.SetBalance("0xSender", big.NewInt(10_000_000))
	ml.SetBalance("0xrecipient", big.NewInt(0))

	r, err := ml.Transfer(context.Background(), "0xsender", "0xRecipient", big.NewInt(3_000_000))
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if r.Backend != "memory" {
		t.Errorf("expected backend memory, got %s", r.Backend)
	}
	if r.From != "0xsender" || r.To != "0xrecipient" {
		t.Errorf("expected lowercased addresses, got %s -> %s", r.From, r.To)
	}
	if r.Amount != "3.000000" {
		t.Errorf("expected canonical amount 3.000000, got %s", r.Amount)
	}
	if r.ID == "" || r.Reference == "" {
		t.Error("expected receipt ID and reference to be set")
	}

	from, _ := ml.BalanceOf(context.Background(), "0xsender")
	to, _ := ml.BalanceOf(context.Background(), "0xrecipient")
	if from.Int64() != 7_000_000 {
		t.Errorf("expected sender balance 7000000, got %s", from)
	}
	if to.Int64() != 3_000_000 {
		t.Errorf("expected recipient balance 3000000, got %s", to)
	}
}

func TestMemoryLedger_UntrackedSenderSucceeds(t *testing.T) {
	ml := NewMemoryLedger()

	if _, err := ml.Transfer(context.Background(), "0xsender", "0xrecipient", big.NewInt(1)); err != nil {
		t.Fatalf("expected unseeded transfer to succeed, got %v", err)
	}
}

func TestMemoryLedger_InsufficientFunds(t *testing.T) {
	ml := NewMemoryLedger()
	ml.SetBalance("0xsender", big.NewInt(100))

	_, err := ml.Transfer(context.Background(), "0xsender", "0xrecipient", big.NewInt(101))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched by the failed transfer.
	bal, _ := ml.BalanceOf(context.Background(), "0xsender")
	if bal.Int64() != 100 {
		t.Errorf("expected balance 100 after failed transfer, got %s", bal)
	}
}

func TestMemoryLedger_InvalidAmount(t *testing.T) {
	ml := NewMemoryLedger()

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := ml.Transfer(context.Background(), "a", "b", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestMemoryLedger_FailureInjection(t *testing.T) {
	ml := NewMemoryLedger()
	boom := errors.New("rpc unreachable")

	ml.FailNextWith(boom)
	_, err := ml.Transfer(context.Background(), "a", "b", big.NewInt(1))
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransferError, got %T", err)
	}

	// One-shot: the next transfer goes through.
	if _, err := ml.Transfer(context.Background(), "a", "b", big.NewInt(1)); err != nil {
		t.Fatalf("expected second transfer to succeed, got %v", err)
	}

	ml.FailWith(boom)
	for i := 0; i < 2; i++ {
		if _, err := ml.Transfer(context.Background(), "a", "b", big.NewInt(1)); !errors.Is(err, boom) {
			t.Fatalf("expected persistent failure on call %d, got %v", i, err)
		}
	}

	if got := ml.Calls(); got != 5 {
		t.Errorf("expected 5 transfer attempts recorded, got %d", got)
	}
}

func TestMemoryReceiptStore_GetByIntentID(t *testing.T) {
	store := NewMemoryReceiptStore()
	ctx := context.Background()

	r := &Receipt{
		ID:        "rcp_1",
		Backend:   "memory",
		From:      "0xa",
		To:        "0xb",
		Amount:    "1.000000",
		IntentID:  "intent-1",
		CreatedAt: time.Now(),
	}
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.GetByIntentID(ctx, "intent-1")
	if err != nil {
		t.Fatalf("GetByIntentID failed: %v", err)
	}
	if got.ID != "rcp_1" {
		t.Errorf("expected rcp_1, got %s", got.ID)
	}

	// Mutating the returned copy must not affect the store.
	got.Amount = "tampered"
	again, _ := store.GetByIntentID(ctx, "intent-1")
	if again.Amount != "1.000000" {
		t.Error("store returned a shared reference, not a copy")
	}

	if _, err := store.GetByIntentID(ctx, "missing"); !errors.Is(err, ErrReceiptNotFound) {
		t.Errorf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestMemoryReceiptStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryReceiptStore()
	ctx := context.Background()

	for i, id := range []string{"rcp_1", "rcp_2", "rcp_3"} {
		r := &Receipt{ID: id, From: "0xa", To: "0xb", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := store.Save(ctx, &Receipt{ID: "rcp_other", From: "0xc", To: "0xd"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.List(ctx, "0xa", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(got))
	}
	if got[0].ID != "rcp_3" || got[1].ID != "rcp_2" {
		t.Errorf("expected newest first [rcp_3 rcp_2], got [%s %s]", got[0].ID, got[1].ID)
	}

	// Recipient side matches too.
	asRecipient, err := store.List(ctx, "0xd", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(asRecipient) != 1 || asRecipient[0].ID != "rcp_other" {
		t.Errorf("expected [rcp_other], got %v", asRecipient)
	}
}

func TestTransferError_Format(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransferError
		contains string
	}{
		{
			name:     "with reference",
			err:      &TransferError{Op: "send", Ref: "0xabc123", Err: errors.New("network error")},
			contains: "0xabc123",
		},
		{
			name:     "without reference",
			err:      &TransferError{Op: "nonce", Err: errors.New("failed to get nonce")},
			contains: "nonce failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			if !strings.Contains(msg, tt.contains) {
				t.Errorf("expected %q to contain %q", msg, tt.contains)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Error("expected TransferError to unwrap to its cause")
			}
		})
	}
}
