package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/ledger"
)

type stubIntents struct {
	executed []*intent.PaymentIntent
	stuck    []*intent.PaymentIntent
	err      error
}

func (s *stubIntents) ListExecuted(_ context.Context, limit int) ([]*intent.PaymentIntent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.executed) > limit {
		return s.executed[:limit], nil
	}
	return s.executed, nil
}

func (s *stubIntents) ListStuck(_ context.Context, _ int) ([]*intent.PaymentIntent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stuck, nil
}

type failingReceipts struct{ err error }

func (f *failingReceipts) GetByIntentID(context.Context, string) (*ledger.Receipt, error) {
	return nil, f.err
}

func executedIntent(id string) *intent.PaymentIntent {
	now := time.Now()
	return &intent.PaymentIntent{
		ID:         id,
		Sender:     "0xab5801a7d398351b8be11c439e05c5b3259aec9b",
		Recipient:  "0x742d35cc6634c0532925a3b844bc454e4438f44e",
		Amount:     "25.500000",
		Status:     intent.StatusExecuted,
		ExecutedAt: &now,
	}
}

func flaggedIntent(id, note string) *intent.PaymentIntent {
	i := executedIntent(id)
	now := time.Now()
	i.ExecutionFailed = true
	i.FailureNote = note
	i.FailedAt = &now
	return i
}

func newRunner(intents IntentSource, receipts ReceiptSource) *Runner {
	return NewRunner(intents, receipts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func saveReceiptFor(t *testing.T, store *ledger.MemoryReceiptStore, intentID string) {
	t.Helper()
	err := store.Save(context.Background(), &ledger.Receipt{
		ID:        "rcp_" + intentID,
		Backend:   "memory",
		From:      "0xab5801a7d398351b8be11c439e05c5b3259aec9b",
		To:        "0x742d35cc6634c0532925a3b844bc454e4438f44e",
		Amount:    "25.500000",
		IntentID:  intentID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Save receipt: %v", err)
	}
}

func TestRunAll_CleanState(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{executed: []*intent.PaymentIntent{
		executedIntent("int_a"),
		executedIntent("int_b"),
	}}
	saveReceiptFor(t, receipts, "int_a")
	saveReceiptFor(t, receipts, "int_b")

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Error("expected healthy report when every executed intent has a receipt")
	}
	if report.MissingReceipts != 0 || report.FlaggedFailures != 0 || report.StuckIntents != 0 {
		t.Errorf("expected zero counts, got %+v", report)
	}
	if report.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", report.Scanned)
	}
	if len(report.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(report.Findings))
	}
}

func TestRunAll_MissingReceipt(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{executed: []*intent.PaymentIntent{
		executedIntent("int_settled"),
		executedIntent("int_lost"),
	}}
	saveReceiptFor(t, receipts, "int_settled")

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.Healthy {
		t.Error("expected unhealthy report: one executed intent has no receipt")
	}
	if report.MissingReceipts != 1 {
		t.Errorf("MissingReceipts = %d, want 1", report.MissingReceipts)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(report.Findings))
	}
	f := report.Findings[0]
	if f.IntentID != "int_lost" || f.Kind != FindingMissingReceipt {
		t.Errorf("finding = %+v, want missing_receipt for int_lost", f)
	}
	if f.Amount != "25.500000" {
		t.Errorf("finding amount = %q, want canonical form", f.Amount)
	}
}

func TestRunAll_FlaggedFailure(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{executed: []*intent.PaymentIntent{
		flaggedIntent("int_faulted", "rpc timeout"),
	}}

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	// A flagged failure was observed and logged when it happened; it is a
	// known state, not an unknown outcome.
	if !report.Healthy {
		t.Error("expected healthy report: flagged failures do not flip health")
	}
	if report.FlaggedFailures != 1 {
		t.Errorf("FlaggedFailures = %d, want 1", report.FlaggedFailures)
	}
	if report.MissingReceipts != 0 {
		t.Errorf("flagged intent must not double-count as missing receipt, got %d", report.MissingReceipts)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(report.Findings))
	}
	f := report.Findings[0]
	if f.Kind != FindingFlaggedFailure || f.Note != "rpc timeout" {
		t.Errorf("finding = %+v, want flagged_failure with the gate's note", f)
	}
	if f.FlaggedAt.IsZero() {
		t.Error("finding should carry the flag timestamp")
	}
}

func TestRunAll_CountsStuck(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{stuck: []*intent.PaymentIntent{
		executedIntent("int_x"),
		executedIntent("int_y"),
	}}

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.StuckIntents != 2 {
		t.Errorf("StuckIntents = %d, want 2", report.StuckIntents)
	}
	if !report.Healthy {
		t.Error("stuck intents alone must not flip health")
	}
}

func TestRunAll_ReceiptStoreErrorAbortsRun(t *testing.T) {
	intents := &stubIntents{executed: []*intent.PaymentIntent{executedIntent("int_a")}}
	receipts := &failingReceipts{err: errors.New("connection refused")}

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err == nil {
		t.Fatal("expected error when the receipt store is unreachable")
	}
	if report != nil {
		t.Error("partial reports must not be returned")
	}
}

func TestRunAll_IntentStoreErrorAbortsRun(t *testing.T) {
	intents := &stubIntents{err: errors.New("connection refused")}
	receipts := ledger.NewMemoryReceiptStore()

	if _, err := newRunner(intents, receipts).RunAll(context.Background()); err == nil {
		t.Fatal("expected error when the intent store is unreachable")
	}
}

func TestRunAll_FindingsCappedCountsExact(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{}
	for n := 0; n < 120; n++ {
		intents.executed = append(intents.executed, executedIntent(fmt.Sprintf("int_%03d", n)))
	}

	report, err := newRunner(intents, receipts).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.MissingReceipts != 120 {
		t.Errorf("MissingReceipts = %d, want 120 (counts stay exact)", report.MissingReceipts)
	}
	if len(report.Findings) != 100 {
		t.Errorf("Findings = %d, want capped at 100", len(report.Findings))
	}
}

func TestRunAll_ScanLimit(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	intents := &stubIntents{}
	for n := 0; n < 10; n++ {
		intents.executed = append(intents.executed, executedIntent(fmt.Sprintf("int_%d", n)))
	}

	r := newRunner(intents, receipts)
	r.SetScanLimit(3)

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", report.Scanned)
	}
}

func TestTimer_StartStop(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	runner := newRunner(&stubIntents{}, receipts)
	timer := NewTimer(runner, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never reported running")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	if timer.Running() {
		t.Error("Running() should be false after stop")
	}
}

func TestTimer_StopIsIdempotent(t *testing.T) {
	receipts := ledger.NewMemoryReceiptStore()
	runner := newRunner(&stubIntents{}, receipts)
	timer := NewTimer(runner, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Stop before Start must still end the loop, and repeated Stops
	// must not panic.
	timer.Stop()
	timer.Stop()

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not observe the prior Stop")
	}
}
