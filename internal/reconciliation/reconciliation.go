// Package reconciliation audits settlement state after the fact.
//
// The gate marks an intent EXECUTED before handing it to the ledger, so a
// crash or transfer fault can leave an executed intent with no receipt.
// Each run walks executed intents, matches them against the receipt store
// by intent ID, and reports the ones that need an operator.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/metrics"
)

// Finding kinds.
const (
	// FindingMissingReceipt marks an executed intent with no receipt and no
	// failure flag. The transfer outcome is unknown; the backend must be
	// checked by hand.
	FindingMissingReceipt = "missing_receipt"

	// FindingFlaggedFailure marks an executed intent the gate flagged after
	// a transfer fault. The fault was observed and logged at the time.
	FindingFlaggedFailure = "flagged_failure"
)

// IntentSource is the slice of the intent registry reconciliation reads.
type IntentSource interface {
	ListExecuted(ctx context.Context, limit int) ([]*intent.PaymentIntent, error)
	ListStuck(ctx context.Context, limit int) ([]*intent.PaymentIntent, error)
}

// ReceiptSource looks up transfer receipts by the intent that produced them.
type ReceiptSource interface {
	GetByIntentID(ctx context.Context, intentID string) (*ledger.Receipt, error)
}

// Finding is one intent whose settlement state needs operator attention.
type Finding struct {
	IntentID  string    `json:"intentId"`
	Kind      string    `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Note      string    `json:"note,omitempty"`
	FlaggedAt time.Time `json:"flaggedAt,omitempty"`
}

// Report summarizes one reconciliation run. Healthy means no unknown-outcome
// executions were found; flagged failures and stuck intents are known states
// with their own operator paths and do not flip it.
type Report struct {
	MissingReceipts int           `json:"missingReceipts"`
	FlaggedFailures int           `json:"flaggedFailures"`
	StuckIntents    int           `json:"stuckIntents"`
	Scanned         int           `json:"scanned"`
	Findings        []Finding     `json:"findings,omitempty"`
	Healthy         bool          `json:"healthy"`
	Duration        time.Duration `json:"durationMs"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Runner performs reconciliation between the intent registry and the
// receipt store.
type Runner struct {
	intents     IntentSource
	receipts    ReceiptSource
	logger      *slog.Logger
	scanLimit   int
	maxFindings int
}

// NewRunner creates a reconciliation runner scanning up to 1000 executed
// intents per run.
func NewRunner(intents IntentSource, receipts ReceiptSource, logger *slog.Logger) *Runner {
	return &Runner{
		intents:     intents,
		receipts:    receipts,
		logger:      logger,
		scanLimit:   1000,
		maxFindings: 100,
	}
}

// SetScanLimit bounds how many executed intents one run examines.
func (r *Runner) SetScanLimit(n int) {
	if n > 0 {
		r.scanLimit = n
	}
}

// RunAll performs a full reconciliation pass and updates the gauges. A store
// error aborts the run; partial reports are never returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	report := &Report{Timestamp: start.UTC()}

	executed, err := r.intents.ListExecuted(ctx, r.scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list executed intents: %w", err)
	}
	report.Scanned = len(executed)

	for _, i := range executed {
		if i.ExecutionFailed {
			report.FlaggedFailures++
			r.addFinding(report, i, FindingFlaggedFailure, i.FailureNote)
			continue
		}
		_, err := r.receipts.GetByIntentID(ctx, i.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrReceiptNotFound) {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("look up receipt for intent %s: %w", i.ID, err)
		}
		report.MissingReceipts++
		r.addFinding(report, i, FindingMissingReceipt, "executed with no receipt; transfer outcome unknown")
	}

	stuck, err := r.intents.ListStuck(ctx, r.scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list stuck intents: %w", err)
	}
	report.StuckIntents = len(stuck)

	report.Healthy = report.MissingReceipts == 0
	report.Duration = time.Since(start)

	reconcileMissingReceipts.Set(float64(report.MissingReceipts))
	reconcileFlaggedFailures.Set(float64(report.FlaggedFailures))
	reconcileStuckIntents.Set(float64(report.StuckIntents))
	metrics.ReconciliationDiscrepancies.Set(float64(report.MissingReceipts + report.FlaggedFailures))

	if report.Healthy {
		r.logger.Info("reconciliation run complete",
			"scanned", report.Scanned,
			"flaggedFailures", report.FlaggedFailures,
			"stuckIntents", report.StuckIntents,
			"duration", report.Duration)
	} else {
		r.logger.Warn("reconciliation found unknown-outcome executions",
			"missingReceipts", report.MissingReceipts,
			"flaggedFailures", report.FlaggedFailures,
			"stuckIntents", report.StuckIntents,
			"scanned", report.Scanned)
	}
	return report, nil
}

// addFinding appends detail for one problem intent, capped so a pathological
// backlog cannot balloon the report. Counts stay exact regardless.
func (r *Runner) addFinding(report *Report, i *intent.PaymentIntent, kind, note string) {
	if len(report.Findings) >= r.maxFindings {
		return
	}
	f := Finding{
		IntentID:  i.ID,
		Kind:      kind,
		Sender:    i.Sender,
		Recipient: i.Recipient,
		Amount:    i.Amount,
		Note:      note,
	}
	if i.FailedAt != nil {
		f.FlaggedAt = *i.FailedAt
	}
	report.Findings = append(report.Findings, f)
}
