// Package approver applies configured auto-decision thresholds to pending
// intents.
//
// The worker polls the registry, scores each pending intent once, and
// decides only the clear-cut ends of the spectrum: amounts at or below the
// auto-approve limit are approved, risk scores at or above the auto-reject
// threshold are rejected (rejection wins when both apply). Everything in
// between stays PENDING for a human. Decisions go through the registry like
// any agent's, so the worker's principal needs an active grant.
package approver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/risk"
	"github.com/mbd888/spendgate/internal/usdc"
)

// Config bounds what the worker may decide on its own.
type Config struct {
	Principal       string        // recorded as the decider; needs an active agent grant
	AutoApproveMax  string        // approve at or below this amount, "0" disables
	AutoRejectScore int           // reject at or above this score, 0 disables
	Interval        time.Duration // poll interval
	BatchSize       int           // pending intents examined per sweep
}

// Enabled reports whether any threshold is configured.
func (c Config) Enabled() bool {
	if c.AutoRejectScore > 0 {
		return true
	}
	max, ok := usdc.Parse(c.AutoApproveMax)
	return ok && max.Sign() > 0
}

// EventSource is the slice of the audit log the worker reads scoring
// history from.
type EventSource interface {
	Query(ctx context.Context, q audit.Query) (*audit.Page, error)
}

// Worker is the auto-decision loop.
type Worker struct {
	registry    *intent.Registry
	scorer      risk.Scorer
	events      EventSource
	assessments risk.Store
	logger      *slog.Logger
	cfg         Config
	approveMax  *big.Int // nil when auto-approve is disabled

	// Intents scored and left pending are not rescored: the thresholds will
	// not move and the record already waits for a human.
	seen map[string]struct{}

	stop    chan struct{}
	running atomic.Bool
}

// New creates an auto-decision worker. Interval defaults to 15s and
// BatchSize to 100 when unset.
func New(registry *intent.Registry, scorer risk.Scorer, events EventSource, assessments risk.Store, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	var approveMax *big.Int
	if max, ok := usdc.Parse(cfg.AutoApproveMax); ok && max.Sign() > 0 {
		approveMax = max
	}

	return &Worker{
		registry:    registry,
		scorer:      scorer,
		events:      events,
		assessments: assessments,
		logger:      logger,
		cfg:         cfg,
		approveMax:  approveMax,
		seen:        make(map[string]struct{}),
		stop:        make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the poll loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	if !w.cfg.Enabled() {
		w.logger.Info("auto-decision worker disabled, no thresholds configured")
		return
	}

	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("auto-decision worker started",
		"principal", w.cfg.Principal,
		"autoApproveMax", w.cfg.AutoApproveMax,
		"autoRejectScore", w.cfg.AutoRejectScore,
		"interval", w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in auto-decision worker", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := w.Sweep(ctx); err != nil {
		w.logger.Warn("auto-decision sweep failed", "error", err)
	}
}

// Sweep scores one batch of pending intents and applies the thresholds.
// It returns how many intents were decided.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	if !w.cfg.Enabled() {
		return 0, nil
	}

	pending, err := w.registry.ListPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending intents: %w", err)
	}

	live := make(map[string]struct{}, len(pending))
	decided := 0
	for _, i := range pending {
		live[i.ID] = struct{}{}
		if _, held := w.seen[i.ID]; held {
			continue
		}
		switch w.review(ctx, i) {
		case outcomeDecided:
			decided++
		case outcomeHold:
			w.seen[i.ID] = struct{}{}
		}
	}

	// Drop tracking for intents that left the pending set.
	for id := range w.seen {
		if _, ok := live[id]; !ok {
			delete(w.seen, id)
		}
	}
	return decided, nil
}

type outcome int

const (
	outcomeRetry   outcome = iota // transient failure, score again next sweep
	outcomeHold                   // scored, between thresholds; a human decides
	outcomeDecided
)

// review scores one intent and applies the thresholds.
func (w *Worker) review(ctx context.Context, i *intent.PaymentIntent) outcome {
	amount, ok := usdc.Parse(i.Amount)
	if !ok {
		w.logger.Error("pending intent has unparseable amount", "intentId", i.ID, "amount", i.Amount)
		return outcomeHold
	}

	history := w.senderHistory(ctx, i.Sender)
	a, err := w.scorer.Score(ctx, i.Sender, i.Recipient, amount, history)
	if err != nil {
		w.logger.Warn("risk scoring failed, leaving intent pending", "intentId", i.ID, "error", err)
		return outcomeRetry
	}
	a.IntentID = i.ID

	if err := w.assessments.Record(ctx, a); err != nil {
		w.logger.Warn("failed to record assessment", "intentId", i.ID, "error", err)
	}

	switch {
	case w.cfg.AutoRejectScore > 0 && a.Score >= w.cfg.AutoRejectScore:
		return w.apply(ctx, i, a, w.registry.Reject, "rejected", rejectReason(a))
	case w.approveMax != nil && amount.Cmp(w.approveMax) <= 0:
		return w.apply(ctx, i, a, w.registry.Approve, "approved",
			fmt.Sprintf("auto-approved: amount within %s limit", w.cfg.AutoApproveMax))
	default:
		return outcomeHold
	}
}

type decideFunc func(ctx context.Context, id, caller string, riskScore int, reason string) (*intent.PaymentIntent, error)

func (w *Worker) apply(ctx context.Context, i *intent.PaymentIntent, a *risk.Assessment, decide decideFunc, verb, reason string) outcome {
	_, err := decide(ctx, i.ID, w.cfg.Principal, a.Score, reason)
	if err == nil {
		w.logger.Info("intent auto-"+verb,
			"intentId", i.ID,
			"sender", i.Sender,
			"amount", i.Amount,
			"score", a.Score,
			"category", a.Category)
		return outcomeDecided
	}

	var se *intent.StateError
	if errors.As(err, &se) {
		// Lost the race to a human or to expiry; the intent drops out of the
		// pending set on its own.
		w.logger.Debug("intent decided elsewhere before auto-decision", "intentId", i.ID, "status", se.Actual)
		return outcomeRetry
	}
	if errors.Is(err, intent.ErrNotAuthorized) {
		w.logger.Error("auto-decision principal has no active grant", "principal", w.cfg.Principal)
		return outcomeRetry
	}
	w.logger.Warn("auto-decision failed", "intentId", i.ID, "error", err)
	return outcomeRetry
}

// senderHistory builds scoring history from the sender's allowed events over
// the last 24 hours. An unreadable log yields empty history, which scores as
// cold-start safe; the thresholds still bound what can be decided.
func (w *Worker) senderHistory(ctx context.Context, sender string) []risk.HistoryEntry {
	page, err := w.events.Query(ctx, audit.Query{
		Principal: sender,
		Kind:      audit.KindAllowed,
		Since:     time.Now().Add(-24 * time.Hour),
		Limit:     200,
	})
	if err != nil {
		w.logger.Warn("failed to load scoring history", "sender", sender, "error", err)
		return nil
	}

	history := make([]risk.HistoryEntry, 0, len(page.Events))
	for _, e := range page.Events {
		if !strings.EqualFold(e.Sender, sender) {
			continue // Principal also matches events where the sender was the recipient
		}
		amount, ok := usdc.Parse(e.Amount)
		if !ok {
			continue
		}
		history = append(history, risk.HistoryEntry{
			Recipient: e.Recipient,
			Amount:    amount,
			At:        e.CreatedAt,
		})
	}
	return history
}

func rejectReason(a *risk.Assessment) string {
	if len(a.Factors) == 0 {
		return fmt.Sprintf("auto-rejected: risk score %d", a.Score)
	}
	return fmt.Sprintf("auto-rejected: risk score %d (%s)", a.Score, strings.Join(a.Factors, "; "))
}
