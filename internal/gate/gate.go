// Package gate is the single choke point between authorization and money.
//
// Both entry points live here: DirectPayment for policy-decided transfers
// and ExecuteIntent for pre-approved intents. Nothing else in the system
// holds the ledger, so a transfer that never passed an allow decision or
// an executable intent is structurally impossible, not merely forbidden.
//
// Ordering on the execution path is deliberate. The audit event is written
// before the ledger call, so a crash mid-transfer leaves an auditable
// attempt. An intent is marked EXECUTED before its transfer is attempted,
// so a retry after a fault cannot double-pay; the fault surfaces as a
// flagged execution for manual reconciliation instead.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/policy"
	"github.com/mbd888/spendgate/internal/traces"
	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

// Errors
var (
	// ErrAuditUnavailable aborts an authorized operation whose audit event
	// could not be staged. No transfer happens without its record.
	ErrAuditUnavailable = errors.New("gate: audit log unavailable")

	// ErrNotIntentSender refuses an execution whose stated sender is not the
	// intent's sender. Approval binds the payer; a third party cannot execute
	// someone else's intent.
	ErrNotIntentSender = errors.New("gate: sender does not match the intent")

	// ErrAmountMismatch refuses an execution whose amount differs from the
	// approved amount. No partial or inflated executions.
	ErrAmountMismatch = errors.New("gate: amount does not match the approved intent")
)

// Rules recorded on events the gate decides itself, before or instead of
// the policy engine. policy.RulePaused is reused for the kill switch.
const (
	RuleInvalidRequest = "invalid_request"
	RuleIdentity       = "identity_mismatch"
	RuleAmountMatch    = "amount_mismatch"
	RuleIntentState    = "intent_state"
	RuleIntentApproved = "intent_approved"
)

// PausedReason is the distinct reason carried by kill-switch denials, never
// produced by an ordinary policy rule.
const PausedReason = "system paused"

// TransferFault is a ledger failure after authorization was granted, the
// most dangerous error class in the system. Funds state is unknown whenever
// Reference is set. A fault is never retried automatically; operators
// reconcile against the backend first.
type TransferFault struct {
	Entry     string // "direct" or "intent"
	IntentID  string
	Reference string
	Err       error
}

func (e *TransferFault) Error() string {
	if e.IntentID != "" {
		return fmt.Sprintf("gate: transfer fault executing intent %s: %v", e.IntentID, e.Err)
	}
	return fmt.Sprintf("gate: transfer fault on direct payment: %v", e.Err)
}

func (e *TransferFault) Unwrap() error { return e.Err }

// PaymentRequest is one direct transfer attempt.
type PaymentRequest struct {
	Sender    string `json:"sender" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// ExecuteRequest executes an approved intent. Sender and Amount restate the
// intent's fields and must match them exactly.
type ExecuteRequest struct {
	Sender string `json:"sender" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// PaymentResult is the outcome of a direct payment. Receipt is set only
// when the transfer settled.
type PaymentResult struct {
	Decision *policy.Decision `json:"decision"`
	Receipt  *ledger.Receipt  `json:"receipt,omitempty"`
}

// ExecutionResult is the outcome of an intent execution.
type ExecutionResult struct {
	Intent  *intent.PaymentIntent `json:"intent"`
	Receipt *ledger.Receipt       `json:"receipt,omitempty"`
}

// DecisionListener observes recorded gate events for downstream fan-out
// (webhooks, the websocket feed). Calls are synchronous on the decision
// path; implementations must not block.
type DecisionListener interface {
	PaymentDecided(e *audit.Event)
}

// Gate owns the two execution entry points.
type Gate struct {
	evaluator *policy.Evaluator
	intents   *intent.Registry
	log       audit.Logger
	ledger    ledger.Ledger
	receipts  ledger.ReceiptStore
	listener  DecisionListener
	logger    *slog.Logger
	now       func() time.Time
}

// New wires the gate. All dependencies are required.
func New(evaluator *policy.Evaluator, registry *intent.Registry, log audit.Logger, l ledger.Ledger, receipts ledger.ReceiptStore, logger *slog.Logger) *Gate {
	return &Gate{
		evaluator: evaluator,
		intents:   registry,
		log:       log,
		ledger:    l,
		receipts:  receipts,
		logger:    logger,
		now:       time.Now,
	}
}

// WithListener adds a decision listener.
func (g *Gate) WithListener(l DecisionListener) *Gate {
	g.listener = l
	return g
}

// Simulate runs the view-only policy evaluation: no counters move and no
// audit event is recorded. A denied decision is a successful simulation;
// callers distinguish it by Decision.Allowed, not by the error.
func (g *Gate) Simulate(ctx context.Context, req PaymentRequest) (*policy.Decision, error) {
	sender := strings.ToLower(req.Sender)
	recipient := strings.ToLower(req.Recipient)

	if errs := validateAddresses(req); len(errs) > 0 {
		return nil, errs
	}

	paused, err := g.evaluator.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return &policy.Decision{Rule: policy.RulePaused, Reason: PausedReason}, nil
	}

	d, err := g.evaluator.Evaluate(ctx, sender, recipient, req.Amount, g.now())
	if err != nil {
		var v *policy.ViolationError
		if errors.As(err, &v) {
			return d, nil
		}
		return nil, err
	}
	return d, nil
}

// DirectPayment runs the full authorization-and-transfer path: kill switch,
// mutating policy decision, audit write-ahead, ledger transfer. Exactly one
// audit event is recorded for every decided attempt, allowed or blocked.
func (g *Gate) DirectPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "gate.direct_payment",
		traces.Sender(req.Sender), traces.Recipient(req.Recipient), traces.Amount(req.Amount))
	defer span.End()

	sender := strings.ToLower(req.Sender)
	recipient := strings.ToLower(req.Recipient)

	// Malformed input is refused and still audited; the attempt happened.
	if errs := validateAddresses(req); len(errs) > 0 {
		d := &policy.Decision{Rule: RuleInvalidRequest, Reason: errs.Error()}
		g.blocked(ctx, sender, recipient, req.Amount, d.Rule, d.Reason, "")
		return &PaymentResult{Decision: d}, errs
	}
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		d := &policy.Decision{Rule: RuleInvalidRequest, Reason: "invalid amount"}
		g.blocked(ctx, sender, recipient, req.Amount, d.Rule, d.Reason, "")
		return &PaymentResult{Decision: d}, policy.Violation(d)
	}
	canonical := usdc.Format(amount)

	// Kill switch, ahead of every policy check.
	paused, err := g.evaluator.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		d := &policy.Decision{Rule: policy.RulePaused, Reason: PausedReason}
		g.blocked(ctx, sender, recipient, canonical, d.Rule, d.Reason, "")
		return &PaymentResult{Decision: d}, policy.Violation(d)
	}

	decision, err := g.evaluator.Authorize(ctx, sender, recipient, canonical, g.now())
	if err != nil {
		var v *policy.ViolationError
		if errors.As(err, &v) {
			g.blocked(ctx, sender, recipient, canonical, decision.Rule, decision.Reason, "")
			return &PaymentResult{Decision: decision}, err
		}
		return nil, err // policy state unreadable: refuse, nothing decided
	}

	// Write-ahead: the allowed event must be durable before value moves.
	if _, err := g.record(ctx, audit.KindAllowed, sender, recipient, canonical, decision.Rule, "", ""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	receipt, terr := g.ledger.Transfer(ctx, sender, recipient, amount)
	if terr != nil {
		fault := &TransferFault{Entry: "direct", Reference: transferRef(terr), Err: terr}
		g.logger.Log(ctx, logging.LevelCritical, "transfer fault after authorization",
			"entry", "direct",
			"sender", sender,
			"recipient", recipient,
			"amount", canonical,
			"reference", fault.Reference,
			"error", terr.Error(),
		)
		return &PaymentResult{Decision: decision}, fault
	}

	g.saveReceipt(ctx, receipt, "")
	return &PaymentResult{Decision: decision, Receipt: receipt}, nil
}

// ExecuteIntent settles a previously approved intent: kill switch, identity
// binding, exact amount match, mark-executed, audit write-ahead, transfer.
// The intent is consumed by the mark even when the transfer then faults;
// reconciliation owns that aftermath, never an automatic retry.
func (g *Gate) ExecuteIntent(ctx context.Context, id string, req ExecuteRequest) (*ExecutionResult, error) {
	ctx = logging.WithIntentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "gate.execute_intent",
		traces.IntentID(id), traces.Sender(req.Sender), traces.Amount(req.Amount))
	defer span.End()

	i, err := g.intents.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	paused, err := g.evaluator.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		g.blocked(ctx, i.Sender, i.Recipient, i.Amount, policy.RulePaused, PausedReason, id)
		return nil, policy.Violation(&policy.Decision{Rule: policy.RulePaused, Reason: PausedReason})
	}

	if !strings.EqualFold(req.Sender, i.Sender) {
		g.blocked(ctx, i.Sender, i.Recipient, i.Amount, RuleIdentity, "sender does not match intent", id)
		return nil, ErrNotIntentSender
	}

	canonical, ok := usdc.Canonical(req.Amount)
	if !ok || canonical != i.Amount {
		g.blocked(ctx, i.Sender, i.Recipient, i.Amount, RuleAmountMatch, "amount does not match intent", id)
		return nil, ErrAmountMismatch
	}

	amount, ok := usdc.Parse(i.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("gate: stored intent amount %q is invalid", i.Amount)
	}

	// Consume the approval first. Whatever happens to the transfer, this
	// intent can never reach the ledger again.
	marked, err := g.intents.MarkExecuted(ctx, id)
	if err != nil {
		var stateErr *intent.StateError
		if errors.As(err, &stateErr) {
			g.blocked(ctx, i.Sender, i.Recipient, i.Amount, RuleIntentState, stateErr.Error(), id)
		}
		return nil, err
	}

	if _, err := g.record(ctx, audit.KindAllowed, i.Sender, i.Recipient, i.Amount, RuleIntentApproved, "", id); err != nil {
		// The approval is already consumed. Flag it so reconciliation
		// surfaces a burned intent instead of silent loss.
		if _, ferr := g.intents.FlagExecutionFailed(ctx, id, "audit unavailable before transfer"); ferr != nil {
			g.logger.ErrorContext(ctx, "flagging unexecutable intent failed", "intent_id", id, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	receipt, terr := g.ledger.Transfer(ctx, i.Sender, i.Recipient, amount)
	if terr != nil {
		fault := &TransferFault{Entry: "intent", IntentID: id, Reference: transferRef(terr), Err: terr}
		g.logger.Log(ctx, logging.LevelCritical, "transfer fault after authorization",
			"entry", "intent",
			"intent_id", id,
			"sender", i.Sender,
			"recipient", i.Recipient,
			"amount", i.Amount,
			"reference", fault.Reference,
			"error", terr.Error(),
		)
		if flagged, ferr := g.intents.FlagExecutionFailed(ctx, id, terr.Error()); ferr != nil {
			g.logger.ErrorContext(ctx, "flagging failed execution failed", "intent_id", id, "error", ferr)
		} else {
			marked = flagged
		}
		return &ExecutionResult{Intent: marked}, fault
	}

	g.saveReceipt(ctx, receipt, id)
	return &ExecutionResult{Intent: marked, Receipt: receipt}, nil
}

// record stages the audit event for one gate decision. A sink failure is
// returned so allow paths can refuse to proceed.
func (g *Gate) record(ctx context.Context, kind audit.Kind, sender, recipient, amount, rule, reason, intentID string) (*audit.Event, error) {
	e := &audit.Event{
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Rule:      rule,
		Reason:    reason,
		IntentID:  intentID,
	}
	if err := g.log.Record(ctx, e); err != nil {
		g.logger.ErrorContext(ctx, "audit record failed", "kind", string(kind), "rule", rule, "error", err)
		return nil, err
	}

	decision := "blocked"
	if kind == audit.KindAllowed {
		decision = "allowed"
	}
	metrics.AuthorizationsTotal.WithLabelValues(decision, rule).Inc()
	traces.Annotate(ctx, traces.Decision(kind == audit.KindAllowed), traces.Rule(rule))

	if g.listener != nil {
		g.listener.PaymentDecided(e)
	}
	return e, nil
}

// blocked records a denial event. A sink failure here is logged, not
// propagated: the operation is already refused, which is the fail-closed
// direction.
func (g *Gate) blocked(ctx context.Context, sender, recipient, amount, rule, reason, intentID string) {
	_, _ = g.record(ctx, audit.KindBlocked, sender, recipient, amount, rule, reason, intentID)
}

// saveReceipt persists the settlement record. Failure is logged, not
// returned: value already moved, and reconciliation reports executions
// without receipts.
func (g *Gate) saveReceipt(ctx context.Context, r *ledger.Receipt, intentID string) {
	if r == nil {
		return
	}
	if intentID != "" {
		r.IntentID = intentID
	}
	traces.Annotate(ctx, traces.Backend(r.Backend))
	if err := g.receipts.Save(ctx, r); err != nil {
		g.logger.ErrorContext(ctx, "receipt save failed", "receipt_id", r.ID, "intent_id", intentID, "error", err)
	}
}

func validateAddresses(req PaymentRequest) validation.ValidationErrors {
	return validation.Validate(
		validation.Required("sender", req.Sender),
		validation.ValidAddress("sender", req.Sender),
		validation.Required("recipient", req.Recipient),
		validation.ValidAddress("recipient", req.Recipient),
	)
}

func transferRef(err error) string {
	var terr *ledger.TransferError
	if errors.As(err, &terr) {
		return terr.Ref
	}
	return ""
}
