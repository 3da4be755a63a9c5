package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/syncutil"
	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

var ErrInvalidScore = errors.New("intent: risk score out of range")

// DefaultValidity applies when a registration does not name one.
const DefaultValidity = time.Hour

// Authorizer reports whether a principal may decide intents.
type Authorizer interface {
	IsAuthorized(ctx context.Context, principal string) bool
}

// DecisionListener observes intent transitions for downstream fan-out
// (webhooks, the websocket feed). Calls are synchronous on the transition
// path; implementations must not block.
type DecisionListener interface {
	IntentTransitioned(i *PaymentIntent)
}

// RegisterRequest contains the parameters for registering an intent.
type RegisterRequest struct {
	Sender    string `json:"sender" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	ValidFor  string `json:"validFor,omitempty"` // duration string, e.g. "30m"
	Memo      string `json:"memo,omitempty"`
	Nonce     uint64 `json:"nonce,omitempty"`
}

// DecisionRequest carries an approval or rejection.
type DecisionRequest struct {
	RiskScore int    `json:"riskScore"`
	Reason    string `json:"reason,omitempty"`
}

// Registry owns the intent state machine. All status transitions happen
// under a per-intent lock with a compare-and-swap against the stored status,
// so races resolve to exactly one winner.
type Registry struct {
	store        Store
	agents       Authorizer
	locks        syncutil.ShardedMutex
	listener     DecisionListener
	chainContext string
	maxValidity  time.Duration
	now          func() time.Time
}

// NewRegistry creates an intent registry.
func NewRegistry(store Store, agents Authorizer, chainContext string, maxValidity time.Duration) *Registry {
	if maxValidity <= 0 {
		maxValidity = 24 * time.Hour
	}
	return &Registry{
		store:        store,
		agents:       agents,
		chainContext: chainContext,
		maxValidity:  maxValidity,
		now:          time.Now,
	}
}

// WithListener adds a transition listener.
func (r *Registry) WithListener(l DecisionListener) *Registry {
	r.listener = l
	return r
}

// Register creates a PENDING intent. caller is the authenticated principal:
// registering on behalf of another sender requires an active agent grant.
func (r *Registry) Register(ctx context.Context, req RegisterRequest, caller string) (*PaymentIntent, error) {
	if errs := validation.Validate(
		validation.Required("sender", req.Sender),
		validation.ValidAddress("sender", req.Sender),
		validation.Required("recipient", req.Recipient),
		validation.ValidAddress("recipient", req.Recipient),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("memo", req.Memo, validation.MaxMemoLength),
	); len(errs) > 0 {
		return nil, errs
	}

	sender := strings.ToLower(req.Sender)
	recipient := strings.ToLower(req.Recipient)
	if sender == recipient {
		return nil, fmt.Errorf("%w: sender and recipient are the same address", ErrInvalidRequest)
	}

	caller = strings.ToLower(caller)
	if caller != sender && !r.agents.IsAuthorized(ctx, caller) {
		return nil, ErrNotAuthorized
	}

	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid amount", ErrInvalidRequest)
	}

	validFor := DefaultValidity
	if req.ValidFor != "" {
		d, err := time.ParseDuration(req.ValidFor)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot parse validFor duration", ErrInvalidRequest)
		}
		validFor = d
	}
	if validFor <= 0 || validFor > r.maxValidity {
		return nil, fmt.Errorf("%w: validFor must be within (0, %s]", ErrInvalidRequest, r.maxValidity)
	}

	now := r.now()
	expiresAt := now.Add(validFor)
	canonical := usdc.Format(amount)
	i := &PaymentIntent{
		ID:           DeriveID(sender, recipient, canonical, r.chainContext, expiresAt, req.Memo, req.Nonce),
		Sender:       sender,
		Recipient:    recipient,
		Amount:       canonical,
		ChainContext: r.chainContext,
		Memo:         req.Memo,
		Nonce:        req.Nonce,
		Status:       StatusPending,
		RegisteredBy: caller,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}

	if err := r.store.Create(ctx, i); err != nil {
		return nil, err
	}

	metrics.IntentTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	metrics.PendingIntents.Inc()
	return i, nil
}

// Approve transitions PENDING → APPROVED. Requires an active agent grant and
// an unexpired intent; the score and reason are recorded verbatim.
func (r *Registry) Approve(ctx context.Context, id, caller string, riskScore int, reason string) (*PaymentIntent, error) {
	return r.decide(ctx, id, caller, riskScore, reason, StatusApproved, true)
}

// Reject transitions PENDING → REJECTED. Unlike Approve it also applies to
// an expired-but-still-pending record: a rejection of something that can
// never execute is harmless and keeps the audit trail complete.
func (r *Registry) Reject(ctx context.Context, id, caller string, riskScore int, reason string) (*PaymentIntent, error) {
	return r.decide(ctx, id, caller, riskScore, reason, StatusRejected, false)
}

func (r *Registry) decide(ctx context.Context, id, caller string, riskScore int, reason string, to Status, expiryGated bool) (*PaymentIntent, error) {
	if riskScore < 0 || riskScore > 100 {
		return nil, ErrInvalidScore
	}
	caller = strings.ToLower(caller)
	if !r.agents.IsAuthorized(ctx, caller) {
		return nil, ErrNotAuthorized
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	i, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	op := "approve"
	if to == StatusRejected {
		op = "reject"
	}
	if i.Status != StatusPending {
		return nil, &StateError{Op: op, Expected: StatusPending, Actual: i.EffectiveStatus(now)}
	}
	if expiryGated && i.EffectiveStatus(now) == StatusExpired {
		return nil, &StateError{Op: op, Expected: StatusPending, Actual: StatusExpired}
	}

	decidedAt := now
	i.Status = to
	i.RiskScore = riskScore
	i.Reason = reason
	i.DecidedBy = caller
	i.DecidedAt = &decidedAt

	if err := r.casUpdate(ctx, i, StatusPending, op); err != nil {
		return nil, err
	}

	metrics.IntentTransitionsTotal.WithLabelValues(string(to)).Inc()
	metrics.PendingIntents.Dec()
	r.notify(i)
	return i, nil
}

// Cancel transitions PENDING → CANCELLED. Only the sender may cancel, and
// only while the intent is pending and unexpired.
func (r *Registry) Cancel(ctx context.Context, id, caller string) (*PaymentIntent, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	i, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != i.Sender {
		return nil, ErrNotSender
	}

	now := r.now()
	if eff := i.EffectiveStatus(now); eff != StatusPending {
		return nil, &StateError{Op: "cancel", Expected: StatusPending, Actual: eff}
	}

	decidedAt := now
	i.Status = StatusCancelled
	i.DecidedBy = i.Sender
	i.DecidedAt = &decidedAt

	if err := r.casUpdate(ctx, i, StatusPending, "cancel"); err != nil {
		return nil, err
	}

	metrics.IntentTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.PendingIntents.Dec()
	r.notify(i)
	return i, nil
}

// IsExecutable reports whether the intent is APPROVED and unexpired. The
// gate does not rely on this view (MarkExecuted re-checks under the lock),
// but callers use it for pre-flight.
func (r *Registry) IsExecutable(ctx context.Context, id string) (bool, error) {
	i, err := r.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return i.EffectiveStatus(r.now()) == StatusApproved, nil
}

// MarkExecuted transitions APPROVED → EXECUTED. Called by the execution gate
// as the final state mutation before the transfer is attempted; once an
// intent reads EXECUTED it can never be executed again, whatever happens to
// the transfer.
func (r *Registry) MarkExecuted(ctx context.Context, id string) (*PaymentIntent, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	i, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if eff := i.EffectiveStatus(now); eff != StatusApproved {
		return nil, &StateError{Op: "execute", Expected: StatusApproved, Actual: eff}
	}

	executedAt := now
	i.Status = StatusExecuted
	i.ExecutedAt = &executedAt

	if err := r.casUpdate(ctx, i, StatusApproved, "execute"); err != nil {
		return nil, err
	}

	metrics.IntentTransitionsTotal.WithLabelValues(string(StatusExecuted)).Inc()
	r.notify(i)
	return i, nil
}

// FlagExecutionFailed marks an EXECUTED intent whose transfer faulted. Set
// by the gate on a transfer fault and by operators via the admin surface;
// reconciliation surfaces flagged intents until resolved out of band.
func (r *Registry) FlagExecutionFailed(ctx context.Context, id, note string) (*PaymentIntent, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	i, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if i.Status != StatusExecuted {
		return nil, &StateError{Op: "flag-failed", Expected: StatusExecuted, Actual: i.EffectiveStatus(r.now())}
	}

	failedAt := r.now()
	i.ExecutionFailed = true
	i.FailureNote = note
	i.FailedAt = &failedAt

	if err := r.casUpdate(ctx, i, StatusExecuted, "flag-failed"); err != nil {
		return nil, err
	}

	r.notify(i)
	return i, nil
}

// Get returns the intent with its effective status applied.
func (r *Registry) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	i, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	i.Status = i.EffectiveStatus(r.now())
	return i, nil
}

// ListBySender returns the sender's intents, effective statuses applied.
func (r *Registry) ListBySender(ctx context.Context, sender string, limit int) ([]*PaymentIntent, error) {
	intents, err := r.store.ListBySender(ctx, strings.ToLower(sender), limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, i := range intents {
		i.Status = i.EffectiveStatus(now)
	}
	return intents, nil
}

// ListPending returns stored-PENDING intents that have not expired. The
// auto-decision worker polls this.
func (r *Registry) ListPending(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	intents, err := r.store.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := intents[:0]
	for _, i := range intents {
		if i.EffectiveStatus(now) == StatusPending {
			live = append(live, i)
		}
	}
	return live, nil
}

// ListExecuted returns EXECUTED intents for reconciliation.
func (r *Registry) ListExecuted(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	return r.store.ListByStatus(ctx, StatusExecuted, limit)
}

// ListStuck returns intents stored as PENDING or APPROVED whose expiry has
// passed; the admin surface lists these for operator review.
func (r *Registry) ListStuck(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	now := r.now()
	var stuck []*PaymentIntent
	for _, status := range []Status{StatusPending, StatusApproved} {
		intents, err := r.store.ListByStatus(ctx, status, limit)
		if err != nil {
			return nil, err
		}
		for _, i := range intents {
			if i.EffectiveStatus(now) == StatusExpired {
				i.Status = StatusExpired
				stuck = append(stuck, i)
			}
		}
	}
	return stuck, nil
}

// casUpdate writes the transition, mapping a lost CAS to a StateError with
// the fresh status.
func (r *Registry) casUpdate(ctx context.Context, i *PaymentIntent, from Status, op string) error {
	err := r.store.UpdateStatus(ctx, i, from)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleStatus) {
		fresh, gerr := r.store.Get(ctx, i.ID)
		if gerr != nil {
			return err
		}
		return &StateError{Op: op, Expected: from, Actual: fresh.EffectiveStatus(r.now())}
	}
	return err
}

func (r *Registry) notify(i *PaymentIntent) {
	if r.listener != nil {
		cp := *i
		r.listener.IntentTransitioned(&cp)
	}
}
