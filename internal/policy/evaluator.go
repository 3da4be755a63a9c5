package policy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/retry"
	"github.com/mbd888/spendgate/internal/syncutil"
	"github.com/mbd888/spendgate/internal/usdc"
)

// Counter persistence retry policy. Transient store errors are retried with
// the per-sender lock released during backoff.
const (
	counterRetries    = 3
	counterRetryDelay = 50 * time.Millisecond
)

// Evaluator runs the ordered policy checks. Evaluate is the view-only
// variant (simulation, no side effects); Authorize is the mutating variant
// used by the execution path, which also charges the amount against the
// sender's rolling daily counter. For a fixed point in time both variants
// produce the same allow/deny outcome.
type Evaluator struct {
	store Store
	locks syncutil.ShardedMutex
}

// NewEvaluator creates an evaluator backed by the given store.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// snapshot is one consistent read of everything a decision needs.
type snapshot struct {
	global  *GlobalPolicy
	sender  *SenderPolicy // nil when no per-sender policy exists
	counter *SpendCounter // nil when the sender has no counter yet
}

func (e *Evaluator) load(ctx context.Context, sender string) (*snapshot, error) {
	global, err := e.store.Global(ctx)
	if err != nil {
		return nil, err
	}

	sp, err := e.store.Sender(ctx, sender)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	counter, err := e.store.Counter(ctx, sender)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return &snapshot{global: global, sender: sp, counter: counter}, nil
}

// Evaluate runs the policy checks without mutating any state.
// Returns the decision plus a *ViolationError when denied; a non-violation
// error means the check itself could not run and the caller must fail closed.
func (e *Evaluator) Evaluate(ctx context.Context, sender, recipient, amount string, now time.Time) (*Decision, error) {
	start := time.Now()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("policy: invalid amount %q", amount)
	}

	snap, err := e.load(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("policy check failed: %w", err) // fail closed
	}

	d, _, _ := decide(snap, recipient, amt, now)
	d.LatencyUs = time.Since(start).Microseconds()
	metrics.PolicyEvaluationDuration.Observe(time.Since(start).Seconds())

	if !d.Allowed {
		return d, Violation(d)
	}
	return d, nil
}

// Authorize runs the policy checks and, on allow, atomically charges the
// amount against the sender's daily counter. Counter reads and writes happen
// under a per-sender lock so no concurrent authorization observes a
// half-updated counter. On a denied decision no state changes.
func (e *Evaluator) Authorize(ctx context.Context, sender, recipient, amount string, now time.Time) (*Decision, error) {
	start := time.Now()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("policy: invalid amount %q", amount)
	}

	unlockFn := e.locks.Lock(sender)
	defer func() { unlockFn() }()

	var d *Decision
	op := func() error {
		snap, err := e.load(ctx, sender)
		if err != nil {
			return err
		}

		dd, newSpent, windowStart := decide(snap, recipient, amt, now)
		d = dd
		if !dd.Allowed {
			return nil // decision stands, nothing to persist
		}

		return e.store.UpsertCounter(ctx, &SpendCounter{
			Sender:      sender,
			Spent:       usdc.Format(newSpent),
			WindowStart: windowStart,
		})
	}

	// Each retry recomputes the decision from fresh state, so a counter
	// written by a concurrent authorization is never overwritten blindly.
	err := retry.DoWithUnlock(ctx, counterRetries, counterRetryDelay,
		func() { unlockFn() },
		func() { unlockFn = e.locks.Lock(sender) },
		op,
	)
	if err != nil {
		return nil, fmt.Errorf("policy check failed: %w", err) // fail closed
	}

	d.LatencyUs = time.Since(start).Microseconds()
	metrics.PolicyEvaluationDuration.Observe(time.Since(start).Seconds())

	if !d.Allowed {
		return d, Violation(d)
	}
	return d, nil
}

// Paused reports the global kill switch. The gate checks it before any
// policy evaluation; an unreadable flag is an error, not a default.
func (e *Evaluator) Paused(ctx context.Context) (bool, error) {
	g, err := e.store.Global(ctx)
	if err != nil {
		return false, fmt.Errorf("policy check failed: %w", err)
	}
	return g.Paused, nil
}

// RemainingBudget reports the sender's remaining daily budget without
// charging anything. Returns ("0", false) when no effective daily limit is
// configured (unlimited).
func (e *Evaluator) RemainingBudget(ctx context.Context, sender string, now time.Time) (string, bool, error) {
	snap, err := e.load(ctx, sender)
	if err != nil {
		return "", false, fmt.Errorf("policy check failed: %w", err)
	}

	limit := effectiveLimit(snap, senderDaily)
	if limit.Sign() <= 0 {
		return "0", false, nil
	}

	spent := windowSpent(snap.counter, now)
	remaining := new(big.Int).Sub(limit, spent)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return usdc.Format(remaining), true, nil
}

type limitKind int

const (
	senderMaxPerTx limitKind = iota
	senderDaily
)

// effectiveLimit resolves a per-sender limit with global fallback.
// A zero or empty per-sender value falls back to the global; a zero global
// means no limit.
func effectiveLimit(snap *snapshot, kind limitKind) *big.Int {
	var senderVal, globalVal string
	switch kind {
	case senderMaxPerTx:
		globalVal = snap.global.MaxPerTx
		if snap.sender != nil {
			senderVal = snap.sender.MaxPerTx
		}
	case senderDaily:
		globalVal = snap.global.DailyLimit
		if snap.sender != nil {
			senderVal = snap.sender.DailyLimit
		}
	}

	if v, ok := usdc.Parse(senderVal); ok && v.Sign() > 0 {
		return v
	}
	v, ok := usdc.Parse(globalVal)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// windowSpent returns the counter value if the rolling window is still
// current, zero otherwise. Expired counters are never read as stale totals.
func windowSpent(c *SpendCounter, now time.Time) *big.Int {
	if c == nil || !now.Before(c.WindowStart.Add(DailyWindow)) {
		return big.NewInt(0)
	}
	v, ok := usdc.Parse(c.Spent)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// decide is the pure rules core shared by Evaluate and Authorize. Checks run
// in a fixed order and only the first failure is reported. Returns the
// decision plus the new spent total and window start the mutating path must
// persist on allow.
func decide(snap *snapshot, recipient string, amount *big.Int, now time.Time) (*Decision, *big.Int, time.Time) {
	sp := snap.sender

	// 1. Blocked sender.
	if sp != nil && sp.Blocked {
		return deny(RuleSenderBlocked, "sender blocked"), nil, time.Time{}
	}

	// 2. Blacklisted recipient.
	if snap.global.RecipientBlacklist[recipient] {
		return deny(RuleBlacklist, "recipient blacklisted"), nil, time.Time{}
	}

	// 3. Whitelist mode.
	if snap.global.WhitelistEnabled && !snap.global.RecipientWhitelist[recipient] {
		return deny(RuleWhitelist, "recipient not whitelisted"), nil, time.Time{}
	}

	// 4. Per-transaction maximum (sender override, else global).
	if max := effectiveLimit(snap, senderMaxPerTx); max.Sign() > 0 && amount.Cmp(max) > 0 {
		return deny(RulePerTxMax, "exceeds per-tx maximum"), nil, time.Time{}
	}

	// 5. Per-recipient maximum for this sender, when explicitly set.
	if sp != nil {
		if maxStr, ok := sp.RecipientMax[recipient]; ok {
			if max, ok := usdc.Parse(maxStr); ok && max.Sign() > 0 && amount.Cmp(max) > 0 {
				return deny(RuleRecipientMax, "exceeds per-recipient maximum"), nil, time.Time{}
			}
		}
	}

	// 6. Rolling daily limit.
	spent := windowSpent(snap.counter, now)
	windowStart := now
	if snap.counter != nil && now.Before(snap.counter.WindowStart.Add(DailyWindow)) {
		windowStart = snap.counter.WindowStart
	}
	newSpent := new(big.Int).Add(spent, amount)

	var remaining string
	if limit := effectiveLimit(snap, senderDaily); limit.Sign() > 0 {
		if newSpent.Cmp(limit) > 0 {
			avail := new(big.Int).Sub(limit, spent)
			if avail.Sign() < 0 {
				avail = big.NewInt(0)
			}
			d := deny(RuleDailyLimit, "exceeds daily limit")
			d.Remaining = usdc.Format(avail)
			return d, nil, time.Time{}
		}
		remaining = usdc.Format(new(big.Int).Sub(limit, newSpent))
	}

	// 7. Restricted sender: recipient must be explicitly allowed.
	if sp != nil && sp.Restricted && !sp.AllowedRecipients[recipient] {
		return deny(RuleRestricted, "recipient not permitted for sender"), nil, time.Time{}
	}

	// 8. Allow.
	return &Decision{
		Allowed:   true,
		Rule:      RuleOK,
		Remaining: remaining,
	}, newSpent, windowStart
}

func deny(rule, reason string) *Decision {
	return &Decision{Rule: rule, Reason: reason}
}
