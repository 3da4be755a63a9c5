package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testSender    = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	testRecipient = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	otherParty    = "0x1111111111111111111111111111111111111111"
)

func newEvaluator() (*Evaluator, *MemoryStore) {
	store := NewMemoryStore()
	return NewEvaluator(store), store
}

func setGlobal(t *testing.T, store *MemoryStore, mutate func(*GlobalPolicy)) {
	t.Helper()
	g := DefaultGlobal()
	mutate(g)
	if err := store.UpdateGlobal(context.Background(), g); err != nil {
		t.Fatalf("UpdateGlobal: %v", err)
	}
}

func setSender(t *testing.T, store *MemoryStore, sp *SenderPolicy) {
	t.Helper()
	sp.Sender = testSender
	if err := store.UpsertSender(context.Background(), sp); err != nil {
		t.Fatalf("UpsertSender: %v", err)
	}
}

func mustViolation(t *testing.T, err error) *ViolationError {
	t.Helper()
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want ViolationError", err)
	}
	return violation
}

func TestEvaluate_DefaultPolicyAllows(t *testing.T) {
	e, _ := newEvaluator()

	d, err := e.Evaluate(context.Background(), testSender, testRecipient, "123456.789", time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.Rule != RuleOK {
		t.Errorf("decision = %+v, want allowed with rule ok", d)
	}
	if d.Remaining != "" {
		t.Errorf("Remaining = %q, want empty with no daily limit", d.Remaining)
	}
}

func TestEvaluate_PerTxMax(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.MaxPerTx = "10000" })

	d, err := e.Evaluate(context.Background(), testSender, testRecipient, "15000", time.Now())
	violation := mustViolation(t, err)
	if d.Allowed {
		t.Error("decision allowed, want denied")
	}
	if violation.Rule != RulePerTxMax || violation.Reason != "exceeds per-tx maximum" {
		t.Errorf("violation = %+v", violation)
	}

	// Equal to the cap is still within it.
	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "10000", time.Now()); err != nil || !d.Allowed {
		t.Errorf("at-cap evaluate = (%+v, %v), want allowed", d, err)
	}
	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "100", time.Now()); err != nil || !d.Allowed {
		t.Errorf("small evaluate = (%+v, %v), want allowed", d, err)
	}
}

func TestAuthorize_DailyLimitAccumulates(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.DailyLimit = "50000" })
	now := time.Now()

	d, err := e.Authorize(context.Background(), testSender, testRecipient, "30000", now)
	if err != nil {
		t.Fatalf("first Authorize: %v", err)
	}
	if !d.Allowed || d.Remaining != "20000.000000" {
		t.Errorf("first decision = %+v, want allowed with remaining 20000.000000", d)
	}

	d, err = e.Authorize(context.Background(), testSender, testRecipient, "25000", now)
	violation := mustViolation(t, err)
	if violation.Rule != RuleDailyLimit || violation.Reason != "exceeds daily limit" {
		t.Errorf("violation = %+v", violation)
	}
	// On a daily-limit denial Remaining reports what was still available.
	if d.Remaining != "20000.000000" {
		t.Errorf("denied Remaining = %q, want 20000.000000", d.Remaining)
	}

	// The denial charged nothing: the rest of the budget is still spendable.
	d, err = e.Authorize(context.Background(), testSender, testRecipient, "20000", now)
	if err != nil {
		t.Fatalf("third Authorize: %v", err)
	}
	if !d.Allowed || d.Remaining != "0.000000" {
		t.Errorf("third decision = %+v, want allowed with remaining 0.000000", d)
	}

	if _, err := e.Authorize(context.Background(), testSender, testRecipient, "0.000001", now); err == nil {
		t.Error("exhausted budget authorized, want denial")
	}
}

func TestEvaluate_BlacklistDeniesAnyAmount(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) {
		g.RecipientBlacklist = map[string]bool{testRecipient: true}
	})

	for _, amount := range []string{"0.000001", "1", "999999999"} {
		_, err := e.Evaluate(context.Background(), testSender, testRecipient, amount, time.Now())
		violation := mustViolation(t, err)
		if violation.Rule != RuleBlacklist || violation.Reason != "recipient blacklisted" {
			t.Errorf("amount %s: violation = %+v", amount, violation)
		}
	}

	// Other recipients are unaffected.
	if d, err := e.Evaluate(context.Background(), testSender, otherParty, "1", time.Now()); err != nil || !d.Allowed {
		t.Errorf("clean recipient = (%+v, %v), want allowed", d, err)
	}
}

func TestEvaluate_WhitelistMode(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) {
		g.WhitelistEnabled = true
		g.RecipientWhitelist = map[string]bool{testRecipient: true}
	})

	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "50", time.Now()); err != nil || !d.Allowed {
		t.Errorf("whitelisted = (%+v, %v), want allowed", d, err)
	}

	_, err := e.Evaluate(context.Background(), testSender, otherParty, "50", time.Now())
	violation := mustViolation(t, err)
	if violation.Rule != RuleWhitelist || violation.Reason != "recipient not whitelisted" {
		t.Errorf("violation = %+v", violation)
	}
}

func TestEvaluate_SenderOverridesGlobal(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.MaxPerTx = "10000" })
	setSender(t, store, &SenderPolicy{MaxPerTx: "500"})

	_, err := e.Evaluate(context.Background(), testSender, testRecipient, "600", time.Now())
	violation := mustViolation(t, err)
	if violation.Rule != RulePerTxMax {
		t.Errorf("violation = %+v, want per_tx_max from sender override", violation)
	}

	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "500", time.Now()); err != nil || !d.Allowed {
		t.Errorf("at sender cap = (%+v, %v), want allowed", d, err)
	}

	// An empty override falls back to the global cap.
	setSender(t, store, &SenderPolicy{MaxPerTx: ""})
	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "600", time.Now()); err != nil || !d.Allowed {
		t.Errorf("fallback under global = (%+v, %v), want allowed", d, err)
	}
	if _, err := e.Evaluate(context.Background(), testSender, testRecipient, "10001", time.Now()); err == nil {
		t.Error("fallback over global allowed, want denial")
	}
}

func TestAuthorize_SenderDailyOverride(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.DailyLimit = "50000" })
	setSender(t, store, &SenderPolicy{DailyLimit: "100"})
	now := time.Now()

	if d, err := e.Authorize(context.Background(), testSender, testRecipient, "80", now); err != nil || !d.Allowed {
		t.Fatalf("first = (%+v, %v), want allowed", d, err)
	}

	_, err := e.Authorize(context.Background(), testSender, testRecipient, "30", now)
	violation := mustViolation(t, err)
	if violation.Rule != RuleDailyLimit {
		t.Errorf("violation = %+v, want daily_limit from sender override", violation)
	}
}

func TestEvaluate_RecipientMax(t *testing.T) {
	e, store := newEvaluator()
	setSender(t, store, &SenderPolicy{
		RecipientMax: map[string]string{testRecipient: "100"},
	})

	_, err := e.Evaluate(context.Background(), testSender, testRecipient, "150", time.Now())
	violation := mustViolation(t, err)
	if violation.Rule != RuleRecipientMax || violation.Reason != "exceeds per-recipient maximum" {
		t.Errorf("violation = %+v", violation)
	}

	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "100", time.Now()); err != nil || !d.Allowed {
		t.Errorf("at recipient cap = (%+v, %v), want allowed", d, err)
	}

	// A recipient cap alone does not restrict other recipients.
	if d, err := e.Evaluate(context.Background(), testSender, otherParty, "150", time.Now()); err != nil || !d.Allowed {
		t.Errorf("uncapped recipient = (%+v, %v), want allowed", d, err)
	}
}

func TestEvaluate_RestrictedSender(t *testing.T) {
	e, store := newEvaluator()
	setSender(t, store, &SenderPolicy{
		Restricted:        true,
		AllowedRecipients: map[string]bool{testRecipient: true},
	})

	if d, err := e.Evaluate(context.Background(), testSender, testRecipient, "50", time.Now()); err != nil || !d.Allowed {
		t.Errorf("allowed recipient = (%+v, %v), want allowed", d, err)
	}

	_, err := e.Evaluate(context.Background(), testSender, otherParty, "50", time.Now())
	violation := mustViolation(t, err)
	if violation.Rule != RuleRestricted || violation.Reason != "recipient not permitted for sender" {
		t.Errorf("violation = %+v", violation)
	}
}

func TestEvaluate_BlockedSender(t *testing.T) {
	e, store := newEvaluator()
	setSender(t, store, &SenderPolicy{Blocked: true})

	_, err := e.Evaluate(context.Background(), testSender, testRecipient, "1", time.Now())
	violation := mustViolation(t, err)
	if violation.Rule != RuleSenderBlocked || violation.Reason != "sender blocked" {
		t.Errorf("violation = %+v", violation)
	}
}

// Checks run in a fixed order and only the first failure is reported, so a
// request violating several rules always carries the same single reason.
func TestEvaluate_FirstFailureOnly(t *testing.T) {
	tests := []struct {
		name     string
		global   func(*GlobalPolicy)
		sender   *SenderPolicy
		amount   string
		wantRule string
	}{
		{
			name: "blocked beats blacklist",
			global: func(g *GlobalPolicy) {
				g.RecipientBlacklist = map[string]bool{testRecipient: true}
			},
			sender:   &SenderPolicy{Blocked: true},
			amount:   "1",
			wantRule: RuleSenderBlocked,
		},
		{
			name: "blacklist beats whitelist mode",
			global: func(g *GlobalPolicy) {
				g.RecipientBlacklist = map[string]bool{testRecipient: true}
				g.WhitelistEnabled = true
			},
			amount:   "1",
			wantRule: RuleBlacklist,
		},
		{
			name: "whitelist beats per-tx max",
			global: func(g *GlobalPolicy) {
				g.WhitelistEnabled = true
				g.MaxPerTx = "10"
			},
			amount:   "100",
			wantRule: RuleWhitelist,
		},
		{
			name:     "per-tx max beats recipient max",
			global:   func(g *GlobalPolicy) { g.MaxPerTx = "10" },
			sender:   &SenderPolicy{RecipientMax: map[string]string{testRecipient: "5"}},
			amount:   "100",
			wantRule: RulePerTxMax,
		},
		{
			name:     "recipient max beats daily limit",
			global:   func(g *GlobalPolicy) { g.DailyLimit = "10" },
			sender:   &SenderPolicy{RecipientMax: map[string]string{testRecipient: "5"}},
			amount:   "100",
			wantRule: RuleRecipientMax,
		},
		{
			name:   "daily limit beats restricted",
			global: func(g *GlobalPolicy) { g.DailyLimit = "10" },
			sender: &SenderPolicy{
				Restricted:        true,
				AllowedRecipients: map[string]bool{otherParty: true},
			},
			amount:   "100",
			wantRule: RuleDailyLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newEvaluator()
			if tt.global != nil {
				setGlobal(t, store, tt.global)
			}
			if tt.sender != nil {
				setSender(t, store, tt.sender)
			}

			_, err := e.Evaluate(context.Background(), testSender, testRecipient, tt.amount, time.Now())
			violation := mustViolation(t, err)
			if violation.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", violation.Rule, tt.wantRule)
			}
		})
	}
}

func TestEvaluate_IsSideEffectFree(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.DailyLimit = "100" })
	now := time.Now()

	// Repeated evaluation never consumes budget.
	for i := 0; i < 5; i++ {
		d, err := e.Evaluate(context.Background(), testSender, testRecipient, "60", now)
		if err != nil || !d.Allowed {
			t.Fatalf("evaluate %d = (%+v, %v), want allowed", i, d, err)
		}
	}
	if _, err := store.Counter(context.Background(), testSender); !errors.Is(err, ErrNotFound) {
		t.Errorf("counter after evaluations = %v, want ErrNotFound", err)
	}

	// The mutating variant agrees with the view, then charges.
	if d, err := e.Authorize(context.Background(), testSender, testRecipient, "60", now); err != nil || !d.Allowed {
		t.Fatalf("authorize = (%+v, %v), want allowed", d, err)
	}
	if _, err := e.Authorize(context.Background(), testSender, testRecipient, "60", now); err == nil {
		t.Error("second authorize allowed, want daily limit denial")
	}
	// And the view now reflects the charge.
	if _, err := e.Evaluate(context.Background(), testSender, testRecipient, "60", now); err == nil {
		t.Error("evaluate after charge allowed, want daily limit denial")
	}
}

func TestAuthorize_DeniedChargesNothing(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.MaxPerTx = "10" })

	if _, err := e.Authorize(context.Background(), testSender, testRecipient, "100", time.Now()); err == nil {
		t.Fatal("authorize allowed, want denial")
	}
	if _, err := store.Counter(context.Background(), testSender); !errors.Is(err, ErrNotFound) {
		t.Errorf("counter after denial = %v, want ErrNotFound", err)
	}
}

func TestAuthorize_WindowLazyReset(t *testing.T) {
	e, store := newEvaluator()
	setGlobal(t, store, func(g *GlobalPolicy) { g.DailyLimit = "100" })
	t0 := time.Now()

	if d, err := e.Authorize(context.Background(), testSender, testRecipient, "80", t0); err != nil || !d.Allowed {
		t.Fatalf("t0 authorize = (%+v, %v), want allowed", d, err)
	}

	// Mid-window the counter still binds.
	if _, err := e.Authorize(context.Background(), testSender, testRecipient, "80", t0.Add(2*time.Hour)); err == nil {
		t.Fatal("mid-window authorize allowed, want denial")
	}

	// Once the window has fully elapsed the counter reads as zero and a new
	// window starts at the current time.
	t1 := t0.Add(DailyWindow)
	d, err := e.Authorize(context.Background(), testSender, testRecipient, "80", t1)
	if err != nil || !d.Allowed {
		t.Fatalf("post-window authorize = (%+v, %v), want allowed", d, err)
	}

	c, err := store.Counter(context.Background(), testSender)
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if c.Spent != "80.000000" {
		t.Errorf("Spent = %q, want 80.000000 (old window discarded)", c.Spent)
	}
	if !c.WindowStart.Equal(t1) {
		t.Errorf("WindowStart = %v, want %v", c.WindowStart, t1)
	}
}

// flakyCounterStore fails UpsertCounter a fixed number of times before
// delegating, to exercise the retry path in Authorize.
type flakyCounterStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyCounterStore) UpsertCounter(ctx context.Context, c *SpendCounter) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient store error")
	}
	return f.MemoryStore.UpsertCounter(ctx, c)
}

func TestAuthorize_RetriesCounterWrites(t *testing.T) {
	flaky := &flakyCounterStore{MemoryStore: NewMemoryStore(), failures: 1}
	e := NewEvaluator(flaky)
	setGlobal(t, flaky.MemoryStore, func(g *GlobalPolicy) { g.DailyLimit = "100" })

	d, err := e.Authorize(context.Background(), testSender, testRecipient, "60", time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("authorize = (%+v, %v), want allowed after retry", d, err)
	}
	if flaky.calls != 2 {
		t.Errorf("UpsertCounter calls = %d, want 2", flaky.calls)
	}

	c, err := flaky.MemoryStore.Counter(context.Background(), testSender)
	if err != nil || c.Spent != "60.000000" {
		t.Errorf("counter = (%+v, %v), want spent 60.000000", c, err)
	}
}

func TestAuthorize_FailsClosedWhenCounterWriteExhausted(t *testing.T) {
	flaky := &flakyCounterStore{MemoryStore: NewMemoryStore(), failures: counterRetries}
	e := NewEvaluator(flaky)
	setGlobal(t, flaky.MemoryStore, func(g *GlobalPolicy) { g.DailyLimit = "100" })

	_, err := e.Authorize(context.Background(), testSender, testRecipient, "60", time.Now())
	if err == nil {
		t.Fatal("authorize succeeded, want fail-closed error")
	}
	var violation *ViolationError
	if errors.As(err, &violation) {
		t.Errorf("err = %v, want system error, not a violation", err)
	}
	if !strings.Contains(err.Error(), "policy check failed") {
		t.Errorf("err = %v, want policy check failed", err)
	}
}

func TestEvaluate_InvalidAmount(t *testing.T) {
	e, _ := newEvaluator()

	for _, amount := range []string{"0", "-5", "abc", "", "1.2.3"} {
		_, err := e.Evaluate(context.Background(), testSender, testRecipient, amount, time.Now())
		if err == nil {
			t.Errorf("amount %q evaluated, want error", amount)
			continue
		}
		var violation *ViolationError
		if errors.As(err, &violation) {
			t.Errorf("amount %q: err = %v, want plain error, not a violation", amount, err)
		}
	}
}

// erroringStore fails every read to exercise the fail-closed contract.
type erroringStore struct{ MemoryStore }

func (e *erroringStore) Global(context.Context) (*GlobalPolicy, error) {
	return nil, errors.New("store down")
}

func TestEvaluate_FailsClosedOnStoreError(t *testing.T) {
	e := NewEvaluator(&erroringStore{})

	_, err := e.Evaluate(context.Background(), testSender, testRecipient, "1", time.Now())
	if err == nil || !strings.Contains(err.Error(), "policy check failed") {
		t.Errorf("err = %v, want policy check failed", err)
	}

	if _, err := e.Paused(context.Background()); err == nil {
		t.Error("Paused succeeded on broken store, want error")
	}
}

func TestPaused(t *testing.T) {
	e, store := newEvaluator()

	paused, err := e.Paused(context.Background())
	if err != nil || paused {
		t.Errorf("default Paused = (%v, %v), want false", paused, err)
	}

	setGlobal(t, store, func(g *GlobalPolicy) { g.Paused = true })
	paused, err = e.Paused(context.Background())
	if err != nil || !paused {
		t.Errorf("Paused = (%v, %v), want true", paused, err)
	}
}

func TestRemainingBudget(t *testing.T) {
	e, store := newEvaluator()
	now := time.Now()

	// No daily limit anywhere: unlimited.
	remaining, limited, err := e.RemainingBudget(context.Background(), testSender, now)
	if err != nil {
		t.Fatalf("RemainingBudget: %v", err)
	}
	if limited || remaining != "0" {
		t.Errorf("unlimited = (%q, %v), want (0, false)", remaining, limited)
	}

	setGlobal(t, store, func(g *GlobalPolicy) { g.DailyLimit = "50000" })
	remaining, limited, err = e.RemainingBudget(context.Background(), testSender, now)
	if err != nil || !limited || remaining != "50000.000000" {
		t.Errorf("fresh budget = (%q, %v, %v), want 50000.000000", remaining, limited, err)
	}

	if _, err := e.Authorize(context.Background(), testSender, testRecipient, "30000", now); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	remaining, _, err = e.RemainingBudget(context.Background(), testSender, now)
	if err != nil || remaining != "20000.000000" {
		t.Errorf("after spend = (%q, %v), want 20000.000000", remaining, err)
	}

	// A counter past the limit clamps to zero rather than going negative.
	if err := store.UpsertCounter(context.Background(), &SpendCounter{
		Sender: testSender, Spent: "60000.000000", WindowStart: now,
	}); err != nil {
		t.Fatalf("UpsertCounter: %v", err)
	}
	remaining, _, err = e.RemainingBudget(context.Background(), testSender, now)
	if err != nil || remaining != "0.000000" {
		t.Errorf("overspent = (%q, %v), want 0.000000", remaining, err)
	}

	// After the window lapses the full budget is back.
	remaining, _, err = e.RemainingBudget(context.Background(), testSender, now.Add(DailyWindow))
	if err != nil || remaining != "50000.000000" {
		t.Errorf("post-window = (%q, %v), want 50000.000000", remaining, err)
	}
}

func TestGlobalPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GlobalPolicy)
		ok     bool
	}{
		{"default", func(*GlobalPolicy) {}, true},
		{"limits set", func(g *GlobalPolicy) { g.MaxPerTx = "100.50"; g.DailyLimit = "5000" }, true},
		{"bad maxPerTx", func(g *GlobalPolicy) { g.MaxPerTx = "abc" }, false},
		{"negative dailyLimit", func(g *GlobalPolicy) { g.DailyLimit = "-1" }, false},
		{"bad blacklist entry", func(g *GlobalPolicy) {
			g.RecipientBlacklist = map[string]bool{"not-an-address": true}
		}, false},
		{"bad whitelist entry", func(g *GlobalPolicy) {
			g.RecipientWhitelist = map[string]bool{"0x123": true}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := DefaultGlobal()
			tt.mutate(g)
			err := g.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate: nil, want error")
			}
		})
	}
}

func TestSenderPolicyValidate(t *testing.T) {
	tests := []struct {
		name string
		sp   SenderPolicy
		ok   bool
	}{
		{"minimal", SenderPolicy{Sender: testSender}, true},
		{"full", SenderPolicy{
			Sender:            testSender,
			MaxPerTx:          "500",
			DailyLimit:        "2000",
			AllowedRecipients: map[string]bool{testRecipient: true},
			RecipientMax:      map[string]string{testRecipient: "100"},
		}, true},
		{"bad sender", SenderPolicy{Sender: "bogus"}, false},
		{"bad maxPerTx", SenderPolicy{Sender: testSender, MaxPerTx: "x"}, false},
		{"bad allowed recipient", SenderPolicy{
			Sender:            testSender,
			AllowedRecipients: map[string]bool{"bogus": true},
		}, false},
		{"bad recipientMax amount", SenderPolicy{
			Sender:       testSender,
			RecipientMax: map[string]string{testRecipient: "-3"},
		}, false},
		{"bad recipientMax address", SenderPolicy{
			Sender:       testSender,
			RecipientMax: map[string]string{"bogus": "3"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sp.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate: nil, want error")
			}
		})
	}
}

func TestMemoryStore_CopyIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	setGlobal(t, store, func(g *GlobalPolicy) {
		g.RecipientBlacklist = map[string]bool{testRecipient: true}
	})

	g, err := store.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	g.RecipientBlacklist[otherParty] = true
	g.Paused = true

	fresh, err := store.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if fresh.RecipientBlacklist[otherParty] || fresh.Paused {
		t.Error("mutating a returned global leaked into the store")
	}

	sp := &SenderPolicy{
		Sender:            testSender,
		AllowedRecipients: map[string]bool{testRecipient: true},
		RecipientMax:      map[string]string{testRecipient: "100"},
	}
	if err := store.UpsertSender(ctx, sp); err != nil {
		t.Fatalf("UpsertSender: %v", err)
	}
	sp.AllowedRecipients[otherParty] = true // caller keeps mutating its copy

	got, err := store.Sender(ctx, testSender)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if got.AllowedRecipients[otherParty] {
		t.Error("mutating the caller's policy leaked into the store")
	}
	got.RecipientMax[testRecipient] = "999"

	again, err := store.Sender(ctx, testSender)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if again.RecipientMax[testRecipient] != "100" {
		t.Error("mutating a returned policy leaked into the store")
	}
}
