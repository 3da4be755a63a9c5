// Package policy implements the deterministic spend-rule engine that fronts
// every transfer.
//
// A single global policy carries system-wide caps, the recipient blacklist
// and whitelist, and the pause flag. Per-sender policies override the global
// caps and add blocked/restricted modes and per-recipient rules. Rolling
// 24-hour spend counters back the daily limit. All state mutates only through
// the Store; evaluation itself is a pure function over a snapshot of it.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
)

// Errors
var (
	ErrNotFound = errors.New("policy: not found")
)

// DailyWindow is the rolling accounting period for daily spend limits.
// A counter is only valid while now < WindowStart + DailyWindow; past that
// it reads as zero (lazy reset at read time, no background sweep).
const DailyWindow = 24 * time.Hour

// Rule identifiers, used as metric labels and carried on decisions.
const (
	RuleOK            = "ok"
	RulePaused        = "paused"
	RuleSenderBlocked = "sender_blocked"
	RuleBlacklist     = "recipient_blacklisted"
	RuleWhitelist     = "recipient_not_whitelisted"
	RulePerTxMax      = "per_tx_max"
	RuleRecipientMax  = "per_recipient_max"
	RuleDailyLimit    = "daily_limit"
	RuleRestricted    = "recipient_not_permitted"
)

// GlobalPolicy is the system-wide policy singleton. Amounts are decimal USDC
// strings; "0" means no limit.
type GlobalPolicy struct {
	MaxPerTx           string          `json:"maxPerTx"`
	DailyLimit         string          `json:"dailyLimit"`
	WhitelistEnabled   bool            `json:"whitelistEnabled"`
	RecipientBlacklist map[string]bool `json:"recipientBlacklist,omitempty"`
	RecipientWhitelist map[string]bool `json:"recipientWhitelist,omitempty"`
	Paused             bool            `json:"paused"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// DefaultGlobal returns the policy applied before an admin configures one.
// No limits, whitelist off, not paused.
func DefaultGlobal() *GlobalPolicy {
	return &GlobalPolicy{
		MaxPerTx:           "0",
		DailyLimit:         "0",
		RecipientBlacklist: make(map[string]bool),
		RecipientWhitelist: make(map[string]bool),
	}
}

// Validate rejects malformed global policy input at the admin boundary.
func (g *GlobalPolicy) Validate() error {
	if _, ok := usdc.Parse(g.MaxPerTx); !ok {
		return fmt.Errorf("policy: invalid maxPerTx %q", g.MaxPerTx)
	}
	if _, ok := usdc.Parse(g.DailyLimit); !ok {
		return fmt.Errorf("policy: invalid dailyLimit %q", g.DailyLimit)
	}
	for addr := range g.RecipientBlacklist {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("policy: invalid blacklist entry %q", addr)
		}
	}
	for addr := range g.RecipientWhitelist {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("policy: invalid whitelist entry %q", addr)
		}
	}
	return nil
}

// SenderPolicy carries per-sender overrides and restrictions. A zero or empty
// MaxPerTx/DailyLimit falls back to the global value. Restricted is an
// explicit flag: when set, only recipients in AllowedRecipients may be paid,
// regardless of whether RecipientMax entries exist.
type SenderPolicy struct {
	Sender            string            `json:"sender"`
	MaxPerTx          string            `json:"maxPerTx,omitempty"`
	DailyLimit        string            `json:"dailyLimit,omitempty"`
	Blocked           bool              `json:"blocked"`
	Restricted        bool              `json:"restricted"`
	AllowedRecipients map[string]bool   `json:"allowedRecipients,omitempty"`
	RecipientMax      map[string]string `json:"recipientMax,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Validate rejects malformed sender policy input at the admin boundary.
func (s *SenderPolicy) Validate() error {
	if !validation.IsValidEthAddress(s.Sender) {
		return fmt.Errorf("policy: invalid sender %q", s.Sender)
	}
	if _, ok := usdc.Parse(s.MaxPerTx); !ok {
		return fmt.Errorf("policy: invalid maxPerTx %q", s.MaxPerTx)
	}
	if _, ok := usdc.Parse(s.DailyLimit); !ok {
		return fmt.Errorf("policy: invalid dailyLimit %q", s.DailyLimit)
	}
	for addr := range s.AllowedRecipients {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("policy: invalid allowed recipient %q", addr)
		}
	}
	for addr, max := range s.RecipientMax {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("policy: invalid recipient %q in recipientMax", addr)
		}
		if _, ok := usdc.Parse(max); !ok {
			return fmt.Errorf("policy: invalid recipientMax amount %q for %s", max, addr)
		}
	}
	return nil
}

// SpendCounter tracks cumulative spend for one sender within the current
// rolling window. Spent is a canonical decimal USDC string.
type SpendCounter struct {
	Sender      string    `json:"sender"`
	Spent       string    `json:"spent"`
	WindowStart time.Time `json:"windowStart"`
}

// Decision is the outcome of one policy evaluation.
//
// Remaining is the daily budget view when an effective daily limit exists:
// on an allowed decision it is the budget left after this amount; on a
// daily-limit denial it is the budget that was still available.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Rule      string `json:"rule"`
	Reason    string `json:"reason,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	LatencyUs int64  `json:"latencyUs"`
}

// ViolationError is a policy denial: expected, user-facing, carries exactly
// one reason. Never a system fault and never retried.
type ViolationError struct {
	Rule   string
	Reason string
}

func (e *ViolationError) Error() string {
	return "policy: " + e.Reason
}

// Violation builds the denial error for a denied decision.
func Violation(d *Decision) *ViolationError {
	return &ViolationError{Rule: d.Rule, Reason: d.Reason}
}
