// Package risk scores proposed transfers for the approval workflow.
//
// Scoring is advisory: the registry records assessments verbatim and the
// auto-decision worker applies thresholds to them, but nothing in the policy
// or gate path consults a score. Scorer implementations are pluggable; the
// default engine weighs amount ratio, velocity, recipient novelty, and
// time-of-day against the caller-supplied transfer history.
package risk

import (
	"context"
	"math/big"
	"time"
)

// Category buckets a score for humans and dashboards.
type Category string

const (
	CategoryLow      Category = "low"      // 0..24
	CategoryMedium   Category = "medium"   // 25..49
	CategoryHigh     Category = "high"     // 50..74
	CategoryCritical Category = "critical" // 75..100
)

// CategoryFor maps a 0..100 score to its category.
func CategoryFor(score int) Category {
	switch {
	case score >= 75:
		return CategoryCritical
	case score >= 50:
		return CategoryHigh
	case score >= 25:
		return CategoryMedium
	default:
		return CategoryLow
	}
}

// Assessment is the scorer's verdict on one proposed transfer.
type Assessment struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Amount     string    `json:"amount"`
	Score      int       `json:"score"` // 0 (safe) .. 100 (critical)
	Factors    []string  `json:"factors"`
	Category   Category  `json:"category"`
	IntentID   string    `json:"intentId,omitempty"`
	AssessedAt time.Time `json:"assessedAt"`
}

// HistoryEntry is one past transfer the scorer may weigh. Callers typically
// build history from the sender's allowed audit events.
type HistoryEntry struct {
	Recipient string
	Amount    *big.Int
	At        time.Time
}

// Scorer evaluates a proposed transfer against the sender's history.
type Scorer interface {
	Score(ctx context.Context, sender, recipient string, amount *big.Int, history []HistoryEntry) (*Assessment, error)
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListBySender(ctx context.Context, sender string, limit int) ([]*Assessment, error)
}
