package risk

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

const (
	weightAmountRatio = 0.30
	weightVelocity    = 0.30
	weightNovelty     = 0.25
	weightTimeOfDay   = 0.15

	velocityWindow = 5 * time.Minute
	historyWindow  = 24 * time.Hour
)

// Engine is the default Scorer: a pure function of the request and the
// supplied history, no internal state. Weights are fixed; swap the whole
// Scorer to change the model.
type Engine struct {
	now func() time.Time // injectable clock for tests
}

var _ Scorer = (*Engine)(nil)

// NewEngine creates the default scoring engine.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Score evaluates a proposed transfer. Pure in-memory computation.
func (e *Engine) Score(ctx context.Context, sender, recipient string, amount *big.Int, history []HistoryEntry) (*Assessment, error) {
	now := e.now()
	recent := prune(history, now.Add(-historyWindow))
	amt := toFloat(amount)

	var factors []string
	weighted := 0.0

	if f, label := e.amountRatioFactor(recent, amt); f > 0 {
		weighted += f * weightAmountRatio
		factors = append(factors, label)
	}
	if f, label := e.velocityFactor(recent, amt, now); f > 0 {
		weighted += f * weightVelocity
		factors = append(factors, label)
	}
	if f, label := e.noveltyFactor(recent, recipient); f > 0 {
		weighted += f * weightNovelty
		factors = append(factors, label)
	}
	if f, label := e.timeOfDayFactor(recent, now); f > 0 {
		weighted += f * weightTimeOfDay
		factors = append(factors, label)
	}

	score := int(math.Round(weighted * 100))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return &Assessment{
		ID:         idgen.WithPrefix("risk_"),
		Sender:     strings.ToLower(sender),
		Recipient:  strings.ToLower(recipient),
		Amount:     amount.String(),
		Score:      score,
		Factors:    factors,
		Category:   CategoryFor(score),
		AssessedAt: now,
	}, nil
}

// amountRatioFactor: current amount vs the historical average.
// 10x average = 0.5, 100x = 1.0, log10 scaling. No history = 0 (cold start
// reads as safe; the novelty factor covers first-time recipients).
func (e *Engine) amountRatioFactor(history []HistoryEntry, amount float64) (float64, string) {
	if len(history) == 0 || amount <= 0 {
		return 0, ""
	}

	var total float64
	for _, h := range history {
		total += toFloat(h.Amount)
	}
	avg := total / float64(len(history))
	if avg <= 0 {
		return 0, ""
	}

	ratio := amount / avg
	if ratio <= 1.0 {
		return 0, ""
	}

	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return score, fmt.Sprintf("amount %.1fx historical average", ratio)
}

// velocityFactor: spend in the last 5 minutes (including this transfer) vs
// the 24h average per 5-minute window. Same log10 scaling.
func (e *Engine) velocityFactor(history []HistoryEntry, amount float64, now time.Time) (float64, string) {
	if len(history) < 2 {
		return 0, ""
	}

	cutoff := now.Add(-velocityWindow)
	var total24h, recent float64
	for _, h := range history {
		v := toFloat(h.Amount)
		total24h += v
		if h.At.After(cutoff) {
			recent += v
		}
	}
	recent += amount

	// 24h = 288 five-minute windows.
	avgRate := total24h / 288.0
	if avgRate <= 0 {
		return 0, ""
	}

	ratio := recent / avgRate
	if ratio <= 1.0 {
		return 0, ""
	}

	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return score, fmt.Sprintf("velocity %.1fx recent average rate", ratio)
}

// noveltyFactor: unseen recipient = 0.6, seen once or twice = 0.3,
// established (3+) = 0. Empty history = 0.
func (e *Engine) noveltyFactor(history []HistoryEntry, recipient string) (float64, string) {
	if len(history) == 0 {
		return 0, ""
	}

	recipient = strings.ToLower(recipient)
	count := 0
	for _, h := range history {
		if strings.ToLower(h.Recipient) == recipient {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0, ""
	case count >= 1:
		return 0.3, fmt.Sprintf("recipient seen only %d time(s)", count)
	default:
		return 0.6, "recipient never paid before"
	}
}

// timeOfDayFactor: flags transfers in an hour that accounts for under 2% of
// the sender's history. Needs at least 10 data points.
func (e *Engine) timeOfDayFactor(history []HistoryEntry, now time.Time) (float64, string) {
	if len(history) < 10 {
		return 0, ""
	}

	var histogram [24]int
	for _, h := range history {
		histogram[h.At.Hour()]++
	}

	hour := now.Hour()
	fraction := float64(histogram[hour]) / float64(len(history))
	if fraction < 0.02 {
		return 0.8, fmt.Sprintf("unusual hour (%02d:00)", hour)
	}
	return 0, ""
}

func prune(history []HistoryEntry, cutoff time.Time) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(history))
	for _, h := range history {
		if h.At.After(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
