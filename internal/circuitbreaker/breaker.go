// Package circuitbreaker isolates failing delivery targets with a per-key
// closed/open/half-open circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one key's circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected until the cooldown passes
	StateHalfOpen              // a single probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spendgate",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key. A key's circuit opens at
// maxFailures and stays open for the cooldown; the first caller after the
// cooldown gets through as a probe, and its outcome decides whether the
// circuit closes again.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	maxFailures  int
	cooldown     time.Duration
	onTransition func(key string, from, to State)
}

// New returns a Breaker that opens a key after maxFailures consecutive
// failures and probes again after cooldown. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func New(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:    make(map[string]*circuit),
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// OnTransition registers a callback fired (asynchronously) on every state
// change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed. An open circuit
// whose cooldown has passed moves to half-open and admits exactly one
// probe; further callers are rejected until the probe's outcome is
// recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.cooldown {
			b.setState(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure streak. A successful half-open probe
// closes the circuit; a stale success never closes an open one.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}

	if c.state == StateHalfOpen {
		b.setState(c, key, StateClosed)
	}
	c.failures = 0
	if c.state == StateClosed {
		// Closed and clean: the record carries no information.
		delete(b.circuits, key)
	}
}

// RecordFailure extends the failure streak, tripping the circuit at
// maxFailures. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen {
		b.setState(c, key, StateOpen)
		return
	}
	if c.state == StateClosed && c.failures >= b.maxFailures {
		b.setState(c, key, StateOpen)
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// setState records the transition. Caller holds b.mu.
func (b *Breaker) setState(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
