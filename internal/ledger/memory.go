package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/usdc"
)

// MemoryLedger settles transfers against in-process balances. It backs tests
// and local development: balances are enforced only for principals seeded via
// SetBalance, and failures can be injected to exercise fault paths.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	failNext error
	failAll  error
	calls    int
}

// NewMemoryLedger creates an in-memory ledger with no funded accounts.
// Unseeded principals transfer without balance checks.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]*big.Int)}
}

// SetBalance seeds a principal's balance and turns on enforcement for it.
func (m *MemoryLedger) SetBalance(principal string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(principal)] = new(big.Int).Set(amount)
}

// FailWith makes every subsequent Transfer fail with err. Pass nil to clear.
func (m *MemoryLedger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// FailNextWith makes only the next Transfer fail with err.
func (m *MemoryLedger) FailNextWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Calls reports how many transfers were attempted, including failed ones.
func (m *MemoryLedger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryLedger) Backend() string { return "memory" }

func (m *MemoryLedger) Transfer(ctx context.Context, from, to string, amount *big.Int) (r *Receipt, err error) {
	defer observe("memory", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if injected := m.takeFailure(); injected != nil {
		return nil, &TransferError{Op: "transfer", Err: injected}
	}

	from = strings.ToLower(from)
	to = strings.ToLower(to)

	if bal, tracked := m.balances[from]; tracked {
		if bal.Cmp(amount) < 0 {
			return nil, ErrInsufficientFunds
		}
		bal.Sub(bal, amount)
	}
	if bal, tracked := m.balances[to]; tracked {
		bal.Add(bal, amount)
	}

	return &Receipt{
		ID:        idgen.WithPrefix("rcp_"),
		Backend:   "memory",
		From:      from,
		To:        to,
		Amount:    usdc.Format(amount),
		Reference: idgen.WithPrefix("mem_"),
		CreatedAt: time.Now(),
	}, nil
}

func (m *MemoryLedger) BalanceOf(ctx context.Context, principal string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[strings.ToLower(principal)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// takeFailure consumes the injected failure, one-shot first. Caller holds mu.
func (m *MemoryLedger) takeFailure() error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return m.failAll
}
