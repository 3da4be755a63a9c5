package policy

import "context"

// Store persists the global policy, per-sender policies, and spend counters.
//
// Sender and Counter return ErrNotFound when no record exists; Global always
// succeeds, returning defaults if nothing has been configured yet. Counter
// reads return the stored window untouched; expiry of the rolling window is
// the evaluator's concern, not the store's.
type Store interface {
	Global(ctx context.Context) (*GlobalPolicy, error)
	UpdateGlobal(ctx context.Context, g *GlobalPolicy) error

	Sender(ctx context.Context, sender string) (*SenderPolicy, error)
	UpsertSender(ctx context.Context, p *SenderPolicy) error
	ListSenders(ctx context.Context) ([]*SenderPolicy, error)

	Counter(ctx context.Context, sender string) (*SpendCounter, error)
	UpsertCounter(ctx context.Context, c *SpendCounter) error
}
