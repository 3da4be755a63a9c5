// Package admin exposes the operator surface: policy mutation, the pause
// switch, agent grants, stuck-intent resolution, reconciliation, and denial
// export. The server mounts every route here behind the admin key.
package admin

import (
	"context"

	"github.com/mbd888/spendgate/internal/agents"
	"github.com/mbd888/spendgate/internal/auth"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/reconciliation"
)

// AgentAdmin manages decision-authority grants.
type AgentAdmin interface {
	Grant(ctx context.Context, principal, label, grantedBy string) (*agents.Grant, error)
	Revoke(ctx context.Context, principal string) (*agents.Grant, error)
	List(ctx context.Context, activeOnly bool) ([]*agents.Grant, error)
}

// KeyIssuer mints API keys for newly granted agents.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, principal, name string) (string, *auth.APIKey, error)
}

// IntentAdmin exposes the registry operations operators use to resolve
// executions stuck between the gate and the ledger.
type IntentAdmin interface {
	ListStuck(ctx context.Context, limit int) ([]*intent.PaymentIntent, error)
	FlagExecutionFailed(ctx context.Context, id, note string) (*intent.PaymentIntent, error)
}

// Reconciler runs an on-demand reconciliation pass.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}
