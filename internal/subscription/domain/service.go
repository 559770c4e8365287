package domain

import (
	"context"

	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
)

// Result describes what one webhook delivery did to the system.
type Result struct {
	Outcome      string `json:"outcome"`
	FromState    string `json:"from_state,omitempty"`
	ToState      string `json:"to_state,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	Settlement   string `json:"settlement,omitempty"`
}

// Reconciler applies one verified billing event to the subscription state
// machine under the account's critical section. Resync drains ledger rows a
// crash left in pending, in (account, occurred_at) order.
type Reconciler interface {
	ProcessEvent(ctx context.Context, event *billingeventdomain.BillingEvent) (*Result, error)
	Resync(ctx context.Context) (int, error)
}
