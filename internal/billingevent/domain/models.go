// Package domain defines the canonical billing event parsed from provider
// webhooks before it reaches the event ledger.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider event types the reconciliation core reacts to. Values match the
// payment processor's own event names so the ledger stays auditable against
// the provider's dashboard.
const (
	EventTypeCheckoutCompleted   = "checkout.session.completed"
	EventTypePaymentSucceeded    = "invoice.payment_succeeded"
	EventTypePaymentFailed       = "invoice.payment_failed"
	EventTypeSubscriptionUpdated = "customer.subscription.updated"
	EventTypeSubscriptionDeleted = "customer.subscription.deleted"
)

// BillingEvent is one externally delivered webhook event after signature
// verification and parsing.
type BillingEvent struct {
	ProviderEventID   string
	Type              string
	BillingCustomerID string
	OccurredAt        time.Time
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	RawPayload        []byte
}

// Adapter verifies and parses one provider's webhook deliveries.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*BillingEvent, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
)
