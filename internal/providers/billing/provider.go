package billing

import (
	"context"
	"errors"
)

var ErrExternalCall = errors.New("external_call_failed")

// Provider performs the outbound money movements settlement depends on.
// Every call carries an idempotency key so a retried settlement can never
// double-apply on the processor side.
type Provider interface {
	ApplyCustomerCredit(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error
	ApplyCustomerDiscount(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) ApplyCustomerCredit(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error {
	return nil
}

func (p *NoOpProvider) ApplyCustomerDiscount(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error {
	return nil
}
