package notify

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Provider delivers operator alerts and account notifications. Delivery is
// best effort and never blocks settlement.
type Provider interface {
	ReviewAlert(ctx context.Context, subject string, message string) error
	Notify(ctx context.Context, accountID snowflake.ID, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) ReviewAlert(ctx context.Context, subject string, message string) error {
	return nil
}

func (p *NoOpProvider) Notify(ctx context.Context, accountID snowflake.ID, message string) error {
	return nil
}
