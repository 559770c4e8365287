// Package domain holds the durable webhook event ledger. Every provider
// delivery is recorded before any state transition, and the stored outcome is
// what makes redeliveries observable no-ops.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome of processing a ledger entry.
const (
	OutcomePending  = "pending"
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

var (
	ErrDuplicateEvent = errors.New("duplicate_event")
	ErrEventNotFound  = errors.New("event_not_found")
)

// EventRecord is one webhook delivery as stored in the ledger. The unique
// index on (provider, provider_event_id) is the dedupe boundary: a second
// delivery of the same event can never create a second row.
type EventRecord struct {
	ID                snowflake.ID   `gorm:"column:id;primaryKey"`
	Provider          string         `gorm:"column:provider;uniqueIndex:idx_event_provider_id"`
	ProviderEventID   string         `gorm:"column:provider_event_id;uniqueIndex:idx_event_provider_id"`
	EventType         string         `gorm:"column:event_type"`
	BillingCustomerID string         `gorm:"column:billing_customer_id;index"`
	AccountID         snowflake.ID   `gorm:"column:account_id;index"`
	OccurredAt        time.Time      `gorm:"column:occurred_at;index"`
	Outcome           string         `gorm:"column:outcome;index"`
	RejectReason      string         `gorm:"column:reject_reason"`
	Payload           datatypes.JSON `gorm:"column:payload"`
	ReceivedAt        time.Time      `gorm:"column:received_at"`
	ProcessedAt       *time.Time     `gorm:"column:processed_at"`
	AnonymizedAt      *time.Time     `gorm:"column:anonymized_at"`
}

func (EventRecord) TableName() string {
	return "webhook_events"
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkRejected(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]EventRecord, error)
	// ListAccountsWithExpired returns the owners of events received before
	// cutoff whose payloads have not been scrubbed yet.
	ListAccountsWithExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
	// ScrubOlderThan empties the payload of the account's events received
	// before cutoff. Rows are never deleted; the type, outcome and timestamps
	// stay for audit. Callers hold the account's advisory lock.
	ScrubOlderThan(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cutoff time.Time, at time.Time, limit int) (int64, error)
}

// Service records deliveries and settles their outcomes.
type Service interface {
	// Record inserts the delivery into the ledger. When the provider event
	// was seen before it returns the stored record and ErrDuplicateEvent.
	Record(ctx context.Context, db *gorm.DB, record *EventRecord) (*EventRecord, error)
	MarkApplied(ctx context.Context, db *gorm.DB, record *EventRecord) error
	MarkRejected(ctx context.Context, db *gorm.DB, record *EventRecord, reason string) error
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]EventRecord, error)
}
