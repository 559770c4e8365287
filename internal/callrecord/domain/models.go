// Package domain holds call records, the shortest-lived data class in the
// system. Age-based retention scrubs the personal content in place; full
// deletion only happens when the owning account is anonymized.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CallRecord is one answered call, including its transcript.
type CallRecord struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey"`
	AccountID       snowflake.ID `gorm:"column:account_id;index"`
	CallerNumber    string       `gorm:"column:caller_number"`
	DurationSeconds int          `gorm:"column:duration_seconds"`
	Transcript      string       `gorm:"column:transcript"`
	Summary         string       `gorm:"column:summary"`
	CreatedAt       time.Time    `gorm:"column:created_at;index"`
	AnonymizedAt    *time.Time   `gorm:"column:anonymized_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *CallRecord) error
	// ListAccountsWithExpired returns the owners of records created before
	// cutoff that still carry personal content.
	ListAccountsWithExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
	// AnonymizeOlderThan clears caller number, transcript and summary on the
	// account's records created before cutoff. Duration and timestamps remain.
	// Callers hold the account's advisory lock.
	AnonymizeOlderThan(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cutoff time.Time, at time.Time, limit int) (int64, error)
	DeleteByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
}
