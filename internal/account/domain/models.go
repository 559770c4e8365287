// Package domain contains persistence models for business accounts.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Account is one business. Subscription status is denormalized here and
// mutated only by the subscription state machine's transition function.
type Account struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	BillingCustomerID string       `gorm:"type:text;uniqueIndex"`
	BusinessName      string       `gorm:"type:text;not null"`
	Phone             string       `gorm:"type:text"`
	SubscriptionState string       `gorm:"type:text;not null;index"`
	ReferralCode      string       `gorm:"type:text;uniqueIndex"`
	ReferredByCode    *string      `gorm:"type:text"`
	CreatedAt         time.Time    `gorm:"not null"`
	LastActivityAt    time.Time    `gorm:"not null;index"`
	AnonymizedAt      *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

var (
	ErrNotFound       = errors.New("account_not_found")
	ErrInvalidAccount = errors.New("invalid_account")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByBillingCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Account, error)
	FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*Account, error)
	UpdateSubscriptionState(ctx context.Context, db *gorm.DB, id snowflake.ID, state string, at time.Time) error
}

// ReferralCode derives a shareable code from the business name and the last
// digits of its phone number, e.g. "JOES-PLUMBING-4417".
func ReferralCode(businessName, phone string) string {
	clean := strings.ToUpper(strings.TrimSpace(businessName))
	clean = strings.ReplaceAll(clean, " ", "-")
	clean = strings.ReplaceAll(clean, "'", "")
	if len(clean) > 20 {
		clean = clean[:20]
	}
	digits := phone
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	if clean == "" {
		return digits
	}
	return clean + "-" + digits
}
