// Package domain holds the referral ledger. A referral links a referee
// account to the referrer whose code it redeemed, and carries the
// credit_applied flag that settlement flips exactly once.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Referral lifecycle.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusCredited = "credited"
	StatusReview   = "pending_manual_review"
)

var (
	ErrInvalidReferralCode = errors.New("invalid_referral_code")
	ErrAlreadyAttached     = errors.New("already_attached")
	ErrSelfReferral        = errors.New("self_referral")
	ErrReferralNotFound    = errors.New("referral_not_found")
)

// Referral is one redemption of a referral code. The unique index on
// referee_account_id enforces at most one attached code per account.
type Referral struct {
	ID                snowflake.ID `gorm:"column:id;primaryKey"`
	ReferrerAccountID snowflake.ID `gorm:"column:referrer_account_id;index"`
	RefereeAccountID  snowflake.ID `gorm:"column:referee_account_id;uniqueIndex"`
	Code              string       `gorm:"column:code;index"`
	Status            string       `gorm:"column:status;index"`
	CreditApplied     bool         `gorm:"column:credit_applied"`
	RefereeDiscount   int64        `gorm:"column:referee_discount"`
	ReferrerCredit    int64        `gorm:"column:referrer_credit"`
	Currency          string       `gorm:"column:currency"`
	CreditEventID     string       `gorm:"column:credit_event_id"`
	CreatedAt         time.Time    `gorm:"column:created_at"`
	ActivatedAt       *time.Time   `gorm:"column:activated_at"`
	CreditedAt        *time.Time   `gorm:"column:credited_at"`
}

func (Referral) TableName() string {
	return "referrals"
}

// Stats summarizes one referrer's ledger for the dashboard endpoint.
type Stats struct {
	AccountID      snowflake.ID `json:"account_id,string"`
	ReferralCode   string       `json:"referral_code"`
	TotalReferrals int64        `json:"total_referrals"`
	ActiveCount    int64        `json:"active_referrals"`
	CreditedCount  int64        `json:"credited_referrals"`
	EarnedCredit   int64        `json:"earned_credit"`
	Currency       string       `json:"currency"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, referral *Referral) error
	FindByRefereeAccountID(ctx context.Context, db *gorm.DB, refereeID snowflake.ID) (*Referral, error)
	ListByReferrerAccountID(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) ([]Referral, error)
	MarkActive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// ClaimCredit flips credit_applied from false to true. It reports false
	// when another writer already claimed the credit.
	ClaimCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, eventID string, at time.Time) (bool, error)
	MarkCredited(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkReview(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}

type Service interface {
	// Attach redeems a referral code for the referee account.
	Attach(ctx context.Context, refereeAccountID snowflake.ID, code string) (*Referral, error)
	// Activate moves the referee's referral from pending to active. It is a
	// no-op when no referral exists or it already left pending.
	Activate(ctx context.Context, tx *gorm.DB, refereeAccountID snowflake.ID) (*Referral, error)
	Stats(ctx context.Context, accountID snowflake.ID) (*Stats, error)
}
