// Package domain defines the credit settlement contract. Settlement is the
// only writer of the referral credit_applied flag.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Settle outcomes.
const (
	OutcomeCredited        = "credited"
	OutcomeNothingPending  = "nothing_pending"
	OutcomeAlreadyCredited = "already_credited"
	OutcomeReview          = "pending_manual_review"
)

var (
	ErrExternalCall = errors.New("external_call_failed")

	// ErrReconciliationConflict means two settlements raced past the account
	// lock. It must be impossible by construction; seeing it halts settlement
	// for the account until an operator has looked.
	ErrReconciliationConflict = errors.New("reconciliation_conflict")
)

// Service settles the referral reward for one referee account. The triggering
// provider event id seeds the idempotency keys sent with every outbound call,
// so the processor deduplicates even across crashes mid-settlement.
type Service interface {
	Settle(ctx context.Context, tx *gorm.DB, refereeAccountID snowflake.ID, providerEventID string) (string, error)
}
