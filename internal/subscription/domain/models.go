// Package domain holds subscription state and the legal transition table.
// State only ever changes through the reconciler's transition function, and
// only for events newer than the last applied one.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Subscription states.
const (
	StateTrialing = "trialing"
	StateActive   = "active"
	StatePastDue  = "past_due"
	StateCanceled = "canceled"
	StateUnpaid   = "unpaid"
)

var (
	ErrStaleTransition   = errors.New("stale_transition")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrTerminalState     = errors.New("terminal_state")
)

// Subscription tracks one account's billing lifecycle. LastEventAt is the
// provider timestamp of the newest applied event and is the stale boundary:
// an event at or before it is rejected, never applied.
type Subscription struct {
	ID                  snowflake.ID `gorm:"column:id;primaryKey"`
	AccountID           snowflake.ID `gorm:"column:account_id;uniqueIndex"`
	State               string       `gorm:"column:state;index"`
	PaymentFailureCount int          `gorm:"column:payment_failure_count"`
	CancelAtPeriodEnd   bool         `gorm:"column:cancel_at_period_end"`
	CurrentPeriodStart  *time.Time   `gorm:"column:current_period_start"`
	CurrentPeriodEnd    *time.Time   `gorm:"column:current_period_end"`
	LastEventAt         time.Time    `gorm:"column:last_event_at"`
	CreatedAt           time.Time    `gorm:"column:created_at"`
	UpdatedAt           time.Time    `gorm:"column:updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// legalTransitions maps each state to the states it may move to. A state
// moving to itself is always allowed and applied as a no-op refresh.
var legalTransitions = map[string][]string{
	StateTrialing: {StateActive, StatePastDue, StateCanceled},
	StateActive:   {StatePastDue, StateCanceled},
	StatePastDue:  {StateActive, StateUnpaid, StateCanceled},
	StateUnpaid:   {StateActive, StateCanceled},
	StateCanceled: {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to string) bool {
	if from == to {
		return from != StateCanceled
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no event can move the subscription again.
func IsTerminal(state string) bool {
	return state == StateCanceled
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
