package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE account_id = ?`,
		accountID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET state = ?,
		     payment_failure_count = ?,
		     cancel_at_period_end = ?,
		     current_period_start = ?,
		     current_period_end = ?,
		     last_event_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		subscription.State,
		subscription.PaymentFailureCount,
		subscription.CancelAtPeriodEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.LastEventAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}
