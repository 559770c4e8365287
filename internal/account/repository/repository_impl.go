package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Create(account).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByBillingCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM accounts WHERE billing_customer_id = ?`,
		customerID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM accounts WHERE referral_code = ?`,
		code,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateSubscriptionState(ctx context.Context, db *gorm.DB, id snowflake.ID, state string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET subscription_state = ?, last_activity_at = ?
		 WHERE id = ?`,
		state,
		at,
		id,
	).Error
}
