package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/referral/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, referral *domain.Referral) error {
	return db.WithContext(ctx).Create(referral).Error
}

func (r *repo) FindByRefereeAccountID(ctx context.Context, db *gorm.DB, refereeID snowflake.ID) (*domain.Referral, error) {
	var referral domain.Referral
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM referrals WHERE referee_account_id = ?`,
		refereeID,
	).Scan(&referral).Error
	if err != nil {
		return nil, err
	}
	if referral.ID == 0 {
		return nil, nil
	}
	return &referral, nil
}

func (r *repo) ListByReferrerAccountID(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) ([]domain.Referral, error) {
	var referrals []domain.Referral
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM referrals
		 WHERE referrer_account_id = ?
		 ORDER BY created_at`,
		referrerID,
	).Scan(&referrals).Error
	if err != nil {
		return nil, err
	}
	return referrals, nil
}

func (r *repo) MarkActive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE referrals
		 SET status = ?, activated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusActive,
		at,
		id,
		domain.StatusPending,
	).Error
}

func (r *repo) ClaimCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, eventID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE referrals
		 SET credit_applied = ?, credit_event_id = ?
		 WHERE id = ? AND credit_applied = ?`,
		true,
		eventID,
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkCredited(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE referrals
		 SET status = ?, credited_at = ?
		 WHERE id = ?`,
		domain.StatusCredited,
		at,
		id,
	).Error
}

func (r *repo) MarkReview(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE referrals
		 SET status = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusReview,
		id,
		domain.StatusCredited,
	).Error
}
