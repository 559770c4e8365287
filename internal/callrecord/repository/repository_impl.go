package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/callrecord/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.CallRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) ListAccountsWithExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var owners []struct {
		AccountID snowflake.ID
	}
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT account_id FROM call_records
		 WHERE created_at < ? AND anonymized_at IS NULL
		 LIMIT ?`,
		cutoff,
		limit,
	).Scan(&owners).Error
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(owners))
	for _, owner := range owners {
		ids = append(ids, owner.AccountID)
	}
	return ids, nil
}

func (r *repo) AnonymizeOlderThan(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cutoff time.Time, at time.Time, limit int) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE call_records
		 SET caller_number = '', transcript = '', summary = '', anonymized_at = ?
		 WHERE id IN (
		   SELECT id FROM call_records
		   WHERE account_id = ? AND created_at < ? AND anonymized_at IS NULL
		   ORDER BY created_at
		   LIMIT ?
		 )`,
		at,
		accountID,
		cutoff,
		limit,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteByAccountID(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM call_records WHERE account_id = ?`,
		accountID,
	)
	return result.RowsAffected, result.Error
}
