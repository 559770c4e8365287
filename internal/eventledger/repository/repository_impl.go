package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/eventledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) FindByProviderEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var record domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM webhook_events WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, processed_at = ?
		 WHERE id = ?`,
		domain.OutcomeApplied,
		at,
		id,
	).Error
}

func (r *repo) MarkRejected(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, reject_reason = ?, processed_at = ?
		 WHERE id = ?`,
		domain.OutcomeRejected,
		reason,
		at,
		id,
	).Error
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]domain.EventRecord, error) {
	var records []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM webhook_events
		 WHERE outcome = ?
		 ORDER BY account_id, occurred_at, id
		 LIMIT ?`,
		domain.OutcomePending,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListAccountsWithExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var owners []struct {
		AccountID snowflake.ID
	}
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT account_id FROM webhook_events
		 WHERE received_at < ? AND anonymized_at IS NULL
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

func (r *repo) ScrubOlderThan(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cutoff time.Time, at time.Time, limit int) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET payload = ?, anonymized_at = ?
		 WHERE id IN (
		   SELECT id FROM webhook_events
		   WHERE account_id = ? AND received_at < ? AND anonymized_at IS NULL
		   ORDER BY received_at
		   LIMIT ?
		 )`,
		"{}",
		at,
		accountID,
		cutoff,
		limit,
	)
	return result.RowsAffected, result.Error
}
