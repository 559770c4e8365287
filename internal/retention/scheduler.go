// Package retention implements the data retention sweeps. Every job derives
// its work from timestamps already in the database, so a sweep that dies
// halfway simply finishes on the next run.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	callrecorddomain "github.com/tryspeak/reconcile/internal/callrecord/domain"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	eventledgerdomain "github.com/tryspeak/reconcile/internal/eventledger/domain"
	"github.com/tryspeak/reconcile/internal/lock"
	"github.com/tryspeak/reconcile/internal/observability/metrics"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const anonymizedPlaceholder = "redacted"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	Locker      lock.Locker
	CallRecords callrecorddomain.Repository
	Events      eventledgerdomain.Repository
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.Config
	clock       clock.Clock
	locker      lock.Locker
	callRecords callrecorddomain.Repository
	events      eventledgerdomain.Repository
	metrics     *metrics.ReconcileMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Locker == nil || p.CallRecords == nil || p.Events == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("retention").With(zap.String("component", "retention")),
		cfg:         p.Config,
		clock:       p.Clock,
		locker:      p.Locker,
		callRecords: p.CallRecords,
		events:      p.Events,
		metrics: metrics.ReconcileWithConfig(metrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Info("retention job started")

	err := fn(ctx)
	if err == nil {
		log.Info("retention job finished")
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("retention job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"anonymize_call_records", func(ctx context.Context) error {
			return s.runJob(ctx, "anonymize_call_records", 5*time.Minute, s.AnonymizeCallRecordsJob)
		}},
		{"anonymize_inactive_accounts", func(ctx context.Context) error {
			return s.runJob(ctx, "anonymize_inactive_accounts", 10*time.Minute, s.AnonymizeInactiveAccountsJob)
		}},
		{"scrub_webhook_events", func(ctx context.Context) error {
			return s.runJob(ctx, "scrub_webhook_events", 5*time.Minute, s.ScrubWebhookEventsJob)
		}},
	}

	for _, job := range jobs {
		err = errors.Join(err, job.Run(parent))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retention run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// withAccountLock runs fn under the same per-account advisory lock ingestion
// and settlement take. Acquired is false when another worker holds the key;
// the caller leaves that account for the next sweep.
func (s *Scheduler) withAccountLock(ctx context.Context, accountID snowflake.ID, fn func() error) (bool, error) {
	lockKey := "account:" + accountID.String()
	token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.Billing.LockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Debug("account busy, skipping sweep", zap.Int64("account_id", int64(accountID)))
		s.metrics.ObserveRetentionSkipped("locked")
		return false, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("account lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()
	return true, fn()
}

// sweepExpiredRows drives an account-at-a-time scrub: list owners of expired
// rows, lock each owner, mutate its rows in batches. Locked owners are
// skipped, so a pass where nothing moved means everything left is contested.
func (s *Scheduler) sweepExpiredRows(
	ctx context.Context,
	cutoff time.Time,
	listOwners func(context.Context, time.Time, int) ([]snowflake.ID, error),
	mutate func(context.Context, snowflake.ID) (int64, error),
) (int64, error) {
	var jobErr error
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, errors.Join(jobErr, err)
		}

		owners, err := listOwners(ctx, cutoff, s.cfg.Retention.BatchSize)
		if err != nil {
			return total, errors.Join(jobErr, err)
		}
		if len(owners) == 0 {
			break
		}

		var processed int64
		for _, accountID := range owners {
			var n int64
			acquired, err := s.withAccountLock(ctx, accountID, func() error {
				for {
					scrubbed, err := mutate(ctx, accountID)
					if err != nil {
						return err
					}
					n += scrubbed
					if scrubbed == 0 {
						return nil
					}
				}
			})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if !acquired {
				continue
			}
			processed += n
			total += n
		}
		if processed == 0 {
			break
		}
	}
	return total, jobErr
}

// AnonymizeCallRecordsJob scrubs caller numbers and transcripts from call
// records past the transcript retention horizon, one account at a time under
// its advisory lock. Call volume facts (duration, timestamps) remain.
func (s *Scheduler) AnonymizeCallRecordsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.Retention.CallRecordMaxAge)

	total, err := s.sweepExpiredRows(ctx, cutoff,
		func(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
			return s.callRecords.ListAccountsWithExpired(ctx, s.db, cutoff, limit)
		},
		func(ctx context.Context, accountID snowflake.ID) (int64, error) {
			return s.callRecords.AnonymizeOlderThan(ctx, s.db, accountID, cutoff, now, s.cfg.Retention.BatchSize)
		},
	)

	if total > 0 {
		s.log.Info("call records anonymized", zap.Int64("count", total))
	}
	s.metrics.ObserveRetentionProcessed("anonymize_call_records", total)
	return err
}

// ScrubWebhookEventsJob empties payloads of ledger rows past the financial
// retention horizon, holding the owner's advisory lock so an in-flight
// settlement never sees its event rewritten underneath it. The rows
// themselves stay: type, outcome and timestamps back referral credits and
// subscription billing history for audit.
func (s *Scheduler) ScrubWebhookEventsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.Retention.WebhookEventMaxAge)

	total, err := s.sweepExpiredRows(ctx, cutoff,
		func(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
			return s.events.ListAccountsWithExpired(ctx, s.db, cutoff, limit)
		},
		func(ctx context.Context, accountID snowflake.ID) (int64, error) {
			return s.events.ScrubOlderThan(ctx, s.db, accountID, cutoff, now, s.cfg.Retention.BatchSize)
		},
	)

	if total > 0 {
		s.log.Info("webhook event payloads scrubbed", zap.Int64("count", total))
	}
	s.metrics.ObserveRetentionProcessed("scrub_webhook_events", total)
	return err
}

type inactiveAccount struct {
	ID snowflake.ID
}

// AnonymizeInactiveAccountsJob scrubs PII from accounts with no activity past
// the inactivity horizon. Referral and ledger rows are financial records and
// are left for the webhook event horizon to collect; only the identifying
// fields and call records go now. Accounts still in a paying state are never
// candidates regardless of activity.
func (s *Scheduler) AnonymizeInactiveAccountsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.Retention.InactiveAccountAge)

	var jobErr error
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}

		var candidates []inactiveAccount
		err := s.db.WithContext(ctx).Raw(
			`SELECT id FROM accounts
			 WHERE last_activity_at < ?
			   AND anonymized_at IS NULL
			   AND subscription_state NOT IN (?, ?, ?)
			 ORDER BY last_activity_at
			 LIMIT ?`,
			cutoff,
			subscriptiondomain.StateActive,
			subscriptiondomain.StatePastDue,
			subscriptiondomain.StateTrialing,
			s.cfg.Retention.BatchSize,
		).Scan(&candidates).Error
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			break
		}

		processed := 0
		for _, candidate := range candidates {
			anonymized, err := s.anonymizeAccount(ctx, candidate.ID, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if anonymized {
				processed++
				total++
			}
		}
		if processed == 0 {
			// Every remaining candidate is locked or contested. Leave them
			// for the next sweep instead of spinning.
			break
		}
	}

	if total > 0 {
		s.log.Info("inactive accounts anonymized", zap.Int64("count", total))
	}
	s.metrics.ObserveRetentionProcessed("anonymize_inactive_accounts", total)
	return jobErr
}

func (s *Scheduler) anonymizeAccount(ctx context.Context, accountID snowflake.ID, now time.Time) (bool, error) {
	acquired, err := s.withAccountLock(ctx, accountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.callRecords.DeleteByAccountID(ctx, tx, accountID); err != nil {
				return err
			}
			return tx.Exec(
				`UPDATE accounts
				 SET business_name = ?, phone = ?, anonymized_at = ?
				 WHERE id = ? AND anonymized_at IS NULL`,
				anonymizedPlaceholder,
				"",
				now,
				accountID,
			).Error
		})
	})
	if err != nil || !acquired {
		return false, err
	}

	s.log.Info("account anonymized", zap.Int64("account_id", int64(accountID)))
	return true, nil
}
