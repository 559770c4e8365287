package service

import (
	"context"
	"fmt"
	"time"

	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	"github.com/tryspeak/reconcile/internal/observability/metrics"
	"github.com/tryspeak/reconcile/internal/providers/billing"
	"github.com/tryspeak/reconcile/internal/providers/notify"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	"github.com/tryspeak/reconcile/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Clock     clock.Clock
	Referrals referraldomain.Repository
	Accounts  accountdomain.Repository
	Billing   billing.Provider
	Notify    notify.Provider
}

type Service struct {
	log       *zap.Logger
	cfg       config.Config
	clock     clock.Clock
	referrals referraldomain.Repository
	accounts  accountdomain.Repository
	billing   billing.Provider
	notify    notify.Provider
	metrics   *metrics.ReconcileMetrics
	sleep     func(time.Duration)
}

func NewService(p Params) domain.Service {
	return &Service{
		log:       p.Log,
		cfg:       p.Config,
		clock:     p.Clock,
		referrals: p.Referrals,
		accounts:  p.Accounts,
		billing:   p.Billing,
		notify:    p.Notify,
		metrics: metrics.ReconcileWithConfig(metrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),
		sleep: time.Sleep,
	}
}

// Settle runs inside the caller's account critical section. The credit claim
// happens in the database before any outbound call: the conditional flip of
// credit_applied is what guarantees at most one settlement ever reaches the
// billing provider with live intent, and the idempotency keys cover the
// crash window between claim and confirmation.
func (s *Service) Settle(ctx context.Context, tx *gorm.DB, refereeAccountID snowflake.ID, providerEventID string) (string, error) {
	referral, err := s.referrals.FindByRefereeAccountID(ctx, tx, refereeAccountID)
	if err != nil {
		return "", err
	}
	if referral == nil || referral.Status == referraldomain.StatusPending {
		s.metrics.ObserveSettlement(domain.OutcomeNothingPending)
		return domain.OutcomeNothingPending, nil
	}
	if referral.Status == referraldomain.StatusCredited && !referral.CreditApplied {
		// The status and the claim flag can only disagree if a settlement
		// raced past the account lock.
		s.log.Error("settlement state conflict, halting",
			zap.Int64("referral_id", int64(referral.ID)),
			zap.Int64("referee_account_id", int64(referral.RefereeAccountID)),
		)
		s.metrics.ObserveReviewAlert()
		return "", domain.ErrReconciliationConflict
	}
	if referral.CreditApplied || referral.Status == referraldomain.StatusCredited {
		s.metrics.ObserveSettlement(domain.OutcomeAlreadyCredited)
		return domain.OutcomeAlreadyCredited, nil
	}

	claimed, err := s.referrals.ClaimCredit(ctx, tx, referral.ID, providerEventID, s.clock.Now().UTC())
	if err != nil {
		return "", err
	}
	if !claimed {
		s.metrics.ObserveSettlement(domain.OutcomeAlreadyCredited)
		return domain.OutcomeAlreadyCredited, nil
	}

	referee, err := s.accounts.FindByID(ctx, tx, referral.RefereeAccountID)
	if err != nil {
		return "", err
	}
	referrer, err := s.accounts.FindByID(ctx, tx, referral.ReferrerAccountID)
	if err != nil {
		return "", err
	}
	if referee == nil || referrer == nil {
		return "", accountdomain.ErrNotFound
	}

	if err := s.withRetries(ctx, func() error {
		return s.billing.ApplyCustomerDiscount(
			ctx,
			referee.BillingCustomerID,
			referral.RefereeDiscount,
			referral.Currency,
			providerEventID+":referee",
		)
	}); err != nil {
		return s.parkForReview(ctx, tx, referral, "referee discount failed after retries")
	}

	if err := s.withRetries(ctx, func() error {
		return s.billing.ApplyCustomerCredit(
			ctx,
			referrer.BillingCustomerID,
			referral.ReferrerCredit,
			referral.Currency,
			providerEventID+":referrer",
		)
	}); err != nil {
		return s.parkForReview(ctx, tx, referral, "referrer credit failed after retries")
	}

	if err := s.referrals.MarkCredited(ctx, tx, referral.ID, s.clock.Now().UTC()); err != nil {
		return "", err
	}

	s.log.Info("referral credit settled",
		zap.Int64("referral_id", int64(referral.ID)),
		zap.Int64("referrer_account_id", int64(referral.ReferrerAccountID)),
		zap.Int64("referee_account_id", int64(referral.RefereeAccountID)),
		zap.String("provider_event_id", providerEventID),
	)
	s.metrics.ObserveSettlement(domain.OutcomeCredited)

	if err := s.notify.Notify(ctx, referral.ReferrerAccountID, "your referral credit has been applied"); err != nil {
		s.log.Warn("referrer notification failed", zap.Error(err))
	}
	return domain.OutcomeCredited, nil
}

func (s *Service) withRetries(ctx context.Context, call func() error) error {
	attempts := s.cfg.Billing.ExternalCallAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.Billing.ExternalCallBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.metrics.ObserveExternalRetry()
			s.sleep(backoff)
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrExternalCall, lastErr)
}

func (s *Service) parkForReview(ctx context.Context, tx *gorm.DB, referral *referraldomain.Referral, reason string) (string, error) {
	if err := s.referrals.MarkReview(ctx, tx, referral.ID); err != nil {
		return "", err
	}

	s.log.Error("settlement parked for manual review",
		zap.Int64("referral_id", int64(referral.ID)),
		zap.String("reason", reason),
	)
	s.metrics.ObserveReviewAlert()
	s.metrics.ObserveSettlement(domain.OutcomeReview)

	message := fmt.Sprintf("referral %d: %s", referral.ID, reason)
	if err := s.notify.ReviewAlert(ctx, "settlement requires manual review", message); err != nil {
		s.log.Warn("review alert delivery failed", zap.Error(err))
	}
	return domain.OutcomeReview, nil
}
