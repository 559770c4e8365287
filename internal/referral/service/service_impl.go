package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	"github.com/tryspeak/reconcile/internal/referral/domain"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"github.com/tryspeak/reconcile/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	DB       *gorm.DB
	Clock    clock.Clock
	GenID    *snowflake.Node
	Repo     domain.Repository
	Accounts accountdomain.Repository
}

type Service struct {
	log      *zap.Logger
	cfg      config.Config
	db       *gorm.DB
	clock    clock.Clock
	genID    *snowflake.Node
	repo     domain.Repository
	accounts accountdomain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log,
		cfg:      p.Config,
		db:       p.DB,
		clock:    p.Clock,
		genID:    p.GenID,
		repo:     p.Repo,
		accounts: p.Accounts,
	}
}

func (s *Service) Attach(ctx context.Context, refereeAccountID snowflake.ID, code string) (*domain.Referral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrInvalidReferralCode
	}

	var referral *domain.Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referee, err := s.accounts.FindByID(ctx, tx, refereeAccountID)
		if err != nil {
			return err
		}
		if referee == nil {
			return accountdomain.ErrNotFound
		}

		referrer, err := s.accounts.FindByReferralCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if referrer == nil {
			return domain.ErrInvalidReferralCode
		}
		// A code only counts while its owner is still a live customer. Codes
		// of canceled or anonymized businesses stop resolving.
		if referrer.SubscriptionState == subscriptiondomain.StateCanceled || referrer.AnonymizedAt != nil {
			return domain.ErrInvalidReferralCode
		}
		if referrer.ID == referee.ID {
			return domain.ErrSelfReferral
		}

		existing, err := s.repo.FindByRefereeAccountID(ctx, tx, referee.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrAlreadyAttached
		}

		referral = &domain.Referral{
			ID:                s.genID.Generate(),
			ReferrerAccountID: referrer.ID,
			RefereeAccountID:  referee.ID,
			Code:              code,
			Status:            domain.StatusPending,
			RefereeDiscount:   s.cfg.Billing.RefereeDiscountAmount,
			ReferrerCredit:    s.cfg.Billing.ReferrerCreditAmount,
			Currency:          s.cfg.Billing.Currency,
			CreatedAt:         s.clock.Now().UTC(),
		}
		if err := s.repo.Insert(ctx, tx, referral); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyAttached
			}
			return err
		}

		return tx.Exec(
			`UPDATE accounts SET referred_by_code = ? WHERE id = ?`,
			code,
			referee.ID,
		).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("referral code attached",
		zap.String("code", code),
		zap.Int64("referee_account_id", int64(referral.RefereeAccountID)),
		zap.Int64("referrer_account_id", int64(referral.ReferrerAccountID)),
	)
	return referral, nil
}

func (s *Service) Activate(ctx context.Context, tx *gorm.DB, refereeAccountID snowflake.ID) (*domain.Referral, error) {
	referral, err := s.repo.FindByRefereeAccountID(ctx, tx, refereeAccountID)
	if err != nil {
		return nil, err
	}
	if referral == nil {
		return nil, nil
	}
	if referral.Status != domain.StatusPending {
		return referral, nil
	}

	now := s.clock.Now().UTC()
	if err := s.repo.MarkActive(ctx, tx, referral.ID, now); err != nil {
		return nil, err
	}
	referral.Status = domain.StatusActive
	referral.ActivatedAt = &now
	return referral, nil
}

func (s *Service) Stats(ctx context.Context, accountID snowflake.ID) (*domain.Stats, error) {
	account, err := s.accounts.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrNotFound
	}

	referrals, err := s.repo.ListByReferrerAccountID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	stats := &domain.Stats{
		AccountID:    accountID,
		ReferralCode: account.ReferralCode,
		Currency:     s.cfg.Billing.Currency,
	}
	for _, referral := range referrals {
		stats.TotalReferrals++
		switch referral.Status {
		case domain.StatusActive:
			stats.ActiveCount++
		case domain.StatusCredited:
			stats.CreditedCount++
		}
		if referral.CreditApplied {
			stats.EarnedCredit += referral.ReferrerCredit
		}
	}
	return stats, nil
}
