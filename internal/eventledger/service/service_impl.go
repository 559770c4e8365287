package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/eventledger/domain"
	"github.com/tryspeak/reconcile/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		log:   p.Log,
		clock: p.Clock,
		genID: p.GenID,
		repo:  p.Repo,
	}
}

// Record inserts the delivery. The unique index on the provider event id is
// the arbiter under concurrent redelivery: exactly one insert wins and every
// loser observes the stored row.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, record *domain.EventRecord) (*domain.EventRecord, error) {
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.Outcome == "" {
		record.Outcome = domain.OutcomePending
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = s.clock.Now().UTC()
	}

	if err := s.repo.Insert(ctx, tx, record); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}

		stored, lookupErr := s.repo.FindByProviderEventID(ctx, tx, record.Provider, record.ProviderEventID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if stored == nil {
			return nil, domain.ErrEventNotFound
		}

		s.log.Info("webhook event redelivered",
			zap.String("provider", stored.Provider),
			zap.String("provider_event_id", stored.ProviderEventID),
			zap.String("outcome", stored.Outcome),
		)
		return stored, domain.ErrDuplicateEvent
	}

	return record, nil
}

func (s *Service) MarkApplied(ctx context.Context, tx *gorm.DB, record *domain.EventRecord) error {
	now := s.clock.Now().UTC()
	if err := s.repo.MarkApplied(ctx, tx, record.ID, now); err != nil {
		return err
	}
	record.Outcome = domain.OutcomeApplied
	record.ProcessedAt = &now
	return nil
}

func (s *Service) MarkRejected(ctx context.Context, tx *gorm.DB, record *domain.EventRecord, reason string) error {
	now := s.clock.Now().UTC()
	if err := s.repo.MarkRejected(ctx, tx, record.ID, reason, now); err != nil {
		return err
	}
	record.Outcome = domain.OutcomeRejected
	record.RejectReason = reason
	record.ProcessedAt = &now
	return nil
}

func (s *Service) ListPending(ctx context.Context, tx *gorm.DB, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListPending(ctx, tx, limit)
}
