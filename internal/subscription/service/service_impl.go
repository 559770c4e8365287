package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	eventledgerdomain "github.com/tryspeak/reconcile/internal/eventledger/domain"
	"github.com/tryspeak/reconcile/internal/lock"
	"github.com/tryspeak/reconcile/internal/observability/metrics"
	"github.com/tryspeak/reconcile/internal/providers/notify"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	settlementdomain "github.com/tryspeak/reconcile/internal/settlement/domain"
	"github.com/tryspeak/reconcile/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	rejectReasonStale       = "stale_event"
	rejectReasonTerminal    = "terminal_state"
	rejectReasonNoAccount   = "unknown_account"
	rejectReasonNoSub       = "no_subscription"
	rejectReasonIllegalMove = "invalid_transition"
	rejectReasonBadPayload  = "invalid_payload"
)

const resyncBatchSize = 100

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	DB         *gorm.DB
	Clock      clock.Clock
	GenID      *snowflake.Node
	Locker     lock.Locker
	Adapter    billingeventdomain.Adapter
	Ledger     eventledgerdomain.Service
	Subs       domain.Repository
	Accounts   accountdomain.Repository
	Referrals  referraldomain.Service
	Settlement settlementdomain.Service
	Notify     notify.Provider
}

type Service struct {
	log        *zap.Logger
	cfg        config.Config
	db         *gorm.DB
	clock      clock.Clock
	genID      *snowflake.Node
	locker     lock.Locker
	adapter    billingeventdomain.Adapter
	ledger     eventledgerdomain.Service
	subs       domain.Repository
	accounts   accountdomain.Repository
	referrals  referraldomain.Service
	settlement settlementdomain.Service
	notify     notify.Provider
	metrics    *metrics.ReconcileMetrics
}

func NewService(p Params) domain.Reconciler {
	return &Service{
		log:        p.Log,
		cfg:        p.Config,
		db:         p.DB,
		clock:      p.Clock,
		genID:      p.GenID,
		locker:     p.Locker,
		adapter:    p.Adapter,
		ledger:     p.Ledger,
		subs:       p.Subs,
		accounts:   p.Accounts,
		referrals:  p.Referrals,
		settlement: p.Settlement,
		notify:     p.Notify,
		metrics: metrics.ReconcileWithConfig(metrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),
	}
}

// ProcessEvent records the delivery in the ledger, then applies it to the
// account's subscription under a per-account lock. Redeliveries and stale
// events settle to a recorded outcome without touching state, so the provider
// can retry as often as it likes.
func (s *Service) ProcessEvent(ctx context.Context, event *billingeventdomain.BillingEvent) (*domain.Result, error) {
	account, err := s.accounts.FindByBillingCustomerID(ctx, s.db, event.BillingCustomerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return s.recordOrphan(ctx, event)
	}

	lockKey := "account:" + account.ID.String()
	token, err := lock.Acquire(ctx, s.locker, lockKey, s.cfg.Billing.LockTTL, s.cfg.Billing.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("account lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	var result *domain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, recordErr := s.ledger.Record(ctx, tx, s.newRecord(event, account.ID))
		if recordErr != nil {
			if recordErr == eventledgerdomain.ErrDuplicateEvent {
				result = &domain.Result{
					Outcome:      "duplicate",
					RejectReason: record.RejectReason,
				}
				s.metrics.ObserveWebhookEvent(event.Type, "duplicate")
				return nil
			}
			return recordErr
		}

		applied, applyErr := s.apply(ctx, tx, account, event, record)
		if applyErr != nil {
			return applyErr
		}
		result = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyActivation(ctx, account.ID, result)
	return result, nil
}

// Resync drains ledger rows left pending by a crash between the durable write
// and processing. Rows come back in (account, occurred_at) order, so replays
// hit the state machine the same way a live delivery would have.
func (s *Service) Resync(ctx context.Context) (int, error) {
	processed := 0
	for {
		records, err := s.ledger.ListPending(ctx, s.db, resyncBatchSize)
		if err != nil {
			return processed, err
		}
		if len(records) == 0 {
			return processed, nil
		}
		for i := range records {
			if err := s.resyncOne(ctx, &records[i]); err != nil {
				return processed, err
			}
			processed++
		}
	}
}

func (s *Service) resyncOne(ctx context.Context, record *eventledgerdomain.EventRecord) error {
	event, parseErr := s.adapter.Parse(ctx, []byte(record.Payload))
	if parseErr != nil {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.ledger.MarkRejected(ctx, tx, record, rejectReasonBadPayload)
		})
	}

	if record.AccountID == 0 {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.ledger.MarkRejected(ctx, tx, record, rejectReasonNoAccount)
		})
	}
	account, err := s.accounts.FindByID(ctx, s.db, record.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.ledger.MarkRejected(ctx, tx, record, rejectReasonNoAccount)
		})
	}

	lockKey := "account:" + account.ID.String()
	token, err := lock.Acquire(ctx, s.locker, lockKey, s.cfg.Billing.LockTTL, s.cfg.Billing.LockWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("account lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	var result *domain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, applyErr := s.apply(ctx, tx, account, event, record)
		if applyErr != nil {
			return applyErr
		}
		result = applied
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("pending event resynced",
		zap.String("provider_event_id", record.ProviderEventID),
		zap.String("outcome", result.Outcome),
	)
	s.notifyActivation(ctx, account.ID, result)
	return nil
}

// notifyActivation runs after the transaction has committed. Failures are
// logged only; notification is outside the consistency boundary.
func (s *Service) notifyActivation(ctx context.Context, accountID snowflake.ID, result *domain.Result) {
	if result == nil || result.Outcome != eventledgerdomain.OutcomeApplied {
		return
	}
	if result.ToState != domain.StateActive || result.FromState == domain.StateActive {
		return
	}
	if err := s.notify.Notify(ctx, accountID, "subscription activated"); err != nil {
		s.log.Warn("activation notification failed", zap.Error(err))
	}
}

func (s *Service) newRecord(event *billingeventdomain.BillingEvent, accountID snowflake.ID) *eventledgerdomain.EventRecord {
	return &eventledgerdomain.EventRecord{
		Provider:          "stripe",
		ProviderEventID:   event.ProviderEventID,
		EventType:         event.Type,
		BillingCustomerID: event.BillingCustomerID,
		AccountID:         accountID,
		OccurredAt:        event.OccurredAt.UTC(),
		Payload:           datatypes.JSON(event.RawPayload),
	}
}

// recordOrphan keeps deliveries for customers we do not know about. They stay
// in the ledger as rejected so a later backfill can find them.
func (s *Service) recordOrphan(ctx context.Context, event *billingeventdomain.BillingEvent) (*domain.Result, error) {
	var result *domain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, recordErr := s.ledger.Record(ctx, tx, s.newRecord(event, 0))
		if recordErr != nil {
			if recordErr == eventledgerdomain.ErrDuplicateEvent {
				result = &domain.Result{Outcome: "duplicate", RejectReason: record.RejectReason}
				return nil
			}
			return recordErr
		}
		if err := s.ledger.MarkRejected(ctx, tx, record, rejectReasonNoAccount); err != nil {
			return err
		}
		result = &domain.Result{Outcome: eventledgerdomain.OutcomeRejected, RejectReason: rejectReasonNoAccount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Warn("webhook event for unknown billing customer",
		zap.String("billing_customer_id", event.BillingCustomerID),
		zap.String("provider_event_id", event.ProviderEventID),
	)
	s.metrics.ObserveWebhookEvent(event.Type, eventledgerdomain.OutcomeRejected)
	return result, nil
}

func (s *Service) apply(
	ctx context.Context,
	tx *gorm.DB,
	account *accountdomain.Account,
	event *billingeventdomain.BillingEvent,
	record *eventledgerdomain.EventRecord,
) (*domain.Result, error) {
	subscription, err := s.subs.FindByAccountID(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}

	if subscription == nil {
		if event.Type != billingeventdomain.EventTypeCheckoutCompleted {
			return s.reject(ctx, tx, event, record, "", rejectReasonNoSub)
		}
		return s.startSubscription(ctx, tx, account, event, record)
	}

	// Same-timestamp deliveries lose too: the applied event owns its instant.
	if !event.OccurredAt.After(subscription.LastEventAt) {
		s.metrics.ObserveStaleEvent()
		return s.reject(ctx, tx, event, record, subscription.State, rejectReasonStale)
	}
	if domain.IsTerminal(subscription.State) {
		return s.reject(ctx, tx, event, record, subscription.State, rejectReasonTerminal)
	}

	from := subscription.State
	target, err := s.planTransition(subscription, event)
	if err != nil {
		return s.reject(ctx, tx, event, record, from, rejectReasonIllegalMove)
	}

	subscription.State = target
	if event.Type == billingeventdomain.EventTypeSubscriptionUpdated {
		subscription.CancelAtPeriodEnd = event.CancelAtPeriodEnd
	}
	if event.PeriodStart != nil {
		subscription.CurrentPeriodStart = event.PeriodStart
	}
	if event.PeriodEnd != nil {
		subscription.CurrentPeriodEnd = event.PeriodEnd
	}
	subscription.LastEventAt = event.OccurredAt.UTC()
	subscription.UpdatedAt = s.clock.Now().UTC()
	if err := s.subs.Update(ctx, tx, subscription); err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateSubscriptionState(ctx, tx, account.ID, target, s.clock.Now().UTC()); err != nil {
		return nil, err
	}

	result := &domain.Result{
		Outcome:   eventledgerdomain.OutcomeApplied,
		FromState: from,
		ToState:   target,
	}

	if target == domain.StateActive && from != domain.StateActive {
		if _, err := s.referrals.Activate(ctx, tx, account.ID); err != nil {
			return nil, err
		}
		outcome, err := s.settlement.Settle(ctx, tx, account.ID, event.ProviderEventID)
		if err != nil {
			return nil, err
		}
		result.Settlement = outcome
	}

	if err := s.ledger.MarkApplied(ctx, tx, record); err != nil {
		return nil, err
	}

	s.log.Info("subscription transition applied",
		zap.Int64("account_id", int64(account.ID)),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("event_type", event.Type),
	)
	s.metrics.ObserveTransition(from, target)
	s.metrics.ObserveWebhookEvent(event.Type, eventledgerdomain.OutcomeApplied)
	return result, nil
}

// planTransition maps the event onto a target state and keeps the consecutive
// payment failure counter. Three failed invoices in a row park the account in
// unpaid until a payment clears.
func (s *Service) planTransition(subscription *domain.Subscription, event *billingeventdomain.BillingEvent) (string, error) {
	from := subscription.State

	var target string
	switch event.Type {
	case billingeventdomain.EventTypeCheckoutCompleted,
		billingeventdomain.EventTypeSubscriptionUpdated:
		return from, nil
	case billingeventdomain.EventTypePaymentSucceeded:
		subscription.PaymentFailureCount = 0
		target = domain.StateActive
	case billingeventdomain.EventTypePaymentFailed:
		subscription.PaymentFailureCount++
		target = domain.StatePastDue
		if subscription.PaymentFailureCount >= s.cfg.Billing.MaxPaymentFailures {
			target = domain.StateUnpaid
		}
	case billingeventdomain.EventTypeSubscriptionDeleted:
		target = domain.StateCanceled
	default:
		return "", domain.ErrInvalidTransition
	}

	if !domain.CanTransition(from, target) {
		return "", domain.ErrInvalidTransition
	}
	return target, nil
}

// startSubscription handles the first checkout for an account. The new record
// opens in active, which is also the referral-credit trigger, so activation
// and settlement run in the same transaction as the insert.
func (s *Service) startSubscription(
	ctx context.Context,
	tx *gorm.DB,
	account *accountdomain.Account,
	event *billingeventdomain.BillingEvent,
	record *eventledgerdomain.EventRecord,
) (*domain.Result, error) {
	now := s.clock.Now().UTC()
	subscription := &domain.Subscription{
		ID:                 s.genID.Generate(),
		AccountID:          account.ID,
		State:              domain.StateActive,
		CurrentPeriodStart: event.PeriodStart,
		CurrentPeriodEnd:   event.PeriodEnd,
		LastEventAt:        event.OccurredAt.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.subs.Insert(ctx, tx, subscription); err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateSubscriptionState(ctx, tx, account.ID, domain.StateActive, now); err != nil {
		return nil, err
	}

	if _, err := s.referrals.Activate(ctx, tx, account.ID); err != nil {
		return nil, err
	}
	settlement, err := s.settlement.Settle(ctx, tx, account.ID, event.ProviderEventID)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.MarkApplied(ctx, tx, record); err != nil {
		return nil, err
	}

	s.log.Info("subscription started",
		zap.Int64("account_id", int64(account.ID)),
		zap.String("state", domain.StateActive),
	)
	s.metrics.ObserveTransition("", domain.StateActive)
	s.metrics.ObserveWebhookEvent(event.Type, eventledgerdomain.OutcomeApplied)
	return &domain.Result{
		Outcome:    eventledgerdomain.OutcomeApplied,
		ToState:    domain.StateActive,
		Settlement: settlement,
	}, nil
}

func (s *Service) reject(
	ctx context.Context,
	tx *gorm.DB,
	event *billingeventdomain.BillingEvent,
	record *eventledgerdomain.EventRecord,
	fromState string,
	reason string,
) (*domain.Result, error) {
	if err := s.ledger.MarkRejected(ctx, tx, record, reason); err != nil {
		return nil, err
	}

	s.log.Warn("webhook event rejected",
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("reason", reason),
	)
	s.metrics.ObserveWebhookEvent(event.Type, eventledgerdomain.OutcomeRejected)
	return &domain.Result{
		Outcome:      eventledgerdomain.OutcomeRejected,
		FromState:    fromState,
		RejectReason: reason,
	}, nil
}
