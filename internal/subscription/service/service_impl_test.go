package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	accountrepo "github.com/tryspeak/reconcile/internal/account/repository"
	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
	"github.com/tryspeak/reconcile/internal/billingevent/stripe"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	eventledgerdomain "github.com/tryspeak/reconcile/internal/eventledger/domain"
	eventledgerrepo "github.com/tryspeak/reconcile/internal/eventledger/repository"
	eventledgerservice "github.com/tryspeak/reconcile/internal/eventledger/service"
	"github.com/tryspeak/reconcile/internal/lock"
	"github.com/tryspeak/reconcile/internal/migration"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	referralrepo "github.com/tryspeak/reconcile/internal/referral/repository"
	referralservice "github.com/tryspeak/reconcile/internal/referral/service"
	settlementdomain "github.com/tryspeak/reconcile/internal/settlement/domain"
	settlementservice "github.com/tryspeak/reconcile/internal/settlement/service"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	subscriptionrepo "github.com/tryspeak/reconcile/internal/subscription/repository"
	subscriptionservice "github.com/tryspeak/reconcile/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type billingCall struct {
	Kind           string
	CustomerID     string
	Amount         int64
	IdempotencyKey string
}

type fakeBillingProvider struct {
	mu          sync.Mutex
	calls       []billingCall
	failCredits int
}

func (p *fakeBillingProvider) ApplyCustomerCredit(ctx context.Context, customerID string, amount int64, currency string, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, billingCall{Kind: "credit", CustomerID: customerID, Amount: amount, IdempotencyKey: key})
	if p.failCredits > 0 {
		p.failCredits--
		return settlementdomain.ErrExternalCall
	}
	return nil
}

func (p *fakeBillingProvider) ApplyCustomerDiscount(ctx context.Context, customerID string, amount int64, currency string, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, billingCall{Kind: "discount", CustomerID: customerID, Amount: amount, IdempotencyKey: key})
	return nil
}

func (p *fakeBillingProvider) Calls() []billingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]billingCall(nil), p.calls...)
}

type recordingNotify struct {
	mu     sync.Mutex
	alerts []string
	notes  []string
}

func (r *recordingNotify) ReviewAlert(ctx context.Context, subject string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, subject+": "+message)
	return nil
}

func (r *recordingNotify) Notify(ctx context.Context, accountID snowflake.ID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf("%d: %s", accountID, message))
	return nil
}

type harness struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	cfg        config.Config
	billing    *fakeBillingProvider
	notify     *recordingNotify
	accounts   accountdomain.Repository
	referrals  referraldomain.Repository
	refSvc     referraldomain.Service
	reconciler subscriptiondomain.Reconciler
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))
	return db
}

func testConfig() config.Config {
	return config.Config{
		AppName:     "tryspeak-test",
		Environment: "test",
		Billing: config.BillingConfig{
			MaxPaymentFailures:    3,
			RefereeDiscountAmount: 2500,
			ReferrerCreditAmount:  2500,
			Currency:              "GBP",
			ExternalCallAttempts:  2,
			ExternalCallBackoff:   0,
			LockTTL:               5 * time.Second,
			LockWait:              time.Second,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := testConfig()
	log := zap.NewNop()

	accounts := accountrepo.Provide()
	referrals := referralrepo.Provide()
	subs := subscriptionrepo.Provide()
	events := eventledgerrepo.Provide()

	ledgerSvc := eventledgerservice.NewService(eventledgerservice.Params{
		Log:   log,
		Clock: fakeClock,
		GenID: node,
		Repo:  events,
	})
	refSvc := referralservice.NewService(referralservice.Params{
		Log:      log,
		Config:   cfg,
		DB:       db,
		Clock:    fakeClock,
		GenID:    node,
		Repo:     referrals,
		Accounts: accounts,
	})
	billingProvider := &fakeBillingProvider{}
	notifier := &recordingNotify{}
	settleSvc := settlementservice.NewService(settlementservice.Params{
		Log:       log,
		Config:    cfg,
		Clock:     fakeClock,
		Referrals: referrals,
		Accounts:  accounts,
		Billing:   billingProvider,
		Notify:    notifier,
	})
	adapter, err := stripe.NewAdapter("whsec_test")
	require.NoError(t, err)

	reconciler := subscriptionservice.NewService(subscriptionservice.Params{
		Log:        log,
		Config:     cfg,
		DB:         db,
		Clock:      fakeClock,
		GenID:      node,
		Locker:     lock.NewMemoryLocker(),
		Adapter:    adapter,
		Ledger:     ledgerSvc,
		Subs:       subs,
		Accounts:   accounts,
		Referrals:  refSvc,
		Settlement: settleSvc,
		Notify:     notifier,
	})

	return &harness{
		db:         db,
		node:       node,
		clock:      fakeClock,
		cfg:        cfg,
		billing:    billingProvider,
		notify:     notifier,
		accounts:   accounts,
		referrals:  referrals,
		refSvc:     refSvc,
		reconciler: reconciler,
	}
}

func (h *harness) seedAccount(t *testing.T, businessName, phone, customerID string) *accountdomain.Account {
	t.Helper()

	account := &accountdomain.Account{
		ID:                h.node.Generate(),
		BillingCustomerID: customerID,
		BusinessName:      businessName,
		Phone:             phone,
		SubscriptionState: "",
		ReferralCode:      accountdomain.ReferralCode(businessName, phone),
		CreatedAt:         h.clock.Now(),
		LastActivityAt:    h.clock.Now(),
	}
	require.NoError(t, h.accounts.Insert(context.Background(), h.db, account))
	return account
}

func (h *harness) event(id, eventType, customerID string) *billingeventdomain.BillingEvent {
	return &billingeventdomain.BillingEvent{
		ProviderEventID:   id,
		Type:              eventType,
		BillingCustomerID: customerID,
		OccurredAt:        h.clock.Now(),
		RawPayload:        []byte(`{}`),
	}
}

func (h *harness) seedSubscription(t *testing.T, accountID snowflake.ID, state string) {
	t.Helper()

	now := h.clock.Now()
	require.NoError(t, h.db.Create(&subscriptiondomain.Subscription{
		ID:          h.node.Generate(),
		AccountID:   accountID,
		State:       state,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error)
	require.NoError(t, h.db.Exec(`UPDATE accounts SET subscription_state = ? WHERE id = ?`, state, accountID).Error)
}

func (h *harness) subscriptionState(t *testing.T, accountID snowflake.ID) string {
	t.Helper()

	var state string
	require.NoError(t, h.db.Raw(`SELECT state FROM subscriptions WHERE account_id = ?`, accountID).Scan(&state).Error)
	return state
}

func TestCheckoutCreatesActiveSubscription(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	result, err := h.reconciler.ProcessEvent(context.Background(), h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeApplied, result.Outcome)
	require.Equal(t, subscriptiondomain.StateActive, result.ToState)
	require.Equal(t, settlementdomain.OutcomeNothingPending, result.Settlement)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))
	require.Empty(t, h.billing.Calls())
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	first, err := h.reconciler.ProcessEvent(context.Background(), h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeApplied, first.Outcome)

	second, err := h.reconciler.ProcessEvent(context.Background(), h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, "duplicate", second.Outcome)

	var count int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(1) FROM webhook_events`).Scan(&count).Error)
	require.EqualValues(t, 1, count)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))
}

func TestCheckoutActivatesAndSettlesReferral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	referrer := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_referrer")
	referee := h.seedAccount(t, "Daves Bakery", "07700900528", "cus_referee")

	_, err := h.refSvc.Attach(ctx, referee.ID, referrer.ReferralCode)
	require.NoError(t, err)

	result, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_referee"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeApplied, result.Outcome)
	require.Equal(t, subscriptiondomain.StateActive, result.ToState)
	require.Equal(t, settlementdomain.OutcomeCredited, result.Settlement)

	calls := h.billing.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "discount", calls[0].Kind)
	require.Equal(t, "cus_referee", calls[0].CustomerID)
	require.Equal(t, "evt_1:referee", calls[0].IdempotencyKey)
	require.Equal(t, "credit", calls[1].Kind)
	require.Equal(t, "cus_referrer", calls[1].CustomerID)
	require.Equal(t, "evt_1:referrer", calls[1].IdempotencyKey)

	referral, err := h.referrals.FindByRefereeAccountID(ctx, h.db, referee.ID)
	require.NoError(t, err)
	require.True(t, referral.CreditApplied)
	require.Equal(t, referraldomain.StatusCredited, referral.Status)

	// A second activation event later must not settle twice.
	h.clock.Advance(time.Hour)
	_, err = h.reconciler.ProcessEvent(ctx, h.event("evt_2", billingeventdomain.EventTypePaymentFailed, "cus_referee"))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	again, err := h.reconciler.ProcessEvent(ctx, h.event("evt_3", billingeventdomain.EventTypePaymentSucceeded, "cus_referee"))
	require.NoError(t, err)
	require.Equal(t, settlementdomain.OutcomeAlreadyCredited, again.Settlement)
	require.Len(t, h.billing.Calls(), 2)
}

func TestTrialConversionActivatesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	h.seedSubscription(t, account.ID, subscriptiondomain.StateTrialing)

	h.clock.Advance(time.Hour)
	result, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeApplied, result.Outcome)
	require.Equal(t, subscriptiondomain.StateTrialing, result.FromState)
	require.Equal(t, subscriptiondomain.StateActive, result.ToState)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))
}

func TestStaleEventRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.reconciler.ProcessEvent(ctx, h.event("evt_2", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))

	// The failure was emitted before the success but delivered after it.
	stale := h.event("evt_stale", billingeventdomain.EventTypePaymentFailed, "cus_1")
	stale.OccurredAt = h.clock.Now().Add(-time.Hour)
	result, err := h.reconciler.ProcessEvent(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeRejected, result.Outcome)
	require.Equal(t, "stale_event", result.RejectReason)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))
}

func TestEqualTimestampIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)

	result, err := h.reconciler.ProcessEvent(ctx, h.event("evt_2", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeRejected, result.Outcome)
	require.Equal(t, "stale_event", result.RejectReason)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))
}

func TestCanceledSubscriptionIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.reconciler.ProcessEvent(ctx, h.event("evt_2", billingeventdomain.EventTypeSubscriptionDeleted, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StateCanceled, h.subscriptionState(t, account.ID))

	h.clock.Advance(time.Hour)
	result, err := h.reconciler.ProcessEvent(ctx, h.event("evt_3", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeRejected, result.Outcome)
	require.Equal(t, "terminal_state", result.RejectReason)
	require.Equal(t, subscriptiondomain.StateCanceled, h.subscriptionState(t, account.ID))
}

func TestConsecutiveFailuresParkUnpaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := h.reconciler.ProcessEvent(ctx, h.event("evt_1", billingeventdomain.EventTypeCheckoutCompleted, "cus_1"))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.reconciler.ProcessEvent(ctx, h.event("evt_2", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)

	expected := []string{
		subscriptiondomain.StatePastDue,
		subscriptiondomain.StatePastDue,
		subscriptiondomain.StateUnpaid,
	}
	for i, want := range expected {
		h.clock.Advance(time.Hour)
		result, err := h.reconciler.ProcessEvent(ctx, h.event(fmt.Sprintf("evt_fail_%d", i), billingeventdomain.EventTypePaymentFailed, "cus_1"))
		require.NoError(t, err)
		require.Equal(t, eventledgerdomain.OutcomeApplied, result.Outcome)
		require.Equal(t, want, result.ToState)
	}
	require.Equal(t, subscriptiondomain.StateUnpaid, h.subscriptionState(t, account.ID))

	// A successful payment clears the counter and reactivates.
	h.clock.Advance(time.Hour)
	result, err := h.reconciler.ProcessEvent(ctx, h.event("evt_recover", billingeventdomain.EventTypePaymentSucceeded, "cus_1"))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StateActive, result.ToState)
}

func TestUnknownCustomerRecordedAsRejected(t *testing.T) {
	h := newHarness(t)

	result, err := h.reconciler.ProcessEvent(context.Background(), h.event("evt_1", billingeventdomain.EventTypePaymentSucceeded, "cus_missing"))
	require.NoError(t, err)
	require.Equal(t, eventledgerdomain.OutcomeRejected, result.Outcome)
	require.Equal(t, "unknown_account", result.RejectReason)

	var count int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(1) FROM webhook_events WHERE outcome = ?`, eventledgerdomain.OutcomeRejected).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestResyncAppliesPendingEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	payload := fmt.Sprintf(
		`{"id":"evt_p","type":"checkout.session.completed","created":%d,"data":{"object":{"id":"cs_1","customer":"cus_1"}}}`,
		h.clock.Now().Unix(),
	)
	pending := &eventledgerdomain.EventRecord{
		ID:                h.node.Generate(),
		Provider:          "stripe",
		ProviderEventID:   "evt_p",
		EventType:         billingeventdomain.EventTypeCheckoutCompleted,
		BillingCustomerID: "cus_1",
		AccountID:         account.ID,
		OccurredAt:        h.clock.Now(),
		Outcome:           eventledgerdomain.OutcomePending,
		Payload:           datatypes.JSON(payload),
		ReceivedAt:        h.clock.Now(),
	}
	require.NoError(t, h.db.Create(pending).Error)

	n, err := h.reconciler.Resync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, subscriptiondomain.StateActive, h.subscriptionState(t, account.ID))

	var outcome string
	require.NoError(t, h.db.Raw(`SELECT outcome FROM webhook_events WHERE provider_event_id = ?`, "evt_p").Scan(&outcome).Error)
	require.Equal(t, eventledgerdomain.OutcomeApplied, outcome)

	// A second pass finds nothing pending.
	n, err = h.reconciler.Resync(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
