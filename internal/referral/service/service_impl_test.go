package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	accountrepo "github.com/tryspeak/reconcile/internal/account/repository"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	"github.com/tryspeak/reconcile/internal/migration"
	"github.com/tryspeak/reconcile/internal/referral/domain"
	referralrepo "github.com/tryspeak/reconcile/internal/referral/repository"
	referralservice "github.com/tryspeak/reconcile/internal/referral/service"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	accounts accountdomain.Repository
	repo     domain.Repository
	svc      domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_ref_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.Migrate(db))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	accounts := accountrepo.Provide()
	repo := referralrepo.Provide()
	svc := referralservice.NewService(referralservice.Params{
		Log:   zap.NewNop(),
		Config: config.Config{
			Billing: config.BillingConfig{
				RefereeDiscountAmount: 2500,
				ReferrerCreditAmount:  2500,
				Currency:              "GBP",
			},
		},
		DB:       db,
		Clock:    fakeClock,
		GenID:    node,
		Repo:     repo,
		Accounts: accounts,
	})

	return &fixture{db: db, node: node, clock: fakeClock, accounts: accounts, repo: repo, svc: svc}
}

func (f *fixture) seedAccount(t *testing.T, businessName, phone, customerID string) *accountdomain.Account {
	t.Helper()

	account := &accountdomain.Account{
		ID:                f.node.Generate(),
		BillingCustomerID: customerID,
		BusinessName:      businessName,
		Phone:             phone,
		ReferralCode:      accountdomain.ReferralCode(businessName, phone),
		CreatedAt:         f.clock.Now(),
		LastActivityAt:    f.clock.Now(),
	}
	require.NoError(t, f.accounts.Insert(context.Background(), f.db, account))
	return account
}

func TestAttachReferralCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	referral, err := f.svc.Attach(ctx, referee.ID, referrer.ReferralCode)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, referral.Status)
	require.Equal(t, referrer.ID, referral.ReferrerAccountID)
	require.Equal(t, referee.ID, referral.RefereeAccountID)
	require.False(t, referral.CreditApplied)
	require.EqualValues(t, 2500, referral.RefereeDiscount)

	var referredBy string
	require.NoError(t, f.db.Raw(`SELECT referred_by_code FROM accounts WHERE id = ?`, referee.ID).Scan(&referredBy).Error)
	require.Equal(t, referrer.ReferralCode, referredBy)
}

func TestAttachNormalizesCode(t *testing.T) {
	f := newFixture(t)
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	referral, err := f.svc.Attach(context.Background(), referee.ID, "  "+referrer.ReferralCode+" ")
	require.NoError(t, err)
	require.Equal(t, referrer.ReferralCode, referral.Code)
}

func TestAttachInvalidCode(t *testing.T) {
	f := newFixture(t)
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	_, err := f.svc.Attach(context.Background(), referee.ID, "NO-SUCH-CODE-0000")
	require.ErrorIs(t, err, domain.ErrInvalidReferralCode)
}

func TestAttachRejectsCanceledReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	require.NoError(t, f.db.Exec(
		`UPDATE accounts SET subscription_state = ? WHERE id = ?`,
		subscriptiondomain.StateCanceled,
		referrer.ID,
	).Error)

	_, err := f.svc.Attach(ctx, referee.ID, referrer.ReferralCode)
	require.ErrorIs(t, err, domain.ErrInvalidReferralCode)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM referrals`).Scan(&count).Error)
	require.Zero(t, count)
}

func TestAttachRejectsAnonymizedReferrer(t *testing.T) {
	f := newFixture(t)
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	require.NoError(t, f.db.Exec(
		`UPDATE accounts SET anonymized_at = ? WHERE id = ?`,
		f.clock.Now(),
		referrer.ID,
	).Error)

	_, err := f.svc.Attach(context.Background(), referee.ID, referrer.ReferralCode)
	require.ErrorIs(t, err, domain.ErrInvalidReferralCode)
}

func TestAttachSelfReferral(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := f.svc.Attach(context.Background(), account.ID, account.ReferralCode)
	require.ErrorIs(t, err, domain.ErrSelfReferral)
}

func TestAttachTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrerA := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referrerB := f.seedAccount(t, "Annes Florists", "07700900639", "cus_2")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_3")

	_, err := f.svc.Attach(ctx, referee.ID, referrerA.ReferralCode)
	require.NoError(t, err)

	_, err = f.svc.Attach(ctx, referee.ID, referrerB.ReferralCode)
	require.ErrorIs(t, err, domain.ErrAlreadyAttached)
}

func TestAttachUnknownAccount(t *testing.T) {
	f := newFixture(t)
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")

	_, err := f.svc.Attach(context.Background(), f.node.Generate(), referrer.ReferralCode)
	require.ErrorIs(t, err, accountdomain.ErrNotFound)
}

func TestStatsCountsCreditedReferrals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	refereeA := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")
	refereeB := f.seedAccount(t, "Annes Florists", "07700900639", "cus_3")

	referralA, err := f.svc.Attach(ctx, refereeA.ID, referrer.ReferralCode)
	require.NoError(t, err)
	_, err = f.svc.Attach(ctx, refereeB.ID, referrer.ReferralCode)
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, f.db, refereeA.ID)
	require.NoError(t, err)
	claimed, err := f.repo.ClaimCredit(ctx, f.db, referralA.ID, "evt_1", f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.repo.MarkCredited(ctx, f.db, referralA.ID, f.clock.Now()))

	stats, err := f.svc.Stats(ctx, referrer.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalReferrals)
	require.EqualValues(t, 1, stats.CreditedCount)
	require.EqualValues(t, 2500, stats.EarnedCredit)
	require.Equal(t, referrer.ReferralCode, stats.ReferralCode)
}

func TestActivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.seedAccount(t, "Joes Plumbing", "07700900417", "cus_1")
	referee := f.seedAccount(t, "Daves Bakery", "07700900528", "cus_2")

	_, err := f.svc.Attach(ctx, referee.ID, referrer.ReferralCode)
	require.NoError(t, err)

	first, err := f.svc.Activate(ctx, f.db, referee.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, first.Status)

	second, err := f.svc.Activate(ctx, f.db, referee.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, second.Status)

	// No referral attached means nothing to activate.
	none, err := f.svc.Activate(ctx, f.db, referrer.ID)
	require.NoError(t, err)
	require.Nil(t, none)
}
