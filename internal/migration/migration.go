// Package migration keeps the schema in step with the persistence models.
package migration

import (
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	callrecorddomain "github.com/tryspeak/reconcile/internal/callrecord/domain"
	eventledgerdomain "github.com/tryspeak/reconcile/internal/eventledger/domain"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Migrate creates or alters every table the engine owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&accountdomain.Account{},
		&subscriptiondomain.Subscription{},
		&eventledgerdomain.EventRecord{},
		&referraldomain.Referral{},
		&callrecorddomain.CallRecord{},
	)
}

var Module = fx.Module("migration",
	fx.Invoke(Migrate),
)
