package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	"github.com/tryspeak/reconcile/internal/logger"
	"github.com/tryspeak/reconcile/internal/migration"
	"github.com/tryspeak/reconcile/internal/retention"
	"github.com/tryspeak/reconcile/internal/server"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"github.com/tryspeak/reconcile/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Resync registers its start hook before the HTTP listener's, so
		// pending events replay before new deliveries arrive.
		fx.Invoke(StartResync),

		server.Module,

		fx.Invoke(StartRetention),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// StartResync replays ledger rows a previous process left pending before the
// server starts taking new deliveries.
func StartResync(lc fx.Lifecycle, log *zap.Logger, reconciler subscriptiondomain.Reconciler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := reconciler.Resync(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("pending events resynced", zap.Int("count", n))
			}
			return nil
		},
	})
}

func StartRetention(lc fx.Lifecycle, s *retention.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
