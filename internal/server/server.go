package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tryspeak/reconcile/internal/account"
	"github.com/tryspeak/reconcile/internal/billingevent"
	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
	"github.com/tryspeak/reconcile/internal/callrecord"
	"github.com/tryspeak/reconcile/internal/clock"
	"github.com/tryspeak/reconcile/internal/config"
	"github.com/tryspeak/reconcile/internal/eventledger"
	"github.com/tryspeak/reconcile/internal/lock"
	"github.com/tryspeak/reconcile/internal/providers"
	"github.com/tryspeak/reconcile/internal/referral"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	"github.com/tryspeak/reconcile/internal/retention"
	"github.com/tryspeak/reconcile/internal/settlement"
	"github.com/tryspeak/reconcile/internal/subscription"
	subscriptiondomain "github.com/tryspeak/reconcile/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	account.Module,
	billingevent.Module,
	callrecord.Module,
	eventledger.Module,
	lock.Module,
	providers.Module,
	referral.Module,
	settlement.Module,
	subscription.Module,
	retention.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	db          *gorm.DB
	clock       clock.Clock
	genID       *snowflake.Node
	adapter     billingeventdomain.Adapter
	reconciler  subscriptiondomain.Reconciler
	referralSvc referraldomain.Service
	retention   *retention.Scheduler
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	DB          *gorm.DB
	Clock       clock.Clock
	GenID       *snowflake.Node
	Adapter     billingeventdomain.Adapter
	Reconciler  subscriptiondomain.Reconciler
	ReferralSvc referraldomain.Service
	Retention   *retention.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log,
		db:          p.DB,
		clock:       p.Clock,
		genID:       p.GenID,
		adapter:     p.Adapter,
		reconciler:  p.Reconciler,
		referralSvc: p.ReferralSvc,
		retention:   p.Retention,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.POST("/billing/webhooks/:provider", s.HandleBillingWebhook)
	api.POST("/referrals/attach", s.HandleReferralAttach)
	api.GET("/referrals/:account_id/stats", s.HandleReferralStats)
	api.POST("/retention/run", s.HandleRetentionRun)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
