package billing

import (
	"strings"

	"github.com/tryspeak/reconcile/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Provide(cfg config.Config, log *zap.Logger) Provider {
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		log.Warn("stripe secret key not configured, outbound billing calls disabled")
		return &NoOpProvider{}
	}
	return NewStripeProvider(cfg.StripeSecretKey, cfg.StripeAPIBase)
}

var Module = fx.Module("billingprovider",
	fx.Provide(Provide),
)
