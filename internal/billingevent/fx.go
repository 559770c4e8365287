package billingevent

import (
	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
	"github.com/tryspeak/reconcile/internal/billingevent/stripe"
	"github.com/tryspeak/reconcile/internal/config"
	"go.uber.org/fx"
)

func ProvideAdapter(cfg config.Config) (billingeventdomain.Adapter, error) {
	return stripe.NewAdapter(cfg.StripeWebhookSecret)
}

var Module = fx.Module("billingevent",
	fx.Provide(ProvideAdapter),
)
