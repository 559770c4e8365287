package providers

import (
	"github.com/tryspeak/reconcile/internal/providers/billing"
	"github.com/tryspeak/reconcile/internal/providers/notify"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	billing.Module,
	notify.Module,
)
