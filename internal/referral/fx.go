package referral

import (
	"github.com/tryspeak/reconcile/internal/referral/repository"
	"github.com/tryspeak/reconcile/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
