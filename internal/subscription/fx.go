package subscription

import (
	"github.com/tryspeak/reconcile/internal/subscription/repository"
	"github.com/tryspeak/reconcile/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
