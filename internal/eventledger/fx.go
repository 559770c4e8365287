package eventledger

import (
	"github.com/tryspeak/reconcile/internal/eventledger/repository"
	"github.com/tryspeak/reconcile/internal/eventledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("eventledger",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
