package callrecord

import (
	"github.com/tryspeak/reconcile/internal/callrecord/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("callrecord",
	fx.Provide(repository.Provide),
)
