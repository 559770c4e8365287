package notify

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Provide(log *zap.Logger) Provider {
	return NewLogProvider(log)
}

var Module = fx.Module("notify",
	fx.Provide(Provide),
)
