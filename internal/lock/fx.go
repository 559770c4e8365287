package lock

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/tryspeak/reconcile/internal/config"
	"go.uber.org/zap"

	"go.uber.org/fx"
)

func Provide(cfg config.Config, log *zap.Logger) Locker {
	if cfg.RedisAddr == "" {
		log.Warn("redis not configured, using in-process account locks")
		return NewMemoryLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewRedisLocker(client)
}

// Module provides the per-account Locker.
var Module = fx.Module("lock",
	fx.Provide(Provide),
)
