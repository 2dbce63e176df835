package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
)

var Module = fx.Module(
	"bus",

	fx.Provide(
		NewClient,
		NewBus,
	),
)

func NewClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func NewBus(lc fx.Lifecycle, client *redis.Client, cfg *config.Config) Bus {
	b := NewRedis(client, cfg.Notifications.ChannelCapacity)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return b.Close()
		},
	})
	return b
}
