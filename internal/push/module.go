package push

import (
	"context"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

var Module = fx.Module("push",
	fx.Provide(
		NewDevProvider,
		func(r *postgres.PushTokenRepository) tokenStore { return r },
		New,
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go w.Run(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			w.Stop()
			return nil
		},
	})
}
