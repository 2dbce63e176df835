package janitor

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("janitor",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, l *Loops) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			l.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			l.Stop()
			return nil
		},
	})
}
