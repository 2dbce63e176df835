package notify

import (
	"context"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/internal/domain/registry"
)

var Module = fx.Module("notify",
	fx.Provide(
		New,
		fx.Annotate(func(n *NotificationBus) Notifier { return n }, fx.As(new(Notifier))),
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, n *NotificationBus, reg registry.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return n.StartDispatcher(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			n.Stop()
			reg.Shutdown()
			return nil
		},
	})
}
