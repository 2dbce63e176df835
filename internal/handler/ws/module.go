package ws

import (
	"context"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/internal/keycustody"
	"github.com/obscura-chat/obscura-server/internal/messages"
)

var Module = fx.Module("ws",
	fx.Provide(
		func(s *keycustody.Service) keyCustody { return s },
		func(s *messages.Service) messageStore { return s },
		New,
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, h *Handler) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			h.Shutdown()
			return nil
		},
	})
}
