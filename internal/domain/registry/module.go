package registry

import (
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
)

// Module wires the registry Hub for fx consumers that only need the
// process-local fan-out (notably NotificationBus).
var Module = fx.Module("registry",
	fx.Provide(
		NewFromConfig,
		fx.Annotate(func(h *Hub) Registry { return h }, fx.As(new(Registry))),
	),
)

// NewFromConfig builds a Hub sized from the notifications config section.
// fx constructors can't take variadic Option args directly, so this is the
// fixed entry point fx sees; NewHub itself stays the flexible constructor
// tests reach for.
func NewFromConfig(logger *slog.Logger, cfg *config.Config) *Hub {
	return NewHub(logger,
		WithSubscriberBuffer(cfg.Notifications.ChannelCapacity),
		WithEvictionInterval(time.Duration(cfg.Notifications.GCIntervalSecs)*time.Second),
	)
}
