package messages

import "go.uber.org/fx"

var Module = fx.Module("messages",
	fx.Provide(New),
)
