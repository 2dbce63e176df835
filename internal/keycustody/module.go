package keycustody

import (
	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

var Module = fx.Module("keycustody",
	fx.Provide(
		func(r *postgres.KeyRepository) keyStore { return r },
		func(r *postgres.MessageRepository) inboxWiper { return r },
		New,
	),
)
