package backup

import (
	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

var Module = fx.Module("backup",
	fx.Provide(
		func(r *postgres.BackupRepository) slotStore { return r },
		New,
	),
)
