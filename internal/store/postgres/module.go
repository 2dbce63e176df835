package postgres

import (
	"context"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
)

// Module wires the Postgres connection pool and its per-domain repositories.
var Module = fx.Module(
	"postgres",

	fx.Provide(
		NewPool,
		NewKeyRepository,
		NewMessageRepository,
		NewBackupRepository,
		NewPushTokenRepository,
		NewRefreshTokenRepository,
		NewAttachmentRepository,
	),
)

// NewPool migrates the schema, opens the pool from DSN config, and
// registers it against the fx lifecycle so it closes on shutdown.
func NewPool(lc fx.Lifecycle, cfg *config.Config) (*Pool, error) {
	if err := Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pool, err := Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}
