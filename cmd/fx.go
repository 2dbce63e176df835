package cmd

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/backup"
	"github.com/obscura-chat/obscura-server/internal/domain/crypto"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	amqphandler "github.com/obscura-chat/obscura-server/internal/handler/amqp"
	"github.com/obscura-chat/obscura-server/internal/handler/httpapi"
	wshandler "github.com/obscura-chat/obscura-server/internal/handler/ws"
	"github.com/obscura-chat/obscura-server/internal/janitor"
	"github.com/obscura-chat/obscura-server/internal/keycustody"
	"github.com/obscura-chat/obscura-server/internal/messages"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
	"github.com/obscura-chat/obscura-server/internal/push"
	"github.com/obscura-chat/obscura-server/internal/store/blob"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

func NewApp(cfg *config.Config, live *config.Live) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *config.Live { return live },
			ProvideLogger,
			metrics.NewProvider,
			metrics.New,
		),
		postgres.Module,
		bus.Module,
		blob.Module,
		crypto.Module,
		registry.Module,
		keycustody.Module,
		messages.Module,
		notify.Module,
		push.Module,
		backup.Module,
		janitor.Module,
		wshandler.Module,
		amqphandler.Module,
		httpapi.Module,
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	return applog.New(applog.Config{
		Level:    cfg.Log.Level,
		JSON:     cfg.Log.JSON,
		FilePath: cfg.Log.FilePath,
	})
}
