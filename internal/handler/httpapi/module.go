package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/backup"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/handler/ws"
	"github.com/obscura-chat/obscura-server/internal/keycustody"
	"github.com/obscura-chat/obscura-server/internal/messages"
	"github.com/obscura-chat/obscura-server/internal/notify"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
)

var Module = fx.Module("httpapi",
	fx.Invoke(startServers),
)

func startServers(
	lc fx.Lifecycle,
	cfg *config.Config,
	backups *backup.Service,
	kc *keycustody.Service,
	msgs *messages.Service,
	notifier notify.Notifier,
	wsHandler *ws.Handler,
	hub *registry.Hub,
	b bus.Bus,
	logger *slog.Logger,
) {
	api := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           NewRouter(backups, kc, msgs, notifier, hub, wsHandler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort),
		Handler:           NewAdminRouter(hub, b, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serve := func(name string, srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "server", name, "err", err)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go serve("api", api)
			go serve("admin", admin)
			logger.Info("http servers listening", "api", api.Addr, "admin", admin.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			errAdmin := admin.Shutdown(ctx)
			return errors.Join(api.Shutdown(ctx), errAdmin)
		},
	})
}
