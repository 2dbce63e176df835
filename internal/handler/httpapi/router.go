package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/obscura-chat/obscura-server/internal/backup"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/handler/ws"
	"github.com/obscura-chat/obscura-server/internal/keycustody"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// NewRouter assembles the public API surface.
func NewRouter(
	backups *backup.Service,
	kc *keycustody.Service,
	msgs messageStore,
	notifier notify.Notifier,
	reg registry.Registry,
	wsHandler *ws.Handler,
	logger *slog.Logger,
) chi.Router {
	bh := &backupHandler{backups: backups}
	kh := &keysHandler{keyCustody: kc, notifier: notifier, registry: reg, logger: logger}
	lh := &lpHandler{messages: msgs, notifier: notifier}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/backup", bh.upload)
		r.Get("/backup", bh.download)
		r.Head("/backup", bh.head)

		r.Put("/keys", kh.upsert)
		r.Get("/keys/{userID}/bundle", kh.bundle)

		r.Get("/messages/poll", lh.poll)
		r.Post("/messages/ack", lh.ack)

		r.Delete("/push", func(w http.ResponseWriter, req *http.Request) {
			userID, err := requestUser(req)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := notifier.CancelPending(req.Context(), userID); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Handle("/gateway", wsHandler)
	})

	return r
}
