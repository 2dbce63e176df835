package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
)

// statsResponse is what the stats CLI polls and renders.
type statsResponse struct {
	ActiveUserCells int   `json:"active_user_cells"`
	PushQueueDepth  int64 `json:"push_queue_depth"`
}

// NewAdminRouter assembles the operator-facing mux served on the admin
// port: liveness, readiness, and a small stats document.
func NewAdminRouter(hub *registry.Hub, b bus.Bus, cfg *config.Config) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := b.Ping(req.Context()); err != nil {
			http.Error(w, "bus unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		depth, err := b.ZCard(req.Context(), cfg.Notifications.PushQueueKey)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{
			ActiveUserCells: hub.Size(),
			PushQueueDepth:  depth,
		})
	})

	return r
}
