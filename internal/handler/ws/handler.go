// Package ws adapts *websocket.Conn to gateway.Conn and hosts the HTTP
// upgrade endpoint the gateway session is born from.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/gateway"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// keyCustody is the custody slice the upgrade precondition and the
// session's pre-key pump need.
type keyCustody interface {
	IdentityKey(ctx context.Context, userID uuid.UUID) (*keys.IdentityKey, error)
	CheckLow(ctx context.Context, userID uuid.UUID) (*keys.LowStatus, error)
}

// messageStore is the message-service slice a session needs.
type messageStore interface {
	FetchPending(ctx context.Context, recipientID uuid.UUID, cursor *message.Cursor, limit int64) ([]message.Message, error)
	DeleteBatch(ctx context.Context, messageIDs []uuid.UUID) error
}

// connAdapter satisfies gateway.Conn over a real *websocket.Conn.
type connAdapter struct {
	conn *websocket.Conn
}

func (c connAdapter) ReadMessage() (int, []byte, error) { return c.conn.ReadMessage() }
func (c connAdapter) WriteMessage(mt int, data []byte) error {
	return c.conn.WriteMessage(mt, data)
}
func (c connAdapter) WriteClose(code int, reason string) error {
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
func (c connAdapter) Close() error { return c.conn.Close() }

// Handler upgrades incoming HTTP connections and runs a gateway.Session for
// each one until it ends, feeding every Run call the same shutdown signal
// so a server-wide shutdown drains every open connection.
type Handler struct {
	upgrader websocket.Upgrader

	keyCustody keyCustody
	messages   messageStore
	notifier   notify.Notifier

	metrics *metrics.Metrics
	logger  *slog.Logger
	wsCfg   config.WebsocketConfig
	batchLimit int64

	shutdown chan struct{}
}

func New(kc keyCustody, msgs messageStore, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger, cfg *config.Config) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		keyCustody: kc,
		messages:   msgs,
		notifier:   notifier,
		metrics:    m,
		logger:     applog.Component(logger, "ws"),
		wsCfg:      cfg.Websocket,
		batchLimit: int64(cfg.Messaging.BatchLimit),
		shutdown:   make(chan struct{}),
	}
}

// Shutdown signals every running session to close. It never blocks; callers
// wait for in-flight sessions to finish by other means (e.g. draining the
// active-connections metric, or an fx.Lifecycle OnStop timeout).
func (h *Handler) Shutdown() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
}

// ServeHTTP upgrades the connection and runs the session inline until it
// ends. The caller identifies itself via the "user_id" query parameter;
// real authentication/authorization is out of scope for this module and is
// expected to sit in front of this handler (e.g. a reverse proxy that
// verifies the caller and sets the user_id query parameter this handler
// trusts).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "missing or invalid user_id", http.StatusBadRequest)
		return
	}

	ik, err := h.keyCustody.IdentityKey(r.Context(), userID)
	if err != nil {
		h.logger.Error("ws: identity key lookup failed", "user_id", userID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ik == nil {
		http.Error(w, "no identity key on file; key upload must run before connecting", http.StatusPreconditionFailed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", "err", err)
		return
	}

	sess := gateway.New(connAdapter{conn}, userID, h.keyCustody, h.messages, h.notifier, h.metrics, h.logger, gateway.Config{
		OutboundBufferSize: h.wsCfg.OutboundBufferSize,
		AckBufferSize:      h.wsCfg.AckBufferSize,
		AckBatchSize:       h.wsCfg.AckBatchSize,
		AckFlushInterval:   time.Duration(h.wsCfg.AckFlushIntervalMs) * time.Millisecond,
		PrekeyDebounceMs:   time.Duration(h.wsCfg.PrekeyDebounceMs) * time.Millisecond,
		BatchLimit:         h.batchLimit,
	})

	sess.Run(r.Context(), h.shutdown)
}
