package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// lpPollTimeout bounds how long a poll request is held open waiting for a
// delivery notification before answering 204.
const lpPollTimeout = 30 * time.Second

// lpDrainLimit caps how many messages one poll response carries.
const lpDrainLimit = 50

// messageStore is the message-service slice the long-poll surface needs.
type messageStore interface {
	FetchPending(ctx context.Context, recipientID uuid.UUID, cursor *message.Cursor, limit int64) ([]message.Message, error)
	DeleteBatch(ctx context.Context, messageIDs []uuid.UUID) error
}

// lpHandler is the long-polling fallback for clients that cannot hold a
// WebSocket: GET holds the request until something is pending (or times
// out), POST acks what was delivered. At-least-once semantics are the
// same as the gateway's; only the transport differs.
type lpHandler struct {
	messages messageStore
	notifier notify.Notifier
}

type lpMessage struct {
	ID            string `json:"id"`
	SourceUserID  string `json:"source_user_id"`
	TimestampMs   uint64 `json:"timestamp_ms"`
	MessageType   int32  `json:"message_type"`
	ContentBase64 string `json:"content_base64"`
}

type lpResponse struct {
	Messages []lpMessage `json:"messages"`
}

func toLPMessage(m message.Message) lpMessage {
	return lpMessage{
		ID:            m.ID.String(),
		SourceUserID:  m.SenderID.String(),
		TimestampMs:   uint64(m.CreatedAt.UnixMilli()),
		MessageType:   m.MessageType,
		ContentBase64: base64.StdEncoding.EncodeToString(m.Content),
	}
}

// poll answers immediately when messages are already pending; otherwise it
// subscribes the request to the caller's notification stream and waits for
// one delivery signal or the timeout.
func (h *lpHandler) poll(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// subscribe before the first fetch so a message created between the
	// fetch and the wait still wakes this request
	sub, err := h.notifier.Subscribe(r.Context(), userID)
	if err != nil {
		writeError(w, apperror.Internal("subscribe failed", err))
		return
	}
	defer sub.Close()

	if done := h.respondIfPending(w, r, userID); done {
		return
	}

	timeout := time.NewTimer(lpPollTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if ev != registry.EventMessageReceived {
				continue
			}
			if done := h.respondIfPending(w, r, userID); done {
				return
			}
		}
	}
}

func (h *lpHandler) respondIfPending(w http.ResponseWriter, r *http.Request, userID uuid.UUID) bool {
	msgs, err := h.messages.FetchPending(r.Context(), userID, nil, lpDrainLimit)
	if err != nil {
		writeError(w, err)
		return true
	}
	if len(msgs) == 0 {
		return false
	}

	resp := lpResponse{Messages: make([]lpMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toLPMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
	return true
}

type ackRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// ack deletes the delivered messages and cancels any pending push, the
// same pair of effects a WS ack batch flush has.
func (h *lpHandler) ack(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body ackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperror.BadRequest("malformed ack body"))
		return
	}

	ids := make([]uuid.UUID, 0, len(body.MessageIDs))
	for _, raw := range body.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, apperror.BadRequest("malformed message id: "+raw))
			return
		}
		ids = append(ids, id)
	}

	if err := h.messages.DeleteBatch(r.Context(), ids); err != nil {
		writeError(w, err)
		return
	}
	if err := h.notifier.CancelPending(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
