package gateway

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/metrics"
)

// messagePump streams pending messages to the outbound channel whenever
// signaled. signal is a capacity-1 channel: sends coalesce, so a burst of
// "new message" notifications while a fetch is already underway collapses
// into one extra pass instead of queuing up a backlog.
type messagePump struct {
	messages messageStore
	userID   uuid.UUID

	out    chan<- []byte
	signal <-chan struct{}

	batchLimit int64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newMessagePump(msgs messageStore, userID uuid.UUID, out chan<- []byte, signal <-chan struct{}, batchLimit int64, m *metrics.Metrics, logger *slog.Logger) *messagePump {
	return &messagePump{
		messages:   msgs,
		userID:     userID,
		out:        out,
		signal:     signal,
		batchLimit: batchLimit,
		metrics:    m,
		logger:     logger,
	}
}

func (p *messagePump) run(ctx context.Context) {
	var cursor *message.Cursor
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.signal:
			if !ok {
				return
			}
		}
		p.drain(ctx, &cursor)
	}
}

// drain fetches and streams pages until the inbox is exhausted, the
// outbound channel is full, or a fetch fails. A short (non-full) page ends
// the drain: the next signal (a new arrival, or the client reconnecting)
// will resume it.
func (p *messagePump) drain(ctx context.Context, cursor **message.Cursor) {
	for {
		msgs, err := p.messages.FetchPending(ctx, p.userID, *cursor, p.batchLimit)
		if err != nil {
			p.logger.Warn("gateway: message pump fetch failed", "err", err)
			return
		}
		if len(msgs) == 0 {
			return
		}

		last := msgs[len(msgs)-1]
		*cursor = &message.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}

		for _, m := range msgs {
			env := Envelope{
				ID:           m.ID,
				SourceUserID: m.SenderID,
				TimestampMs:  uint64(m.CreatedAt.UnixMilli()),
				Message:      EncryptedMessage{Type: m.MessageType, Content: m.Content},
			}
			select {
			case p.out <- EncodeEnvelope(env):
			default:
				p.metrics.WebsocketOutboundDroppedTotal.Add(ctx, 1)
				return
			}
		}

		if int64(len(msgs)) < p.batchLimit {
			return
		}
	}
}
