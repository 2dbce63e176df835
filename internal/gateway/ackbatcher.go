package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// ackBatcher coalesces client acks into batched delete_batch calls: it
// blocks for the first id, then collects more until either batchSize is
// reached or flushInterval elapses since that first id arrived. On input
// channel close it flushes whatever remains before returning, so a
// disconnecting client's last acks are never silently dropped.
type ackBatcher struct {
	messages messageStore
	notifier notify.Notifier
	userID   uuid.UUID
	in       <-chan uuid.UUID

	batchSize     int
	flushInterval time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newAckBatcher(msgs messageStore, notifier notify.Notifier, userID uuid.UUID, in <-chan uuid.UUID, batchSize int, flushInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *ackBatcher {
	return &ackBatcher{
		messages:      msgs,
		notifier:      notifier,
		userID:        userID,
		in:            in,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        logger,
	}
}

func (b *ackBatcher) run(ctx context.Context) {
	for {
		first, ok := <-b.in
		if !ok {
			return
		}
		batch := []uuid.UUID{first}
		timer := time.NewTimer(b.flushInterval)

	collect:
		for len(batch) < b.batchSize {
			select {
			case id, ok := <-b.in:
				if !ok {
					timer.Stop()
					b.flush(ctx, batch)
					return
				}
				batch = append(batch, id)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()
		b.flush(ctx, batch)
	}
}

func (b *ackBatcher) flush(ctx context.Context, batch []uuid.UUID) {
	if len(batch) == 0 {
		return
	}
	if err := b.messages.DeleteBatch(ctx, batch); err != nil {
		b.logger.Warn("gateway: ack batch flush failed", "err", err, "size", len(batch))
	} else if err := b.notifier.CancelPending(ctx, b.userID); err != nil {
		b.logger.Warn("gateway: cancel pending push after ack failed", "err", err)
	}
	b.metrics.WebsocketAckBatchSize.Record(ctx, int64(len(batch)))
}
