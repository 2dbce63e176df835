// Package janitor runs the periodic cleanup loops: expired messages,
// inbox overflow, expired refresh tokens, expired attachments, and stale
// backup slots. Each sweep is a named unit of work assigned to one node of
// the fleet by rendezvous hashing, so multiple nodes don't redundantly
// scan the same rows. (Dead per-user notification channels have their own
// evictor inside the registry Hub.)
package janitor

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/infra/consistent"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/backup"
	"github.com/obscura-chat/obscura-server/internal/messages"
	"github.com/obscura-chat/obscura-server/internal/store/blob"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

// Loops owns one goroutine per sweep, all sharing the same shutdown signal.
type Loops struct {
	messages    *messages.Service
	backups     *backup.Service
	tokens      *postgres.RefreshTokenRepository
	attachments *postgres.AttachmentRepository
	blobs       blob.Store

	live   *config.Live
	ring   *consistent.Ring
	nodeID string

	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
}

func New(msgs *messages.Service, backups *backup.Service, tokens *postgres.RefreshTokenRepository, attachments *postgres.AttachmentRepository, blobs blob.Store, live *config.Live, logger *slog.Logger, cfg *config.Config) *Loops {
	nodeID := cfg.Janitor.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	return &Loops{
		messages:    msgs,
		backups:     backups,
		tokens:      tokens,
		attachments: attachments,
		blobs:       blobs,
		live:        live,
		ring:        consistent.New(cfg.Janitor.Peers),
		nodeID:      nodeID,
		interval:    time.Duration(cfg.Janitor.IntervalSecs) * time.Second,
		logger:      applog.Component(logger, "janitor"),
		stopCh:      make(chan struct{}),
	}
}

// Start launches every sweep loop. The message-expiry and inbox-overflow
// loops run on the messaging cleanup interval; the rest share the janitor
// interval. Both intervals are read once here, not on each tick.
func (l *Loops) Start(ctx context.Context) {
	msgInterval := time.Duration(l.live.Get().Messaging.CleanupIntervalSecs) * time.Second
	go l.runLoop(ctx, "expired-messages", msgInterval, l.sweepExpiredMessages)
	go l.runLoop(ctx, "inbox-overflow", msgInterval, l.sweepOverflow)
	go l.runLoop(ctx, "expired-refresh-tokens", l.interval, l.sweepRefreshTokens)
	go l.runLoop(ctx, "expired-attachments", l.interval, l.sweepAttachments)
	go l.runLoop(ctx, "stale-backups", l.interval, l.sweepStaleBackups)
}

func (l *Loops) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

func (l *Loops) runLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) (int64, error)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if !l.ring.Owns(l.nodeID, name) {
				continue
			}
			n, err := sweep(ctx)
			if err != nil {
				l.logger.Warn("sweep failed", "sweep", name, "err", err)
				continue
			}
			if n > 0 {
				l.logger.Info("sweep reclaimed rows", "sweep", name, "count", n)
			}
		}
	}
}

func (l *Loops) sweepExpiredMessages(ctx context.Context) (int64, error) {
	return l.messages.DeleteExpired(ctx)
}

func (l *Loops) sweepOverflow(ctx context.Context) (int64, error) {
	return l.messages.PruneOverflow(ctx, int64(l.live.Get().Messaging.MaxInboxSize))
}

func (l *Loops) sweepRefreshTokens(ctx context.Context) (int64, error) {
	return l.tokens.DeleteExpired(ctx)
}

// sweepAttachments deletes the backing blob for every expired attachment
// before dropping its row, so a blob-delete failure leaves the row behind
// to be retried next tick instead of orphaning the object.
func (l *Loops) sweepAttachments(ctx context.Context) (int64, error) {
	ids, err := l.attachments.FetchExpired(ctx, l.live.Get().Janitor.AttachmentBatch)
	if err != nil {
		return 0, err
	}
	deletable := ids[:0]
	for _, id := range ids {
		if err := l.blobs.Delete(ctx, id.String()); err != nil {
			l.logger.Warn("attachment blob delete failed", "id", id, "err", err)
			continue
		}
		deletable = append(deletable, id)
	}
	if err := l.attachments.DeleteBatch(ctx, deletable); err != nil {
		return 0, err
	}
	return int64(len(deletable)), nil
}

func (l *Loops) sweepStaleBackups(ctx context.Context) (int64, error) {
	n, err := l.backups.SweepStale(ctx, l.live.Get().Janitor.BackupSweepLimit)
	return int64(n), err
}
