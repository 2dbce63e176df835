package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/obscura-chat/obscura-server/internal/metrics"
)

// tokenJanitor batches DeleteTokensBatch calls so a burst of Unregistered
// outcomes doesn't turn into one delete statement per token.
type tokenJanitor struct {
	tokens tokenStore

	in       chan string
	batch    int
	interval time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newTokenJanitor(tokens tokenStore, m *metrics.Metrics, logger *slog.Logger, batch int, interval time.Duration, capacity int) *tokenJanitor {
	if batch < 1 {
		batch = 1
	}
	return &tokenJanitor{
		tokens:   tokens,
		in:       make(chan string, capacity),
		batch:    batch,
		interval: interval,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// invalidate enqueues token for deletion. A full queue drops the token
// rather than block the worker that found it dead; it will be re-reported
// on the next failed delivery attempt.
func (j *tokenJanitor) invalidate(token string) {
	select {
	case j.in <- token:
	default:
		j.logger.Warn("push: token janitor queue full, dropping invalidation", "token_suffix", suffix(token))
	}
}

func (j *tokenJanitor) run(ctx context.Context) {
	defer close(j.doneCh)

	var pending []string
	timer := time.NewTimer(j.interval)
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := j.tokens.DeleteTokensBatch(ctx, pending); err != nil {
			j.logger.Warn("push: token batch delete failed", "err", err, "count", len(pending))
		} else {
			j.metrics.PushInvalidatedTokensTotal.Add(ctx, int64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-j.stopCh:
			flush()
			return
		case token, ok := <-j.in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, token)
			if len(pending) >= j.batch {
				flush()
				timer.Reset(j.interval)
			}
		case <-timer.C:
			flush()
			timer.Reset(j.interval)
		}
	}
}

func (j *tokenJanitor) stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
	<-j.doneCh
}

func suffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
