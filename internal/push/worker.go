// Package push runs the durable push-notification worker: it leases due
// jobs off the Bus's delayed queue, fans each out to every device token on
// file for that user through a circuit-broken Provider, and batches
// invalidated-token cleanup through a janitor loop.
package push

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

// tokenStore is the RelationalStore slice the worker and its janitor
// depend on, satisfied by *postgres.PushTokenRepository in production.
type tokenStore interface {
	FindTokensForUsers(ctx context.Context, userIDs []uuid.UUID) ([]postgres.UserToken, error)
	DeleteTokensBatch(ctx context.Context, tokens []string) error
}

// Worker is the PushWorker component: one instance per process, polling
// the shared queue so only one node ends up delivering each job regardless
// of how many nodes are running.
type Worker struct {
	bus      bus.Bus
	tokens   tokenStore
	provider Provider
	breaker  *gobreaker.CircuitBreaker

	sem           *semaphore.Weighted
	concurrency   int64
	inFlight      atomic.Int64
	queueKey      string
	visibility    time.Duration
	pollInterval  time.Duration
	pollLimit     int64

	janitor *tokenJanitor

	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(b bus.Bus, tokens tokenStore, provider Provider, m *metrics.Metrics, logger *slog.Logger, cfg *config.Config) *Worker {
	concurrency := int64(cfg.Push.WorkerConcurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	log := applog.Component(logger, "push")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-provider",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 10
		},
	})

	return &Worker{
		bus:          b,
		tokens:       tokens,
		provider:     provider,
		breaker:      breaker,
		sem:          semaphore.NewWeighted(concurrency),
		concurrency:  concurrency,
		queueKey:     cfg.Notifications.PushQueueKey,
		visibility:   time.Duration(cfg.Push.VisibilityTimeoutSecs) * time.Second,
		pollInterval: time.Duration(cfg.Push.WorkerIntervalSecs) * time.Second,
		pollLimit:    int64(cfg.Push.PollLimit),
		janitor:      newTokenJanitor(tokens, m, log, cfg.Push.JanitorBatchSize, time.Duration(cfg.Push.JanitorIntervalSecs)*time.Second, cfg.Push.JanitorChannelCapacity),
		metrics:      m,
		logger:       log,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run polls the queue on an interval until ctx is done or Stop is called.
// It blocks; callers run it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	go w.janitor.run(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.janitor.stop()
			return
		case <-w.stopCh:
			w.janitor.stop()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Worker) poll(ctx context.Context) {
	// claim permits before leasing: a lease starts the job's visibility
	// clock, so never lease more jobs than can be dispatched right now,
	// and skip the tick entirely when no permit is free
	permits := int64(0)
	for permits < w.pollLimit && w.sem.TryAcquire(1) {
		permits++
	}
	if permits == 0 {
		return
	}

	now := float64(time.Now().Unix())
	ids, err := w.bus.LeaseDueJobs(ctx, w.queueKey, now, w.visibility.Seconds(), permits)
	if err != nil {
		w.logger.Warn("push: lease failed", "err", err)
		w.sem.Release(permits)
		return
	}

	if unused := permits - int64(len(ids)); unused > 0 {
		w.sem.Release(unused)
	}

	for _, raw := range ids {
		userID, err := uuid.Parse(raw)
		if err != nil {
			w.logger.Warn("push: dropping malformed job member", "raw", raw)
			w.sem.Release(1)
			continue
		}
		w.inFlight.Add(1)
		go func(id uuid.UUID) {
			defer w.sem.Release(1)
			defer w.inFlight.Add(-1)
			w.deliver(ctx, id)
		}(userID)
	}
}

func (w *Worker) deliver(ctx context.Context, userID uuid.UUID) {
	tokens, err := w.tokens.FindTokensForUsers(ctx, []uuid.UUID{userID})
	if err != nil {
		w.logger.Warn("push: token lookup failed", "user_id", userID, "err", err)
		return
	}
	if len(tokens) == 0 {
		// nobody to deliver to, clear the job so it doesn't keep firing
		if _, err := w.bus.ZRem(ctx, w.queueKey, userID.String()); err != nil {
			w.logger.Warn("push: zrem failed", "user_id", userID, "err", err)
		}
		return
	}

	// OK and Unregistered are terminal for the job; any retryable outcome
	// leaves the lease in place so the job resurfaces when it expires
	retry := false
	for _, t := range tokens {
		outcome, err := w.send(ctx, t.Token)
		if err != nil {
			w.metrics.PushErrorsTotal.Add(ctx, 1)
			retry = true
			continue
		}
		switch outcome {
		case OutcomeOK:
			w.metrics.PushSentTotal.Add(ctx, 1)
		case OutcomeUnregistered:
			w.janitor.invalidate(t.Token)
		case OutcomeQuotaExceeded, OutcomeOther:
			w.metrics.PushErrorsTotal.Add(ctx, 1)
			retry = true
		}
	}

	if !retry {
		if _, err := w.bus.ZRem(ctx, w.queueKey, userID.String()); err != nil {
			w.logger.Warn("push: zrem after delivery failed", "user_id", userID, "err", err)
		}
	}
}

func (w *Worker) send(ctx context.Context, token string) (Outcome, error) {
	result, err := w.breaker.Execute(func() (interface{}, error) {
		outcome, sendErr := w.provider.Send(ctx, token)
		if sendErr != nil {
			return nil, sendErr
		}
		return outcome, nil
	})
	if err != nil {
		return OutcomeOther, err
	}
	return result.(Outcome), nil
}
