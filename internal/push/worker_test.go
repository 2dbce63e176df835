package push

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

const testQueue = "test:push:queue"

type fakeTokens struct {
	mu      sync.Mutex
	tokens  map[uuid.UUID][]string
	deleted []string
}

func (f *fakeTokens) FindTokensForUsers(_ context.Context, userIDs []uuid.UUID) ([]postgres.UserToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []postgres.UserToken
	for _, id := range userIDs {
		for _, tok := range f.tokens[id] {
			out = append(out, postgres.UserToken{UserID: id, Token: tok})
		}
	}
	return out, nil
}

func (f *fakeTokens) DeleteTokensBatch(_ context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, tokens...)
	return nil
}

func (f *fakeTokens) deletedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type scriptedProvider struct {
	mu       sync.Mutex
	outcome  Outcome
	attempts int
}

func (p *scriptedProvider) Send(_ context.Context, _ string) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.outcome, nil
}

func (p *scriptedProvider) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func newTestWorker(t *testing.T, b bus.Bus, tokens tokenStore, provider Provider) *Worker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := metrics.New(metrics.NewProvider())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Notifications.PushQueueKey = testQueue
	cfg.Push.WorkerIntervalSecs = 1
	cfg.Push.VisibilityTimeoutSecs = 30
	cfg.Push.WorkerConcurrency = 4
	cfg.Push.PollLimit = 10
	cfg.Push.JanitorBatchSize = 100
	cfg.Push.JanitorIntervalSecs = 1
	cfg.Push.JanitorChannelCapacity = 16

	return New(b, tokens, provider, m, logger, cfg)
}

func schedule(t *testing.T, b bus.Bus, userID uuid.UUID) {
	t.Helper()
	added, err := b.ZAddNX(context.Background(), testQueue, userID.String(), float64(time.Now().Add(-time.Second).Unix()))
	require.NoError(t, err)
	require.True(t, added)
}

func queueDepth(t *testing.T, b bus.Bus) int64 {
	t.Helper()
	n, err := b.ZCard(context.Background(), testQueue)
	require.NoError(t, err)
	return n
}

func TestWorker_SuccessfulDispatchClearsJob(t *testing.T) {
	b := bus.NewInMemory(16)
	userID := uuid.New()
	tokens := &fakeTokens{tokens: map[uuid.UUID][]string{userID: {"tok-1"}}}
	provider := &scriptedProvider{outcome: OutcomeOK}
	w := newTestWorker(t, b, tokens, provider)

	schedule(t, b, userID)
	w.poll(context.Background())

	require.Eventually(t, func() bool {
		return provider.attemptCount() == 1 && queueDepth(t, b) == 0
	}, time.Second, 5*time.Millisecond)
}

// A leased-but-failed job stays in the queue with a future score, so it
// resurfaces only after the lease expires and never double-fires within it.
func TestWorker_QuotaExceededLeavesJobLeased(t *testing.T) {
	b := bus.NewInMemory(16)
	userID := uuid.New()
	tokens := &fakeTokens{tokens: map[uuid.UUID][]string{userID: {"tok-1"}}}
	provider := &scriptedProvider{outcome: OutcomeQuotaExceeded}
	w := newTestWorker(t, b, tokens, provider)

	schedule(t, b, userID)
	w.poll(context.Background())

	require.Eventually(t, func() bool { return provider.attemptCount() == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, queueDepth(t, b))

	// still leased: a second poll inside the visibility window sees nothing
	w.poll(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, provider.attemptCount())
}

func TestWorker_UnregisteredTokenGoesToJanitor(t *testing.T) {
	b := bus.NewInMemory(16)
	userID := uuid.New()
	tokens := &fakeTokens{tokens: map[uuid.UUID][]string{userID: {"dead-token"}}}
	provider := &scriptedProvider{outcome: OutcomeUnregistered}
	w := newTestWorker(t, b, tokens, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.janitor.run(ctx)

	schedule(t, b, userID)
	w.poll(ctx)

	require.Eventually(t, func() bool {
		return provider.attemptCount() == 1 && queueDepth(t, b) == 0
	}, time.Second, 5*time.Millisecond)

	w.janitor.stop()
	require.Equal(t, []string{"dead-token"}, tokens.deletedTokens())
}

// With every permit taken, the tick leases nothing at all: the job's
// visibility clock must not start before a dispatch slot is free.
func TestWorker_SkipsTickWhenNoPermitsAvailable(t *testing.T) {
	b := bus.NewInMemory(16)
	userID := uuid.New()
	tokens := &fakeTokens{tokens: map[uuid.UUID][]string{userID: {"tok-1"}}}
	provider := &scriptedProvider{outcome: OutcomeOK}
	w := newTestWorker(t, b, tokens, provider)

	require.True(t, w.sem.TryAcquire(w.concurrency))
	defer w.sem.Release(w.concurrency)

	schedule(t, b, userID)
	w.poll(context.Background())

	// the job is still due, untouched by any lease
	leased, err := b.LeaseDueJobs(context.Background(), testQueue, float64(time.Now().Unix()), 30, 10)
	require.NoError(t, err)
	require.Equal(t, []string{userID.String()}, leased)
	require.Zero(t, provider.attemptCount())
}

// A scheduled job for a user with no registered devices is dropped rather
// than left to fire every lease interval forever.
func TestWorker_NoTokensClearsJob(t *testing.T) {
	b := bus.NewInMemory(16)
	userID := uuid.New()
	tokens := &fakeTokens{tokens: map[uuid.UUID][]string{}}
	provider := &scriptedProvider{outcome: OutcomeOK}
	w := newTestWorker(t, b, tokens, provider)

	schedule(t, b, userID)
	w.poll(context.Background())

	require.Eventually(t, func() bool { return queueDepth(t, b) == 0 }, time.Second, 5*time.Millisecond)
	require.Zero(t, provider.attemptCount())
}
