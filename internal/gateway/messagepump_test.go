package gateway

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/internal/domain/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeMessages(n int, start time.Time) []message.Message {
	out := make([]message.Message, n)
	for i := range out {
		out[i] = message.Message{
			ID:          uuid.New(),
			SenderID:    uuid.New(),
			MessageType: 1,
			Content:     []byte{byte(i)},
			CreatedAt:   start.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return out
}

func TestMessagePump_DeliversPagesInOrder(t *testing.T) {
	batch := makeMessages(7, time.Now())
	store := &fakeMessageStore{pages: [][]message.Message{batch[:3], batch[3:6], batch[6:]}}

	out := make(chan []byte, 32)
	signal := make(chan struct{}, 1)
	pump := newMessagePump(store, uuid.New(), out, signal, 3, testMetrics(t), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); pump.run(ctx) }()

	signal <- struct{}{}

	var got []uuid.UUID
	require.Eventually(t, func() bool {
		for {
			select {
			case raw := <-out:
				f, err := Decode(raw)
				require.NoError(t, err)
				require.Equal(t, KindEnvelope, f.Kind)
				got = append(got, f.Envelope.ID)
			default:
				return len(got) == len(batch)
			}
		}
	}, time.Second, 5*time.Millisecond)

	for i, m := range batch {
		require.Equal(t, m.ID, got[i])
	}

	cancel()
	<-done
}

// A full page means more rows may exist, so the pump keeps fetching; a
// short page parks it until the next signal.
func TestMessagePump_ShortPageStopsDrain(t *testing.T) {
	batch := makeMessages(2, time.Now())
	store := &fakeMessageStore{pages: [][]message.Message{batch}}

	out := make(chan []byte, 8)
	signal := make(chan struct{}, 1)
	pump := newMessagePump(store, uuid.New(), out, signal, 5, testMetrics(t), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); pump.run(ctx) }()

	signal <- struct{}{}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.fetches == 1
	}, time.Second, 5*time.Millisecond)

	// no further fetch without a new signal
	time.Sleep(30 * time.Millisecond)
	store.mu.Lock()
	require.Equal(t, 1, store.fetches)
	store.mu.Unlock()

	cancel()
	<-done
}

func TestMessagePump_SignalChannelCoalesces(t *testing.T) {
	signal := make(chan struct{}, 1)
	for range 10 {
		trySignal(signal)
	}
	require.Len(t, signal, 1)
}
