package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_DeliverReachesSubscriber(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Shutdown()

	userID := uuid.New()
	_, ch := h.Subscribe(userID)

	require.True(t, h.Deliver(userID, EventMessageReceived))
	select {
	case ev := <-ch:
		require.Equal(t, EventMessageReceived, ev)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestHub_MultipleSubscribersEachReceive(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Shutdown()

	userID := uuid.New()
	_, ch1 := h.Subscribe(userID)
	_, ch2 := h.Subscribe(userID)

	require.True(t, h.Deliver(userID, EventDisconnect))

	for _, ch := range []<-chan UserEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, EventDisconnect, ev)
		case <-time.After(time.Second):
			t.Fatal("event never delivered")
		}
	}
}

func TestHub_DeliverToUnknownUserIsNoop(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Shutdown()

	require.False(t, h.Deliver(uuid.New(), EventMessageReceived))
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Shutdown()

	userID := uuid.New()
	subID, ch := h.Subscribe(userID)
	h.Unsubscribe(userID, subID)

	_, open := <-ch
	require.False(t, open)
}

func TestHub_EvictsIdleCells(t *testing.T) {
	h := NewHub(testLogger(),
		WithEvictionInterval(10*time.Millisecond),
		WithIdleTimeout(time.Nanosecond),
	)
	defer h.Shutdown()

	userID := uuid.New()
	subID, _ := h.Subscribe(userID)
	require.True(t, h.IsConnected(userID))
	require.Equal(t, 1, h.Size())

	h.Unsubscribe(userID, subID)

	require.Eventually(t, func() bool {
		return !h.IsConnected(userID)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.Size())
}

func TestHub_SubscriberKeptCellsAreNotEvicted(t *testing.T) {
	h := NewHub(testLogger(),
		WithEvictionInterval(10*time.Millisecond),
		WithIdleTimeout(time.Nanosecond),
	)
	defer h.Shutdown()

	userID := uuid.New()
	h.Subscribe(userID)

	time.Sleep(50 * time.Millisecond)
	require.True(t, h.IsConnected(userID))
}
