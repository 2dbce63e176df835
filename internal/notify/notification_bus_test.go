package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
)

const testQueueKey = "test:push:queue"

func newTestBus(t *testing.T) (*NotificationBus, *bus.InMemory, *registry.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := metrics.New(metrics.NewProvider())
	require.NoError(t, err)

	b := bus.NewInMemory(16)
	hub := registry.NewHub(logger)
	t.Cleanup(hub.Shutdown)

	cfg := &config.Config{}
	cfg.Notifications.ChannelPrefix = "test:user:"
	cfg.Notifications.PushQueueKey = testQueueKey
	cfg.Notifications.PushDelaySecs = 1
	cfg.Notifications.ChannelCapacity = 16

	n := New(b, hub, logger, m, cfg)
	require.NoError(t, n.StartDispatcher(context.Background()))
	t.Cleanup(n.Stop)
	return n, b, hub
}

// Notify must route through the Bus and back in via the dispatcher even
// when sender and receiver share a process, so the cross-node and local
// paths are one and the same.
func TestNotify_ReachesLocalSubscriberThroughBus(t *testing.T) {
	n, _, _ := newTestBus(t)
	userID := uuid.New()

	sub, err := n.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, n.Notify(context.Background(), userID, registry.EventMessageReceived))

	select {
	case ev := <-sub.Events():
		require.Equal(t, registry.EventMessageReceived, ev)
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestNotify_MessageReceivedSchedulesOnePushJob(t *testing.T) {
	n, b, _ := newTestBus(t)
	userID := uuid.New()

	for range 5 {
		require.NoError(t, n.Notify(context.Background(), userID, registry.EventMessageReceived))
	}

	depth, err := b.ZCard(context.Background(), testQueueKey)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestNotify_DisconnectDoesNotSchedulePush(t *testing.T) {
	n, b, _ := newTestBus(t)

	require.NoError(t, n.Notify(context.Background(), uuid.New(), registry.EventDisconnect))

	depth, err := b.ZCard(context.Background(), testQueueKey)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestCancelPending_RemovesScheduledJob(t *testing.T) {
	n, b, _ := newTestBus(t)
	userID := uuid.New()

	require.NoError(t, n.Notify(context.Background(), userID, registry.EventMessageReceived))
	require.NoError(t, n.CancelPending(context.Background(), userID))

	depth, err := b.ZCard(context.Background(), testQueueKey)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestNotify_MultiDeviceSubscribersEachReceive(t *testing.T) {
	n, _, _ := newTestBus(t)
	userID := uuid.New()

	sub1, err := n.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := n.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	defer sub2.Close()

	require.NoError(t, n.Notify(context.Background(), userID, registry.EventDisconnect))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			require.Equal(t, registry.EventDisconnect, ev)
		case <-time.After(time.Second):
			t.Fatal("event never dispatched")
		}
	}
}
