package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/store/bus"
)

// NotificationBus is the Bus-backed Notifier used in production. Every
// Notify call publishes on the shared Bus even when the recipient turns
// out to be connected to this same node, so a single code path covers both
// the local and cross-node case.
type NotificationBus struct {
	bus      bus.Bus
	registry registry.Registry

	logger  *slog.Logger
	metrics *metrics.Metrics

	channelPrefix string
	pushQueueKey  string
	pushDelay     time.Duration

	stopCh chan struct{}
}

func New(b bus.Bus, reg registry.Registry, logger *slog.Logger, m *metrics.Metrics, cfg *config.Config) *NotificationBus {
	return &NotificationBus{
		bus:           b,
		registry:      reg,
		logger:        applog.Component(logger, "notify"),
		metrics:       m,
		channelPrefix: cfg.Notifications.ChannelPrefix,
		pushQueueKey:  cfg.Notifications.PushQueueKey,
		pushDelay:     time.Duration(cfg.Notifications.PushDelaySecs) * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// StartDispatcher subscribes to every per-user channel this node could ever
// receive on and bridges each delivery into the local registry. This is
// the single consumer of the Bus pattern subscription; there is exactly
// one of these per process regardless of how many sessions it hosts.
func (n *NotificationBus) StartDispatcher(ctx context.Context) error {
	ch, err := n.bus.Subscribe(ctx, n.channelPrefix+"*")
	if err != nil {
		return apperror.Internal("notify: subscribe to pattern failed", err)
	}
	go n.runDispatcher(ch)
	return nil
}

func (n *NotificationBus) runDispatcher(ch <-chan bus.Message) {
	for {
		select {
		case <-n.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.handle(msg)
		}
	}
}

func (n *NotificationBus) handle(msg bus.Message) {
	userIDStr := strings.TrimPrefix(msg.Channel, n.channelPrefix)
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		n.logger.Warn("notify: dropping delivery on malformed channel", "channel", msg.Channel)
		return
	}
	if len(msg.Payload) != 1 {
		n.logger.Warn("notify: dropping delivery with malformed payload", "channel", msg.Channel)
		return
	}
	n.registry.Deliver(userID, registry.UserEvent(msg.Payload[0]))
}

func (n *NotificationBus) Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	id, ch := n.registry.Subscribe(userID)
	return Subscription{
		UserID: userID,
		ch:     ch,
		unsub:  func() { n.registry.Unsubscribe(userID, id) },
	}, nil
}

func (n *NotificationBus) Notify(ctx context.Context, userID uuid.UUID, ev registry.UserEvent) error {
	channel := n.channelPrefix + userID.String()
	if err := n.bus.Publish(ctx, channel, []byte{byte(ev)}); err != nil {
		return apperror.Internal("notify: publish failed", err)
	}
	if ev != registry.EventMessageReceived {
		return nil
	}
	due := float64(time.Now().Add(n.pushDelay).Unix())
	if _, err := n.bus.ZAddNX(ctx, n.pushQueueKey, userID.String(), due); err != nil {
		n.logger.Warn("notify: failed to schedule push job", "user_id", userID, "err", err)
	}
	return nil
}

func (n *NotificationBus) CancelPending(ctx context.Context, userID uuid.UUID) error {
	if _, err := n.bus.ZRem(ctx, n.pushQueueKey, userID.String()); err != nil {
		return apperror.Internal("notify: cancel pending push failed", err)
	}
	return nil
}

// Stop terminates the dispatcher goroutine. The registry itself is shut
// down separately, since it may outlive NotificationBus in tests.
func (n *NotificationBus) Stop() {
	close(n.stopCh)
}
