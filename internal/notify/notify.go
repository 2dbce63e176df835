// Package notify is the NotificationBus: the single ingress every
// subscribe/notify/cancel_pending call goes through regardless of which
// node the recipient is connected to, bridging the shared Bus into a
// process-local registry.Hub fan-out and scheduling the durable push job
// that backs offline delivery.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/domain/registry"
)

// Notifier is the capability surface GatewaySession, KeyCustody, and the
// AMQP ingestion handler depend on.
type Notifier interface {
	// Subscribe registers the caller as a receiver of userID's events.
	// Multiple concurrent subscriptions for the same user (multi-device)
	// each get their own independent stream.
	Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error)

	// Notify publishes ev for userID across every node, and for
	// EventMessageReceived schedules a delayed push job unless the
	// subscriber is already live somewhere and acks in time.
	Notify(ctx context.Context, userID uuid.UUID, ev registry.UserEvent) error

	// CancelPending removes any pending push job for userID, called once
	// the recipient has actually drained their inbox.
	CancelPending(ctx context.Context, userID uuid.UUID) error
}

// Subscription is a live receiver returned by Subscribe. Callers must Close
// it when done to release the underlying channel.
type Subscription struct {
	UserID uuid.UUID
	ch     <-chan registry.UserEvent
	unsub  func()
}

func (s Subscription) Events() <-chan registry.UserEvent { return s.ch }

func (s Subscription) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}
