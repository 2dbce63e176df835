package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/domain/registry"
)

// InMemory is a single-process Notifier test double: subscribe/notify work
// against plain Go channels, with no Bus and no registry.Hub involved, for
// unit tests that exercise GatewaySession/KeyCustody logic in isolation.
type InMemory struct {
	mu      sync.Mutex
	subs    map[uuid.UUID][]chan registry.UserEvent
	pending map[uuid.UUID]bool
}

func NewInMemory() *InMemory {
	return &InMemory{
		subs:    make(map[uuid.UUID][]chan registry.UserEvent),
		pending: make(map[uuid.UUID]bool),
	}
}

func (m *InMemory) Subscribe(_ context.Context, userID uuid.UUID) (Subscription, error) {
	ch := make(chan registry.UserEvent, 16)
	m.mu.Lock()
	m.subs[userID] = append(m.subs[userID], ch)
	m.mu.Unlock()
	return Subscription{
		UserID: userID,
		ch:     ch,
		unsub:  func() { m.remove(userID, ch) },
	}, nil
}

func (m *InMemory) remove(userID uuid.UUID, ch chan registry.UserEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.subs[userID]
	for i, c := range chans {
		if c == ch {
			close(c)
			m.subs[userID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (m *InMemory) Notify(_ context.Context, userID uuid.UUID, ev registry.UserEvent) error {
	m.mu.Lock()
	chans := append([]chan registry.UserEvent(nil), m.subs[userID]...)
	if ev == registry.EventMessageReceived {
		m.pending[userID] = true
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (m *InMemory) CancelPending(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	delete(m.pending, userID)
	m.mu.Unlock()
	return nil
}

// HasPending reports whether a push job is still outstanding for userID,
// for tests asserting cancel_pending behavior.
func (m *InMemory) HasPending(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[userID]
}
