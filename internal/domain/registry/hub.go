package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the external API NotificationBus's dispatcher and Subscribe
// calls depend on; it never talks to Redis itself.
type Registry interface {
	Subscribe(userID uuid.UUID) (uuid.UUID, <-chan UserEvent)
	Unsubscribe(userID, subID uuid.UUID)
	Deliver(userID uuid.UUID, ev UserEvent) bool
	IsConnected(userID uuid.UUID) bool
	Shutdown()
}

// Hub implements Registry with a virtual-cell (actor) architecture: one
// cell per user, created lazily on first subscribe and reclaimed by a
// periodic evictor once it has gone idle with no subscribers attached.
type Hub struct {
	cells sync.Map // uuid.UUID -> *cell

	mailboxSize      int
	subscriberBuffer int
	evictionInterval time.Duration
	idleTimeout      time.Duration

	logger *slog.Logger
	stopCh chan struct{}
}

// NewHub starts the eviction janitor and returns a ready Hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		mailboxSize:      1024,
		subscriberBuffer: 16,
		evictionInterval: time.Minute,
		idleTimeout:      5 * time.Minute,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.runEvictor()
	return h
}

func (h *Hub) getOrCreate(userID uuid.UUID) *cell {
	val, _ := h.cells.LoadOrStore(userID, newCell(userID, h.mailboxSize))
	return val.(*cell)
}

// IsConnected reports whether a cell currently exists for userID. A cell
// existing does not by itself mean a subscriber is attached; callers that
// care about that distinction should track it themselves.
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	_, ok := h.cells.Load(userID)
	return ok
}

// Subscribe attaches a new receiver to userID's cell, creating the cell if
// this is the first subscriber for that user.
func (h *Hub) Subscribe(userID uuid.UUID) (uuid.UUID, <-chan UserEvent) {
	return h.getOrCreate(userID).subscribe(h.subscriberBuffer)
}

// Unsubscribe detaches subID's receiver. The cell itself is reclaimed
// asynchronously by the evictor, not immediately on last-subscriber-gone.
func (h *Hub) Unsubscribe(userID, subID uuid.UUID) {
	if val, ok := h.cells.Load(userID); ok {
		val.(*cell).unsubscribe(subID)
	}
}

// Deliver hands ev to userID's cell if one exists locally. A miss means no
// subscriber for this user is attached to this process — a no-op, not an
// error, since the user may simply be connected to a different node.
func (h *Hub) Deliver(userID uuid.UUID, ev UserEvent) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	return val.(*cell).push(ev)
}

// Size reports the number of live user cells, for the admin stats surface.
func (h *Hub) Size() int {
	n := 0
	h.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *Hub) runEvictor() {
	ticker := time.NewTicker(h.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.performEviction()
		}
	}
}

func (h *Hub) performEviction() {
	reaped := 0
	h.cells.Range(func(key, value any) bool {
		c := value.(*cell)
		if c.isIdle(h.idleTimeout) {
			c.stop()
			h.cells.Delete(key)
			reaped++
		}
		return true
	})
	if reaped > 0 {
		h.logger.Debug("registry eviction reclaimed idle user cells", "count", reaped)
	}
}

// Shutdown stops the evictor and every live cell.
func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.cells.Range(func(key, value any) bool {
		value.(*cell).stop()
		return true
	})
}
