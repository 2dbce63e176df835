package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscriber is one receiver of a user's broadcast events, keyed so that
// multiple sessions for the same user (multi-device) each get an
// independent channel instead of racing over a single one.
type subscriber struct {
	id uuid.UUID
	ch chan UserEvent
}

// cell implements the per-user delivery actor: a mailbox decouples the
// single process-wide dispatcher goroutine (Deliver) from fan-out to each
// subscriber, so one slow subscriber can never stall delivery for anyone else.
type cell struct {
	userID uuid.UUID

	// mailbox is the shock absorber between the dispatcher and delivery:
	// it prevents a slow subscriber's backpressure from propagating back
	// to the Redis-fed dispatcher goroutine.
	mailbox chan UserEvent

	mu   sync.RWMutex
	subs []subscriber

	doneCh           chan struct{}
	lastActivityUnix int64
}

func newCell(userID uuid.UUID, mailboxSize int) *cell {
	c := &cell{
		userID:           userID,
		mailbox:          make(chan UserEvent, mailboxSize),
		doneCh:           make(chan struct{}),
		lastActivityUnix: time.Now().Unix(),
	}
	go c.loop()
	return c
}

func (c *cell) touch() {
	atomic.StoreInt64(&c.lastActivityUnix, time.Now().Unix())
}

// isIdle reports whether this cell can be reclaimed: no live subscribers
// and no activity within timeout.
func (c *cell) isIdle(timeout time.Duration) bool {
	c.mu.RLock()
	hasSubs := len(c.subs) > 0
	c.mu.RUnlock()
	if hasSubs {
		return false
	}
	last := time.Unix(atomic.LoadInt64(&c.lastActivityUnix), 0)
	return time.Since(last) > timeout
}

// push enqueues ev for fan-out without ever blocking the caller: a full
// mailbox means this user's cell is already backed up, so the event is
// dropped rather than stalling the dispatcher goroutine for every user.
func (c *cell) push(ev UserEvent) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *cell) subscribe(bufferSize int) (uuid.UUID, <-chan UserEvent) {
	id := uuid.New()
	ch := make(chan UserEvent, bufferSize)
	c.mu.Lock()
	c.subs = append(c.subs, subscriber{id: id, ch: ch})
	c.mu.Unlock()
	c.touch()
	return id, ch
}

func (c *cell) unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	for i, s := range c.subs {
		if s.id == id {
			close(s.ch)
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.touch()
}

func (c *cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			// Once awakened, drain whatever else piled up before going back
			// to select, so a burst of notifications coalesces into one
			// pass over the subscriber list instead of re-entering select
			// per event.
			c.deliver(ev)
			for range 64 {
				select {
				case next := <-c.mailbox:
					c.deliver(next)
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

// deliver broadcasts ev to every live subscriber, non-blocking.
func (c *cell) deliver(ev UserEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: it still wakes on whichever event arrives next.
		}
	}
}

func (c *cell) stop() {
	close(c.doneCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		close(s.ch)
	}
	c.subs = nil
}
