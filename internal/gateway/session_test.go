package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// fakeConn is an in-memory Conn: the test feeds inbound frames and
// observes writes and the close handshake.
type fakeConn struct {
	inbound chan []byte

	mu          sync.Mutex
	writes      [][]byte
	closeCode   int
	closeReason string

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return BinaryMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteClose(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *fakeConn) frames(t *testing.T) []*Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Frame, 0, len(c.writes))
	for _, w := range c.writes {
		f, err := Decode(w)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func sessionConfig() Config {
	return Config{
		OutboundBufferSize: 32,
		AckBufferSize:      32,
		AckBatchSize:       1,
		AckFlushInterval:   10 * time.Millisecond,
		BatchLimit:         10,
	}
}

func TestSession_DeliversThenDeletesOnAck(t *testing.T) {
	msg := makeMessages(1, time.Now())[0]
	store := &fakeMessageStore{pages: [][]message.Message{{msg}}}
	conn := newFakeConn()
	notifier := notify.NewInMemory()

	sess := New(conn, uuid.New(), &fakeLowChecker{}, store, notifier, testMetrics(t), testLogger(), sessionConfig())

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background(), shutdown) }()

	// the connect-time pump signal drains the pending page
	require.Eventually(t, func() bool {
		return len(conn.frames(t)) == 1
	}, time.Second, 5*time.Millisecond)

	frames := conn.frames(t)
	require.Equal(t, KindEnvelope, frames[0].Kind)
	require.Equal(t, msg.ID, frames[0].Envelope.ID)
	require.Equal(t, msg.Content, frames[0].Envelope.Message.Content)

	conn.inbound <- EncodeAck(Ack{MessageID: msg.ID.String()})

	require.Eventually(t, func() bool {
		batches := store.deletedBatches()
		return len(batches) == 1 && batches[0][0] == msg.ID
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	<-done
}

func TestSession_DisconnectEventTerminates(t *testing.T) {
	store := &fakeMessageStore{}
	conn := newFakeConn()
	notifier := notify.NewInMemory()
	userID := uuid.New()

	sess := New(conn, userID, &fakeLowChecker{}, store, notifier, testMetrics(t), testLogger(), sessionConfig())

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background(), shutdown) }()

	// wait for the subscription to land before notifying
	require.Eventually(t, func() bool {
		return notifier.Notify(context.Background(), userID, registry.EventDisconnect) == nil && sessionEnded(done)
	}, time.Second, 10*time.Millisecond)

	<-done
	code, _ := conn.closeInfo()
	require.Equal(t, CloseNormal, code)
}

func TestSession_ShutdownSendsGoingAway(t *testing.T) {
	store := &fakeMessageStore{}
	conn := newFakeConn()
	notifier := notify.NewInMemory()

	sess := New(conn, uuid.New(), &fakeLowChecker{}, store, notifier, testMetrics(t), testLogger(), sessionConfig())

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background(), shutdown) }()

	time.Sleep(20 * time.Millisecond)
	close(shutdown)
	<-done

	code, reason := conn.closeInfo()
	require.Equal(t, CloseGoingAway, code)
	require.Equal(t, "Server shutting down", reason)
}

func TestSession_EmitsPreKeyStatusOnConnect(t *testing.T) {
	store := &fakeMessageStore{}
	conn := newFakeConn()
	checker := &fakeLowChecker{results: []*keys.LowStatus{{Count: 2, MinThreshold: 10}}}

	sess := New(conn, uuid.New(), checker, store, notify.NewInMemory(), testMetrics(t), testLogger(), sessionConfig())

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background(), shutdown) }()

	require.Eventually(t, func() bool {
		frames := conn.frames(t)
		return len(frames) == 1 && frames[0].Kind == KindPreKeyStatus
	}, time.Second, 5*time.Millisecond)

	frames := conn.frames(t)
	require.Equal(t, int32(2), frames[0].PreKeyStatus.OneTimePreKeyCount)

	conn.Close()
	<-done
}

func sessionEnded(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
