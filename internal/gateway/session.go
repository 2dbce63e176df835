package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// messageStore is the slice of the message service the session and its
// pumps depend on, kept narrow so tests can drive them with a fake.
type messageStore interface {
	FetchPending(ctx context.Context, recipientID uuid.UUID, cursor *message.Cursor, limit int64) ([]message.Message, error)
	DeleteBatch(ctx context.Context, messageIDs []uuid.UUID) error
}

// lowChecker is the slice of key custody the session and pre-key pump need.
type lowChecker interface {
	CheckLow(ctx context.Context, userID uuid.UUID) (*keys.LowStatus, error)
}

// Wire message type constants, matching gorilla/websocket's own so the
// handler/ws adapter can pass them straight through without translation.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8

	CloseGoingAway  = 1001
	CloseNormal     = 1000
	CloseUnexpected = 1011
)

// Conn is the subset of *websocket.Conn GatewaySession needs, kept narrow
// so tests can drive a Session without a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

// Config is the subset of websocket/messaging config a Session needs.
type Config struct {
	OutboundBufferSize int
	AckBufferSize      int
	AckBatchSize       int
	AckFlushInterval   time.Duration
	PrekeyDebounceMs   time.Duration
	BatchLimit         int64
}

// Session is the GatewaySession state machine for one connected user: it
// owns the message pump, ack batcher, and pre-key-low pump for the
// duration of a single WebSocket connection, and tears all three down when
// the connection closes or the server asks it to shut down.
type Session struct {
	conn   Conn
	userID uuid.UUID

	keyCustody lowChecker
	messages   messageStore
	notifier   notify.Notifier

	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

func New(conn Conn, userID uuid.UUID, kc lowChecker, msgs messageStore, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Session {
	return &Session{
		conn:       conn,
		userID:     userID,
		keyCustody: kc,
		messages:   msgs,
		notifier:   notifier,
		metrics:    m,
		logger:     applog.Component(logger, "gateway"),
		cfg:        cfg,
	}
}

// Run drives the session until the connection closes, an unrecoverable
// read/write error occurs, or shutdown is closed. It always returns once
// the connection is done with; callers should not call Run twice for the
// same Session.
func (s *Session) Run(ctx context.Context, shutdown <-chan struct{}) {
	sub, err := s.notifier.Subscribe(ctx, s.userID)
	if err != nil {
		s.logger.Error("gateway: subscribe failed", "user_id", s.userID, "err", err)
		return
	}
	defer sub.Close()

	s.metrics.WebsocketActiveConnections.Add(ctx, 1)
	defer s.metrics.WebsocketActiveConnections.Add(ctx, -1)

	outboundCh := make(chan []byte, s.cfg.OutboundBufferSize)
	ackCh := make(chan uuid.UUID, s.cfg.AckBufferSize)

	// a live connection supersedes any pending push fallback
	if err := s.notifier.CancelPending(ctx, s.userID); err != nil {
		s.logger.Warn("gateway: cancel pending push on connect failed", "user_id", s.userID, "err", err)
	}

	ackBatcher := newAckBatcher(s.messages, s.notifier, s.userID, ackCh, s.cfg.AckBatchSize, s.cfg.AckFlushInterval, s.metrics, s.logger)

	pumpSignal := make(chan struct{}, 1)
	pump := newMessagePump(s.messages, s.userID, outboundCh, pumpSignal, s.cfg.BatchLimit, s.metrics, s.logger)

	var prekeyPump *preKeyPump
	var prekeySignal chan struct{}
	if s.cfg.PrekeyDebounceMs > 0 {
		prekeySignal = make(chan struct{}, 1)
		prekeyPump = newPreKeyPump(s.keyCustody, s.userID, outboundCh, prekeySignal, s.cfg.PrekeyDebounceMs, s.logger)
	}

	pumpCtx, cancelPumps := context.WithCancel(ctx)

	var batcherWG, pumpWG sync.WaitGroup
	batcherWG.Add(1)
	go func() { defer batcherWG.Done(); ackBatcher.run(ctx) }()
	pumpWG.Add(1)
	go func() { defer pumpWG.Done(); pump.run(pumpCtx) }()
	if prekeyPump != nil {
		pumpWG.Add(1)
		go func() { defer pumpWG.Done(); prekeyPump.run(pumpCtx) }()
	}

	if status, err := s.keyCustody.CheckLow(ctx, s.userID); err == nil && status != nil {
		select {
		case outboundCh <- EncodePreKeyStatus(PreKeyStatus{OneTimePreKeyCount: int32(status.Count), MinThreshold: int32(status.MinThreshold)}):
		default:
		}
	}
	trySignal(pumpSignal)

	inboundCh := make(chan []byte, 16)
	go s.readLoop(inboundCh)

	// teardown order matters: closing ackCh first lets the batcher flush a
	// disconnecting client's last acks under a still-live context, and only
	// then are the pumps canceled
	defer func() {
		close(ackCh)
		batcherWG.Wait()
		cancelPumps()
		s.conn.Close()
		pumpWG.Wait()
	}()

	s.loop(ctx, shutdown, inboundCh, outboundCh, ackCh, sub, pumpSignal, prekeySignal)
}

// loop runs the session's biased-priority select: shutdown beats inbound
// frames, which beat outbound delivery, which beats cross-node user
// events, so a shutting-down node never starts a fresh delivery pass and a
// connection with pending outbound work never starves it to read one more
// (largely redundant) ack.
func (s *Session) loop(ctx context.Context, shutdown <-chan struct{}, inboundCh <-chan []byte, outboundCh chan []byte, ackCh chan<- uuid.UUID, sub notify.Subscription, pumpSignal, prekeySignal chan<- struct{}) {
	for {
		select {
		case <-shutdown:
			s.conn.WriteClose(CloseGoingAway, "Server shutting down")
			return
		default:
		}

		select {
		case data, ok := <-inboundCh:
			if !ok {
				return
			}
			s.handleInbound(data, ackCh)
			continue
		default:
		}

		select {
		case out, ok := <-outboundCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(BinaryMessage, out); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-shutdown:
			s.conn.WriteClose(CloseGoingAway, "Server shutting down")
			return
		case data, ok := <-inboundCh:
			if !ok {
				return
			}
			s.handleInbound(data, ackCh)
		case out, ok := <-outboundCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(BinaryMessage, out); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !s.handleUserEvent(ev, pumpSignal, prekeySignal) {
				s.conn.WriteClose(CloseNormal, "session superseded")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop feeds every binary frame from the underlying connection into
// out, closing it when the connection errors or the peer closes.
func (s *Session) readLoop(out chan<- []byte) {
	defer close(out)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case BinaryMessage:
			out <- data
		case TextMessage:
			s.logger.Warn("gateway: ignoring unexpected text frame")
		default:
			// control frames are handled by the transport layer
		}
	}
}

func (s *Session) handleInbound(data []byte, ackCh chan<- uuid.UUID) {
	f, err := Decode(data)
	if err != nil {
		s.logger.Warn("gateway: dropping malformed frame", "err", err)
		return
	}
	if f.Kind != KindAck {
		s.logger.Warn("gateway: dropping unexpected client frame kind", "kind", f.Kind)
		return
	}
	id, err := uuid.Parse(f.Ack.MessageID)
	if err != nil {
		s.logger.Warn("gateway: dropping ack with invalid message id", "raw", f.Ack.MessageID)
		return
	}
	select {
	case ackCh <- id:
	default:
		s.metrics.WebsocketAckQueueDroppedTotal.Add(context.Background(), 1)
	}
}

// handleUserEvent applies ev to the session, returning false if the
// session should now terminate (a takeover elsewhere disconnected it).
func (s *Session) handleUserEvent(ev registry.UserEvent, pumpSignal, prekeySignal chan<- struct{}) bool {
	switch ev {
	case registry.EventDisconnect:
		return false
	case registry.EventMessageReceived:
		trySignal(pumpSignal)
		return true
	case registry.EventPreKeyConsumed:
		if prekeySignal != nil {
			trySignal(prekeySignal)
		}
		return true
	default:
		return true
	}
}

func trySignal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
