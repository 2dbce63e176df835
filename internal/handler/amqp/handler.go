// Package amqp is the batched-send ingestion surface: an upstream edge
// service publishes send batches onto a topic exchange, and this consumer
// turns each submission into a stored message plus a cross-node
// notification for its recipient.
package amqp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/domain/registry"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// TopicSendBatch is the routing key send batches arrive under.
const TopicSendBatch = "delivery.v1.send_batch"

// submissionFanout bounds how many submissions of one batch are stored
// concurrently.
const submissionFanout = 8

// SendBatch is the wire shape of one ingested batch: a shared sender plus
// many per-recipient submissions.
type SendBatch struct {
	SenderID    string       `json:"sender_id"`
	Submissions []Submission `json:"submissions"`
}

type Submission struct {
	SubmissionID  string `json:"submission_id"`
	RecipientID   string `json:"recipient_id"`
	MessageType   int32  `json:"message_type"`
	ContentBase64 string `json:"content_base64"`
}

// messageCreator is the slice of the message service this handler needs.
type messageCreator interface {
	Create(ctx context.Context, senderID, recipientID uuid.UUID, messageType int32, content []byte) (*message.Message, error)
}

// Handler holds the collaborators one batch needs on its way from the
// exchange into the store and out to recipients.
type Handler struct {
	messages messageCreator
	notifier notify.Notifier

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHandler(msgs messageCreator, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		messages: msgs,
		notifier: notifier,
		metrics:  m,
		logger:   applog.Component(logger, "amqp"),
	}
}

// ProcessBatch validates, stores, and fans out every submission in batch.
// Failed submissions are recorded in the outcome and as counters; there is
// no synchronous reply channel over AMQP, so the upstream surface that
// accepted the batch is responsible for reporting failures to its caller.
func (h *Handler) ProcessBatch(ctx context.Context, batch *SendBatch) (*message.SubmissionOutcome, error) {
	senderID, err := uuid.Parse(batch.SenderID)
	if err != nil {
		return nil, apperror.BadRequest("malformed sender id")
	}

	var (
		mu      sync.Mutex
		outcome message.SubmissionOutcome
	)
	fail := func(sub Submission, code message.SubmissionErrorCode) {
		h.metrics.DeliverySubmissionRejectedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("code", code.String())))
		mu.Lock()
		outcome.Failed = append(outcome.Failed, message.FailedSubmission{
			SubmissionID: sub.SubmissionID,
			Code:         code,
		})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(submissionFanout)
	for _, sub := range batch.Submissions {
		g.Go(func() error {
			recipientID, err := uuid.Parse(sub.RecipientID)
			if err != nil {
				fail(sub, message.ErrMalformedRecipientID)
				return nil
			}
			if sub.ContentBase64 == "" {
				fail(sub, message.ErrMessageMissing)
				return nil
			}
			content, err := base64.StdEncoding.DecodeString(sub.ContentBase64)
			if err != nil {
				fail(sub, message.ErrMessageMissing)
				return nil
			}

			m, err := h.messages.Create(gctx, senderID, recipientID, sub.MessageType, content)
			if err != nil {
				if apperror.Is(err, apperror.KindNotFound) {
					fail(sub, message.ErrInvalidRecipient)
					return nil
				}
				return err
			}

			if err := h.notifier.Notify(gctx, recipientID, registry.EventMessageReceived); err != nil {
				// the message is stored; the recipient will still find it on
				// next connect, so a notify failure is not a batch failure
				h.logger.Warn("notify after store failed", "recipient_id", recipientID, "err", err)
			}

			mu.Lock()
			outcome.Created = append(outcome.Created, *m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &outcome, nil
}
