package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/messages"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		func(s *messages.Service) messageCreator { return s },
		NewHandler,
		NewSubscriber,
		NewRouter,
	),
	fx.Invoke(registerHandlers),
)

// NewSubscriber builds the durable topic-exchange subscriber. Each node
// gets its own queue so every instance sees the batch stream; submissions
// are stored exactly once because only the node that consumed a given
// message writes its submissions.
func NewSubscriber(cfg *config.Config, logger *slog.Logger) (message.Subscriber, error) {
	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = watermill.NewShortUUID()
	}

	amqpCfg := wamqp.NewDurablePubSubConfig(
		cfg.AMQP.URL,
		func(topic string) string { return cfg.AMQP.QueuePrefix + topic + "." + nodeID },
	)
	amqpCfg.Exchange.GenerateName = func(string) string { return cfg.AMQP.Exchange }
	amqpCfg.Exchange.Type = "topic"
	amqpCfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }

	return wamqp.NewSubscriber(amqpCfg, watermill.NewSlogLogger(logger))
}

func NewRouter(logger *slog.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.CorrelationID, middleware.Recoverer)
	return router, nil
}

func registerHandlers(
	lc fx.Lifecycle,
	router *message.Router,
	sub message.Subscriber,
	h *Handler,
	logger *slog.Logger,
) {
	router.AddNoPublisherHandler(
		"send_batch_executor",
		TopicSendBatch,
		sub,
		bind(h.logger, func(msg *message.Message, batch *SendBatch) error {
			outcome, err := h.ProcessBatch(msg.Context(), batch)
			if err != nil {
				if apperror.Is(err, apperror.KindBadRequest) {
					// ack: a batch this malformed is terminal, not retryable
					h.logger.Error("dropping unprocessable batch", "msg_id", msg.UUID, "err", err)
					return nil
				}
				return fmt.Errorf("process send batch %s: %w", msg.UUID, err)
			}
			if len(outcome.Failed) > 0 {
				h.logger.Warn("batch had rejected submissions",
					"msg_id", msg.UUID,
					"created", len(outcome.Created),
					"failed", len(outcome.Failed))
			}
			return nil
		}),
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("watermill router run error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})
}
