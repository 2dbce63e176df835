package amqp

import (
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// bind wraps a typed batch handler as a watermill consumer, handling panic
// recovery and poison-pill protection so one bad payload can never take
// the consumer down or wedge the queue.
func bind[T any](logger *slog.Logger, fn func(msg *message.Message, payload *T) error) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in amqp handler",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			// ack: a payload that never parses will never parse on redelivery
			logger.Error("amqp payload decode failed", "err", err, "msg_id", msg.UUID)
			return nil
		}

		// an error here nacks the message and lets the retry policy have it
		return fn(msg, payload)
	}
}
