// Package metrics defines the otel instruments the core components
// increment. No exporter is wired here — telemetry export is an explicit
// non-goal of this module — but the counters and histograms themselves are
// real and are exercised on every hot path the spec names them for.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles every instrument the core components need.
type Metrics struct {
	KeysPrekeyLowTotal metric.Int64Counter

	PushSentTotal              metric.Int64Counter
	PushErrorsTotal            metric.Int64Counter
	PushInvalidatedTokensTotal metric.Int64Counter

	WebsocketActiveConnections    metric.Int64UpDownCounter
	WebsocketAckQueueDroppedTotal metric.Int64Counter
	WebsocketOutboundDroppedTotal metric.Int64Counter
	WebsocketAckBatchSize         metric.Int64Histogram

	DeliverySubmissionRejectedTotal metric.Int64Counter
}

// NewProvider builds an in-process meter provider with no exporter attached.
func NewProvider() *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider()
}

// New builds the instrument set from the given provider's meter.
func New(provider *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("obscura-server")

	m := &Metrics{}
	var err error

	if m.KeysPrekeyLowTotal, err = meter.Int64Counter("keys_prekey_low_total",
		metric.WithDescription("Number of times a user's OTPK count dipped below the refill threshold")); err != nil {
		return nil, err
	}
	if m.PushSentTotal, err = meter.Int64Counter("push_sent_total",
		metric.WithDescription("Total number of push notifications successfully sent")); err != nil {
		return nil, err
	}
	if m.PushErrorsTotal, err = meter.Int64Counter("push_errors_total",
		metric.WithDescription("Total number of push notification delivery errors")); err != nil {
		return nil, err
	}
	if m.PushInvalidatedTokensTotal, err = meter.Int64Counter("push_invalidated_tokens_total",
		metric.WithDescription("Total number of push tokens removed due to being unregistered")); err != nil {
		return nil, err
	}
	if m.WebsocketActiveConnections, err = meter.Int64UpDownCounter("websocket_active_connections",
		metric.WithDescription("Currently open gateway sessions")); err != nil {
		return nil, err
	}
	if m.WebsocketAckQueueDroppedTotal, err = meter.Int64Counter("websocket_ack_queue_dropped_total",
		metric.WithDescription("ACKs dropped because the batcher input channel was full")); err != nil {
		return nil, err
	}
	if m.WebsocketOutboundDroppedTotal, err = meter.Int64Counter("websocket_outbound_dropped_total",
		metric.WithDescription("Envelopes dropped because the outbound channel was full")); err != nil {
		return nil, err
	}
	if m.WebsocketAckBatchSize, err = meter.Int64Histogram("websocket_ack_batch_size",
		metric.WithDescription("Size of flushed ACK batches")); err != nil {
		return nil, err
	}
	if m.DeliverySubmissionRejectedTotal, err = meter.Int64Counter("delivery_submission_rejected_total",
		metric.WithDescription("Submissions rejected from a batch, by reason")); err != nil {
		return nil, err
	}

	return m, nil
}
