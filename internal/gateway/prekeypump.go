package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// preKeyPump debounces bursts of "check your pre-key count" signals
// (typically one per consumed OTPK) into a single check_low call per
// debounce window, then pushes a PreKeyStatus frame if still low.
type preKeyPump struct {
	keyCustody lowChecker
	userID     uuid.UUID

	out      chan<- []byte
	signal   <-chan struct{}
	debounce time.Duration

	logger *slog.Logger
}

func newPreKeyPump(kc lowChecker, userID uuid.UUID, out chan<- []byte, signal <-chan struct{}, debounce time.Duration, logger *slog.Logger) *preKeyPump {
	return &preKeyPump{keyCustody: kc, userID: userID, out: out, signal: signal, debounce: debounce, logger: logger}
}

func (p *preKeyPump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.signal:
			if !ok {
				return
			}
		}

		select {
		case <-time.After(p.debounce):
		case <-ctx.Done():
			return
		}
		p.drainSignal()

		status, err := p.keyCustody.CheckLow(ctx, p.userID)
		if err != nil {
			p.logger.Warn("gateway: prekey pump check_low failed", "err", err)
			continue
		}
		if status == nil {
			continue
		}

		frameBytes := EncodePreKeyStatus(PreKeyStatus{
			OneTimePreKeyCount: int32(status.Count),
			MinThreshold:       int32(status.MinThreshold),
		})
		select {
		case p.out <- frameBytes:
		default:
		}
	}
}

func (p *preKeyPump) drainSignal() {
	for {
		select {
		case <-p.signal:
		default:
			return
		}
	}
}
