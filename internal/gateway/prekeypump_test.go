package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/internal/domain/keys"
)

// fakeLowChecker serves a scripted sequence of check_low results.
type fakeLowChecker struct {
	mu      sync.Mutex
	results []*keys.LowStatus
	calls   int
}

func (f *fakeLowChecker) CheckLow(_ context.Context, _ uuid.UUID) (*keys.LowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeLowChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Many OTPK consumptions inside one debounce window collapse into a
// single check and a single frame reflecting the final count.
func TestPreKeyPump_DebounceCoalescesIntoOneFrame(t *testing.T) {
	checker := &fakeLowChecker{results: []*keys.LowStatus{{Count: 4, MinThreshold: 10}}}
	out := make(chan []byte, 8)
	signal := make(chan struct{}, 1)
	pump := newPreKeyPump(checker, uuid.New(), out, signal, 30*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); pump.run(ctx) }()

	for range 5 {
		trySignal(signal)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(out) > 0 }, time.Second, 5*time.Millisecond)

	f, err := Decode(<-out)
	require.NoError(t, err)
	require.Equal(t, KindPreKeyStatus, f.Kind)
	require.Equal(t, int32(4), f.PreKeyStatus.OneTimePreKeyCount)
	require.Equal(t, int32(10), f.PreKeyStatus.MinThreshold)

	require.Equal(t, 1, checker.callCount())
	require.Empty(t, out)

	cancel()
	<-done
}

// A refill that lands during the debounce window pushes the count back
// above threshold and suppresses the frame entirely.
func TestPreKeyPump_RefillSuppressesFrame(t *testing.T) {
	checker := &fakeLowChecker{results: []*keys.LowStatus{nil}}
	out := make(chan []byte, 8)
	signal := make(chan struct{}, 1)
	pump := newPreKeyPump(checker, uuid.New(), out, signal, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); pump.run(ctx) }()

	trySignal(signal)

	require.Eventually(t, func() bool { return checker.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, out)

	cancel()
	<-done
}
