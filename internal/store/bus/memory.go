package bus

import (
	"context"
	"sync"
)

// InMemory is a single-process Bus test double: no network, no
// persistence, used by unit tests that exercise NotificationBus/PushWorker
// logic without a Redis instance.
type InMemory struct {
	mu       sync.Mutex
	subs     map[string][]chan Message
	zsets    map[string]map[string]float64
	capacity int
}

func NewInMemory(channelCapacity int) *InMemory {
	return &InMemory{
		subs:     make(map[string][]chan Message),
		zsets:    make(map[string]map[string]float64),
		capacity: channelCapacity,
	}
}

func (m *InMemory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pattern, chans := range m.subs {
		if !globMatch(pattern, channel) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- Message{Channel: channel, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (m *InMemory) Subscribe(_ context.Context, pattern string) (<-chan Message, error) {
	ch := make(chan Message, m.capacity)
	m.mu.Lock()
	m.subs[pattern] = append(m.subs[pattern], ch)
	m.mu.Unlock()
	return ch, nil
}

func (m *InMemory) ZAddNX(_ context.Context, key, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = score
	return true, nil
}

func (m *InMemory) ZRem(_ context.Context, key, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	if _, exists := set[member]; !exists {
		return 0, nil
	}
	delete(set, member)
	return 1, nil
}

func (m *InMemory) ZRangeByScore(_ context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	var out []string
	for member, score := range set {
		if score <= maxScore {
			out = append(out, member)
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *InMemory) LeaseDueJobs(_ context.Context, key string, now, visibilityTimeout float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	var out []string
	for member, score := range set {
		if score <= now {
			out = append(out, member)
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	for _, member := range out {
		set[member] = now + visibilityTimeout
	}
	return out, nil
}

func (m *InMemory) Ping(_ context.Context) error { return nil }

func (m *InMemory) Close() error { return nil }

// globMatch supports the one pattern shape this module actually uses:
// an exact channel name, or a prefix ending in "*".
func globMatch(pattern, channel string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return pattern == channel
}
