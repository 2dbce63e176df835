// Package bus is the shared pub/sub and durable delayed-job primitive the
// NotificationBus and PushWorker are built on: Redis-backed pattern
// subscriptions fanned out to local broadcast channels, plus the sorted-set
// operations backing the push job queue.
package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery, channel name plus raw payload.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the single ingress for realtime fan-out and the push job queue.
// Every publish, even for a locally-connected recipient, goes through here
// so a message published from any node reaches subscribers on every node.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)

	// ZAddNX adds member at score only if it is not already present,
	// returning true if this call won the race to schedule it.
	ZAddNX(ctx context.Context, key, member string, score float64) (bool, error)
	ZRem(ctx context.Context, key, member string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// LeaseDueJobs atomically claims up to limit members scored <= now and
	// re-scores each to now+visibilityTimeout. A member already leased by
	// another worker has a future score and is excluded from the claim.
	LeaseDueJobs(ctx context.Context, key string, now, visibilityTimeout float64, limit int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisBus struct {
	client          redis.UniversalClient
	channelCapacity int

	mu            sync.Mutex
	subscriptions map[string][]chan Message

	shutdown chan struct{}
	closed   bool
}

func NewRedis(client redis.UniversalClient, channelCapacity int) Bus {
	return &redisBus{
		client:          client,
		channelCapacity: channelCapacity,
		subscriptions:   make(map[string][]chan Message),
		shutdown:        make(chan struct{}),
	}
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe starts (or reuses) a background PSUBSCRIBE listener for pattern
// and returns a fresh channel that receives every message matching it.
func (b *redisBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	ch := make(chan Message, b.channelCapacity)

	b.mu.Lock()
	existing, running := b.subscriptions[pattern]
	b.subscriptions[pattern] = append(existing, ch)
	b.mu.Unlock()

	if !running {
		go b.runPatternListener(pattern)
	}
	return ch, nil
}

func (b *redisBus) runPatternListener(pattern string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-b.shutdown:
			return
		default:
		}

		ctx := context.Background()
		pubsub := b.client.PSubscribe(ctx, pattern)
		if _, err := pubsub.Receive(ctx); err != nil {
			d := bo.NextBackOff()
			select {
			case <-time.After(d):
			case <-b.shutdown:
				pubsub.Close()
				return
			}
			continue
		}
		bo.Reset()

		msgCh := pubsub.Channel()
	drain:
		for {
			select {
			case <-b.shutdown:
				pubsub.Close()
				return
			case msg, ok := <-msgCh:
				if !ok {
					break drain
				}
				b.fanOut(pattern, Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
		pubsub.Close()
	}
}

func (b *redisBus) fanOut(pattern string, msg Message) {
	b.mu.Lock()
	subs := b.subscriptions[pattern]
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// slow subscriber drops the message rather than stall publish fan-out
		}
	}
}

func (b *redisBus) ZAddNX(ctx context.Context, key, member string, score float64) (bool, error) {
	added, err := b.client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

func (b *redisBus) ZRem(ctx context.Context, key, member string) (int64, error) {
	return b.client.ZRem(ctx, key, member).Result()
}

func (b *redisBus) ZRangeByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    formatScore(maxScore),
		Offset: 0,
		Count:  limit,
	}).Result()
}

func (b *redisBus) ZCard(ctx context.Context, key string) (int64, error) {
	return b.client.ZCard(ctx, key).Result()
}

// leaseScript claims due jobs and re-scores them in one round trip so two
// workers polling at once never both win the same member.
var leaseScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local members = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, limit)
for i, m in ipairs(members) do
  redis.call('ZADD', key, now + lease, m)
end
return members
`)

func (b *redisBus) LeaseDueJobs(ctx context.Context, key string, now, visibilityTimeout float64, limit int64) ([]string, error) {
	res, err := leaseScript.Run(ctx, b.client, []string{key}, now, visibilityTimeout, limit).Result()
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *redisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.shutdown)
	return b.client.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
