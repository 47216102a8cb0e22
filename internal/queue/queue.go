// Package queue implements the durable priority queue holding pending sends.
// It is backed by a Redis sorted set so multiple orchestrator instances can
// enqueue and drain concurrently; pops are atomic across poppers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waggletail/dispatch/internal/notify"
)

const defaultKey = "dispatch:sendqueue"

// scoreBase spaces priority tiers far enough apart that the timestamp
// component can never promote an item across tiers within any realistic
// processing horizon (tier gap 40e12 ms ≈ 1200 years).
const scoreBase = 1e12

// Score computes the composite priority score for an item enqueued at ts.
// Tier dominates; within a tier, earlier items score higher so the queue
// drains FIFO per tier.
func Score(p notify.Priority, ts time.Time) float64 {
	return float64(p.Tier())*scoreBase - float64(ts.UnixMilli())
}

// popScript atomically takes the n highest-scored members. Two concurrent
// drain workers can never receive the same item.
var popScript = redis.NewScript(`
local items = redis.call('ZREVRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
    redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// PriorityQueue is a score-ordered holding area for pending sends.
//
// Known at-least-once gap: items are popped, not peeked, so a crash between
// PopHighest and dispatch loses the popped items. There is no pending-ack
// stage.
type PriorityQueue struct {
	rdb *redis.Client
	key string
}

// New creates a queue on the given Redis client.
func New(rdb *redis.Client) *PriorityQueue {
	return &PriorityQueue{rdb: rdb, key: defaultKey}
}

// NewWithKey creates a queue on a custom key, for tests and sharding.
func NewWithKey(rdb *redis.Client, key string) *PriorityQueue {
	return &PriorityQueue{rdb: rdb, key: key}
}

// NewFromURL connects to Redis and returns a queue, verifying the connection.
func NewFromURL(redisURL string) (*PriorityQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client), nil
}

// Enqueue adds an item scored by its priority tier and enqueue time. The
// item's ID and score fields are filled in if unset.
func (q *PriorityQueue) Enqueue(ctx context.Context, item *notify.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.PriorityScore == 0 {
		item.PriorityScore = Score(item.Options.Priority, item.EnqueuedAt)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}

	err = q.rdb.ZAdd(ctx, q.key, redis.Z{Score: item.PriorityScore, Member: string(payload)}).Err()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// PopHighest atomically removes and returns up to n items, highest priority
// tier first and FIFO within a tier. Items that fail to decode are dropped
// with an error only when nothing else was recovered.
func (q *PriorityQueue) PopHighest(ctx context.Context, n int) ([]notify.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	raw, err := popScript.Run(ctx, q.rdb, []string{q.key}, n).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pop highest: %w", err)
	}

	items := make([]notify.QueueItem, 0, len(raw))
	var decodeErr error
	for _, member := range raw {
		var item notify.QueueItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			decodeErr = fmt.Errorf("decode queue item: %w", err)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 && decodeErr != nil {
		return nil, decodeErr
	}
	return items, nil
}

// Client exposes the underlying Redis client so callers can share the
// connection for adjacent concerns like distributed locks.
func (q *PriorityQueue) Client() *redis.Client {
	return q.rdb
}

// Length returns the number of pending items.
func (q *PriorityQueue) Length(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}

// Close releases the underlying Redis connection.
func (q *PriorityQueue) Close() error {
	return q.rdb.Close()
}
