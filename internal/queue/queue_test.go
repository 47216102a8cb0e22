package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggletail/dispatch/internal/notify"
)

func setupQueue(t *testing.T) (*PriorityQueue, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client)
	return q, func() {
		client.Close()
		mr.Close()
	}
}

func smsItem(userID string, p notify.Priority, ts time.Time) *notify.QueueItem {
	return &notify.QueueItem{
		Envelope: &notify.Envelope{
			UserID:   userID,
			Channel:  notify.ChannelSMS,
			Category: notify.CategoryNotification,
			SMS:      &notify.SMSPayload{To: "+15551234567", Body: "hi"},
		},
		Options:    notify.DispatchOptions{Priority: p},
		EnqueuedAt: ts,
	}
}

func TestHighTierDrainsFirstInEnqueueOrder(t *testing.T) {
	q, teardown := setupQueue(t)
	defer teardown()
	ctx := context.Background()

	base := time.Now()
	// Interleave tiers; high items enqueued before any normal/low item must
	// all come back first, in enqueue order.
	require.NoError(t, q.Enqueue(ctx, smsItem("h1", notify.PriorityHigh, base)))
	require.NoError(t, q.Enqueue(ctx, smsItem("h2", notify.PriorityHigh, base.Add(time.Millisecond))))
	require.NoError(t, q.Enqueue(ctx, smsItem("n1", notify.PriorityNormal, base.Add(2*time.Millisecond))))
	require.NoError(t, q.Enqueue(ctx, smsItem("l1", notify.PriorityLow, base.Add(3*time.Millisecond))))
	require.NoError(t, q.Enqueue(ctx, smsItem("n2", notify.PriorityNormal, base.Add(4*time.Millisecond))))

	items, err := q.PopHighest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 5)

	var order []string
	for _, it := range items {
		order = append(order, it.Envelope.UserID)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, order)
}

func TestPopRemovesItems(t *testing.T) {
	q, teardown := setupQueue(t)
	defer teardown()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, smsItem("u", notify.PriorityNormal, base.Add(time.Duration(i)*time.Millisecond))))
	}

	first, err := q.PopHighest(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	second, err := q.PopHighest(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// No item may appear in both pops.
	seen := map[string]bool{}
	for _, it := range append(first, second...) {
		key := it.ID.String()
		assert.False(t, seen[key], "item %s popped twice", key)
		seen[key] = true
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q, teardown := setupQueue(t)
	defer teardown()

	items, err := q.PopHighest(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLength(t *testing.T) {
	q, teardown := setupQueue(t)
	defer teardown()
	ctx := context.Background()

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, q.Enqueue(ctx, smsItem("u1", notify.PriorityLow, time.Now())))
	require.NoError(t, q.Enqueue(ctx, smsItem("u2", notify.PriorityLow, time.Now().Add(time.Millisecond))))

	n, err = q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScoreTierDominatesTimestamp(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.AddDate(1, 0, 0)

	// A low-tier item enqueued a year earlier must still score below any
	// high-tier item.
	assert.Greater(t, Score(notify.PriorityHigh, late), Score(notify.PriorityLow, early))
	assert.Greater(t, Score(notify.PriorityNormal, late), Score(notify.PriorityLow, early))

	// Within a tier, earlier enqueue wins.
	assert.Greater(t, Score(notify.PriorityNormal, early), Score(notify.PriorityNormal, late))
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q, teardown := setupQueue(t)
	defer teardown()
	ctx := context.Background()

	item := smsItem("u1", notify.PriorityHigh, time.Time{})
	require.NoError(t, q.Enqueue(ctx, item))

	assert.NotZero(t, item.ID)
	assert.False(t, item.EnqueuedAt.IsZero())
	assert.NotZero(t, item.PriorityScore)
}
