package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediatePriorityBypassesQueue(t *testing.T) {
	var mu sync.Mutex
	var received []Item

	b := New(func(ctx context.Context, roomID string, items []Item) {
		mu.Lock()
		received = append(received, items...)
		mu.Unlock()
	}, Options{})
	defer b.Stop()

	b.Enqueue(context.Background(), "room1", Item{Priority: PriorityImmediate, Payload: []byte("offer")})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "offer", string(received[0].Payload))
}

func TestHighPriorityFlushesWithinWindow(t *testing.T) {
	flushed := make(chan []Item, 1)

	b := New(func(ctx context.Context, roomID string, items []Item) {
		flushed <- items
	}, Options{})
	defer b.Stop()

	b.Enqueue(context.Background(), "room1", Item{Priority: PriorityHigh, Payload: []byte("joined")})

	select {
	case items := <-flushed:
		require.Len(t, items, 1)
		assert.Equal(t, "joined", string(items[0].Payload))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected high priority flush within 500ms")
	}
}

func TestOverflowDropsLowestPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	flushedCounts := map[Priority]int{}

	b := New(func(ctx context.Context, roomID string, items []Item) {
		mu.Lock()
		for _, it := range items {
			flushedCounts[it.Priority]++
		}
		mu.Unlock()
	}, Options{MaxMessages: 3})
	defer b.Stop()

	ctx := context.Background()
	b.Enqueue(ctx, "roomX", Item{Priority: PriorityLow, Payload: []byte("low1")})
	b.Enqueue(ctx, "roomX", Item{Priority: PriorityLow, Payload: []byte("low2")})
	b.Enqueue(ctx, "roomX", Item{Priority: PriorityNormal, Payload: []byte("normal1")})
	b.Enqueue(ctx, "roomX", Item{Priority: PriorityNormal, Payload: []byte("normal2")})

	b.mu.Lock()
	q := b.rooms["roomX"]
	b.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.LessOrEqual(t, q.count, 3)
	assert.Equal(t, 1, q.queues[PriorityLow].Len(), "low priority items should be evicted first")
}

func TestDropRoomClearsQueue(t *testing.T) {
	b := New(func(ctx context.Context, roomID string, items []Item) {}, Options{})
	defer b.Stop()

	b.Enqueue(context.Background(), "roomY", Item{Priority: PriorityNormal, Payload: []byte("x")})
	b.DropRoom("roomY")

	b.mu.Lock()
	_, ok := b.rooms["roomY"]
	b.mu.Unlock()
	assert.False(t, ok)
}
