// Package batcher coalesces outbound per-room messages by priority before
// handing them to a sender, trading a small amount of latency for fewer,
// larger writes under fan-out load.
package batcher

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"go.uber.org/zap"
)

// Priority controls how soon a queued item is flushed.
type Priority int

const (
	// PriorityImmediate bypasses batching entirely (e.g. signaling offers/answers).
	PriorityImmediate Priority = 0
	// PriorityHigh flushes every 50ms (e.g. join/leave notifications).
	PriorityHigh Priority = 1
	// PriorityNormal flushes every 100ms (e.g. chat messages).
	PriorityNormal Priority = 2
	// PriorityLow is deferred and aggregated opportunistically (e.g. presence pings).
	PriorityLow Priority = 3
)

const (
	defaultMaxMessages = 50
	defaultMaxBytes    = 64 << 10 // 64 KiB

	highInterval   = 50 * time.Millisecond
	normalInterval = 100 * time.Millisecond
	lowInterval    = 250 * time.Millisecond
)

// Item is one queued outbound message.
type Item struct {
	Priority Priority
	Payload  []byte
}

// Sender delivers a flushed batch for a room. Implementations should not
// block for long; the batcher calls it synchronously from its flush timers.
type Sender func(ctx context.Context, roomID string, items []Item)

// roomQueue holds one room's pending, not-yet-flushed items, split by
// priority so high-priority items never wait behind low-priority ones.
type roomQueue struct {
	mu        sync.Mutex
	queues    map[Priority]*list.List
	bytes     int
	count     int
}

func newRoomQueue() *roomQueue {
	q := &roomQueue{queues: make(map[Priority]*list.List)}
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		q.queues[p] = list.New()
	}
	return q
}

// Batcher fans out outbound messages per room on priority-tiered timers,
// with a bounded per-room queue and lowest-priority-first overflow drop.
type Batcher struct {
	send Sender

	maxMessages int
	maxBytes    int

	mu    sync.Mutex
	rooms map[string]*roomQueue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Batcher.
type Options struct {
	MaxMessages int
	MaxBytes    int
}

// New constructs a Batcher and starts its flush timers. Call Stop to end them.
func New(send Sender, opts Options) *Batcher {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}

	b := &Batcher{
		send:        send,
		maxMessages: opts.MaxMessages,
		maxBytes:    opts.MaxBytes,
		rooms:       make(map[string]*roomQueue),
		stopCh:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Enqueue adds an item to roomID's queue. PriorityImmediate is sent
// synchronously, bypassing the queue entirely.
func (b *Batcher) Enqueue(ctx context.Context, roomID string, item Item) {
	if item.Priority == PriorityImmediate {
		b.send(ctx, roomID, []Item{item})
		return
	}

	b.mu.Lock()
	q, ok := b.rooms[roomID]
	if !ok {
		q = newRoomQueue()
		b.rooms[roomID] = q
	}
	b.mu.Unlock()

	q.mu.Lock()
	q.queues[item.Priority].PushBack(item)
	q.count++
	q.bytes += len(item.Payload)
	b.evictIfOverCapLocked(roomID, q)
	q.mu.Unlock()

	metrics.BatcherQueueDepth.WithLabelValues(roomID).Set(float64(q.count))
}

// evictIfOverCapLocked drops from the lowest-priority queue first until the
// room is back under its message-count and byte caps. Caller holds q.mu.
func (b *Batcher) evictIfOverCapLocked(roomID string, q *roomQueue) {
	for (q.count > b.maxMessages || q.bytes > b.maxBytes) && q.count > 0 {
		dropped := false
		for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
			l := q.queues[p]
			if l.Len() == 0 {
				continue
			}
			front := l.Front()
			item := front.Value.(Item)
			l.Remove(front)
			q.count--
			q.bytes -= len(item.Payload)
			metrics.BatcherDroppedTotal.WithLabelValues(roomID, priorityLabel(p)).Inc()
			dropped = true
			break
		}
		if !dropped {
			return
		}
	}
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "immediate"
	}
}

// run drives the three priority flush timers until Stop is called.
func (b *Batcher) run() {
	defer b.wg.Done()

	highTicker := time.NewTicker(highInterval)
	normalTicker := time.NewTicker(normalInterval)
	lowTicker := time.NewTicker(lowInterval)
	defer highTicker.Stop()
	defer normalTicker.Stop()
	defer lowTicker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-highTicker.C:
			b.flushPriority(PriorityHigh)
		case <-normalTicker.C:
			b.flushPriority(PriorityNormal)
		case <-lowTicker.C:
			b.flushPriority(PriorityLow)
		}
	}
}

// flushPriority drains priority p from every room with a non-empty queue
// for that priority and hands the batch to the sender.
func (b *Batcher) flushPriority(p Priority) {
	b.mu.Lock()
	roomIDs := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		roomIDs = append(roomIDs, id)
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range roomIDs {
		b.mu.Lock()
		q, ok := b.rooms[roomID]
		b.mu.Unlock()
		if !ok {
			continue
		}

		q.mu.Lock()
		l := q.queues[p]
		if l.Len() == 0 {
			q.mu.Unlock()
			continue
		}
		items := make([]Item, 0, l.Len())
		for e := l.Front(); e != nil; e = e.Next() {
			item := e.Value.(Item)
			items = append(items, item)
			q.bytes -= len(item.Payload)
		}
		q.count -= l.Len()
		l.Init()
		q.mu.Unlock()

		metrics.BatcherQueueDepth.WithLabelValues(roomID).Set(float64(q.count))

		if len(items) == 0 {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(ctx, "batcher: sender panicked", zap.String("room_id", roomID), zap.Any("recover", r))
				}
			}()
			b.send(ctx, roomID, items)
		}()
	}
}

// DropRoom removes roomID's queue entirely, e.g. when the room is destroyed.
func (b *Batcher) DropRoom(roomID string) {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
	metrics.BatcherQueueDepth.DeleteLabelValues(roomID)
}

// Stop ends the flush timers and waits for the run loop to exit.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}
