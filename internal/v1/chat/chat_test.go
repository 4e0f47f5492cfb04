package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liveroomhub/hub/internal/v1/batcher"
	"github.com/liveroomhub/hub/internal/v1/ratelimit"
	"github.com/liveroomhub/hub/internal/v1/roomhub"
	"github.com/liveroomhub/hub/internal/v1/wireproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *roomhub.Manager, func() [][]byte) {
	mgr := roomhub.New(nil, nil, nil, roomhub.Options{CleanupGracePeriod: time.Second, ApprovalTTL: time.Second})
	lim, err := ratelimit.New(ratelimit.Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var sent [][]byte
	b := batcher.New(func(_ context.Context, _ string, items []batcher.Item) {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range items {
			sent = append(sent, it.Payload)
		}
	}, batcher.Options{})
	t.Cleanup(b.Stop)

	svc := New(mgr, lim, b, nil)
	return svc, mgr, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte{}, sent...)
	}
}

func TestPostAssignsIDAndFansOut(t *testing.T) {
	svc, mgr, sent := newTestService(t)
	ctx := context.Background()
	mgr.Join(ctx, "streamer-1", "alice", "room1", true, "1.2.3.4")

	msg, err := svc.Post(ctx, "streamer-1", "room1", ratelimit.TierStreamer, "alice", "hello", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.ID)

	require.Eventually(t, func() bool { return len(sent()) == 1 }, time.Second, 10*time.Millisecond)
	decoded, err := wireproto.Decode(sent()[0])
	require.NoError(t, err)
	assert.Equal(t, wireproto.EventChatMessage, decoded.Event)
}

func TestPostRejectsEmptyMessage(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	ctx := context.Background()
	mgr.Join(ctx, "streamer-1", "alice", "room1", true, "1.2.3.4")

	_, err := svc.Post(ctx, "streamer-1", "room1", ratelimit.TierStreamer, "alice", "   ", true)
	assert.Error(t, err)
}

func TestPostTruncatesOverlongMessage(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	ctx := context.Background()
	mgr.Join(ctx, "streamer-1", "alice", "room1", true, "1.2.3.4")

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	msg, err := svc.Post(ctx, "streamer-1", "room1", ratelimit.TierStreamer, "alice", string(long), true)
	require.NoError(t, err)
	assert.Len(t, msg.Text, maxMessageLength)
}

func TestRecentReturnsWireShape(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	ctx := context.Background()
	mgr.Join(ctx, "streamer-1", "alice", "room1", true, "1.2.3.4")

	_, err := svc.Post(ctx, "streamer-1", "room1", ratelimit.TierStreamer, "alice", "hi", true)
	require.NoError(t, err)

	recent, err := svc.Recent("room1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "hi", recent[0].Message)
}
