package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	g, err := NewGateway(Options{Addr: mr.Addr(), Namespace: "test:"})
	require.NoError(t, err)

	return g, mr
}

func TestGetSetRoundTrip(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.Set(ctx, "k1", []byte("hello"), time.Minute))

	got, err := g.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestGetMissReturnsNilNil(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	got, err := g.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompressionAboveThreshold(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	g, err := NewGateway(Options{Addr: mr.Addr(), Namespace: "test:", CompressionThreshold: 16})
	require.NoError(t, err)
	defer g.Close()

	ctx := context.Background()
	large := strings.Repeat("a", 1000)
	require.NoError(t, g.Set(ctx, "big", []byte(large), time.Minute))

	got, err := g.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, large, string(got))
}

func TestNamespaceIsolatesKeys(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.Set(ctx, "k", []byte("v"), 0))

	raw, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestSetOperations(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.SetAdd(ctx, "set1", "m1"))
	require.NoError(t, g.SetAdd(ctx, "set1", "m2"))

	members, err := g.SetMembers(ctx, "set1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	card, err := g.SetCard(ctx, "set1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, g.SetRem(ctx, "set1", "m1"))
	members, err = g.SetMembers(ctx, "set1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2"}, members)
}

func TestHashOperations(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.HashSet(ctx, "h1", "f1", []byte("v1")))
	require.NoError(t, g.HashSet(ctx, "h1", "f2", []byte("v2")))

	v, err := g.HashGet(ctx, "h1", "f1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	all, err := g.HashGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(all["f1"]))
	assert.Equal(t, "v2", string(all["f2"]))

	require.NoError(t, g.HashDel(ctx, "h1", "f1"))
	all, err = g.HashGetAll(ctx, "h1")
	require.NoError(t, err)
	_, ok := all["f1"]
	assert.False(t, ok)
}

func TestPublishSubscribe(t *testing.T) {
	g, mr := newTestGateway(t)
	defer mr.Close()
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	wg := &sync.WaitGroup{}
	g.Subscribe(ctx, wg, "chan1", func(payload []byte) {
		received <- payload
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Publish(ctx, "chan1", []byte("hello")))

	select {
	case p := <-received:
		assert.Equal(t, "hello", string(p))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestPublishGracefulDegradationOnClosedBackend(t *testing.T) {
	g, mr := newTestGateway(t)
	mr.Close()
	defer g.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = g.Publish(ctx, "chan1", []byte("x"))
	}
	// Should not panic, regardless of whether the breaker has tripped yet.
	err := g.Publish(ctx, "chan1", []byte("x"))
	_ = err
}

func TestGetReturnsBackendUnavailableOnCircuitOpen(t *testing.T) {
	g, mr := newTestGateway(t)
	mr.Close()
	defer g.Close()

	ctx := context.Background()
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = g.Get(ctx, "k")
	}
	assert.Error(t, lastErr)
}
