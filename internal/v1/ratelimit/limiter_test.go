package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	l, err := New(Options{})
	require.NoError(t, err)
	return l
}

func TestCheckMessageAllowsWithinTier(t *testing.T) {
	l := newTestLimiter(t)
	d := l.CheckMessage(context.Background(), "peer-1", TierViewer, "chat-message")
	assert.True(t, d.Allowed)
}

func TestCheckMessageRejectsBeyondPerSecond(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	limit := tierLimits[TierAnonymous].PerSecond
	var lastDecision Decision
	for i := int64(0); i < limit+5; i++ {
		// chat-message has no cooldown and weight 1, so repeated calls aren't
		// blocked by the per-kind cooldown path, and each one consumes
		// exactly one unit of the per-second window.
		lastDecision = l.CheckMessage(ctx, "peer-anon", TierAnonymous, "chat-message")
	}
	assert.False(t, lastDecision.Allowed)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", lastDecision.Reason)
}

func TestCheckMessageWeightsConsumeDifferentBudget(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// ice-candidate has weight 0.1, which truncates to a 0 increment: it
	// should never trip the per-second window no matter how many are sent.
	var iceDecision Decision
	for i := 0; i < 200; i++ {
		iceDecision = l.CheckMessage(ctx, "peer-ice", TierStreamer, "ice-candidate")
	}
	assert.True(t, iceDecision.Allowed)

	// answer has weight 2 and no cooldown, so it consumes the per-second
	// window twice as fast as an unweighted message and trips it well before
	// TierStreamer's PerSecond budget of 50 calls would otherwise suggest.
	limit := tierLimits[TierStreamer].PerSecond
	var answerDecision Decision
	for i := int64(0); i < limit; i++ {
		answerDecision = l.CheckMessage(ctx, "peer-answer", TierStreamer, "answer")
	}
	assert.False(t, answerDecision.Allowed)
}

func TestCheckMessageCooldownRejectsImmediateRepeat(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	first := l.CheckMessage(ctx, "peer-2", TierStreamer, "offer")
	require.True(t, first.Allowed)

	second := l.CheckMessage(ctx, "peer-2", TierStreamer, "offer")
	assert.False(t, second.Allowed)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", second.Reason)
}

func TestCheckIPBansAfterRepeatedStrikes(t *testing.T) {
	l := newTestLimiter(t)
	l.banDuration = 50 * time.Millisecond
	ctx := context.Background()

	limit := tierLimits[TierAnonymous].PerMinute // wsIP uses its own fixed 50-M rate
	_ = limit

	var last Decision
	for i := 0; i < 250; i++ {
		last = l.CheckIP(ctx, "1.2.3.4")
		if !last.Allowed && last.Reason == "IP_BANNED" {
			break
		}
	}
	assert.False(t, last.Allowed)
}

func TestCheckIPUnbansAfterDuration(t *testing.T) {
	l := newTestLimiter(t)
	l.banDuration = 10 * time.Millisecond
	ctx := context.Background()

	l.mu.Lock()
	l.bannedUntil["5.6.7.8"] = time.Now().Add(-time.Millisecond)
	l.mu.Unlock()

	d := l.CheckIP(ctx, "5.6.7.8")
	assert.True(t, d.Allowed)
}

func TestAdaptiveFactorShrinksEffectiveWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	l.SetAdaptiveFactor(0.01)

	d := l.CheckMessage(ctx, "peer-3", TierModerator, "answer")
	assert.False(t, d.Allowed)
}

func TestNewWithRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := New(Options{RedisClient: client})
	require.NoError(t, err)

	d := l.CheckMessage(context.Background(), "peer-4", TierViewer, "join-room")
	assert.True(t, d.Allowed)
}
