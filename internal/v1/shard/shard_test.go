package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnsWithinRange(t *testing.T) {
	r := New(nil, 1, 0, 0)
	assert.True(t, r.Owns("ABC123"))
}

func TestRouteLocalNeverRedirects(t *testing.T) {
	r := New(nil, 1, 0, 0)
	d, err := r.Route(context.Background(), "ANY00X")
	require.NoError(t, err)
	assert.True(t, d.Local)
}

func TestRouteOutOfRangeWithNoBusIsUnavailable(t *testing.T) {
	r := New(nil, 2, 0, 0)
	// Find a room that hashes to shard 1, out of this instance's [0,0] range.
	var roomID string
	for i := 0; i < 1000; i++ {
		candidate := string(rune('a' + i%26))
		if New(nil, 2, 0, 0).ShardID(candidate) == 1 {
			roomID = candidate
			break
		}
	}
	require.NotEmpty(t, roomID)

	_, err := r.Route(context.Background(), roomID)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestShardIDIsStable(t *testing.T) {
	r := New(nil, 1000, 0, 999)
	a := r.ShardID("ABC123")
	b := r.ShardID("ABC123")
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(1000))
}

func TestNeverOwnsAndRedirectsSimultaneously(t *testing.T) {
	// P5: for any roomId, either local ownership or a redirect decision —
	// never both, and never a silent local serve out of range.
	r := New(nil, 4, 0, 0)
	for i := 0; i < 4; i++ {
		roomID := string(rune('a' + i))
		d, err := r.Route(context.Background(), roomID)
		if r.Owns(roomID) {
			require.NoError(t, err)
			assert.True(t, d.Local)
		} else {
			assert.ErrorIs(t, err, ErrUnavailable)
		}
	}
}
