// Package shard implements consistent-hash room routing: a stable 32-bit
// hash of roomId maps to a shardId in [0, N), and each instance owns a
// declared [start,end] range of shard IDs.
package shard

import (
	"context"
	"errors"
	"sort"

	"github.com/liveroomhub/hub/internal/v1/bus"
	"github.com/spaolacci/murmur3"
)

// ErrUnavailable is returned when the router cannot determine an owning
// server because the active-server set is empty, per the design's
// explicit instruction to never silently serve a room outside the local
// range.
var ErrUnavailable = errors.New("shard: no active server available")

// Decision is the outcome of routing a roomId.
type Decision struct {
	Local        bool
	TargetServer string // set when !Local
}

// Router computes shardId = hash(roomId) mod ShardCount and compares it
// against this instance's owned [RangeStart, RangeEnd] range (inclusive).
type Router struct {
	ShardCount  uint32
	RangeStart  uint32
	RangeEnd    uint32
	bus         *bus.Bus
}

// New builds a Router for an instance owning [rangeStart, rangeEnd] out of
// shardCount total shards.
func New(b *bus.Bus, shardCount, rangeStart, rangeEnd uint32) *Router {
	return &Router{ShardCount: shardCount, RangeStart: rangeStart, RangeEnd: rangeEnd, bus: b}
}

// ShardID computes the stable shard id for a roomId.
func (r *Router) ShardID(roomID string) uint32 {
	h := murmur3.Sum32([]byte(roomID))
	if r.ShardCount == 0 {
		return 0
	}
	return h % r.ShardCount
}

// Owns reports whether this instance's declared range covers roomId's shard.
func (r *Router) Owns(roomID string) bool {
	id := r.ShardID(roomID)
	return id >= r.RangeStart && id <= r.RangeEnd
}

// Route decides whether this instance should serve roomId locally, or
// names the instance that should. With no active servers known it returns
// ErrUnavailable rather than ever guessing or serving out of range.
func (r *Router) Route(ctx context.Context, roomID string) (Decision, error) {
	if r.Owns(roomID) {
		return Decision{Local: true}, nil
	}

	if r.bus == nil {
		return Decision{}, ErrUnavailable
	}
	active, err := r.bus.ActiveServers(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(active) == 0 {
		return Decision{}, ErrUnavailable
	}
	sort.Strings(active) // deterministic across instances observing the same set

	id := r.ShardID(roomID)
	target := active[int(id)%len(active)]
	return Decision{Local: false, TargetServer: target}, nil
}
