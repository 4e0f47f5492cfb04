// Package bus is the Cross-Server Bus: a thin layer above the Store
// Gateway that fixes a set of channels, stamps every message with
// {serverId, timestamp, type}, suppresses self-echo, and derives the
// fleet's active-server set from a rolling heartbeat.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/store"
	"go.uber.org/zap"
)

// Fixed channel names, per the cross-server bus design.
const (
	ChannelRoomEvents       = "room:events"
	ChannelUserEvents       = "user:events"
	ChannelWebrtcSignaling  = "webrtc:signaling"
	ChannelChatMessages     = "chat:messages"
	ChannelSystemEvents     = "system:events"
	ChannelHealthChecks     = "health:checks"
	ChannelLoadbalanceEvents = "loadbalance:events"
)

// Event type tags carried in Envelope.Type.
const (
	TypeRoomCreated      = "room:created"
	TypeRoomDestroyed    = "room:destroyed"
	TypeUserJoined       = "user:joined"
	TypeUserLeft         = "user:left"
	TypeWebrtcOffer      = "webrtc:offer"
	TypeWebrtcAnswer     = "webrtc:answer"
	TypeWebrtcIce        = "webrtc:ice"
	TypeStreamEnded      = "stream:ended"
	TypeChatPosted       = "chat:posted"
	TypeHeartbeat        = "health:heartbeat"
)

// Envelope is the payload schema every bus message carries.
type Envelope struct {
	ServerID  string          `json:"serverId"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// heartbeatWindow is how recent a server's last heartbeat must be to count
// as active, per the bus design (2 minutes).
const heartbeatWindow = 2 * time.Minute

// heartbeatInterval is how often this instance publishes its own heartbeat.
const heartbeatInterval = 30 * time.Second

// Bus wires the fixed channel set on top of a store.Gateway.
type Bus struct {
	store    *store.Gateway
	serverID string

	mu       sync.RWMutex
	handlers map[string][]func(Envelope)
}

// New constructs a Bus bound to serverID. A nil store.Gateway degrades to
// single-instance mode: every publish/subscribe is a no-op, matching the
// degenerate single-shard mode allowed by the design.
func New(st *store.Gateway, serverID string) *Bus {
	return &Bus{
		store:    st,
		serverID: serverID,
		handlers: make(map[string][]func(Envelope)),
	}
}

// On registers a handler invoked for every non-echo message received on
// channel after Start has subscribed to it.
func (b *Bus) On(channel string, handler func(Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], handler)
}

// Start subscribes to every fixed channel and begins the heartbeat loop.
// Call once, after all On() registrations, passing a context whose
// cancellation tears down every subscription and the heartbeat goroutine.
func (b *Bus) Start(ctx context.Context, wg *sync.WaitGroup) {
	if b.store == nil {
		return
	}
	for _, ch := range []string{
		ChannelRoomEvents, ChannelUserEvents, ChannelWebrtcSignaling,
		ChannelChatMessages, ChannelSystemEvents, ChannelHealthChecks,
		ChannelLoadbalanceEvents,
	} {
		channel := ch
		b.store.Subscribe(ctx, wg, channel, func(raw []byte) {
			b.dispatch(channel, raw)
		})
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		b.heartbeatLoop(ctx)
	}()
}

func (b *Bus) dispatch(channel string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logging.Warn(context.Background(), "bus: failed to decode envelope", zap.Error(err))
		return
	}
	if env.ServerID == b.serverID {
		return // echo suppression
	}
	metrics.BusMessagesReceived.WithLabelValues(channel).Inc()

	b.mu.RLock()
	handlers := append([]func(Envelope){}, b.handlers[channel]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

// Publish stamps and publishes an envelope on channel.
func (b *Bus) Publish(ctx context.Context, channel, msgType, roomID, targetID string, payload any) error {
	if b.store == nil {
		return nil
	}
	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		ServerID:  b.serverID,
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		RoomID:    roomID,
		TargetID:  targetID,
		Payload:   innerBytes,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	metrics.BusMessagesPublished.WithLabelValues(channel).Inc()
	return b.store.Publish(ctx, channel, data)
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	b.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishHeartbeat(ctx)
		}
	}
}

func (b *Bus) publishHeartbeat(ctx context.Context) {
	if b.store == nil {
		return
	}
	_ = b.store.HashSet(ctx, "fleet:heartbeats", b.serverID, []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
	_ = b.Publish(ctx, ChannelHealthChecks, TypeHeartbeat, "", "", nil)
}

// ActiveServers returns the set of server IDs whose last heartbeat is
// within heartbeatWindow.
func (b *Bus) ActiveServers(ctx context.Context) ([]string, error) {
	if b.store == nil {
		return []string{b.serverID}, nil
	}
	all, err := b.store.HashGetAll(ctx, "fleet:heartbeats")
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UnixMilli() - heartbeatWindow.Milliseconds()
	var active []string
	for serverID, raw := range all {
		ts, err := strconv.ParseInt(string(raw), 10, 64)
		if err == nil && ts >= cutoff {
			active = append(active, serverID)
		}
	}
	return active, nil
}
