// Package chat posts and fans out bounded per-room chat messages, gated by
// the rate limiter and delivered through the message batcher.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/liveroomhub/hub/internal/v1/batcher"
	"github.com/liveroomhub/hub/internal/v1/bus"
	"github.com/liveroomhub/hub/internal/v1/ratelimit"
	"github.com/liveroomhub/hub/internal/v1/roomhub"
	"github.com/liveroomhub/hub/internal/v1/wireproto"
)

// ErrRateLimited is returned when the sender's tier/cooldown rejects the
// message before it ever reaches the room's history.
var ErrRateLimited = errors.New("chat: rate limited")

// maxMessageLength bounds a single chat message; longer text is truncated
// rather than rejected outright.
const maxMessageLength = 500

// Service wires roomhub's bounded chat FIFO to the rate limiter and the
// outbound batcher.
type Service struct {
	rooms   *roomhub.Manager
	limiter *ratelimit.Limiter
	batch   *batcher.Batcher
	bus     *bus.Bus
}

// New constructs a Service.
func New(rooms *roomhub.Manager, limiter *ratelimit.Limiter, batch *batcher.Batcher, b *bus.Bus) *Service {
	return &Service{rooms: rooms, limiter: limiter, batch: batch, bus: b}
}

// Post validates, rate-limits, records, and fans out one chat message from
// senderID in roomID.
func (s *Service) Post(ctx context.Context, senderID, roomID string, tier ratelimit.Tier, username, text string, isStreamer bool) (roomhub.ChatMessage, error) {
	if s.limiter != nil {
		dec := s.limiter.CheckMessage(ctx, senderID, tier, "chat-message")
		if !dec.Allowed {
			return roomhub.ChatMessage{}, ErrRateLimited
		}
	}

	text = strings.TrimSpace(text)
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	if text == "" {
		return roomhub.ChatMessage{}, errors.New("chat: empty message")
	}

	stamped, err := s.rooms.PostChat(roomID, roomhub.ChatMessage{
		Username:   username,
		Text:       text,
		IsStreamer: isStreamer,
	})
	if err != nil {
		return roomhub.ChatMessage{}, err
	}

	s.fanOut(ctx, roomID, stamped)
	return stamped, nil
}

// fanOut hands the message to the batcher (priority normal, 100ms window)
// for local delivery and to the bus for cross-shard instances hosting other
// viewers of the same room.
func (s *Service) fanOut(ctx context.Context, roomID string, msg roomhub.ChatMessage) {
	out := wireproto.ChatMessage{
		ID:         msg.ID,
		Username:   msg.Username,
		Message:    msg.Text,
		Timestamp:  msg.Timestamp.UnixMilli(),
		IsSystem:   msg.IsSystem,
		IsStreamer: msg.IsStreamer,
	}
	frame, err := wireproto.Encode(wireproto.EventChatMessage, out, "")
	if err != nil {
		return
	}

	if s.batch != nil {
		s.batch.Enqueue(ctx, roomID, batcher.Item{Priority: batcher.PriorityNormal, Payload: frame})
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, bus.ChannelChatMessages, bus.TypeChatPosted, roomID, "", string(frame))
	}
}

// Recent returns up to limit of roomID's most recent chat messages, oldest
// first, in wireproto's outbound shape.
func (s *Service) Recent(roomID string, limit int) ([]wireproto.ChatMessage, error) {
	msgs, err := s.rooms.RecentChats(roomID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]wireproto.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireproto.ChatMessage{
			ID:         m.ID,
			Username:   m.Username,
			Message:    m.Text,
			Timestamp:  m.Timestamp.UnixMilli(),
			IsSystem:   m.IsSystem,
			IsStreamer: m.IsStreamer,
		})
	}
	return out, nil
}
