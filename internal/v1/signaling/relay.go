// Package signaling relays Offer/Answer/ICE candidate messages between a
// room's streamer and its viewers, including cross-shard delivery over the
// bus and peer connection-health bookkeeping.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/liveroomhub/hub/internal/v1/bus"
	"github.com/liveroomhub/hub/internal/v1/conn"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/roomhub"
	"github.com/liveroomhub/hub/internal/v1/wireproto"
	"go.uber.org/zap"
)

// ErrNotStreamer is returned when a non-streamer attempts to fan out an offer.
var ErrNotStreamer = errors.New("signaling: sender is not the seated streamer")

// ErrNotViewer is returned when a non-viewer attempts to answer.
var ErrNotViewer = errors.New("signaling: sender is not a viewer of this room")

// Relay wires wireproto offer/answer/ice payloads to local sessions, falling
// back to the bus for peers connected to another instance.
type Relay struct {
	rooms    *roomhub.Manager
	registry *conn.Registry
	bus      *bus.Bus
	serverID string
}

// New constructs a Relay.
func New(rooms *roomhub.Manager, registry *conn.Registry, b *bus.Bus, serverID string) *Relay {
	return &Relay{rooms: rooms, registry: registry, bus: b, serverID: serverID}
}

// HandleOffer fans an offer out to every current viewer of roomID. Only the
// seated streamer may call this.
func (rl *Relay) HandleOffer(ctx context.Context, streamerID, roomID string, offer []byte) error {
	room, ok := rl.rooms.RoomSnapshot(roomID)
	if !ok || room.StreamerID != streamerID {
		return ErrNotStreamer
	}

	out := wireproto.OfferOutPayload{Offer: offer, StreamerID: streamerID, Timestamp: time.Now().UnixMilli()}
	frame, err := wireproto.Encode(wireproto.EventOffer, out, "")
	if err != nil {
		return err
	}

	rl.deliverToRoom(ctx, roomID, streamerID, frame)
	metrics.SignalingRelayedTotal.WithLabelValues("offer", "ok").Inc()
	return nil
}

// HandleAnswer delivers a targeted answer from a viewer to the room's
// streamer, verifying the sender is a viewer of that room.
func (rl *Relay) HandleAnswer(ctx context.Context, viewerID, roomID, streamerID string, answer []byte) error {
	room, ok := rl.rooms.RoomSnapshot(roomID)
	if !ok || !room.HasViewer(viewerID) {
		metrics.SignalingRelayedTotal.WithLabelValues("answer", "rejected").Inc()
		return ErrNotViewer
	}
	if room.StreamerID != streamerID {
		metrics.SignalingRelayedTotal.WithLabelValues("answer", "rejected").Inc()
		return ErrNotStreamer
	}

	out := wireproto.AnswerOutPayload{Answer: answer, ViewerID: viewerID, Timestamp: time.Now().UnixMilli()}
	frame, err := wireproto.Encode(wireproto.EventAnswer, out, "")
	if err != nil {
		return err
	}

	rl.deliverToPeer(ctx, streamerID, roomID, bus.TypeWebrtcAnswer, frame)
	metrics.SignalingRelayedTotal.WithLabelValues("answer", "ok").Inc()
	return nil
}

// HandleIceCandidate relays a candidate either to a single targetID or,
// absent a target, fanned out to the room (the mode a streamer uses).
// Sender identity is always attached server-side; senderID comes from the
// authenticated session, never the client payload.
func (rl *Relay) HandleIceCandidate(ctx context.Context, senderID, roomID, targetID string, candidate []byte) error {
	out := wireproto.IceCandidateOutPayload{Candidate: candidate, SenderID: senderID, Timestamp: time.Now().UnixMilli()}
	frame, err := wireproto.Encode(wireproto.EventIceCandidate, out, "")
	if err != nil {
		return err
	}

	if targetID != "" {
		rl.deliverToPeer(ctx, targetID, roomID, bus.TypeWebrtcIce, frame)
	} else {
		rl.deliverToRoom(ctx, roomID, senderID, frame)
	}
	metrics.SignalingRelayedTotal.WithLabelValues("ice-candidate", "ok").Inc()
	return nil
}

// deliverToPeer sends frame to targetID if local, else publishes on the bus
// for the owning instance to deliver. Echo suppression is handled by bus.Bus.
func (rl *Relay) deliverToPeer(ctx context.Context, targetID, roomID, busType string, frame []byte) {
	if s, ok := rl.registry.Get(targetID); ok {
		s.Send(frame)
		return
	}
	if rl.bus == nil {
		return
	}
	if err := rl.bus.Publish(ctx, bus.ChannelWebrtcSignaling, busType, roomID, targetID, string(frame)); err != nil {
		logging.Warn(ctx, "signaling: cross-shard publish failed", zap.String("target_id", targetID), zap.Error(err))
	}
}

// deliverToRoom fans frame out to every locally-registered session in
// roomID except excludePeerID, the sender.
func (rl *Relay) deliverToRoom(ctx context.Context, roomID, excludePeerID string, frame []byte) {
	for _, s := range rl.registry.InRoom(roomID) {
		if s.PeerID == excludePeerID {
			continue
		}
		s.Send(frame)
	}
	if rl.bus == nil {
		return
	}
	if err := rl.bus.Publish(ctx, bus.ChannelWebrtcSignaling, bus.TypeWebrtcOffer, roomID, "", string(frame)); err != nil {
		logging.Warn(ctx, "signaling: room fan-out publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// HandleConnectionHealth applies a viewer- or streamer-reported health
// status for roomID. A viewer going failing/lost notifies the streamer with
// viewer-disconnected; a streamer going failing/lost notifies every viewer
// with stream-ended(reason=streamer_disconnected), and those viewers are
// left free to remain in the room awaiting a reconnect.
func (rl *Relay) HandleConnectionHealth(ctx context.Context, senderID, roomID, status string) {
	if status != "failing" && status != "lost" {
		return
	}
	room, ok := rl.rooms.RoomSnapshot(roomID)
	if !ok {
		return
	}

	if room.StreamerID == senderID {
		out := wireproto.StreamEndedPayload{Reason: "streamer_disconnected", ReconnectPossible: true}
		frame, err := wireproto.Encode(wireproto.EventStreamEnded, out, "")
		if err != nil {
			logging.Warn(ctx, "signaling: failed to encode stream-ended", zap.Error(err))
			return
		}
		rl.deliverToRoom(ctx, roomID, senderID, frame)
		metrics.SignalingRelayedTotal.WithLabelValues("health-streamer", status).Inc()
		return
	}

	if room.HasViewer(senderID) {
		out := wireproto.ViewerDisconnectedPayload{PeerID: senderID, Status: status}
		frame, err := wireproto.Encode(wireproto.EventViewerDisconnected, out, "")
		if err != nil {
			logging.Warn(ctx, "signaling: failed to encode viewer-disconnected", zap.Error(err))
			return
		}
		rl.deliverToPeer(ctx, room.StreamerID, roomID, bus.TypeWebrtcIce, frame)
		metrics.SignalingRelayedTotal.WithLabelValues("health-viewer", status).Inc()
	}
}

// WireCrossShardDelivery subscribes to the signaling channel and delivers
// envelopes targeted at a peer connected to this instance.
func (rl *Relay) WireCrossShardDelivery() {
	rl.bus.On(bus.ChannelWebrtcSignaling, func(e bus.Envelope) {
		var frame string
		if err := json.Unmarshal(e.Payload, &frame); err != nil {
			return
		}

		if e.TargetID == "" {
			for _, s := range rl.registry.InRoom(e.RoomID) {
				s.Send([]byte(frame))
			}
			return
		}
		if s, ok := rl.registry.Get(e.TargetID); ok {
			s.Send([]byte(frame))
		}
	})
}
