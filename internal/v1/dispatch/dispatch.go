// Package dispatch decodes inbound wireproto frames and routes each to the
// room manager, signaling relay, or chat service, gating every message on
// the rate limiter first.
package dispatch

import (
	"context"
	"time"

	"github.com/liveroomhub/hub/internal/v1/chat"
	"github.com/liveroomhub/hub/internal/v1/conn"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/ratelimit"
	"github.com/liveroomhub/hub/internal/v1/roomhub"
	"github.com/liveroomhub/hub/internal/v1/signaling"
	"github.com/liveroomhub/hub/internal/v1/wireproto"
	"go.uber.org/zap"
)

// Router implements conn.Router and conn.Disconnector, wiring a Session's
// inbound frames to the domain services and running cascade cleanup when
// the connection goes away.
type Router struct {
	rooms    *roomhub.Manager
	relay    *signaling.Relay
	chat     *chat.Service
	limiter  *ratelimit.Limiter
	registry *conn.Registry
}

// New constructs a Router. limiter may be nil to disable rate limiting
// (tests, or a deliberately unthrottled deployment).
func New(rooms *roomhub.Manager, relay *signaling.Relay, chatSvc *chat.Service, limiter *ratelimit.Limiter, registry *conn.Registry) *Router {
	return &Router{rooms: rooms, relay: relay, chat: chatSvc, limiter: limiter, registry: registry}
}

// Route decodes raw and dispatches it by event name. Satisfies conn.Router.
func (d *Router) Route(ctx context.Context, s *conn.Session, raw []byte) {
	msg, err := wireproto.Decode(raw)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("unknown", "decode_error").Inc()
		return
	}

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
	}()

	if d.limiter != nil {
		if dec := d.limiter.CheckIP(ctx, s.ClientIP); !dec.Allowed {
			d.sendError(s, dec.Reason)
			metrics.WebsocketEvents.WithLabelValues(msg.Event, "rejected").Inc()
			return
		}
		if dec := d.limiter.CheckMessage(ctx, s.PeerID, tierFor(s), msg.Event); !dec.Allowed {
			d.sendError(s, dec.Reason)
			metrics.WebsocketEvents.WithLabelValues(msg.Event, "rejected").Inc()
			return
		}
	}

	switch msg.Event {
	case wireproto.EventJoinRoom:
		d.handleJoinRoom(ctx, s, msg)
	case wireproto.EventLeaveRoom:
		d.handleLeaveRoom(ctx, s)
	case wireproto.EventChatMessage:
		d.handleChatMessage(ctx, s, msg)
	case wireproto.EventUpdateAutoAccept:
		d.handleUpdateAutoAccept(ctx, s, msg)
	case wireproto.EventAcceptUser:
		d.handleAcceptUser(ctx, s, msg)
	case wireproto.EventRejectUser:
		d.handleRejectUser(ctx, s, msg)
	case wireproto.EventAcceptAll:
		d.handleAcceptAll(ctx, s, msg)
	case wireproto.EventRejectAll:
		d.handleRejectAll(ctx, s, msg)
	case wireproto.EventOffer:
		d.handleOffer(ctx, s, msg)
	case wireproto.EventAnswer:
		d.handleAnswer(ctx, s, msg)
	case wireproto.EventIceCandidate:
		d.handleIceCandidate(ctx, s, msg)
	case wireproto.EventConnectionHealth:
		d.handleConnectionHealth(ctx, s, msg)
	default:
		metrics.WebsocketEvents.WithLabelValues(msg.Event, "unknown").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(msg.Event, "success").Inc()
}

// Disconnect runs cascade cleanup: leave the room the session was in (if
// any) and drop it from the local registry. Satisfies conn.Disconnector.
func (d *Router) Disconnect(ctx context.Context, s *conn.Session) {
	if roomID := s.GetRoom(); roomID != "" {
		d.leaveRoomAndNotify(ctx, s, roomID)
	}
	d.registry.Remove(s.PeerID)
}

func (d *Router) handleJoinRoom(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.JoinRoomPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}

	result := d.rooms.Join(ctx, s.PeerID, p.Username, p.RoomID, p.IsStreamer, s.ClientIP)
	switch result.Outcome {
	case roomhub.OutcomeAdmittedStreamer:
		s.SetRoom(p.RoomID)
		s.SetRole(conn.RoleStreamer)
		s.SetStatus(conn.StatusConnected)
		s.Username = p.Username
		d.sendEvent(s, wireproto.EventStreamerStatus, wireproto.StreamerStatusPayload{IsStreamer: true})
		d.sendRoomInfo(s, p.RoomID)
	case roomhub.OutcomeAdmittedViewer:
		s.SetRoom(p.RoomID)
		s.SetRole(conn.RoleViewer)
		s.SetStatus(conn.StatusConnected)
		s.Username = p.Username
		d.sendEvent(s, wireproto.EventStreamerStatus, wireproto.StreamerStatusPayload{IsStreamer: false})
		d.sendRoomInfo(s, p.RoomID)
		d.broadcastUserJoined(p.RoomID, s.PeerID, p.Username)
	case roomhub.OutcomePendingApproval:
		s.SetRoom(p.RoomID)
		s.SetRole(conn.RolePending)
		s.SetStatus(conn.StatusPendingApproval)
		s.Username = p.Username
		d.sendEvent(s, wireproto.EventWaitingApproval, struct{}{})
		d.notifyStreamerOfJoinRequest(p.RoomID, s.PeerID, p.Username)
	case roomhub.OutcomeRejected:
		switch result.Reason {
		case roomhub.ReasonRoomFull:
			d.sendEvent(s, wireproto.EventRoomFull, struct{}{})
		case "UNAVAILABLE":
			d.sendEvent(s, wireproto.EventRoomNotFound, struct{}{})
		default:
			d.sendEvent(s, wireproto.EventJoinRejected, wireproto.JoinRejectedPayload{Reason: result.Reason})
		}
	case roomhub.OutcomeRedirect:
		d.sendEvent(s, wireproto.EventRedirectServer, wireproto.RedirectServerPayload{TargetServer: result.TargetServer, RoomID: p.RoomID})
	}
}

// sendRoomInfo replies to a just-admitted session with the room's current
// viewer count and chat backlog.
func (d *Router) sendRoomInfo(s *conn.Session, roomID string) {
	info, ok := d.rooms.RoomSnapshot(roomID)
	if !ok {
		return
	}
	recent, _ := d.chat.Recent(roomID, 50)
	d.sendEvent(s, wireproto.EventRoomInfo, wireproto.RoomInfoPayload{RoomID: roomID, ViewerCount: info.ViewerCount(), Messages: recent})
}

// broadcastUserJoined tells every other locally-connected session in roomID
// that username just joined, carrying the post-join viewer count.
func (d *Router) broadcastUserJoined(roomID, excludePeerID, username string) {
	info, ok := d.rooms.RoomSnapshot(roomID)
	if !ok {
		return
	}
	frame, err := wireproto.Encode(wireproto.EventUserJoined, wireproto.UserJoinedPayload{Username: username, ViewerCount: info.ViewerCount()}, "")
	if err != nil {
		return
	}
	for _, sess := range d.registry.InRoom(roomID) {
		if sess.PeerID == excludePeerID {
			continue
		}
		sess.Send(frame)
	}
}

// notifyStreamerOfJoinRequest tells the seated streamer a viewer is waiting
// on the approval queue, if that streamer is connected to this instance.
func (d *Router) notifyStreamerOfJoinRequest(roomID, peerID, username string) {
	info, ok := d.rooms.RoomSnapshot(roomID)
	if !ok || info.StreamerID == "" {
		return
	}
	streamerSession, ok := d.registry.Get(info.StreamerID)
	if !ok {
		return
	}
	d.sendEvent(streamerSession, wireproto.EventJoinRequest, wireproto.JoinRequestPayload{UserID: peerID, Username: username})
}

// broadcastUserLeft tells every remaining locally-connected session in
// roomID that username just left, carrying the post-leave viewer count.
func (d *Router) broadcastUserLeft(roomID, excludePeerID, username string, wasStreamer bool) {
	info, _ := d.rooms.RoomSnapshot(roomID)
	frame, err := wireproto.Encode(wireproto.EventUserLeft, wireproto.UserLeftPayload{Username: username, ViewerCount: info.ViewerCount(), IsStreamer: wasStreamer}, "")
	if err != nil {
		return
	}
	for _, sess := range d.registry.InRoom(roomID) {
		if sess.PeerID == excludePeerID {
			continue
		}
		sess.Send(frame)
	}
}

// broadcastStreamEnded tells every remaining locally-connected session in
// roomID that the streamer disconnected abruptly, leaving them free to
// remain in the room awaiting a reconnect (mirrors the health-reported path
// in signaling.Relay.HandleConnectionHealth).
func (d *Router) broadcastStreamEnded(roomID, streamerID string) {
	frame, err := wireproto.Encode(wireproto.EventStreamEnded, wireproto.StreamEndedPayload{Reason: "streamer_disconnected", ReconnectPossible: true}, "")
	if err != nil {
		return
	}
	for _, sess := range d.registry.InRoom(roomID) {
		if sess.PeerID == streamerID {
			continue
		}
		sess.Send(frame)
	}
}

// leaveRoomAndNotify runs the room-manager leave and broadcasts the
// corresponding lifecycle notification to the peers left behind.
func (d *Router) leaveRoomAndNotify(ctx context.Context, s *conn.Session, roomID string) {
	role := s.GetRole()
	d.rooms.Leave(ctx, s.PeerID, roomID)
	switch role {
	case conn.RoleStreamer:
		d.broadcastStreamEnded(roomID, s.PeerID)
	case conn.RoleViewer:
		d.broadcastUserLeft(roomID, s.PeerID, s.Username, false)
	}
}

func (d *Router) handleLeaveRoom(ctx context.Context, s *conn.Session) {
	roomID := s.GetRoom()
	if roomID == "" {
		return
	}
	d.leaveRoomAndNotify(ctx, s, roomID)
	s.SetRoom("")
	s.SetRole(conn.RoleAnonymous)
	s.SetStatus(conn.StatusActive)
}

func (d *Router) handleChatMessage(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.ChatMessagePayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	if _, err := d.chat.Post(ctx, s.PeerID, p.RoomID, tierFor(s), s.Username, p.Message, s.GetRole() == conn.RoleStreamer); err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "CHAT_REJECTED", Message: err.Error()})
	}
}

func (d *Router) handleUpdateAutoAccept(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.UpdateAutoAcceptPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	if err := d.rooms.UpdateAutoAccept(ctx, s.PeerID, p.RoomID, p.AutoAccept); err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
	}
}

func (d *Router) handleAcceptUser(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.AcceptUserPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	admitted, err := d.rooms.AcceptUser(ctx, s.PeerID, p.UserID, p.RoomID)
	if err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
		return
	}
	if !admitted {
		return
	}
	if target, ok := d.registry.Get(p.UserID); ok {
		target.SetRole(conn.RoleViewer)
		target.SetStatus(conn.StatusConnected)
		d.sendEvent(target, wireproto.EventJoinAccepted, struct{}{})
		d.sendRoomInfo(target, p.RoomID)
		d.broadcastUserJoined(p.RoomID, target.PeerID, target.Username)
	}
}

func (d *Router) handleRejectUser(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.RejectUserPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	if err := d.rooms.RejectUser(ctx, s.PeerID, p.UserID, p.RoomID); err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
		return
	}
	if target, ok := d.registry.Get(p.UserID); ok {
		d.sendEvent(target, wireproto.EventJoinRejected, wireproto.JoinRejectedPayload{Reason: "REJECTED_BY_STREAMER"})
		target.SetRole(conn.RoleAnonymous)
		target.SetRoom("")
		target.SetStatus(conn.StatusActive)
	}
}

func (d *Router) handleAcceptAll(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.RoomOnlyPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	n, err := d.rooms.AcceptAll(ctx, s.PeerID, p.RoomID)
	if err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
		return
	}
	if n == 0 {
		return
	}
	info, ok := d.rooms.RoomSnapshot(p.RoomID)
	if !ok {
		return
	}
	var promoted []*conn.Session
	for _, sess := range d.registry.InRoom(p.RoomID) {
		if sess.GetRole() == conn.RolePending && info.HasViewer(sess.PeerID) {
			sess.SetRole(conn.RoleViewer)
			sess.SetStatus(conn.StatusConnected)
			d.sendEvent(sess, wireproto.EventJoinAccepted, struct{}{})
			d.sendRoomInfo(sess, p.RoomID)
			promoted = append(promoted, sess)
		}
	}
	for _, sess := range promoted {
		d.broadcastUserJoined(p.RoomID, sess.PeerID, sess.Username)
	}
}

func (d *Router) handleRejectAll(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.RoomOnlyPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	n, err := d.rooms.RejectAll(ctx, s.PeerID, p.RoomID)
	if err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
		return
	}
	if n == 0 {
		return
	}
	for _, sess := range d.registry.InRoom(p.RoomID) {
		if sess.GetRole() != conn.RolePending {
			continue
		}
		d.sendEvent(sess, wireproto.EventJoinRejected, wireproto.JoinRejectedPayload{Reason: "REJECTED_BY_STREAMER"})
		sess.SetRole(conn.RoleAnonymous)
		sess.SetRoom("")
		sess.SetStatus(conn.StatusActive)
	}
}

func (d *Router) handleOffer(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.OfferPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	s.TouchOffer()
	if err := d.relay.HandleOffer(ctx, s.PeerID, p.RoomID, p.Offer); err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
	}
}

func (d *Router) handleAnswer(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.AnswerPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	s.TouchAnswer()
	if err := d.relay.HandleAnswer(ctx, s.PeerID, s.GetRoom(), p.StreamerID, p.Answer); err != nil {
		d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: "FORBIDDEN", Message: err.Error()})
	}
}

func (d *Router) handleIceCandidate(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.IceCandidatePayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	roomID := p.RoomID
	if roomID == "" {
		roomID = s.GetRoom()
	}
	s.TouchIce()
	if err := d.relay.HandleIceCandidate(ctx, s.PeerID, roomID, p.TargetID, p.Candidate); err != nil {
		logging.Warn(ctx, "dispatch: ice relay failed", zap.String("peer_id", s.PeerID), zap.Error(err))
	}
}

func (d *Router) handleConnectionHealth(ctx context.Context, s *conn.Session, msg wireproto.Message) {
	p, err := wireproto.DecodePayload[wireproto.ConnectionHealthPayload](msg)
	if err != nil {
		d.sendError(s, "BAD_PAYLOAD")
		return
	}
	s.TouchHealth()
	if p.Status == "failing" || p.Status == "lost" {
		s.SetStatus(conn.StatusFailed)
	} else if s.GetStatus() == conn.StatusFailed {
		s.SetStatus(conn.StatusConnected)
	}
	d.relay.HandleConnectionHealth(ctx, s.PeerID, s.GetRoom(), p.Status)
}

func (d *Router) sendEvent(s *conn.Session, event string, payload any) {
	frame, err := wireproto.Encode(event, payload, "")
	if err != nil {
		return
	}
	s.Send(frame)
}

func (d *Router) sendError(s *conn.Session, code string) {
	d.sendEvent(s, wireproto.EventError, wireproto.ErrorPayload{Code: code})
}

// tierFor derives a rate-limit tier from a session's role and userType.
func tierFor(s *conn.Session) ratelimit.Tier {
	switch s.GetRole() {
	case conn.RoleStreamer:
		return ratelimit.TierStreamer
	case conn.RoleViewer:
		switch s.UserType {
		case "premium_viewer":
			return ratelimit.TierPremiumViewer
		case "moderator":
			return ratelimit.TierModerator
		default:
			return ratelimit.TierViewer
		}
	default:
		return ratelimit.TierAnonymous
	}
}
