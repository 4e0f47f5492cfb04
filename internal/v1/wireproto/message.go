// Package wireproto defines the client-server message envelope and its
// optional binary mirror.
package wireproto

import "encoding/json"

// Event names carried in Message.Event.
const (
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventChatMessage      = "chat-message"
	EventUpdateAutoAccept = "update-auto-accept"
	EventAcceptUser       = "accept-user"
	EventRejectUser       = "reject-user"
	EventAcceptAll        = "accept-all"
	EventRejectAll        = "reject-all"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventIceCandidate     = "ice-candidate"
	EventConnectionHealth = "connection-health"

	EventRoomInfo       = "room-info"
	EventStreamerStatus = "streamer-status"
	EventWaitingApproval = "waiting-approval"
	EventJoinRequest    = "join-request"
	EventJoinAccepted   = "join-accepted"
	EventJoinRejected   = "join-rejected"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventStreamEnded    = "stream-ended"
	EventError          = "error"
	EventRedirectServer = "redirect-server"
	EventRoomNotFound   = "room-not-found"
	EventRoomFull       = "room-full"
	EventViewerDisconnected = "viewer-disconnected"
)

// Message is the JSON wire envelope, the default on-wire form per the
// external interface spec. CorrelationID is optional and echoed back on
// any direct reply so a client can correlate request/response pairs.
type Message struct {
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Encode marshals an event/payload pair into a Message.
func Encode(event string, payload any, correlationID string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Payload: raw, CorrelationID: correlationID})
}

// Decode unmarshals a raw frame into a Message.
func Decode(raw []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}

// DecodePayload unmarshals a Message's payload into T. Mirrors the
// teacher's generic assertPayload helper: it accepts either json.RawMessage
// (the normal wire path) or an already-typed value (used directly in unit
// tests that build a Message by hand).
func DecodePayload[T any](m Message) (T, error) {
	var out T
	if len(m.Payload) == 0 {
		return out, nil
	}
	err := json.Unmarshal(m.Payload, &out)
	return out, err
}

// Inbound payload shapes.

type JoinRoomPayload struct {
	RoomID     string `json:"roomId"`
	Username   string `json:"username"`
	IsStreamer bool   `json:"isStreamer"`
}

type ChatMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type UpdateAutoAcceptPayload struct {
	RoomID     string `json:"roomId"`
	AutoAccept bool   `json:"autoAccept"`
}

type AcceptUserPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type RejectUserPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// RoomOnlyPayload carries just a room identifier, used by the bulk
// accept-all/reject-all events.
type RoomOnlyPayload struct {
	RoomID string `json:"roomId"`
}

type OfferPayload struct {
	Offer     json.RawMessage `json:"offer"`
	RoomID    string          `json:"roomId"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type AnswerPayload struct {
	Answer      json.RawMessage `json:"answer"`
	StreamerID  string          `json:"streamerId"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

type IceCandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	RoomID    string          `json:"roomId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type ConnectionHealthPayload struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Outbound payload shapes.

type RoomInfoPayload struct {
	RoomID      string        `json:"roomId"`
	ViewerCount int           `json:"viewerCount"`
	Messages    []ChatMessage `json:"messages"`
}

type StreamerStatusPayload struct {
	IsStreamer bool   `json:"isStreamer"`
	Error      string `json:"error,omitempty"`
}

type JoinRequestPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type UserJoinedPayload struct {
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
}

type UserLeftPayload struct {
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
	IsStreamer  bool   `json:"isStreamer"`
}

type ChatMessage struct {
	ID         uint64 `json:"id"`
	Username   string `json:"username"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	IsSystem   bool   `json:"isSystem"`
	IsStreamer bool   `json:"isStreamer"`
}

type OfferOutPayload struct {
	Offer      json.RawMessage `json:"offer"`
	StreamerID string          `json:"streamerId"`
	Timestamp  int64           `json:"timestamp"`
}

type AnswerOutPayload struct {
	Answer    json.RawMessage `json:"answer"`
	ViewerID  string          `json:"viewerId"`
	Timestamp int64           `json:"timestamp"`
}

type IceCandidateOutPayload struct {
	Candidate json.RawMessage `json:"candidate"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
}

type ViewerDisconnectedPayload struct {
	PeerID string `json:"peerId"`
	Status string `json:"status"`
}

type StreamEndedPayload struct {
	Reason            string `json:"reason"`
	Message           string `json:"message,omitempty"`
	ReconnectPossible bool   `json:"reconnectPossible"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type RedirectServerPayload struct {
	TargetServer string `json:"targetServer"`
	RoomID       string `json:"roomId"`
}
