// Package conn owns the per-connection Session: the WebSocket pump
// goroutines, role/status bookkeeping, and the cascade cleanup that runs on
// disconnect.
package conn

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"go.uber.org/zap"
)

// Role mirrors roomhub.Role without importing it, keeping conn free of a
// dependency cycle; the two are kept in lockstep by the handler that bridges
// them.
type Role string

const (
	RoleStreamer  Role = "streamer"
	RoleViewer    Role = "viewer"
	RolePending   Role = "pending"
	RoleAnonymous Role = "anonymous"
)

// Status is a session's connection lifecycle state.
type Status string

const (
	StatusActive          Status = "active"
	StatusPendingApproval Status = "pending_approval"
	StatusConnected       Status = "connected"
	StatusFailed          Status = "failed"
	StatusClosed          Status = "closed"
)

// Timestamps tracks when each kind of event last happened on this session.
type Timestamps struct {
	Joined     time.Time
	LastOffer  time.Time
	LastAnswer time.Time
	LastIce    time.Time
	LastHealth time.Time
}

// Router dispatches one decoded inbound frame for a session. Implemented by
// whatever wires the wireproto envelope to roomhub/signaling/chat.
type Router interface {
	Route(ctx context.Context, s *Session, raw []byte)
}

// Disconnector runs cascade cleanup for a session that has gone away.
type Disconnector interface {
	Disconnect(ctx context.Context, s *Session)
}

// wsConn is the subset of *websocket.Conn a Session needs, allowing tests to
// substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
	SetWriteDeadline(time.Time) error
	SetReadDeadline(time.Time) error
}

// Session is one live connection: a fresh UUID, baseline anonymous role, and
// the mutable state a join-room/offer/answer/ice/health sequence updates.
type Session struct {
	PeerID   string
	conn     wsConn
	send     chan []byte
	router   Router
	disc     Disconnector

	mu       sync.RWMutex
	Username string
	RoomID   string
	Role     Role
	ClientIP string
	UserType string
	Status   Status
	Stamps   Timestamps
	ICECount int
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
)

// New constructs a Session around an upgraded connection with a fresh
// connection-scoped UUID and baseline anonymous userType.
func New(c wsConn, clientIP string, router Router, disc Disconnector) *Session {
	return &Session{
		PeerID:   uuid.NewString(),
		conn:     c,
		send:     make(chan []byte, sendBufferSize),
		router:   router,
		disc:     disc,
		Role:     RoleAnonymous,
		ClientIP: clientIP,
		UserType: "anonymous",
		Status:   StatusActive,
		Stamps:   Timestamps{Joined: time.Now()},
	}
}

// Upgrader builds a websocket.Upgrader whose CheckOrigin validates against
// an explicit allow-list, never a blanket allow.
func Upgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients (server-to-server, test tools)
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
	}
}

// SetRole thread-safely updates the session's role.
func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Role = r
}

// GetRole thread-safely reads the session's role.
func (s *Session) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Role
}

// SetStatus thread-safely updates the session's connection-lifecycle status.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = st
}

// GetStatus thread-safely reads the session's connection-lifecycle status.
func (s *Session) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// SetRoom thread-safely updates the session's room membership.
func (s *Session) SetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RoomID = roomID
}

// GetRoom thread-safely reads the session's room membership.
func (s *Session) GetRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.RoomID
}

// TouchOffer/TouchAnswer/TouchIce/TouchHealth stamp the corresponding
// timestamp and, for ICE, bump the running count.
func (s *Session) TouchOffer()  { s.mu.Lock(); s.Stamps.LastOffer = time.Now(); s.mu.Unlock() }
func (s *Session) TouchAnswer() { s.mu.Lock(); s.Stamps.LastAnswer = time.Now(); s.mu.Unlock() }
func (s *Session) TouchIce() {
	s.mu.Lock()
	s.Stamps.LastIce = time.Now()
	s.ICECount++
	s.mu.Unlock()
}
func (s *Session) TouchHealth() { s.mu.Lock(); s.Stamps.LastHealth = time.Now(); s.mu.Unlock() }

// Send enqueues a frame for writePump, dropping it rather than blocking if
// the client's buffer is saturated.
func (s *Session) Send(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		logging.Warn(context.Background(), "conn: send buffer full, dropping frame", zap.String("peer_id", s.PeerID))
		return false
	}
}

// ReadPump blocks reading inbound frames and routing them until the
// connection errors or closes, then runs cascade cleanup exactly once.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.disc.Disconnect(ctx, s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.router.Route(ctx, s, data)
	}
}

// WritePump drains the send channel to the socket and pings on an interval
// to keep intermediaries from timing the connection out.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close ends the session's send loop, triggering WritePump's clean exit.
func (s *Session) Close() {
	s.mu.Lock()
	s.Status = StatusClosed
	s.mu.Unlock()
	close(s.send)
}
