package roomhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/liveroomhub/hub/internal/v1/bus"
	"github.com/liveroomhub/hub/internal/v1/cache"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/shard"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a room has no local state and the caller did
// not create-on-demand (e.g. AcceptUser against an unknown room).
var ErrNotFound = errors.New("roomhub: room not found")

// ErrNotStreamer is returned when a non-seated-streamer peer attempts a
// streamer-only operation.
var ErrNotStreamer = errors.New("roomhub: caller is not the seated streamer")

// Manager is the authoritative Room Manager: it owns every locally-hosted
// Room, serializes mutations per room, and mirrors state onto the bus and
// cache so other instances and future reads stay consistent.
type Manager struct {
	router *shard.Router
	bus    *bus.Bus
	cache  *cache.Cache

	mu              sync.Mutex
	rooms           map[string]*Room
	pendingCleanups map[string]*time.Timer

	cleanupGracePeriod time.Duration
	approvalTTL        time.Duration
}

// Options configures a Manager.
type Options struct {
	CleanupGracePeriod time.Duration
	ApprovalTTL        time.Duration
}

// New constructs a Manager. router/b/c may individually be nil in
// single-instance mode — see the Shard Router and Cross-Server Bus designs.
func New(router *shard.Router, b *bus.Bus, c *cache.Cache, opts Options) *Manager {
	if opts.CleanupGracePeriod <= 0 {
		opts.CleanupGracePeriod = 5 * time.Second
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = defaultApprovalTTL
	}
	return &Manager{
		router:             router,
		bus:                b,
		cache:              c,
		rooms:              make(map[string]*Room),
		pendingCleanups:    make(map[string]*time.Timer),
		cleanupGracePeriod: opts.CleanupGracePeriod,
		approvalTTL:        opts.ApprovalTTL,
	}
}

// routeOrLocal checks shard ownership before touching local state. Join
// calls this first; the other mutating methods act only on rooms already
// held locally and do not consult the shard router.
func (m *Manager) routeOrLocal(ctx context.Context, roomID string) (local bool, result JoinResult, err error) {
	if m.router == nil {
		return true, JoinResult{}, nil
	}
	decision, routeErr := m.router.Route(ctx, roomID)
	if routeErr != nil {
		if errors.Is(routeErr, shard.ErrUnavailable) {
			return false, JoinResult{Outcome: OutcomeRejected, Reason: "UNAVAILABLE"}, nil
		}
		return false, JoinResult{}, routeErr
	}
	if !decision.Local {
		return false, JoinResult{Outcome: OutcomeRedirect, TargetServer: decision.TargetServer}, nil
	}
	return true, JoinResult{}, nil
}

func (m *Manager) getOrCreateRoom(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[roomID]; ok {
		if timer, pending := m.pendingCleanups[roomID]; pending {
			timer.Stop()
			delete(m.pendingCleanups, roomID)
		}
		return r
	}

	r := newRoom(roomID)
	m.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	m.emitBus(context.Background(), bus.ChannelRoomEvents, bus.TypeRoomCreated, roomID, "", nil)
	return r
}

func (m *Manager) getRoom(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// scheduleCleanupIfEmpty arms (or re-arms) the grace-period deletion timer
// for roomID if, after the grace period elapses, the room is still empty.
func (m *Manager) scheduleCleanupIfEmpty(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := r.isEmptyLocked()
	r.mu.Unlock()
	if !empty {
		return
	}

	if timer, pending := m.pendingCleanups[roomID]; pending {
		timer.Stop()
	}

	timer := time.AfterFunc(m.cleanupGracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		r, ok := m.rooms[roomID]
		if !ok {
			delete(m.pendingCleanups, roomID)
			return
		}
		r.mu.Lock()
		stillEmpty := r.isEmptyLocked()
		r.mu.Unlock()

		if stillEmpty {
			delete(m.rooms, roomID)
			delete(m.pendingCleanups, roomID)
			metrics.ActiveRooms.Dec()
			metrics.RoomViewers.DeleteLabelValues(roomID)
			metrics.RoomPendingQueue.DeleteLabelValues(roomID)
			m.emitBus(context.Background(), bus.ChannelRoomEvents, bus.TypeRoomDestroyed, roomID, "", nil)
			if m.cache != nil {
				m.cache.InvalidateTag(context.Background(), "room:"+roomID)
			}
		} else {
			delete(m.pendingCleanups, roomID)
		}
	})
	m.pendingCleanups[roomID] = timer
}

func (m *Manager) emitBus(ctx context.Context, channel, msgType, roomID, targetID string, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, msgType, roomID, targetID, payload); err != nil {
		logging.Warn(ctx, "roomhub: bus publish failed (best-effort)", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (m *Manager) refreshCache(roomID string) {
	if m.cache == nil {
		return
	}
	r, ok := m.getRoom(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	viewerCount := r.currentViewerCountLocked()
	data, _ := json.Marshal(viewerCount)
	r.mu.Unlock()

	m.cache.Set(context.Background(), "room:"+roomID+":count", data,
		[]string{"room:" + roomID, "room:" + roomID + ":count"}, nil)
}

// Join admits or queues peerId per the room manager's join contract.
func (m *Manager) Join(ctx context.Context, peerID, username, roomID string, isStreamer bool, clientIP string) JoinResult {
	local, result, err := m.routeOrLocal(ctx, roomID)
	if err != nil || !local {
		return result
	}

	r := m.getOrCreateRoom(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if isStreamer {
		if r.streamer != nil {
			return JoinResult{Outcome: OutcomeRejected, Reason: ReasonStreamerPresent}
		}
		r.streamer = &Streamer{PeerID: peerID, Username: username, SessionStart: time.Now()}
		r.stats.StartedAt = time.Now()
		m.emitBus(ctx, bus.ChannelRoomEvents, bus.TypeUserJoined, roomID, peerID, username)
		return JoinResult{Outcome: OutcomeAdmittedStreamer}
	}

	if r.settings.AutoAccept || r.streamer == nil {
		if len(r.viewers) >= maxInt(r.settings.MaxViewers, 1) {
			return JoinResult{Outcome: OutcomeRejected, Reason: ReasonRoomFull}
		}
		r.addViewerLocked(&Viewer{PeerID: peerID, Username: username, JoinedAt: time.Now()})
		metrics.RoomViewers.WithLabelValues(roomID).Set(float64(r.currentViewerCountLocked()))
		m.emitBus(ctx, bus.ChannelUserEvents, bus.TypeUserJoined, roomID, peerID, username)
		go m.refreshCache(roomID)
		return JoinResult{Outcome: OutcomeAdmittedViewer}
	}

	r.addPendingLocked(PendingApproval{PeerID: peerID, Username: username, CreatedAt: time.Now()})
	metrics.RoomPendingQueue.WithLabelValues(roomID).Set(float64(r.pendingOrder.Len()))
	if r.streamer != nil {
		m.emitBus(ctx, bus.ChannelUserEvents, "join:request", roomID, r.streamer.PeerID, username)
	}
	return JoinResult{Outcome: OutcomePendingApproval}
}

// AcceptUser moves targetPeerID from pendingApprovals to viewers. Only the
// seated streamer may call this.
func (m *Manager) AcceptUser(ctx context.Context, streamerID, targetPeerID, roomID string) (bool, error) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return false, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streamer == nil || r.streamer.PeerID != streamerID {
		return false, ErrNotStreamer
	}

	pending, ok := r.removePendingLocked(targetPeerID)
	if !ok {
		return false, nil
	}

	r.addViewerLocked(&Viewer{PeerID: pending.PeerID, Username: pending.Username, JoinedAt: time.Now()})
	metrics.RoomViewers.WithLabelValues(roomID).Set(float64(r.currentViewerCountLocked()))
	metrics.RoomPendingQueue.WithLabelValues(roomID).Set(float64(r.pendingOrder.Len()))

	m.emitBus(ctx, bus.ChannelUserEvents, "join:accepted", roomID, pending.PeerID, pending.Username)
	m.emitBus(ctx, bus.ChannelUserEvents, bus.TypeUserJoined, roomID, pending.PeerID, pending.Username)
	go m.refreshCache(roomID)
	return true, nil
}

// RejectUser removes targetPeerID from pendingApprovals.
func (m *Manager) RejectUser(ctx context.Context, streamerID, targetPeerID, roomID string) error {
	r, ok := m.getRoom(roomID)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streamer == nil || r.streamer.PeerID != streamerID {
		return ErrNotStreamer
	}

	if _, ok := r.removePendingLocked(targetPeerID); ok {
		metrics.RoomPendingQueue.WithLabelValues(roomID).Set(float64(r.pendingOrder.Len()))
		m.emitBus(ctx, bus.ChannelUserEvents, "join:rejected", roomID, targetPeerID, nil)
	}
	return nil
}

// AcceptAll admits every pending waiter in insertion order.
func (m *Manager) AcceptAll(ctx context.Context, streamerID, roomID string) (int, error) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streamer == nil || r.streamer.PeerID != streamerID {
		return 0, ErrNotStreamer
	}

	waiters := r.pendingInOrderLocked()
	for _, p := range waiters {
		r.removePendingLocked(p.PeerID)
		r.addViewerLocked(&Viewer{PeerID: p.PeerID, Username: p.Username, JoinedAt: time.Now()})
	}
	metrics.RoomViewers.WithLabelValues(roomID).Set(float64(r.currentViewerCountLocked()))
	metrics.RoomPendingQueue.WithLabelValues(roomID).Set(0)

	if len(waiters) > 0 {
		m.emitBus(ctx, bus.ChannelUserEvents, "join:accepted", roomID, "", len(waiters))
		go m.refreshCache(roomID)
	}
	return len(waiters), nil
}

// RejectAll clears every pending waiter with a single combined notification.
func (m *Manager) RejectAll(ctx context.Context, streamerID, roomID string) (int, error) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streamer == nil || r.streamer.PeerID != streamerID {
		return 0, ErrNotStreamer
	}

	waiters := r.pendingInOrderLocked()
	for _, p := range waiters {
		r.removePendingLocked(p.PeerID)
	}
	metrics.RoomPendingQueue.WithLabelValues(roomID).Set(0)

	if len(waiters) > 0 {
		m.emitBus(ctx, bus.ChannelUserEvents, "join:rejected", roomID, "", len(waiters))
	}
	return len(waiters), nil
}

// UpdateAutoAccept is streamer-only. Transitioning false->true drains the
// pending queue in insertion order.
func (m *Manager) UpdateAutoAccept(ctx context.Context, streamerID, roomID string, autoAccept bool) error {
	r, ok := m.getRoom(roomID)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()

	if r.streamer == nil || r.streamer.PeerID != streamerID {
		r.mu.Unlock()
		return ErrNotStreamer
	}

	wasOff := !r.settings.AutoAccept
	r.settings.AutoAccept = autoAccept

	var drained []*PendingApproval
	if wasOff && autoAccept {
		drained = r.pendingInOrderLocked()
		for _, p := range drained {
			r.removePendingLocked(p.PeerID)
			r.addViewerLocked(&Viewer{PeerID: p.PeerID, Username: p.Username, JoinedAt: time.Now()})
		}
		metrics.RoomViewers.WithLabelValues(roomID).Set(float64(r.currentViewerCountLocked()))
		metrics.RoomPendingQueue.WithLabelValues(roomID).Set(0)
	}
	r.mu.Unlock()

	if len(drained) > 0 {
		m.emitBus(ctx, bus.ChannelUserEvents, "join:accepted", roomID, "", len(drained))
		go m.refreshCache(roomID)
	}
	return nil
}

// Leave runs the Leave contract for peerID in roomID: clears the streamer
// seat, removes a viewer, or drops a pending entry, whichever applies, then
// schedules grace-period cleanup if the room is now empty.
func (m *Manager) Leave(ctx context.Context, peerID, roomID string) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return
	}

	r.mu.Lock()
	wasStreamer := r.streamer != nil && r.streamer.PeerID == peerID
	if wasStreamer {
		r.streamer = nil
		r.stats.EndedAt = time.Now()
	} else if _, ok := r.viewers[peerID]; ok {
		r.removeViewerLocked(peerID)
		metrics.RoomViewers.WithLabelValues(roomID).Set(float64(r.currentViewerCountLocked()))
	}
	r.removePendingLocked(peerID)
	metrics.RoomPendingQueue.WithLabelValues(roomID).Set(float64(r.pendingOrder.Len()))
	r.mu.Unlock()

	if wasStreamer {
		m.emitBus(ctx, bus.ChannelRoomEvents, bus.TypeStreamEnded, roomID, "", nil)
	} else {
		m.emitBus(ctx, bus.ChannelUserEvents, bus.TypeUserLeft, roomID, peerID, nil)
	}

	m.scheduleCleanupIfEmpty(roomID)
}

// PostChat appends a chat message to roomID's bounded FIFO and returns the
// stamped message (with its assigned ID).
func (m *Manager) PostChat(roomID string, msg ChatMessage) (ChatMessage, error) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return ChatMessage{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.Timestamp = time.Now()
	stamped := r.addMessageLocked(msg)
	metrics.ChatMessagesTotal.WithLabelValues(roomID).Inc()
	return stamped, nil
}

// RecentChats returns up to limit of roomID's most recent chat messages.
func (m *Manager) RecentChats(roomID string, limit int) ([]ChatMessage, error) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentMessagesLocked(limit), nil
}

// TimedOutApproval identifies a pending-approval entry evicted by Tick after
// sitting in the queue past approvalTTL.
type TimedOutApproval struct {
	RoomID string
	PeerID string
}

// Tick sweeps every locally-owned room: it times out pending approvals older
// than approvalTTL (reporting each so the caller can notify the waiting
// session with join-rejected(reason=TIMEOUT)), refreshes cached state, and
// schedules cleanup for rooms that have gone empty.
func (m *Manager) Tick(ctx context.Context) []TimedOutApproval {
	m.mu.Lock()
	roomIDs := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		roomIDs = append(roomIDs, id)
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.approvalTTL)
	var expired []TimedOutApproval

	for _, roomID := range roomIDs {
		r, ok := m.getRoom(roomID)
		if !ok {
			continue
		}

		r.mu.Lock()
		var timedOut []string
		for _, p := range r.pendingInOrderLocked() {
			if p.CreatedAt.Before(cutoff) {
				timedOut = append(timedOut, p.PeerID)
			}
		}
		for _, id := range timedOut {
			r.removePendingLocked(id)
		}
		if len(timedOut) > 0 {
			metrics.RoomPendingQueue.WithLabelValues(roomID).Set(float64(r.pendingOrder.Len()))
		}
		r.mu.Unlock()

		for _, id := range timedOut {
			m.emitBus(ctx, bus.ChannelUserEvents, "join:rejected", roomID, id, "TIMEOUT")
			expired = append(expired, TimedOutApproval{RoomID: roomID, PeerID: id})
		}

		go m.refreshCache(roomID)
		m.scheduleCleanupIfEmpty(roomID)
	}
	return expired
}

// RoomInfo is a read-only membership snapshot of a room, safe to inspect
// without holding the Manager's or the Room's locks.
type RoomInfo struct {
	StreamerID string
	viewerIDs  map[string]struct{}
}

// HasViewer reports whether peerID was an admitted viewer at snapshot time.
func (ri RoomInfo) HasViewer(peerID string) bool {
	_, ok := ri.viewerIDs[peerID]
	return ok
}

// ViewerCount returns the number of admitted viewers at snapshot time.
func (ri RoomInfo) ViewerCount() int {
	return len(ri.viewerIDs)
}

// RoomSnapshot returns a point-in-time membership snapshot of roomID, used
// by callers outside roomhub (e.g. the signaling relay) to validate sender
// identity before relaying an offer, answer, or ICE candidate.
func (m *Manager) RoomSnapshot(roomID string) (RoomInfo, bool) {
	r, ok := m.getRoom(roomID)
	if !ok {
		return RoomInfo{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{viewerIDs: make(map[string]struct{}, len(r.viewers))}
	if r.streamer != nil {
		info.StreamerID = r.streamer.PeerID
	}
	for id := range r.viewers {
		info.viewerIDs[id] = struct{}{}
	}
	return info, true
}

// RoomSummary is the per-room listing entry returned by ListRooms.
type RoomSummary struct {
	RoomID       string `json:"roomId"`
	StreamerID   string `json:"streamerId,omitempty"`
	ViewerCount  int    `json:"viewerCount"`
	PendingCount int    `json:"pendingCount"`
}

// ListRooms returns a point-in-time summary of every room this instance
// hosts locally. It does not reach across shards: in a clustered
// deployment each instance only reports the rooms it owns.
func (m *Manager) ListRooms() []RoomSummary {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		summary := RoomSummary{
			RoomID:       r.ID,
			ViewerCount:  len(r.viewers),
			PendingCount: r.pendingOrder.Len(),
		}
		if r.streamer != nil {
			summary.StreamerID = r.streamer.PeerID
		}
		r.mu.Unlock()
		out = append(out, summary)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
