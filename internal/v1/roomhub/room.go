package roomhub

import (
	"container/list"
	"sync"
	"time"
)

// Room is the authoritative, per-instance state for one room. All mutation
// goes through the Manager, which serializes access with mu.
type Room struct {
	ID string
	mu sync.Mutex

	streamer *Streamer
	viewers  map[string]*Viewer

	pendingOrder *list.List               // ordered by insertion; holds *PendingApproval
	pendingByID  map[string]*list.Element // peerId -> element in pendingOrder

	messages *list.List // holds ChatMessage, bounded to maxChatHistory
	nextMsgID uint64

	settings Settings
	stats    Stats
	health   Health
}

func newRoom(id string) *Room {
	return &Room{
		ID:           id,
		viewers:      make(map[string]*Viewer),
		pendingOrder: list.New(),
		pendingByID:  make(map[string]*list.Element),
		messages:     list.New(),
		settings:     Settings{MaxViewers: defaultMaxViewers},
		stats:        Stats{StartedAt: time.Now()},
		health:       Health{Status: HealthHealthy},
	}
}

// isEmptyLocked reports whether the room has no streamer, no viewers, and no
// pending approvals. Caller holds r.mu.
func (r *Room) isEmptyLocked() bool {
	return r.streamer == nil && len(r.viewers) == 0 && r.pendingOrder.Len() == 0
}

func (r *Room) currentViewerCountLocked() int {
	return len(r.viewers)
}

func (r *Room) addPendingLocked(p PendingApproval) {
	elem := r.pendingOrder.PushBack(&p)
	r.pendingByID[p.PeerID] = elem
}

func (r *Room) removePendingLocked(peerID string) (*PendingApproval, bool) {
	elem, ok := r.pendingByID[peerID]
	if !ok {
		return nil, false
	}
	r.pendingOrder.Remove(elem)
	delete(r.pendingByID, peerID)
	return elem.Value.(*PendingApproval), true
}

// pendingInOrderLocked returns a snapshot of pending approvals, oldest first.
func (r *Room) pendingInOrderLocked() []*PendingApproval {
	out := make([]*PendingApproval, 0, r.pendingOrder.Len())
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PendingApproval))
	}
	return out
}

func (r *Room) addViewerLocked(v *Viewer) {
	r.viewers[v.PeerID] = v
	r.stats.TotalViewers++
	r.stats.CurrentViewers = len(r.viewers)
	if r.stats.CurrentViewers > r.stats.PeakViewers {
		r.stats.PeakViewers = r.stats.CurrentViewers
	}
}

func (r *Room) removeViewerLocked(peerID string) {
	delete(r.viewers, peerID)
	r.stats.CurrentViewers = len(r.viewers)
}

func (r *Room) addMessageLocked(msg ChatMessage) ChatMessage {
	r.nextMsgID++
	msg.ID = r.nextMsgID
	r.messages.PushBack(msg)
	for r.messages.Len() > maxChatHistory {
		r.messages.Remove(r.messages.Front())
	}
	return msg
}

func (r *Room) recentMessagesLocked(limit int) []ChatMessage {
	all := make([]ChatMessage, 0, r.messages.Len())
	for e := r.messages.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(ChatMessage))
	}
	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:]
	}
	return all
}

