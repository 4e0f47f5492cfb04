package ratelimit

import "time"

// Tier is a peer's rate-limit class, driven by userType.
type Tier string

const (
	TierAnonymous      Tier = "anonymous"
	TierViewer         Tier = "viewer"
	TierPremiumViewer  Tier = "premium_viewer"
	TierModerator      Tier = "moderator"
	TierStreamer       Tier = "streamer"
)

// tierLimit is the table-driven per-tier window configuration from the
// rate limiter design.
type tierLimit struct {
	PerSecond int64
	PerMinute int64
	PerHour   int64
	Burst     int64
	MaxConns  int64
}

var tierLimits = map[Tier]tierLimit{
	TierAnonymous:     {PerSecond: 2, PerMinute: 60, PerHour: 500, Burst: 5, MaxConns: 1},
	TierViewer:        {PerSecond: 5, PerMinute: 200, PerHour: 2000, Burst: 10, MaxConns: 3},
	TierPremiumViewer: {PerSecond: 10, PerMinute: 400, PerHour: 5000, Burst: 20, MaxConns: 10},
	TierModerator:     {PerSecond: 25, PerMinute: 800, PerHour: 10000, Burst: 50, MaxConns: 5},
	TierStreamer:      {PerSecond: 50, PerMinute: 1000, PerHour: 20000, Burst: 100, MaxConns: 1},
}

// messageKind is a wire event name subject to weighting and cooldown.
type messageKind string

const (
	KindOffer        messageKind = "offer"
	KindAnswer       messageKind = "answer"
	KindIceCandidate messageKind = "ice-candidate"
	KindChatMessage  messageKind = "chat-message"
	KindJoinRoom     messageKind = "join-room"
	KindOther        messageKind = "other"
)

type kindWeight struct {
	Weight   float64
	Cooldown time.Duration
}

var kindWeights = map[messageKind]kindWeight{
	KindOffer:        {Weight: 5, Cooldown: time.Second},
	KindAnswer:       {Weight: 2, Cooldown: 0},
	KindIceCandidate: {Weight: 0.1, Cooldown: 0},
	KindChatMessage:  {Weight: 1, Cooldown: 0},
	KindJoinRoom:     {Weight: 2, Cooldown: 0},
	KindOther:        {Weight: 1, Cooldown: 0},
}

func weightFor(kind string) kindWeight {
	if w, ok := kindWeights[messageKind(kind)]; ok {
		return w
	}
	return kindWeights[KindOther]
}
