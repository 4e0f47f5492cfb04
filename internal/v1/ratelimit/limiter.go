// Package ratelimit implements the per-user tier + per-IP sliding-window
// limiter, weighted by message kind, with adaptive throttle under load and
// temporary IP bans. The tier table's Burst values are not applied: each
// window admits no more than its own limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	Reason  string // non-empty when !Allowed: IP_BANNED, or RATE_LIMIT_EXCEEDED (also for cooldown trips)
}

// windowSet is one limiter.Limiter per window length for a given tier.
type windowSet struct {
	perSecond *limiter.Limiter
	perMinute *limiter.Limiter
	perHour   *limiter.Limiter
}

// Limiter implements the per-peer/per-IP tiered limiter described in the
// rate limiter design, including weighted message kinds, cooldowns,
// adaptive throttling, and IP ban escalation.
type Limiter struct {
	byTier map[Tier]windowSet
	wsIP   *limiter.Limiter

	mu            sync.Mutex
	lastSent      map[string]time.Time // (peerId, kind) -> last send time, for cooldowns
	ipStrikes     map[string]int
	bannedUntil   map[string]time.Time

	adaptiveFactor float64 // 1.0 normally; <1 under load pressure
	banDuration    time.Duration
}

// Options configures a Limiter.
type Options struct {
	PerSecondFormatted string // e.g. "20-S", used as the base for a custom per-tier scale isn't needed: tiers are fixed by tiers.go
	RedisClient        *redis.Client
	BanDuration        time.Duration
}

// New constructs a Limiter. A nil RedisClient falls back to an in-memory
// store, matching the teacher's dev-without-redis fallback.
func New(opts Options) (*Limiter, error) {
	var store limiter.Store
	if opts.RedisClient != nil {
		s, err := sredis.NewStoreWithOptions(opts.RedisClient, limiter.StoreOptions{Prefix: "limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled or unavailable)")
	}

	byTier := make(map[Tier]windowSet)
	for tier, limits := range tierLimits {
		secRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-S", limits.PerSecond))
		if err != nil {
			return nil, err
		}
		minRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", limits.PerMinute))
		if err != nil {
			return nil, err
		}
		hourRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-H", limits.PerHour))
		if err != nil {
			return nil, err
		}
		byTier[tier] = windowSet{
			perSecond: limiter.New(store, secRate),
			perMinute: limiter.New(store, minRate),
			perHour:   limiter.New(store, hourRate),
		}
	}

	wsIPRate, err := limiter.NewRateFromFormatted("50-M")
	if err != nil {
		return nil, err
	}

	banDuration := opts.BanDuration
	if banDuration <= 0 {
		banDuration = 5 * time.Minute
	}

	return &Limiter{
		byTier:         byTier,
		wsIP:           limiter.New(store, wsIPRate),
		lastSent:       make(map[string]time.Time),
		ipStrikes:      make(map[string]int),
		bannedUntil:    make(map[string]time.Time),
		adaptiveFactor: 1.0,
		banDuration:    banDuration,
	}, nil
}

// SetAdaptiveFactor is called by the adaptive-throttle sampler to scale
// all windows down (e.g. 0.5) under CPU/memory pressure, or back to 1.0
// once pressure subsides.
func (l *Limiter) SetAdaptiveFactor(factor float64) {
	l.mu.Lock()
	l.adaptiveFactor = factor
	l.mu.Unlock()

	active := 0.0
	if factor < 1.0 {
		active = 1.0
	}
	metrics.AdaptiveThrottleActive.Set(active)
}

// CheckIP reports whether clientIP is currently banned or has tripped the
// per-IP window.
func (l *Limiter) CheckIP(ctx context.Context, clientIP string) Decision {
	l.mu.Lock()
	until, banned := l.bannedUntil[clientIP]
	l.mu.Unlock()
	if banned {
		if time.Now().Before(until) {
			metrics.RateLimitExceeded.WithLabelValues("websocket", "ip_banned").Inc()
			return Decision{Allowed: false, Reason: "IP_BANNED"}
		}
		l.mu.Lock()
		delete(l.bannedUntil, clientIP)
		delete(l.ipStrikes, clientIP)
		l.mu.Unlock()
	}

	lc, err := l.wsIP.Get(ctx, clientIP)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ip)", zap.Error(err))
		return Decision{Allowed: true} // fail open
	}
	if lc.Reached {
		l.strikeIP(clientIP)
		metrics.RateLimitExceeded.WithLabelValues("websocket", "ip").Inc()
		return Decision{Allowed: false, Reason: "RATE_LIMIT_EXCEEDED"}
	}
	return Decision{Allowed: true}
}

// strikeIP escalates suspicious -> ban after repeated IP-window trips.
func (l *Limiter) strikeIP(clientIP string) {
	const suspiciousThreshold = 3
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ipStrikes[clientIP]++
	if l.ipStrikes[clientIP] >= suspiciousThreshold {
		l.bannedUntil[clientIP] = time.Now().Add(l.banDuration)
	}
}

// CheckMessage enforces per-second/minute/hour windows for tier, the
// per-kind cooldown, and the adaptive throttle factor, for one inbound
// message of the given kind from peerID.
func (l *Limiter) CheckMessage(ctx context.Context, peerID string, tier Tier, kind string) Decision {
	w := weightFor(kind)
	if w.Cooldown > 0 {
		cooldownKey := peerID + ":" + kind
		l.mu.Lock()
		last, ok := l.lastSent[cooldownKey]
		now := time.Now()
		if ok && now.Sub(last) < w.Cooldown {
			l.mu.Unlock()
			metrics.RateLimitExceeded.WithLabelValues("websocket", "cooldown").Inc()
			return Decision{Allowed: false, Reason: "RATE_LIMIT_EXCEEDED"}
		}
		l.lastSent[cooldownKey] = now
		l.mu.Unlock()
	}

	windows, ok := l.byTier[tier]
	if !ok {
		windows = l.byTier[TierAnonymous]
	}

	l.mu.Lock()
	factor := l.adaptiveFactor
	l.mu.Unlock()

	// Heavier message kinds consume more of the window per message (an
	// offer costs as much as 5 "other" messages) and negligible kinds like
	// ice-candidate (weight 0.1) round down to 0 and pass through for free.
	weightCount := int64(w.Weight)

	windowKeys := [...]string{"s", "m", "h"}
	for i, lim := range []*limiter.Limiter{windows.perSecond, windows.perMinute, windows.perHour} {
		lc, err := lim.Store.Increment(ctx, peerID+":"+windowKeys[i], weightCount, lim.Rate)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed (user)", zap.Error(err))
			continue // fail open on store error
		}
		if lc.Reached {
			metrics.RateLimitExceeded.WithLabelValues("websocket", "user").Inc()
			return Decision{Allowed: false, Reason: "RATE_LIMIT_EXCEEDED"}
		}
		// Under adaptive pressure the effective limit becomes limit*factor:
		// reject once consumed requests exceed that scaled-down budget.
		if factor < 1.0 && lc.Limit > 0 {
			if float64(lc.Remaining) < float64(lc.Limit)*(1-factor) {
				metrics.RateLimitExceeded.WithLabelValues("websocket", "adaptive").Inc()
				return Decision{Allowed: false, Reason: "RATE_LIMIT_EXCEEDED"}
			}
		}
	}

	metrics.RateLimitRequests.WithLabelValues("websocket").Inc()
	return Decision{Allowed: true}
}
