// Package store is a typed façade over a distributed key-value store with
// pub/sub, with built-in compression, circuit breaking, and health
// tracking. Every other distributed component (bus, cache, roomhub) is
// built on top of this, never on the raw Redis client directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBackendUnavailable is returned when the store is unreachable (circuit
// open or the underlying ping has failed repeatedly). Callers fall back to
// authoritative in-process state where possible, per the gateway contract.
var ErrBackendUnavailable = errors.New("store: backend unavailable")

// CompressionThreshold is the default byte threshold above which values are
// zstd-compressed before being written.
const DefaultCompressionThreshold = 1024

const compressedPrefix = 0x01
const rawPrefix = 0x00

// Gateway is the typed KV+pub/sub façade described by the Store Gateway
// design: Get/Set/Del/Expire, Hash*, Set*, Publish/Subscribe/PSubscribe,
// namespaced keys, compression above a threshold, a dedicated circuit
// breaker, and a background health-ping loop with capped backoff.
type Gateway struct {
	client    *redis.Client
	cb        *gobreaker.CircuitBreaker
	namespace string

	compressionThreshold int
	encoder               *zstd.Encoder
	decoder               *zstd.Decoder

	healthy   atomic.Bool
	closeOnce sync.Once
	stopHealth chan struct{}
}

// Options configures a Gateway.
type Options struct {
	Addr                  string
	Password              string
	Namespace             string
	CompressionThreshold  int
	HealthCheckInterval   time.Duration
}

// NewGateway dials the backing store and verifies connectivity before
// returning. Mirrors the teacher's NewService: generous dial/read/write
// timeouts, a small connection pool, and an immediate ping.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Namespace == "" {
		opts.Namespace = "liveroomhub:"
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 10 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to init compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to init decompressor: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(v)
		},
	}

	g := &Gateway{
		client:                rdb,
		cb:                    gobreaker.NewCircuitBreaker(st),
		namespace:             opts.Namespace,
		compressionThreshold:  opts.CompressionThreshold,
		encoder:               enc,
		decoder:               dec,
		stopHealth:            make(chan struct{}),
	}
	g.healthy.Store(true)
	go g.healthLoop(opts.HealthCheckInterval)

	logging.Info(context.Background(), "store gateway connected", zap.String("addr", opts.Addr))
	return g, nil
}

// Client exposes the underlying redis client for components (bus, ratelimit)
// that need a dedicated pub/sub connection or a third-party store adapter.
func (g *Gateway) Client() *redis.Client {
	if g == nil {
		return nil
	}
	return g.client
}

// Healthy reports the last-observed health state.
func (g *Gateway) Healthy() bool {
	if g == nil {
		return false
	}
	return g.healthy.Load()
}

func (g *Gateway) key(k string) string {
	return g.namespace + k
}

// healthLoop pings on an interval and flips Healthy() false after 3
// consecutive failures, then reconnect attempts back off exponentially
// (base 200ms, cap 30s) until a ping succeeds again.
func (g *Gateway) healthLoop(interval time.Duration) {
	failures := 0
	backoff := 200 * time.Millisecond
	const maxBackoff = 30 * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := g.client.Ping(ctx).Err()
			cancel()

			if err != nil {
				failures++
				if failures >= 3 {
					g.healthy.Store(false)
				}
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			failures = 0
			backoff = 200 * time.Millisecond
			g.healthy.Store(true)
		}
	}
}

// Close releases the underlying connection and stops the health loop.
func (g *Gateway) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	g.closeOnce.Do(func() { close(g.stopHealth) })
	return g.client.Close()
}

// compress prefixes the value with a one-byte marker and zstd-compresses
// it when above the configured threshold.
func (g *Gateway) compress(v []byte) []byte {
	if len(v) < g.compressionThreshold {
		return append([]byte{rawPrefix}, v...)
	}
	compressed := g.encoder.EncodeAll(v, nil)
	return append([]byte{compressedPrefix}, compressed...)
}

func (g *Gateway) decompress(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return v, nil
	}
	marker, body := v[0], v[1:]
	if marker == rawPrefix {
		return body, nil
	}
	return g.decoder.DecodeAll(body, nil)
}

func isOpenState(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState)
}

func observe(op string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
}

// Get reads and decompresses a value. Returns (nil, nil) on a cache miss.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	if g == nil || g.client == nil {
		return nil, nil
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		return g.client.Get(ctx, g.key(key)).Bytes()
	})
	defer func() { observe("get", start, err) }()

	if err != nil {
		if isOpenState(err) {
			return nil, ErrBackendUnavailable
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get failed: %w", err)
	}
	return g.decompress(res.([]byte))
}

// Set writes a compressed value with an optional TTL (ttl<=0 means no expiry).
func (g *Gateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Set(ctx, g.key(key), g.compress(value), ttl).Err()
	})
	observe("set", start, err)

	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: set failed: %w", err)
	}
	return nil
}

// Del removes one or more keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	if g == nil || g.client == nil || len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = g.key(k)
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Del(ctx, namespaced...).Err()
	})
	observe("del", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: del failed: %w", err)
	}
	return nil
}

// Expire refreshes a key's TTL.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Expire(ctx, g.key(key), ttl).Err()
	})
	observe("expire", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: expire failed: %w", err)
	}
	return nil
}

// HashSet sets a single field in a hash.
func (g *Gateway) HashSet(ctx context.Context, key, field string, value []byte) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.HSet(ctx, g.key(key), field, g.compress(value)).Err()
	})
	observe("hset", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: hset failed: %w", err)
	}
	return nil
}

// HashGet reads a single field from a hash.
func (g *Gateway) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	if g == nil || g.client == nil {
		return nil, nil
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		return g.client.HGet(ctx, g.key(key), field).Bytes()
	})
	observe("hget", start, err)
	if err != nil {
		if isOpenState(err) {
			return nil, ErrBackendUnavailable
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: hget failed: %w", err)
	}
	return g.decompress(res.([]byte))
}

// HashGetAll reads every field of a hash.
func (g *Gateway) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if g == nil || g.client == nil {
		return nil, nil
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		return g.client.HGetAll(ctx, g.key(key)).Result()
	})
	observe("hgetall", start, err)
	if err != nil {
		if isOpenState(err) {
			return nil, ErrBackendUnavailable
		}
		return nil, fmt.Errorf("store: hgetall failed: %w", err)
	}

	raw := res.(map[string]string)
	out := make(map[string][]byte, len(raw))
	for field, v := range raw {
		decoded, err := g.decompress([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("store: hgetall decompress failed: %w", err)
		}
		out[field] = decoded
	}
	return out, nil
}

// HashDel removes a field from a hash.
func (g *Gateway) HashDel(ctx context.Context, key, field string) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.HDel(ctx, g.key(key), field).Err()
	})
	observe("hdel", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: hdel failed: %w", err)
	}
	return nil
}

// SetAdd adds a member to a set.
func (g *Gateway) SetAdd(ctx context.Context, key, member string) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.SAdd(ctx, g.key(key), member).Err()
	})
	observe("sadd", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: sadd failed: %w", err)
	}
	return nil
}

// SetRem removes a member from a set.
func (g *Gateway) SetRem(ctx context.Context, key, member string) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.SRem(ctx, g.key(key), member).Err()
	})
	observe("srem", start, err)
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return fmt.Errorf("store: srem failed: %w", err)
	}
	return nil
}

// SetMembers lists all members of a set.
func (g *Gateway) SetMembers(ctx context.Context, key string) ([]string, error) {
	if g == nil || g.client == nil {
		return nil, nil
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		return g.client.SMembers(ctx, g.key(key)).Result()
	})
	observe("smembers", start, err)
	if err != nil {
		if isOpenState(err) {
			return nil, ErrBackendUnavailable
		}
		return nil, fmt.Errorf("store: smembers failed: %w", err)
	}
	return res.([]string), nil
}

// SetCard returns the cardinality of a set.
func (g *Gateway) SetCard(ctx context.Context, key string) (int64, error) {
	if g == nil || g.client == nil {
		return 0, nil
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		return g.client.SCard(ctx, g.key(key)).Result()
	})
	observe("scard", start, err)
	if err != nil {
		if isOpenState(err) {
			return 0, ErrBackendUnavailable
		}
		return 0, fmt.Errorf("store: scard failed: %w", err)
	}
	return res.(int64), nil
}

// Publish sends a raw message on a channel. Not namespaced: channels are a
// fleet-wide naming contract (see bus.Bus), not per-tenant data.
func (g *Gateway) Publish(ctx context.Context, channel string, payload []byte) error {
	if g == nil || g.client == nil {
		return nil
	}
	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Publish(ctx, channel, payload).Err()
	})
	observe("publish", start, err)
	if err != nil {
		if isOpenState(err) {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
			return nil // graceful degradation: drop, don't fail the caller's mutation
		}
		return fmt.Errorf("store: publish failed: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated subscription connection and delivers
// messages to handler until ctx is cancelled. A subscribed connection
// cannot issue other commands, so this always opens its own connection
// rather than reusing Client().
func (g *Gateway) Subscribe(ctx context.Context, wg *sync.WaitGroup, channel string, handler func(payload []byte)) {
	if g == nil || g.client == nil {
		return
	}
	pubsub := g.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// PSubscribe is like Subscribe but matches a glob pattern across channels.
func (g *Gateway) PSubscribe(ctx context.Context, wg *sync.WaitGroup, pattern string, handler func(channel string, payload []byte)) {
	if g == nil || g.client == nil {
		return
	}
	pubsub := g.client.PSubscribe(ctx, pattern)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// Ping checks backend connectivity on demand (used by health handlers).
func (g *Gateway) Ping(ctx context.Context) error {
	if g == nil || g.client == nil {
		return nil
	}
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Ping(ctx).Err()
	})
	if err != nil {
		if isOpenState(err) {
			return ErrBackendUnavailable
		}
		return err
	}
	return nil
}

// FlushNamespace deletes every key under this gateway's namespace prefix,
// without touching co-tenant keys in the same backing store instance.
func (g *Gateway) FlushNamespace(ctx context.Context) error {
	if g == nil || g.client == nil {
		return nil
	}
	iter := g.client.Scan(ctx, 0, g.namespace+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}
