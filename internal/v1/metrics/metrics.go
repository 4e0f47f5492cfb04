package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: liveroomhub (application-level grouping)
// - subsystem: websocket, room, signaling, chat, batcher, cache, shard (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "room",
		Name:      "viewers_count",
		Help:      "Number of admitted viewers in each room",
	}, []string{"room_id"})

	RoomPendingQueue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "room",
		Name:      "pending_queue_length",
		Help:      "Length of the pending-approval queue for each room",
	}, []string{"room_id"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveroomhub",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	SignalingRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "signaling",
		Name:      "relayed_total",
		Help:      "Total signaling messages relayed between peers",
	}, []string{"kind", "status"})

	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted",
	}, []string{"room_id"})

	BatcherQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "batcher",
		Name:      "queue_depth",
		Help:      "Current depth of the per-room outbound batch queue",
	}, []string{"room_id"})

	BatcherDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "batcher",
		Name:      "dropped_total",
		Help:      "Total messages dropped from the batch queue due to overflow",
	}, []string{"room_id", "priority"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits by tier",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses by tier",
	}, []string{"tier"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	AdaptiveThrottleActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveroomhub",
		Subsystem: "rate_limit",
		Name:      "adaptive_throttle_active",
		Help:      "1 when the adaptive throttle factor is currently applied, 0 otherwise",
	})

	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of backing-store operations",
	}, []string{"operation", "status"})

	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveroomhub",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of backing-store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	BusMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "bus",
		Name:      "messages_published_total",
		Help:      "Total messages published to the cross-server bus",
	}, []string{"channel"})

	BusMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveroomhub",
		Subsystem: "bus",
		Name:      "messages_received_total",
		Help:      "Total messages received from the cross-server bus",
	}, []string{"channel"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
