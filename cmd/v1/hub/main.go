package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/liveroomhub/hub/internal/v1/batcher"
	"github.com/liveroomhub/hub/internal/v1/bus"
	"github.com/liveroomhub/hub/internal/v1/cache"
	"github.com/liveroomhub/hub/internal/v1/chat"
	"github.com/liveroomhub/hub/internal/v1/config"
	"github.com/liveroomhub/hub/internal/v1/conn"
	"github.com/liveroomhub/hub/internal/v1/dispatch"
	"github.com/liveroomhub/hub/internal/v1/health"
	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/liveroomhub/hub/internal/v1/middleware"
	"github.com/liveroomhub/hub/internal/v1/ratelimit"
	"github.com/liveroomhub/hub/internal/v1/roomhub"
	"github.com/liveroomhub/hub/internal/v1/sfuclient"
	"github.com/liveroomhub/hub/internal/v1/shard"
	"github.com/liveroomhub/hub/internal/v1/signaling"
	"github.com/liveroomhub/hub/internal/v1/store"
	"github.com/liveroomhub/hub/internal/v1/tracing"
	"github.com/liveroomhub/hub/internal/v1/wireproto"
)

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "liveroomhub-hub", addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var wg sync.WaitGroup

	var st *store.Gateway
	if cfg.StoreEnabled {
		st, err = store.NewGateway(store.Options{
			Addr:                cfg.StoreAddr,
			Password:            cfg.StorePassword,
			Namespace:           "liveroomhub:",
			CompressionThreshold: cfg.CacheCompressionThreshold,
			HealthCheckInterval: 10 * time.Second,
		})
		if err != nil {
			logging.Fatal(ctx, "failed to connect to backing store", zap.Error(err))
		}
		defer st.Close()
	}

	b := bus.New(st, cfg.ServerID)
	b.Start(ctx, &wg)

	router := shard.New(b, cfg.ShardCount, cfg.ShardRangeStart, cfg.ShardRangeEnd)

	roomCache := cache.New(st, cache.Options{
		L1TTL:      30 * time.Second,
		L1MaxBytes: cfg.CacheL1MaxBytes,
		L2TTL:      time.Duration(cfg.CacheL2TTLSeconds) * time.Second,
		L3TTL:      time.Duration(cfg.CacheL3TTLSeconds) * time.Second,
		EnableL3:   st != nil,
	})

	limiter, err := ratelimit.New(ratelimit.Options{
		PerSecondFormatted: cfg.RateLimitPerSecond,
		BanDuration:        15 * time.Minute,
	})
	if err != nil {
		logging.Fatal(ctx, "failed to construct rate limiter", zap.Error(err))
	}
	throttle := ratelimit.NewAdaptiveThrottle(limiter, cfg.AdaptiveThrottleCPUPercent, cfg.AdaptiveThrottleMemPercent, cfg.AdaptiveThrottleFactor)
	go throttle.Run(ctx)

	registry := conn.NewRegistry()

	batch := batcher.New(func(_ context.Context, roomID string, items []batcher.Item) {
		sessions := registry.InRoom(roomID)
		for _, it := range items {
			for _, s := range sessions {
				s.Send(it.Payload)
			}
		}
	}, batcher.Options{})
	defer batch.Stop()

	rooms := roomhub.New(router, b, roomCache, roomhub.Options{
		CleanupGracePeriod: 30 * time.Second,
		ApprovalTTL:        2 * time.Minute,
	})

	var sfu *sfuclient.Client
	if sfuURL := os.Getenv("SFU_BASE_URL"); sfuURL != "" {
		sfu = sfuclient.New(sfuURL)
	}

	relay := signaling.New(rooms, registry, b, cfg.ServerID)
	relay.WireCrossShardDelivery()

	chatSvc := chat.New(rooms, limiter, batch, b)

	healthHandler := health.NewHandler(st, sfu,
		func() int { return len(rooms.ListRooms()) },
		registry.Len,
	)

	wireRouter := dispatch.New(rooms, relay, chatSvc, limiter, registry)

	go tickLoop(ctx, rooms, registry)

	allowedOrigins := strings.Split(cfg.AllowedOrigins, ",")

	gin.SetMode(ginModeFor(cfg.GoEnv))
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	upgrader := conn.Upgrader(allowedOrigins)

	r.GET("/ws/hub", func(c *gin.Context) {
		if registry.Len() >= cfg.MaxConnections {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "at capacity"})
			return
		}
		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
			return
		}
		session := conn.New(wsConn, c.ClientIP(), wireRouter, wireRouter)
		registry.Add(session)
		metrics.IncConnection()

		go session.WritePump()
		go session.ReadPump(context.Background())
	})

	r.GET("/rooms/:roomId/rtp-capabilities", func(c *gin.Context) {
		if sfu == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "media server not configured"})
			return
		}
		caps, err := sfu.RTPCapabilitiesForRoom(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, caps)
	})

	r.GET("/rooms/:roomId/chat", func(c *gin.Context) {
		msgs, err := chatSvc.Recent(c.Param("roomId"), 50)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	})

	r.GET("/api/health", healthHandler.Summary)
	r.GET("/api/health/live", healthHandler.Liveness)
	r.GET("/api/health/ready", healthHandler.Readiness)
	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.ListRooms()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logging.Info(ctx, "hub listening", zap.String("port", cfg.Port), zap.String("server_id", cfg.ServerID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	wg.Wait()
}

// tickLoop periodically sweeps expired pending-approval entries, refreshes
// each active room's cache snapshot, and notifies any locally-connected
// session whose approval wait timed out.
func tickLoop(ctx context.Context, rooms *roomhub.Manager, registry *conn.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, timedOut := range rooms.Tick(ctx) {
				sess, ok := registry.Get(timedOut.PeerID)
				if !ok {
					continue
				}
				frame, err := wireproto.Encode(wireproto.EventJoinRejected, wireproto.JoinRejectedPayload{Reason: roomhub.ReasonTimeout}, "")
				if err != nil {
					continue
				}
				sess.Send(frame)
				sess.SetRole(conn.RoleAnonymous)
				sess.SetRoom("")
				sess.SetStatus(conn.StatusActive)
			}
		}
	}
}

func ginModeFor(goEnv string) string {
	if goEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
