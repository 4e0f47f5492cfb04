// Package health exposes liveness/readiness HTTP endpoints over the backing
// store and the media-server client.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liveroomhub/hub/internal/v1/logging"
	"github.com/liveroomhub/hub/internal/v1/sfuclient"
	"github.com/liveroomhub/hub/internal/v1/store"
	"go.uber.org/zap"
)

// Handler manages health check endpoints.
type Handler struct {
	store      *store.Gateway
	sfu        *sfuclient.Client
	sfuEnabled bool
	roomCount  func() int
	userCount  func() int
}

// NewHandler constructs a Handler. st and sfu may individually be nil: a nil
// store is reported healthy (single-instance mode), a nil sfu client
// disables the media-server check. roomCount/userCount back the aggregate
// Summary endpoint; either may be nil, in which case it reports 0.
func NewHandler(st *store.Gateway, sfu *sfuclient.Client, roomCount, userCount func() int) *Handler {
	h := &Handler{store: st, sfu: sfu, sfuEnabled: sfu != nil, roomCount: roomCount, userCount: userCount}
	if h.roomCount == nil {
		h.roomCount = func() int { return 0 }
	}
	if h.userCount == nil {
		h.userCount = func() int { return 0 }
	}
	return h
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /api/health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SummaryResponse is the aggregate GET /api/health response.
type SummaryResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Rooms     int    `json:"rooms"`
	Users     int    `json:"users"`
}

// Summary handles GET /api/health. It reports overall process health plus
// the current room and connected-user counts, via the counters supplied at
// construction (roomCount/userCount read live state, e.g. roomhub.Manager
// and conn.Registry, without this package importing either).
func (h *Handler) Summary(c *gin.Context) {
	status := "healthy"
	if h.store != nil {
		if err := h.store.Ping(c.Request.Context()); err != nil {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, SummaryResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Rooms:     h.roomCount(),
		Users:     h.userCount(),
	})
}

// Readiness handles GET /api/health/ready. Returns 200 only if every enabled
// dependency check passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	if h.sfuEnabled {
		sfuStatus := h.checkSFU()
		checks["sfu"] = sfuStatus
		if sfuStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkSFU() string {
	if h.sfu == nil || !h.sfu.Healthy() {
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for consistent field order.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(&r)})
}
