// Package health serves the liveness, readiness, and runtime inspection
// endpoints.
package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
)

// Pinger is a dependency that can report connectivity. Satisfied by the
// Postgres store and the Redis bus; nil dependencies are skipped.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource exposes hub runtime counters for the status endpoint.
// Implemented by the transport hub.
type StatsSource interface {
	Stats() map[string]any
}

// Handler manages the health and status endpoints.
type Handler struct {
	deps  map[string]Pinger
	stats StatsSource
}

// NewHandler builds the handler. Dependencies with a nil Pinger are reported
// healthy, matching single-instance deployments that run without them.
func NewHandler(stats StatsSource) *Handler {
	return &Handler{deps: make(map[string]Pinger), stats: stats}
}

// Register adds a named dependency to the readiness checks.
func (h *Handler) Register(name string, p Pinger) {
	if p != nil {
		h.deps[name] = p
	}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It reports the process is up without
// touching any dependency.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. 200 only when every registered
// dependency answers its ping.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true
	for name, dep := range h.deps {
		status := "healthy"
		if err := dep.Ping(ctx); err != nil {
			logging.Error(ctx, "dependency health check failed",
				zap.String("dependency", name), zap.Error(err))
			status = "unhealthy"
			allHealthy = false
		}
		checks[name] = status
	}

	status, code := "ready", http.StatusOK
	if !allHealthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /status with the hub's runtime counters.
func (h *Handler) Status(c *gin.Context) {
	body := gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if h.stats != nil {
		for k, v := range h.stats.Stats() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

// Memory handles GET /memory with the process heap profile summary.
func (h *Handler) Memory(c *gin.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	c.JSON(http.StatusOK, gin.H{
		"heap_alloc_bytes": ms.HeapAlloc,
		"heap_sys_bytes":   ms.HeapSys,
		"heap_objects":     ms.HeapObjects,
		"num_gc":           ms.NumGC,
		"goroutines":       runtime.NumGoroutine(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}
