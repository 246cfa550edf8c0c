package transport

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/blob"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/health"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/middleware"
	"github.com/parleyhq/parley/internal/v1/ratelimit"
)

// maxUploadBytes caps the signed-upload request body.
const maxUploadBytes = 64 << 20

// RouterDeps carries the router's wiring. Disk is the concrete blob store;
// nil disables the file routes.
type RouterDeps struct {
	Config  *config.Config
	Hub     *Hub
	Limiter *ratelimit.RateLimiter
	Disk    *blob.Disk
	Health  *health.Handler
}

// NewRouter builds the gin engine with every HTTP surface: health probes,
// metrics, the signed file routes, and the websocket entry point.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config != nil && !deps.Config.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())
	r.Use(otelgin.Middleware("parley-hub"))
	r.Use(corsConfig(deps.Config))
	if deps.Limiter != nil {
		r.Use(deps.Limiter.GlobalMiddleware())
	}

	if deps.Health != nil {
		r.GET("/health/live", deps.Health.Liveness)
		r.GET("/health/ready", deps.Health.Readiness)
		r.GET("/status", deps.Health.Status)
		r.GET("/memory", deps.Health.Memory)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Hub != nil {
		r.GET("/ws/:roomId", deps.Hub.ServeWs)
	}

	if deps.Disk != nil {
		files := r.Group("/")
		if deps.Limiter != nil {
			files.Use(deps.Limiter.FilesMiddleware())
		}
		files.PUT("/api/files", uploadHandler(deps.Disk))
		files.GET("/downloads/:filename", downloadHandler(deps.Disk))
	}
	return r
}

func corsConfig(cfg *config.Config) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:     []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderXCorrelationID},
		ExposeHeaders:    []string{middleware.HeaderXCorrelationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg != nil && cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowOrigins = append(c.AllowOrigins, o)
			}
		}
	} else {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
	}
	return cors.New(c)
}

// uploadHandler accepts the body of a presigned upload URL.
func uploadHandler(disk *blob.Disk) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, expires, sig, err := blob.ParseSignedQuery(c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signed query"})
			return
		}
		if time.Now().Unix() > expires {
			c.JSON(http.StatusForbidden, gin.H{"error": "upload URL expired"})
			return
		}
		if err := disk.VerifySignature(key, expires, sig); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "signature mismatch"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		if len(body) > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}

		url, err := disk.UploadBytes(c.Request.Context(), key, body, nil)
		if err != nil {
			logging.Error(c.Request.Context(), "upload failed", zap.Error(err), zap.String("key", key))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "url": url, "size": len(body)})
	}
}

// downloadHandler streams a blob after verifying the signed query.
func downloadHandler(disk *blob.Disk) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, expires, sig, err := blob.ParseSignedQuery(c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signed query"})
			return
		}
		if time.Now().Unix() > expires {
			c.JSON(http.StatusForbidden, gin.H{"error": "download URL expired"})
			return
		}
		if err := disk.VerifySignature(key, expires, sig); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "signature mismatch"})
			return
		}

		path, err := disk.Open(key)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.FileAttachment(path, c.Param("filename"))
	}
}
