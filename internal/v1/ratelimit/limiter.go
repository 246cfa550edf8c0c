// Package ratelimit enforces request and connection rate limits, backed by
// Redis when the event bus is enabled and by process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
)

// RateLimiter holds the limiter instances for each surface.
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiFiles  *limiter.Limiter
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter
}

// NewRateLimiter parses the configured rates and builds the limiters on a
// shared store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiFilesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid API files rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiFiles:  limiter.New(store, apiFilesRate),
		wsIP:      limiter.New(store, wsIPRate),
		wsUser:    limiter.New(store, wsUserRate),
	}, nil
}

// GlobalMiddleware limits all HTTP traffic, keyed by user subject when the
// auth middleware has populated claims and by client IP otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiGlobal)
}

// FilesMiddleware applies the tighter limit for the upload and download
// routes.
func (rl *RateLimiter) FilesMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiFiles)
}

func (rl *RateLimiter) middleware(instance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		limitType := "ip"
		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok && userClaims.Subject != "" {
				key = userClaims.Subject
				limitType = "user"
			}
		}

		ctx := c.Request.Context()
		lctx, err := instance.Get(ctx, key)
		if err != nil {
			// A broken limiter store must not take the API down with it.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP connection limit before the upgrade.
// Returns false after writing the 429 response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketUser enforces the per-user connection limit, called once the
// token has been validated.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("connection rate limit exceeded")
	}
	return nil
}
