package api

import (
	"fmt"
	"net/http"
	"time"

	rateli "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"manga-server/internal/config"
)

// rateLimitStore builds the window store for one operation. With Redis
// configured the window is shared across API replicas; otherwise it is
// process-local.
func rateLimitStore(cfg *config.Config, redisClient *redis.Client, limit uint) rateli.Store {
	if redisClient != nil {
		return rateli.RedisStore(&rateli.RedisOptions{
			RedisClient: redisClient,
			Rate:        cfg.RateLimitWindow,
			Limit:       limit,
		})
	}
	return rateli.InMemoryStore(&rateli.InMemoryOptions{
		Rate:  cfg.RateLimitWindow,
		Limit: limit,
	})
}

// operationRateLimit limits one named operation per (user, client IP) pair.
// It must run after the auth middleware so the key includes the user id.
func operationRateLimit(op string, store rateli.Store, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return rateli.RateLimiter(store, &rateli.Options{
		KeyFunc: func(c *gin.Context) string {
			principal, _ := currentPrincipal(c)
			return op + "-" + principal.UserID + "-" + c.ClientIP()
		},
		ErrorHandler: func(c *gin.Context, info rateli.Info) {
			logger.Warn("Rate limit exceeded",
				zap.String("operation", op),
				zap.String("clientIP", c.ClientIP()),
				zap.Time("resetTime", info.ResetTime),
			)
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			respondError(c, http.StatusTooManyRequests, CodeRateLimitExceeded,
				"too many requests, try again later", gin.H{
					"retryAfterSeconds": int(window.Seconds()),
				})
		},
	})
}
