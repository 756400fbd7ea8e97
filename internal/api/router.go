package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"manga-server/internal/config"
)

// NewRouter assembles the full HTTP surface: middleware stack, authenticated
// API routes with per-operation rate limits, and the probe endpoints.
// redisClient may be nil; the rate limiter then keeps its windows in memory.
func NewRouter(cfg *config.Config, handler *Handler, redisClient *redis.Client, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(SecurityHeaders())
	router.Use(RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
	}))

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, CodeNotFound, "resource not found", nil)
	})
	router.NoMethod(func(c *gin.Context) {
		respondError(c, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
	})

	router.GET("/health", handler.Health)
	router.HEAD("/health", handler.Health)

	auth := router.Group("/", Auth(cfg.JWTSecret, logger))

	batchLimit := operationRateLimit("workflow",
		rateLimitStore(cfg, redisClient, cfg.BatchStartLimit), cfg.RateLimitWindow, logger)
	continueLimit := operationRateLimit("continue-episode",
		rateLimitStore(cfg, redisClient, cfg.ContinueEpisodeLimit), cfg.RateLimitWindow, logger)

	auth.POST("/workflow/start", batchLimit, handler.StartWorkflow)
	auth.GET("/workflow/:requestId/status", handler.WorkflowStatus)

	auth.GET("/stories", handler.ListStories)
	auth.GET("/stories/:storyId/episodes", handler.ListEpisodes)
	auth.POST("/stories/:storyId/episodes", continueLimit, handler.ContinueEpisode)

	auth.POST("/preferences", handler.SavePreferences)
	auth.GET("/preferences", handler.GetPreferences)

	if cfg.MetricsEnabled {
		prom := ginprometheus.NewPrometheus("gin")
		prom.Use(router)
	}

	return router
}
