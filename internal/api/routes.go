package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/candlekeep/candlekeep/internal/batch"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/database"
	"github.com/candlekeep/candlekeep/internal/resilience"
	"github.com/candlekeep/candlekeep/internal/stream"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// StatusResponse is the operational snapshot of the ingestion pipeline.
type StatusResponse struct {
	Stream   StreamStatus                            `json:"stream"`
	Batcher  batch.Stats                             `json:"batcher"`
	Breakers map[string]resilience.CircuitBreakerStats `json:"breakers"`
	Universe UniverseStatus                          `json:"universe"`
	Candles  int64                                   `json:"candles"`
}

type StreamStatus struct {
	State       string `json:"state"`
	Received    int64  `json:"received"`
	ParseErrors int64  `json:"parse_errors"`
}

type UniverseStatus struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`
}

// UniverseSource is the current subscription set.
type UniverseSource interface {
	Snapshot() (symbols, timeframes []string)
}

// Purger hard-deletes long-inactive symbols. Purging is never scheduled; it
// only runs through the admin endpoint, dry-run by default.
type Purger interface {
	PurgeInactive(ctx context.Context, cfg config.CleanupConfig) (int64, error)
}

// PurgeResponse reports the outcome of one purge invocation.
type PurgeResponse struct {
	DryRun  bool  `json:"dry_run"`
	Symbols int64 `json:"symbols"`
}

// Deps are the components the HTTP surface reports on.
type Deps struct {
	DB       *database.PostgresDB
	Redis    *database.RedisClient
	Candles  *database.CandleRepository
	Consumer *stream.Consumer
	Batcher  *batch.Batcher
	Breakers map[string]*resilience.CircuitBreaker
	Universe UniverseSource
	Purger   Purger
	Cleanup  config.CleanupConfig
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", healthCheck(deps.DB, deps.Redis))
	router.GET("/status", pipelineStatus(deps))
	router.POST("/admin/purge", purgeInactive(deps))
}

func healthCheck(db *database.PostgresDB, redis *database.RedisClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services: Services{
				Database: "ok",
				Redis:    "ok",
			},
		}

		if err := db.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Database = "error"
			response.Status = "degraded"
		}

		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}

func pipelineStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbols, timeframes := deps.Universe.Snapshot()

		breakers := make(map[string]resilience.CircuitBreakerStats, len(deps.Breakers))
		for name, breaker := range deps.Breakers {
			breakers[name] = breaker.GetStats()
		}

		candles, err := deps.Candles.CountCandles(c.Request.Context())
		if err != nil {
			candles = -1
		}

		c.JSON(http.StatusOK, StatusResponse{
			Stream: StreamStatus{
				State:       deps.Consumer.State().String(),
				Received:    deps.Consumer.Received(),
				ParseErrors: deps.Consumer.ParseErrors(),
			},
			Batcher:  deps.Batcher.GetStats(),
			Breakers: breakers,
			Universe: UniverseStatus{Symbols: symbols, Timeframes: timeframes},
			Candles:  candles,
		})
	}
}

// purgeInactive runs a retention purge. Deletion needs an explicit
// confirm=true; anything else is a dry run that only reports the count.
func purgeInactive(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Configured dry_run wins even over confirm=true.
		cfg := deps.Cleanup
		cfg.DryRun = cfg.DryRun || c.Query("confirm") != "true"

		count, err := deps.Purger.PurgeInactive(c.Request.Context(), cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, PurgeResponse{DryRun: cfg.DryRun, Symbols: count})
	}
}
