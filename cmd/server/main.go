package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/api"
	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/batch"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/database"
	"github.com/candlekeep/candlekeep/internal/enrichment"
	"github.com/candlekeep/candlekeep/internal/exchange"
	"github.com/candlekeep/candlekeep/internal/orchestrator"
	"github.com/candlekeep/candlekeep/internal/pubsub"
	"github.com/candlekeep/candlekeep/internal/registry"
	"github.com/candlekeep/candlekeep/internal/resilience"
	"github.com/candlekeep/candlekeep/internal/stream"
	"github.com/candlekeep/candlekeep/internal/watchlist"
)

func main() {
	// Load .env if present; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	symbolRepo := database.NewSymbolRepository(db.Pool)
	candleRepo := database.NewCandleRepository(db.Pool)
	watchlistRepo := database.NewWatchlistRepository(db.Pool)

	// The batcher drops updates whose timeframe has no reference row, so a
	// misconfigured watchlist timeframe is worth a loud warning up front.
	if known, err := candleRepo.ListTimeframes(context.Background()); err == nil {
		names := make(map[string]bool, len(known))
		for _, tf := range known {
			names[tf.Name] = true
		}
		for _, tf := range cfg.Watchlist.Timeframes {
			if !names[tf] {
				logger.WithField("timeframe", tf).Warn("Configured timeframe has no reference row")
			}
		}
	} else {
		logger.WithError(err).Warn("Could not verify timeframe reference rows")
	}

	// Pipeline components
	bus := pubsub.NewBus(redisClient.Client, logger)
	reg := registry.New(logger)

	exchangeClient := exchange.NewClient(cfg.Exchange, logger)
	enrichmentClient := enrichment.NewClient(cfg.Enrichment, watchlistRepo, redisClient, logger)

	batcher := batch.NewBatcher(candleRepo, symbolRepo, candleRepo, bus,
		cfg.Batcher.BatchSize, config.Duration(cfg.Batcher.BatchTimeout, 5*time.Second), logger)
	consumer := stream.NewConsumer(cfg.Stream, batcher, logger)
	reconciler := backfill.NewReconciler(exchangeClient, candleRepo, symbolRepo, cfg.Backfill, logger)
	manager := watchlist.NewManager(symbolRepo, watchlistRepo, enrichmentClient, exchangeClient, bus, reg, cfg.Watchlist, logger)

	orch := orchestrator.New(cfg, reg, bus, consumer, batcher, reconciler, manager, symbolRepo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		orch.Run(ctx)
	}()

	// HTTP surface
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, api.Deps{
		DB:       db,
		Redis:    redisClient,
		Candles:  candleRepo,
		Consumer: consumer,
		Batcher:  batcher,
		Breakers: map[string]*resilience.CircuitBreaker{
			"exchange":   exchangeClient.Breaker(),
			"enrichment": enrichmentClient.Breaker(),
		},
		Universe: reg,
		Purger:   manager,
		Cleanup:  cfg.Cleanup,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("Pipeline did not stop within the grace period")
	}

	logger.Info("Server exited")
}
