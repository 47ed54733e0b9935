package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tetris-versus/match-server/internal/auth"
	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/handler"
	"github.com/tetris-versus/match-server/internal/kafka"
	"github.com/tetris-versus/match-server/internal/matchmaker"
	"github.com/tetris-versus/match-server/internal/postgres"
	redisstore "github.com/tetris-versus/match-server/internal/redis"
	"github.com/tetris-versus/match-server/internal/room"
	"github.com/tetris-versus/match-server/internal/websocket"
	"github.com/tetris-versus/match-server/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redisstore.NewClient(&cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	queueStore := redisstore.NewQueueStore(redisClient, logger)
	rankingStore := redisstore.NewRankingStore(redisClient, logger)
	sessionStore := redisstore.NewSessionStore(redisClient, logger)

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize connection gateway
	gateway := websocket.NewGateway(logger)

	// Initialize Kafka settlement feed
	var settlementProducer *kafka.Producer
	var settlementConsumer *kafka.Consumer
	var inlineRankings room.Rankings
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka settlement feed",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		settlementProducer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, updating rankings inline", "error", err)
			settlementProducer = nil
		}

		settlementConsumer, err = kafka.NewConsumer(&cfg.Kafka, rankingStore, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without it", "error", err)
			settlementConsumer = nil
		} else if err := settlementConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without it", "error", err)
			settlementConsumer = nil
		}
	}
	if settlementProducer == nil || settlementConsumer == nil {
		// Without a working feed the settlement path writes the ranking
		// cache directly.
		inlineRankings = rankingStore
	}

	// Initialize room manager
	var publisher room.Publisher
	if settlementProducer != nil {
		publisher = settlementProducer
	}
	roomManager := room.NewManager(gateway, postgresRepo, publisher, inlineRankings, &cfg.Matchmaking, logger)

	// Initialize matchmaker
	mm := matchmaker.NewMatchmaker(
		queueStore,
		gateway,
		gateway,
		postgresRepo,
		roomManager,
		&cfg.Matchmaking,
		logger,
	)

	// Wire inbound events and start the gateway loop
	gateway.SetRouter(handler.NewEventDispatcher(mm, roomManager))
	go gateway.Run()

	mm.Start()

	// Initialize auth service
	authService := auth.NewService(sessionStore, &cfg.Auth, logger)

	// Initialize ranking sync worker
	syncWorker := worker.NewRankingSyncWorker(
		rankingStore,
		postgresRepo,
		cfg.Matchmaking.Variants,
		&cfg.Ranking,
		logger,
	)

	// Seed ranking cache from database on startup (recovery)
	if err := syncWorker.SeedFromDatabase(ctx); err != nil {
		logger.Warn("failed to seed rankings on startup", "error", err)
	}

	// Start sync worker
	if cfg.Ranking.SyncEnabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Error("failed to start ranking sync worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(
		mm,
		roomManager,
		gateway,
		rankingStore,
		authService,
		&cfg.Ranking,
		logger,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the matchmaker first so no new rooms form during shutdown
	mm.Stop()

	// Stop connection gateway
	gateway.Stop()

	// Stop Kafka settlement feed
	if settlementConsumer != nil {
		if err := settlementConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if settlementProducer != nil {
		settlementProducer.Close()
	}

	// Stop sync worker
	if syncWorker.IsRunning() {
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop ranking sync worker", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
