package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/yume/internal/agent"
	"github.com/nidhogg/yume/internal/api"
	"github.com/nidhogg/yume/internal/config"
	"github.com/nidhogg/yume/internal/embedding"
	"github.com/nidhogg/yume/internal/memory"
	"github.com/nidhogg/yume/internal/notify"
	"github.com/nidhogg/yume/internal/scheduler"
	pgstore "github.com/nidhogg/yume/internal/store"
	"github.com/nidhogg/yume/internal/tracker"
	"github.com/nidhogg/yume/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Yume...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/yume.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := store.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Initialize embedding provider
	embedCfg := embedding.Config{
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "local":
		embedder = embedding.NewLocalProvider(embedCfg)
	default:
		embedder = embedding.NewAPIProvider(embedCfg)
	}

	var cached *embedding.CachedProvider
	if cfg.Embedding.CacheTTLMins > 0 && cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Embedding.CacheTTLMins) * time.Minute
		cached, err = embedding.NewCachedProvider(embedder, cfg.Embedding.Model, cfg.Database.Redis.URL, ttl, logger)
		if err != nil {
			logger.Warn("Redis unavailable, embeddings uncached", zap.Error(err))
		} else {
			embedder = cached
			logger.Info("Embedding cache enabled", zap.Duration("ttl", ttl))
		}
	}

	// Initialize vector index
	index, err := vectorstore.NewClient(vectorstore.Config{
		Host:       cfg.Database.Qdrant.Host,
		Port:       cfg.Database.Qdrant.Port,
		Collection: cfg.Database.Qdrant.Collection,
	})
	if err != nil {
		logger.Fatal("Qdrant unavailable", zap.Error(err))
	}
	if err := index.EnsureCollection(context.Background(), uint64(embedder.Dimension())); err != nil {
		logger.Fatal("ensure collection failed", zap.Error(err))
	}

	// Memory consistency engine
	engine := memory.NewEngine(store.Memories(), index, embedder, logger)

	// Agent executor
	invoker := agent.NewOpenAIInvoker(agent.Config{
		Endpoint: cfg.Agent.Endpoint,
		Model:    cfg.Agent.Model,
		APIKey:   cfg.Agent.APIKey,
		Timeout:  time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
	}, logger)
	executor := agent.NewExecutor(invoker)

	// Failure notifications
	var notifier scheduler.Notifier
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger)
		logger.Info("Slack notifier enabled", zap.String("channel", cfg.Notify.Slack.Channel))
	}

	// Run coordinator
	ledger := store.Runs()
	coordinator := scheduler.NewCoordinator(ledger, executor, engine, notifier, scheduler.Config{
		TickInterval:    secondsOr(cfg.Scheduler.TickSeconds, 5*time.Second),
		JanitorInterval: hoursOr(cfg.Scheduler.JanitorIntervalHr, 12*time.Hour),
		RunTimeout:      secondsOr(cfg.Scheduler.RunTimeoutSeconds, 5*time.Minute),
		MinLead:         minutesOr(cfg.Scheduler.MinLeadMinutes, 15*time.Minute),
		FallbackDelay:   minutesOr(cfg.Scheduler.FallbackDelayMins, time.Hour),
	}, logger)

	if err := coordinator.Replan(context.Background()); err != nil {
		logger.Warn("initial replan failed", zap.Error(err))
	}
	coordinator.Start()
	logger.Info("Run coordinator started")

	// Build HTTP handler
	handler := api.NewHandler(engine, ledger, coordinator, tracker.New(), api.SearchDefaults{
		MinScore:   cfg.Search.MinScore,
		MaxResults: cfg.Search.MaxResults,
	}, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Yume listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Yume...")
	srv.Shutdown(context.Background())
	coordinator.Stop()
	if cached != nil {
		cached.Close()
	}
	index.Close()
	store.Close()
}

func secondsOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func minutesOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func hoursOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Hour
}
