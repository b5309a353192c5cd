// Revue server — webhook-driven automated code review for Azure DevOps
// pull requests.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/api"
	"github.com/codeready-toolchain/revue/pkg/config"
	"github.com/codeready-toolchain/revue/pkg/database"
	"github.com/codeready-toolchain/revue/pkg/diff"
	"github.com/codeready-toolchain/revue/pkg/ingest"
	"github.com/codeready-toolchain/revue/pkg/ledger"
	"github.com/codeready-toolchain/revue/pkg/observability"
	"github.com/codeready-toolchain/revue/pkg/orchestrator"
	"github.com/codeready-toolchain/revue/pkg/platform"
	"github.com/codeready-toolchain/revue/pkg/plugins"
	"github.com/codeready-toolchain/revue/pkg/resilience"
	"github.com/codeready-toolchain/revue/pkg/review"
	"github.com/codeready-toolchain/revue/pkg/services"
	"github.com/codeready-toolchain/revue/pkg/store"
	"github.com/codeready-toolchain/revue/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before the configuration is
	// loaded; CONFIG_DIR itself comes from the process environment only.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file, continuing with existing environment", "path", envPath)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	slog.Info("Starting revue",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"organization", cfg.Platform.Organization,
		"workers", cfg.Queue.WorkerCount)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// Database.
	dbConfig, err := database.FromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.Open(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema migrated")

	// State store.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	stateStore := store.New(rdb, cfg.Retry)
	if err := stateStore.Ping(ctx); err != nil {
		slog.Error("Failed to reach redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to redis state store", "addr", cfg.Redis.Addr)

	// One circuit breaker per external dependency.
	platformBreaker := resilience.NewBreaker("platform", cfg.Breaker, metrics.ObserveBreaker)
	analyzerBreaker := resilience.NewBreaker("analyzer", cfg.Breaker, metrics.ObserveBreaker)

	platformClient := platform.NewClient(cfg.Platform, cfg.Retry, platformBreaker)
	analyzerClient := analyzer.NewClient(cfg.Analyzer, cfg.Retry, analyzerBreaker)

	pluginRegistry, err := plugins.NewRegistry(cfg.PluginsFile)
	if err != nil {
		slog.Error("Failed to load language plugins", "error", err)
		os.Exit(1)
	}
	slog.Info("Language plugins loaded", "languages", pluginRegistry.Languages())

	// Services.
	repositoryService := services.NewRepositoryService(dbClient.Client, platformClient)
	executionService := services.NewExecutionService(dbClient.Client)

	// Review pipeline.
	differ := diff.New(platformClient)
	commentLedger := ledger.New(platformClient, analyzerClient)
	pool := orchestrator.NewPool(cfg.Queue, cfg.Agent, stateStore, executionService, review.Deps{
		Store:    stateStore,
		Platform: platformClient,
		Differ:   differ,
		Ledger:   commentLedger,
		Analyzer: analyzerClient,
		Plugins:  pluginRegistry,
	}, metrics)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP surface.
	ingestor := ingest.New(cfg.Platform.Organization, cfg.WebhookSecret,
		repositoryService, stateStore, metrics)
	server := api.NewServer(dbClient, stateStore, ingestor, repositoryService,
		executionService, pool, registry, cfg.WebhookCallbackURL())

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		serverErr <- server.Start(":" + cfg.HTTPPort)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	// Graceful shutdown: stop accepting events, then wait for the workers.
	// The signal has already cancelled the pool's context, so in-flight
	// agents stop at their next cancellation check and finalize their records.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	pool.Stop()
	slog.Info("Shutdown complete")
}
