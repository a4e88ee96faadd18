// Package main is the entry point for the RelayGate server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaygate/internal/cache"
	"relaygate/internal/config"
	"relaygate/internal/domain"
	httpserver "relaygate/internal/http"
	"relaygate/internal/orchestrator"
	"relaygate/internal/pipeline"
	"relaygate/internal/provider"
	"relaygate/internal/resilience"
	"relaygate/internal/storage/postgres"
	"relaygate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	migrationsDir := flag.String("migrations", "migrations", "Path to SQL migrations")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)

	logger := telemetry.NewLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	logger.Info("starting relaygate",
		"http_port", cfg.Server.HTTPPort,
		"database", cfg.Database.Driver)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics(nil)
	}

	// Storage: Postgres in production, in-memory for dev mode.
	var cacheStore cache.Store
	var circuitStore resilience.StateStore

	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.NewDB(&cfg.Database)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := postgres.Migrate(db.DB, *migrationsDir, logger); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		cacheStore = cache.NewPostgresStore(db.DB, logger)
		circuitStore = postgres.NewCircuitStore(db.DB)

	case "memory":
		cacheStore = cache.NewMemoryStore()
		circuitStore = resilience.NewMemoryStateStore()

	default:
		logger.Error("unsupported database driver", "driver", cfg.Database.Driver)
		os.Exit(1)
	}

	registry, err := provider.NewRegistry(cfg)
	if err != nil {
		logger.Error("provider registry construction failed", "error", err)
		os.Exit(1)
	}

	breaker := resilience.NewBreaker(circuitStore, resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		FailureWindow:    time.Duration(cfg.Resilience.FailureWindowMinutes) * time.Minute,
		Cooldown:         time.Duration(cfg.Resilience.CooldownSeconds) * time.Second,
	}, logger)
	retryPolicy := resilience.Policy{MaxAttempts: cfg.Resilience.MaxRetries}

	orch := orchestrator.New(registry,
		orchestrator.WithMinContentLength(cfg.Orchestra.MinContentLength),
		orchestrator.WithLogger(logger))

	twoTier := buildTwoTier(cfg, registry, metrics, logger)

	pdf := pipeline.NewPDFProcessor(cfg.Pipeline, logger)
	ocrChain := pipeline.NewOCRChain(registry, orch, cfg.Pipeline, logger)
	pipe := pipeline.New(cacheStore, pdf, ocrChain, orch, breaker, retryPolicy,
		cfg.Pipeline, cfg.Cache.DocumentTTL(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := cache.NewSweeper(cacheStore,
		time.Duration(cfg.Cache.CleanupIntervalMinutes)*time.Minute, logger)
	go sweeper.Run(ctx)

	server := httpserver.NewServer(cfg, orch, twoTier, pipe, cacheStore, breaker, retryPolicy, metrics, nil, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("shutting down")
	}
}

// buildTwoTier wires the fixed primary/secondary chain when both named
// providers are configured. A missing client disables the chain rather than
// failing startup.
func buildTwoTier(cfg *config.Config, registry *provider.Registry, metrics *telemetry.Metrics, logger *slog.Logger) *orchestrator.TwoTierFallback {
	primaryName, ok := domain.ParseProvider(cfg.Fallback.Primary)
	if !ok {
		return nil
	}
	secondaryName, ok := domain.ParseProvider(cfg.Fallback.Secondary)
	if !ok {
		return nil
	}

	primary, err := registry.Completion(primaryName)
	if err != nil {
		logger.Warn("two-tier chain disabled, primary not configured", "provider", primaryName)
		return nil
	}
	secondary, err := registry.Completion(secondaryName)
	if err != nil {
		logger.Warn("two-tier chain disabled, secondary not configured", "provider", secondaryName)
		return nil
	}

	var hook orchestrator.FailoverHook
	if metrics != nil {
		hook = func(from, to domain.Provider, reason string) {
			metrics.RecordFailover(string(from), string(to), reason)
		}
	}
	return orchestrator.NewTwoTierFallback(primary, secondary, hook, logger)
}
