package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/api"
	"github.com/Priya8975/event-delivery-core/internal/auth"
	"github.com/Priya8975/event-delivery-core/internal/bus"
	"github.com/Priya8975/event-delivery-core/internal/config"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/events"
	"github.com/Priya8975/event-delivery-core/internal/idempotency"
	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/Priya8975/event-delivery-core/internal/store"
	ws "github.com/Priya8975/event-delivery-core/internal/websocket"
	"github.com/Priya8975/event-delivery-core/internal/worker"
	"github.com/Priya8975/event-delivery-core/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func loadRegistry(path string) (*events.Registry, error) {
	if path == "" {
		return events.DefaultRegistry()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event catalog: %w", err)
	}
	return events.LoadRegistry(raw)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := keyspace.Default(cfg.KeyPrefix, cfg.KeyVersion)
	if err != nil {
		return fmt.Errorf("building keyspace: %w", err)
	}

	registry, err := loadRegistry(cfg.EventCatalogFile)
	if err != nil {
		return fmt.Errorf("loading event catalog: %w", err)
	}
	logger.Info("event catalog loaded", "event_types", len(registry.EventTypes()))

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("building token verifier: %w", err)
	}

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	queue, err := engine.NewDeliveryQueue(redisStore.Client(), keys, logger)
	if err != nil {
		return fmt.Errorf("building delivery queue: %w", err)
	}
	rateLimiter := engine.NewRateLimiter(redisStore.Client(), keys, logger)
	circuitBreaker := engine.NewCircuitBreaker(redisStore.Client(), keys, logger)

	ledger := idempotency.NewLedger(pgStore, logger,
		idempotency.WithCache(idempotency.NewRedisCache(redisStore.Client(), keys)),
		idempotency.WithTTL(cfg.IdempotencyTTL),
	)

	hub := ws.NewHub(logger)

	eventBus := bus.New(logger)
	eventBus.Subscribe(bus.AllEvents, "journal", pgStore.RecordEvent)

	fanout := engine.NewFanOutEngine(pgStore, pgStore, queue, registry, logger, engine.FanOutConfig{
		MaxAttempts: cfg.DeliveryMaxAttempts,
	})
	eventBus.Subscribe(bus.AllEvents, "webhook-fanout", fanout.HandleEvent)

	deliverer := worker.NewDeliverer(pgStore, pgStore, queue, logger,
		worker.WithCircuitBreaker(circuitBreaker),
		worker.WithRateLimiter(rateLimiter),
		worker.WithHub(hub),
		worker.WithBackoff(engine.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}),
		worker.WithAttemptTimeout(cfg.DeliveryAttemptTimeout),
		worker.WithExhaustedHook(worker.PublishExhausted(registry, eventBus, logger)),
	)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	dispatcher := worker.NewDispatcher(queue, pool, logger)
	sweeper := worker.NewSweeper(pgStore, queue, cfg.SweepInterval, cfg.SweepGrace, logger)

	var background sync.WaitGroup
	startBackground := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(ctx)
		}()
	}

	pool.Start(ctx)
	startBackground(hub.Run)
	startBackground(dispatcher.Start)
	startBackground(sweeper.Start)
	startBackground(func(ctx context.Context) {
		ledger.RunReaper(ctx, cfg.IdempotencyReapInterval)
	})

	router := api.NewRouter(api.Deps{
		Store:    pgStore,
		Redis:    redisStore,
		Registry: registry,
		Bus:      eventBus,
		Ledger:   ledger,
		Verifier: verifier,
		Queue:    queue,
		Breaker:  circuitBreaker,
		Hub:      hub,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Claimed jobs that never reach a worker are recovered by the next
	// sweep after restart.
	cancel()
	background.Wait()
	pool.Stop()

	return nil
}
