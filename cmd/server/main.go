// Package main is the entrypoint for the GovFlow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kiranshivaraju/govflow/internal/ai"
	"github.com/kiranshivaraju/govflow/internal/api"
	"github.com/kiranshivaraju/govflow/internal/api/handler"
	mw "github.com/kiranshivaraju/govflow/internal/api/middleware"
	"github.com/kiranshivaraju/govflow/internal/cache"
	"github.com/kiranshivaraju/govflow/internal/config"
	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/internal/executor/itr"
	"github.com/kiranshivaraju/govflow/internal/executor/passport"
	"github.com/kiranshivaraju/govflow/internal/interrupt"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/portal"
	"github.com/kiranshivaraju/govflow/internal/progress"
	"github.com/kiranshivaraju/govflow/internal/queue"
	"github.com/kiranshivaraju/govflow/internal/slotfill"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/internal/worker"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 30 * time.Second
	queuePrefix     = "govflow:queue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "queue_backend", cfg.Queue.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create classifier
	classifier, err := ai.NewClassifier(cfg.AI, ai.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	slog.Info("classifier initialized", "provider", classifier.Name())

	// 6. Job engine
	q, err := newQueue(cfg.Queue.Backend, redisCache.Client())
	if err != nil {
		return err
	}
	hub := progress.NewHub(cfg.Progress.SubscriberBuffer, logger)
	defer hub.Close()

	jobSvc := jobs.NewService(pgStore, q, hub, jobs.Policy{
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffMax:     cfg.Queue.BackoffMax,
		ResumePriority: jobs.DefaultPolicy().ResumePriority,
	}, jobs.WithEnqueueAttempts(cfg.Queue.EnqueueAttempts, 100*time.Millisecond), jobs.WithLogger(logger))

	coord := interrupt.New(jobSvc, cfg.Interrupt.InputTTL, logger)
	defer coord.Stop()
	if _, err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("restore input timers: %w", err)
	}

	registry, err := newRegistry(portal.NewSimulator(portal.WithStepDelay(cfg.Portal.StepDelay), portal.WithSimLogger(logger)))
	if err != nil {
		return fmt.Errorf("build executor registry: %w", err)
	}
	processor := worker.NewProcessor(jobSvc, registry, coord, q, worker.ProcessorConfig{
		LeaseTTL:       cfg.Queue.LeaseTTL,
		ReporterBuffer: cfg.Progress.ReporterBuffer,
	}, logger)
	workers := worker.NewPool(q, processor, cfg.Queue.Workers, cfg.Queue.PollInterval, logger)

	supervisor, err := worker.NewSupervisor(q, jobSvc, coord, worker.SupervisorConfig{
		PromoteSchedule: cfg.Queue.PromoteSchedule,
		ReaperSchedule:  cfg.Queue.ReaperSchedule,
		SweepSchedule:   cfg.Queue.SweepSchedule,
		VisibilityTTL:   cfg.Queue.VisibilityTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	conversations := slotfill.NewService(classifier, pgStore, redisCache, slotfill.Policy{
		MaxClarifications:   cfg.Classifier.MaxClarifications,
		ConfidenceThreshold: cfg.Classifier.ConfidenceThreshold,
		MaxAttempts:         cfg.Classifier.MaxAttempts,
		RetryBase:           cfg.Classifier.RetryBase,
		Deadline:            cfg.Classifier.Deadline,
		ContextTTL:          cfg.Classifier.ContextTTL,
	}, slotfill.WithLogger(logger))

	if err := bootstrapKey(ctx, pgStore, cfg.Server.BootstrapAPIKey); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimit),

		HealthHandler:   handler.NewHealthHandler(pgStore, redisCache, q, workers),
		JobTypesHandler: handler.NewJobTypesHandler(),

		CreateJobHandler:   handler.NewCreateJobHandler(jobSvc, conversations),
		ClarifyHandler:     handler.NewClarifyHandler(jobSvc, conversations),
		ListJobsHandler:    handler.NewListJobsHandler(jobSvc),
		GetJobHandler:      handler.NewGetJobHandler(jobSvc),
		JobStatusHandler:   handler.NewJobStatusHandler(jobSvc),
		CancelJobHandler:   handler.NewCancelJobHandler(coord),
		RetryJobHandler:    handler.NewRetryJobHandler(jobSvc),
		SupplyInputHandler: handler.NewSupplyInputHandler(coord),
		EventsHandler:      handler.NewEventsHandler(hub, cfg.Progress.Heartbeat),

		GetProfileHandler: handler.NewGetProfileHandler(pgStore),
		PutProfileHandler: handler.NewPutProfileHandler(pgStore),

		CreateKeyHandler:  handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:   handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:  handler.NewRevokeKeyHandler(pgStore),
		CreateUserHandler: handler.NewCreateUserHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start workers and maintenance
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := workers.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker pool stopped", "error", err)
		}
	}()
	supervisor.Start()
	slog.Info("workers started", "size", workers.Size())

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = err
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Event streams only end when their request context does.
	srv.RegisterOnShutdown(hub.Close)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	supervisor.Stop()
	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before shutdown timeout")
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newQueue builds the queue backend named in config.
func newQueue(backend string, client *redis.Client) (queue.Queue, error) {
	switch backend {
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		return queue.NewRedisQueue(client, queuePrefix), nil
	case "memory":
		slog.Warn("using in-memory queue; queued jobs are recovered from the database after a restart")
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func newRegistry(p portal.Portal) (*executor.Registry, error) {
	return executor.NewRegistry(itr.New(p), passport.New(p))
}

// bootstrapKey installs an admin key for the default user so a fresh
// deployment can create users and keys. An existing key is left alone.
func bootstrapKey(ctx context.Context, s handler.KeyStore, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) < 16 {
		return errors.New("GOVFLOW_BOOTSTRAP_API_KEY must be at least 16 characters")
	}
	key, err := handler.NewAPIKey(store.DefaultUserID, "bootstrap", raw, []string{"read", "write", "admin"})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil
		}
		return err
	}
	slog.Info("bootstrap api key created", "key_prefix", key.KeyPrefix)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
