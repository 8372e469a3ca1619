package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/lmittmann/tint"

	"github.com/pradumkr/StepLite/internal/adapters/database"
	"github.com/pradumkr/StepLite/internal/adapters/events"
	"github.com/pradumkr/StepLite/internal/app"
	"github.com/pradumkr/StepLite/internal/config"
	"github.com/pradumkr/StepLite/internal/domain"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("StepLite worker starting")

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := database.NewStore(pool)
	clock := domain.SystemClock()

	registry := domain.NewTaskRegistry()
	registerHandlers(registry)

	worker := app.NewWorkerService(store, registry, clock, logger,
		cfg.WorkerBatchSize, cfg.StuckStepTimeout, cfg.HandlerDefaultTimeout)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		publisher := events.NewRedisEventPublisher(redisClient)
		defer publisher.Close()
		worker.SetEventPublisher(publisher)
	}

	runner := app.NewWorkerRunner(worker, logger, cfg.PollInterval, cfg.WakeInterval, cfg.ReapInterval)

	logger.Info("worker started")
	if err := runner.Start(ctx); err != nil {
		logger.Error("worker error", "error", err)
	}
	logger.Info("worker stopped")
}

// registerHandlers wires the task handlers this deployment serves. The
// mock handler echoes its input with a processing marker and is registered
// under every resource name listed below.
func registerHandlers(registry *domain.TaskRegistry) {
	mock := domain.TaskHandlerFunc(func(ctx context.Context, input domain.Document) domain.TaskResult {
		output := domain.ShallowMerge(input, domain.Document{"processedAt": 1})
		return domain.Success(output)
	})
	for _, resource := range []string{"mock", "orderService.validate", "orderService.process", "orderService.complete"} {
		_ = registry.Register(resource, mock)
	}
}
