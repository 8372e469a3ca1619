package app

import (
	"context"
	"log/slog"
	"time"
)

// WorkerRunner owns the three periodic loops: dispatch (drain the queue),
// wake (release due Wait steps) and reap (rescue stuck steps). Loops log
// and continue on error; they never die.
type WorkerRunner struct {
	service *WorkerService
	logger  *slog.Logger

	pollInterval time.Duration
	wakeInterval time.Duration
	reapInterval time.Duration
}

func NewWorkerRunner(service *WorkerService, logger *slog.Logger, pollInterval, wakeInterval, reapInterval time.Duration) *WorkerRunner {
	return &WorkerRunner{
		service:      service,
		logger:       logger,
		pollInterval: pollInterval,
		wakeInterval: wakeInterval,
		reapInterval: reapInterval,
	}
}

// Start runs all three loops until ctx is cancelled.
func (r *WorkerRunner) Start(ctx context.Context) error {
	r.logger.Info("starting workflow worker",
		"pollInterval", r.pollInterval, "wakeInterval", r.wakeInterval, "reapInterval", r.reapInterval)

	go r.loop(ctx, "dispatch", r.pollInterval, r.service.ProcessExecutionQueue)
	go r.loop(ctx, "wake", r.wakeInterval, r.service.ProcessWaitStates)
	go r.loop(ctx, "reap", r.reapInterval, r.service.RecoverStuckSteps)

	<-ctx.Done()
	r.logger.Info("workflow worker shutting down")
	return nil
}

func (r *WorkerRunner) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				r.logger.Error("worker loop tick failed", "loop", name, "error", err)
			}
		}
	}
}
