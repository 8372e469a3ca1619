package app

import (
	"context"
	"time"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/metrics"
	"github.com/pradumkr/StepLite/internal/ports"
)

// RecoverStuckSteps is the reap loop body: RUNNING steps whose started_at
// predates the stuck threshold are reset to PENDING and re-queued. This
// rescues workers that died after marking a step RUNNING but before the
// outcome committed, and handlers that never return.
func (s *WorkerService) RecoverStuckSteps(ctx context.Context) error {
	return s.store.WithinTx(ctx, func(tx ports.Tx) error {
		now := s.clock.Now()
		stuck, err := tx.FindStuckSteps(ctx, now.Add(-s.stuckThreshold), reapBatchLimit)
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			return nil
		}

		s.logger.Info("recovering stuck steps", "count", len(stuck))
		for _, step := range stuck {
			execution, err := tx.GetExecutionForUpdate(ctx, step.ExecutionID)
			if err != nil {
				return err
			}
			if execution == nil || execution.Status != domain.ExecutionStatusRunning {
				// A cancelled execution can strand a RUNNING step; it is
				// inert without a queue row, so leave it alone.
				continue
			}

			// A queue row may still exist if the crash happened before the
			// original row was consumed; re-queueing would break the
			// single-frontier invariant.
			pending, err := tx.CountQueueForExecution(ctx, execution.ID)
			if err != nil {
				return err
			}
			if pending > 0 {
				continue
			}

			step.Status = domain.StepStatusPending
			step.StartedAt = nil
			step.CompletedAt = nil
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := tx.EnqueueItem(ctx, newQueueItem(execution.ID, now, nil)); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, newHistory(execution.ID, &step.StepName,
				domain.EventStepRecovered, domain.Document{"reason": "stuck step recovery"}, now)); err != nil {
				return err
			}

			metrics.StuckStepsRecovered.Inc()
			s.logger.Info("recovered stuck step", "executionId", execution.ExecutionID, "step", step.StepName)
		}
		return nil
	})
}

// ProcessWaitStates is the wake loop body: WAITING steps whose run_after_ts
// has elapsed complete with {waitCompleted: true} and transition to the
// Wait state's next state under the same rules as a Task completion.
func (s *WorkerService) ProcessWaitStates(ctx context.Context) error {
	var published []*domain.ExecutionHistory

	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		now := s.clock.Now()
		due, err := tx.FindDueWaitSteps(ctx, now, wakeBatchLimit)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		s.logger.Debug("releasing due wait steps", "count", len(due))
		for _, step := range due {
			execution, err := tx.GetExecutionForUpdate(ctx, step.ExecutionID)
			if err != nil {
				return err
			}
			if execution == nil || execution.Status != domain.ExecutionStatusRunning {
				continue
			}

			rec := &historyRecorder{tx: tx}

			step.Status = domain.StepStatusCompleted
			output := domain.Document{"waitCompleted": true}
			step.OutputData = output
			step.CompletedAt = &now
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := rec.append(ctx, execution.ID, &step.StepName, domain.EventWaitCompleted,
				domain.Document{"completedAt": now.Format(time.RFC3339)}, now); err != nil {
				return err
			}

			// The Wait step's own time-gated queue row is consumed here;
			// moveToNextState enqueues the successor's row.
			if err := tx.DeleteQueueForExecution(ctx, execution.ID); err != nil {
				return err
			}
			if err := s.moveToNextState(ctx, tx, rec, execution, step, output); err != nil {
				return err
			}

			metrics.WaitStepsCompleted.Inc()
			published = append(published, rec.events...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishAll(ctx, published)
	return nil
}
