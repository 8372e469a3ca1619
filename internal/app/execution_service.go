package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/metrics"
	"github.com/pradumkr/StepLite/internal/ports"
)

// ExecutionService exposes the core execution API consumed by the HTTP
// layer: start, read, list and cancel.
type ExecutionService struct {
	store          ports.Store
	clock          domain.Clock
	logger         *slog.Logger
	idempotencyTTL time.Duration
}

type StartExecutionRequest struct {
	WorkflowName   string
	Version        string
	Input          domain.Document
	IdempotencyKey string
}

func NewExecutionService(store ports.Store, clock domain.Clock, logger *slog.Logger, idempotencyTTL time.Duration) *ExecutionService {
	return &ExecutionService{
		store:          store,
		clock:          clock,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
	}
}

// StartExecution creates an execution, its first step and its queue row in
// one transaction. When the idempotency key maps to an unexpired record the
// existing execution is returned instead and existing is true.
func (s *ExecutionService) StartExecution(ctx context.Context, req StartExecutionRequest) (view *ExecutionView, existing bool, err error) {
	err = s.store.WithinTx(ctx, func(tx ports.Tx) error {
		now := s.clock.Now()

		if req.IdempotencyKey != "" {
			key, err := tx.GetIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if key != nil && key.ExpiresAt.After(now) {
				prior, err := tx.GetExecutionByExecutionID(ctx, key.ResourceID)
				if err != nil {
					return err
				}
				if prior != nil {
					view = executionView(prior, req.WorkflowName, "")
					existing = true
					return nil
				}
			}
		}

		workflow, err := tx.GetWorkflowByName(ctx, req.WorkflowName)
		if err != nil {
			return err
		}
		if workflow == nil {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, req.WorkflowName)
		}

		var version *domain.WorkflowVersion
		if req.Version != "" {
			version, err = tx.GetWorkflowVersion(ctx, workflow.ID, req.Version)
		} else {
			version, err = tx.GetLatestWorkflowVersion(ctx, workflow.ID)
		}
		if err != nil {
			return err
		}
		if version == nil {
			return fmt.Errorf("%w: workflow %s version %q", domain.ErrVersionNotFound, req.WorkflowName, req.Version)
		}

		def, err := domain.ParseDefinition(version.DefinitionJSON)
		if err != nil {
			return err
		}

		input := req.Input
		if input == nil {
			input = domain.Document{}
		}

		execution := &domain.WorkflowExecution{
			ID:                uuid.New(),
			WorkflowVersionID: version.ID,
			ExecutionID:       newExecutionID(now),
			Status:            domain.ExecutionStatusRunning,
			CurrentState:      def.StartAt,
			InputData:         input,
			StartedAt:         now,
		}
		if err := tx.CreateExecution(ctx, execution); err != nil {
			return err
		}

		startState := def.States[def.StartAt]
		firstStep := &domain.ExecutionStep{
			ID:                uuid.New(),
			ExecutionID:       execution.ID,
			StepName:          def.StartAt,
			StepType:          startState.StateType(),
			Status:            domain.StepStatusPending,
			InputData:         input,
			MaxRetries:        defaultMaxRetries,
			BackoffMultiplier: defaultBackoffMultiplier,
			InitialIntervalMs: defaultInitialIntervalMs,
		}
		scheduledAt := now
		if wait, ok := startState.(*domain.WaitState); ok {
			runAfter := wait.RunAfter(now)
			firstStep.Status = domain.StepStatusWaiting
			firstStep.RunAfterTs = &runAfter
			scheduledAt = runAfter
		}
		if task, ok := startState.(*domain.TaskState); ok {
			firstStep.TimeoutSeconds = task.TimeoutSeconds
		}
		if err := tx.CreateStep(ctx, firstStep); err != nil {
			return err
		}

		queueItem := &domain.ExecutionQueueItem{
			ID:          uuid.New(),
			ExecutionID: execution.ID,
			Priority:    0,
			ScheduledAt: scheduledAt,
			Status:      domain.QueueStatusQueued,
			RunAfterTs:  firstStep.RunAfterTs,
		}
		if err := tx.EnqueueItem(ctx, queueItem); err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			key := &domain.IdempotencyKey{
				ID:           uuid.New(),
				KeyHash:      req.IdempotencyKey,
				ResourceType: "workflow_execution",
				ResourceID:   execution.ExecutionID,
				ExpiresAt:    now.Add(s.idempotencyTTL),
				CreatedAt:    now,
			}
			if err := tx.PutIdempotencyKey(ctx, key); err != nil {
				return err
			}
		}

		if err := tx.AppendHistory(ctx, &domain.ExecutionHistory{
			ID:          uuid.New(),
			ExecutionID: execution.ID,
			StepName:    &execution.CurrentState,
			EventType:   domain.EventExecutionStarted,
			EventData:   domain.Document{"workflowName": req.WorkflowName, "version": version.Version},
			Timestamp:   now,
		}); err != nil {
			return err
		}

		metrics.ExecutionsStarted.Inc()
		view = executionView(execution, req.WorkflowName, version.Version)
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("started workflow execution",
		"executionId", view.ExecutionID, "workflow", req.WorkflowName, "existing", existing)
	return view, existing, nil
}

// GetExecution returns the view for a user-visible execution id.
func (s *ExecutionService) GetExecution(ctx context.Context, executionID string) (*ExecutionView, error) {
	var view *ExecutionView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		execution, err := tx.GetExecutionByExecutionID(ctx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		view = executionView(execution, "", "")
		return nil
	})
	return view, err
}

// GetStep returns one step of an execution together with that step's slice
// of the history log.
func (s *ExecutionService) GetStep(ctx context.Context, executionID string, stepID uuid.UUID) (*StepView, error) {
	var view *StepView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		execution, err := tx.GetExecutionByExecutionID(ctx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		step, err := tx.GetStep(ctx, execution.ID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("%w: %s", domain.ErrStepNotFound, stepID)
		}
		events, err := tx.ListHistory(ctx, execution.ID)
		if err != nil {
			return err
		}
		var history []HistoryView
		for _, h := range events {
			if h.StepName != nil && *h.StepName == step.StepName {
				history = append(history, historyView(h))
			}
		}
		view = stepView(step, history)
		return nil
	})
	return view, err
}

// ListSteps returns all steps of an execution in creation order.
func (s *ExecutionService) ListSteps(ctx context.Context, executionID string) ([]*StepView, error) {
	var views []*StepView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		execution, err := tx.GetExecutionByExecutionID(ctx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		steps, err := tx.ListSteps(ctx, execution.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			views = append(views, stepView(step, nil))
		}
		return nil
	})
	return views, err
}

// ListHistory returns the full event log of an execution ordered by
// (timestamp, id).
func (s *ExecutionService) ListHistory(ctx context.Context, executionID string) ([]HistoryView, error) {
	var views []HistoryView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		execution, err := tx.GetExecutionByExecutionID(ctx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		events, err := tx.ListHistory(ctx, execution.ID)
		if err != nil {
			return err
		}
		for _, h := range events {
			views = append(views, historyView(h))
		}
		return nil
	})
	return views, err
}

func (s *ExecutionService) ListExecutions(ctx context.Context, filter ports.ExecutionFilter) ([]*ExecutionView, error) {
	var views []*ExecutionView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		executions, err := tx.ListExecutions(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range executions {
			views = append(views, executionView(e, "", ""))
		}
		return nil
	})
	return views, err
}

// CancelExecution is immediate for queued work and best effort for a step
// already in flight; that worker discovers the cancellation on its next
// persistence attempt.
func (s *ExecutionService) CancelExecution(ctx context.Context, executionID string) (*ExecutionView, error) {
	var view *ExecutionView
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		execution, err := tx.GetExecutionByExecutionID(ctx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}

		// Re-read under lock to serialize against worker transitions.
		execution, err = tx.GetExecutionForUpdate(ctx, execution.ID)
		if err != nil {
			return err
		}
		if execution.Status != domain.ExecutionStatusRunning {
			return fmt.Errorf("%w: execution %s is %s", domain.ErrInvalidState, executionID, execution.Status)
		}

		now := s.clock.Now()
		execution.Status = domain.ExecutionStatusCancelled
		execution.CompletedAt = &now
		if err := tx.UpdateExecution(ctx, execution); err != nil {
			return err
		}
		if err := tx.DeleteQueueForExecution(ctx, execution.ID); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &domain.ExecutionHistory{
			ID:          uuid.New(),
			ExecutionID: execution.ID,
			StepName:    &execution.CurrentState,
			EventType:   domain.EventExecutionCancelled,
			EventData:   domain.Document{"cancelledAt": now.Format(time.RFC3339)},
			Timestamp:   now,
		}); err != nil {
			return err
		}

		metrics.ExecutionsCompleted.WithLabelValues(string(domain.ExecutionStatusCancelled)).Inc()
		view = executionView(execution, "", "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("cancelled workflow execution", "executionId", executionID)
	return view, nil
}

// PurgeExpiredIdempotencyKeys removes records past their TTL. None of the
// worker loops calls it.
func (s *ExecutionService) PurgeExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	var purged int
	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		n, err := tx.DeleteExpiredIdempotencyKeys(ctx, s.clock.Now())
		purged = n
		return err
	})
	return purged, err
}

func newExecutionID(now time.Time) string {
	return fmt.Sprintf("exec-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
