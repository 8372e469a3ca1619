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

const (
	defaultMaxRetries        = 3
	defaultBackoffMultiplier = 2.0
	defaultInitialIntervalMs = 1000

	reapBatchLimit = 100
	wakeBatchLimit = 100
)

// WorkerService drives executions forward. ProcessExecutionQueue is the
// dispatch loop body; RecoverStuckSteps and ProcessWaitStates (in
// scheduler_service.go) are the reap and wake loop bodies. All three are
// safe to run concurrently across any number of process instances; the
// database's row locks are the only coordination.
type WorkerService struct {
	store     ports.Store
	registry  *domain.TaskRegistry
	publisher ports.EventPublisher
	clock     domain.Clock
	logger    *slog.Logger

	batchSize      int
	stuckThreshold time.Duration
	defaultTimeout time.Duration
}

func NewWorkerService(store ports.Store, registry *domain.TaskRegistry, clock domain.Clock, logger *slog.Logger, batchSize int, stuckThreshold, defaultTimeout time.Duration) *WorkerService {
	return &WorkerService{
		store:          store,
		registry:       registry,
		clock:          clock,
		logger:         logger,
		batchSize:      batchSize,
		stuckThreshold: stuckThreshold,
		defaultTimeout: defaultTimeout,
	}
}

// SetEventPublisher wires an optional outbound feed for committed history
// events.
func (s *WorkerService) SetEventPublisher(p ports.EventPublisher) {
	s.publisher = p
}

// ProcessExecutionQueue runs one dispatch poll: claim a batch of queue rows
// under FOR UPDATE SKIP LOCKED and process every row inside the same
// transaction. A crash before commit releases the rows for the next poller.
func (s *WorkerService) ProcessExecutionQueue(ctx context.Context) error {
	var published []*domain.ExecutionHistory

	err := s.store.WithinTx(ctx, func(tx ports.Tx) error {
		now := s.clock.Now()
		items, err := tx.ClaimBatch(ctx, now, s.batchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		s.logger.Debug("claimed queue items", "count", len(items))
		for _, item := range items {
			events, err := s.processQueueItem(ctx, tx, item)
			if err != nil {
				// Keep the poll alive; mark the frontier step failed so
				// the execution does not wedge.
				s.logger.Error("error processing queue item", "queueItemId", item.ID, "error", err)
				s.markCurrentStepFailed(ctx, tx, item.ExecutionID, err.Error())
				if derr := tx.DeleteQueueItem(ctx, item.ID); derr != nil {
					return derr
				}
				continue
			}
			published = append(published, events...)
			metrics.QueueItemsProcessed.Inc()
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishAll(ctx, published)
	return nil
}

// processQueueItem advances one execution by exactly one state. Returns the
// history rows appended, for post-commit publishing.
func (s *WorkerService) processQueueItem(ctx context.Context, tx ports.Tx, item *domain.ExecutionQueueItem) ([]*domain.ExecutionHistory, error) {
	execution, err := tx.GetExecution(ctx, item.ExecutionID)
	if err != nil {
		return nil, err
	}
	if execution == nil || execution.Status.Terminal() {
		// Cancelled or otherwise finished while the row sat queued.
		return nil, tx.DeleteQueueItem(ctx, item.ID)
	}

	step, err := tx.GetStepByName(ctx, execution.ID, execution.CurrentState)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%s: execution %s has no step for current state %q",
			domain.ErrorTypeInvariantViolated, execution.ExecutionID, execution.CurrentState)
	}

	// Wait rows belong to the wake loop. scheduled_at = run_after_ts keeps
	// them out of the claim window until due, so this is a safety net.
	if step.StepType == domain.StateTypeWait {
		return nil, nil
	}

	// Stale row: crash between outcome commit and queue delete left the
	// row behind while the step already finished.
	if step.Status == domain.StepStatusCompleted || step.Status == domain.StepStatusFailed {
		s.logger.Warn("dropping stale queue item", "executionId", execution.ExecutionID, "step", step.StepName)
		return nil, tx.DeleteQueueItem(ctx, item.ID)
	}

	rec := &historyRecorder{tx: tx}
	now := s.clock.Now()

	step.Status = domain.StepStatusRunning
	step.StartedAt = &now
	if err := tx.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	if err := rec.append(ctx, execution.ID, &step.StepName, domain.EventStepStarted,
		domain.Document{"stepType": string(step.StepType)}, now); err != nil {
		return nil, err
	}

	stepStart := time.Now()
	result := s.interpret(ctx, tx, execution, step)
	metrics.StepDuration.Observe(time.Since(stepStart).Seconds())

	if err := s.applyOutcome(ctx, tx, rec, execution, step, result); err != nil {
		return nil, err
	}
	if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
		return nil, err
	}
	return rec.events, nil
}

// interpret runs the interpreter for one state and never panics; handler
// panics and definition problems come back as failed results.
func (s *WorkerService) interpret(ctx context.Context, tx ports.Tx, execution *domain.WorkflowExecution, step *domain.ExecutionStep) (result domain.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.Failure(domain.ErrorTypeHandlerException, fmt.Sprintf("panic in state %s: %v", step.StepName, r))
		}
	}()

	def, err := s.loadDefinition(ctx, tx, execution)
	if err != nil {
		return domain.Failure("DefinitionError", err.Error())
	}
	state, ok := def.States[step.StepName]
	if !ok {
		return domain.Failure("DefinitionError", fmt.Sprintf("state %q not present in definition", step.StepName))
	}

	switch st := state.(type) {
	case *domain.TaskState:
		return s.executeTask(ctx, st, step)
	case *domain.ChoiceState:
		return executeChoice(st, step.InputData)
	case *domain.SuccessState:
		return domain.Success(step.InputData)
	case *domain.FailState:
		return domain.Failure(domain.ErrorTypeWorkflowFail, failMessage(st, step.InputData))
	default:
		return domain.Failure("DefinitionError", fmt.Sprintf("unsupported state type %s", state.StateType()))
	}
}

func (s *WorkerService) executeTask(ctx context.Context, state *domain.TaskState, step *domain.ExecutionStep) domain.TaskResult {
	handler, ok := s.registry.Lookup(state.Resource)
	if !ok {
		return domain.Failure(domain.ErrorTypeUnknownHandler,
			fmt.Sprintf("no handler registered for resource %q", state.Resource))
	}

	timeout := s.defaultTimeout
	if state.TimeoutSeconds != nil {
		timeout = time.Duration(*state.TimeoutSeconds) * time.Second
	}
	handlerCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handler.Execute(handlerCtx, step.InputData)
}

func executeChoice(state *domain.ChoiceState, input domain.Document) domain.TaskResult {
	for _, choice := range state.Choices {
		if domain.EvaluateCondition(choice.Condition, input) {
			return domain.Success(domain.Document{"nextState": choice.Next})
		}
	}
	if state.DefaultChoice != "" {
		return domain.Success(domain.Document{"nextState": state.DefaultChoice})
	}
	return domain.Failure(domain.ErrorTypeChoiceError, "no matching choice and no default")
}

func failMessage(state *domain.FailState, input domain.Document) string {
	if msg, ok := input["error"].(string); ok && msg != "" {
		return msg
	}
	if state.Error != "" {
		return state.Error
	}
	return "Workflow failed"
}

// applyOutcome persists the step result and either schedules the successor
// or terminates the execution. The execution row is re-read under lock so a
// concurrent CancelExecution is discovered here.
func (s *WorkerService) applyOutcome(ctx context.Context, tx ports.Tx, rec *historyRecorder, execution *domain.WorkflowExecution, step *domain.ExecutionStep, result domain.TaskResult) error {
	now := s.clock.Now()

	execution, err := tx.GetExecutionForUpdate(ctx, execution.ID)
	if err != nil {
		return err
	}
	cancelled := execution.Status == domain.ExecutionStatusCancelled

	if result.Success {
		step.Status = domain.StepStatusCompleted
		step.OutputData = result.Output
		step.CompletedAt = &now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}
		metrics.StepsCompleted.Inc()
		if err := rec.append(ctx, execution.ID, &step.StepName, domain.EventStepCompleted,
			domain.Document{"output": result.Output}, now); err != nil {
			return err
		}
		if cancelled {
			// Forensic history only; never transition a cancelled
			// execution or schedule successors.
			return nil
		}
		return s.moveToNextState(ctx, tx, rec, execution, step, result.Output)
	}

	if step.StepType == domain.StateTypeFail && result.ErrorType == domain.ErrorTypeWorkflowFail {
		// A Fail state completed doing exactly what it declares; the
		// failure belongs to the execution, not the step.
		step.Status = domain.StepStatusCompleted
		step.CompletedAt = &now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}
		if err := rec.append(ctx, execution.ID, &step.StepName, domain.EventStepCompleted,
			domain.Document{"error": result.ErrorMessage}, now); err != nil {
			return err
		}
		if cancelled {
			return nil
		}
		return s.failExecution(ctx, tx, rec, execution, step, result.ErrorMessage, now)
	}

	step.Status = domain.StepStatusFailed
	step.ErrorType = &result.ErrorType
	step.ErrorMessage = &result.ErrorMessage
	step.CompletedAt = &now
	if err := tx.UpdateStep(ctx, step); err != nil {
		return err
	}
	metrics.StepsFailed.Inc()

	eventType := domain.EventStepFailed
	if result.ErrorType == domain.ErrorTypeHandlerException {
		eventType = domain.EventStepError
	}
	if err := rec.append(ctx, execution.ID, &step.StepName, eventType,
		domain.Document{"errorType": result.ErrorType, "errorMessage": result.ErrorMessage}, now); err != nil {
		return err
	}
	if cancelled {
		return nil
	}
	return s.failExecution(ctx, tx, rec, execution, step, result.ErrorMessage, now)
}

func (s *WorkerService) failExecution(ctx context.Context, tx ports.Tx, rec *historyRecorder, execution *domain.WorkflowExecution, step *domain.ExecutionStep, errorMessage string, now time.Time) error {
	execution.Status = domain.ExecutionStatusFailed
	execution.ErrorMessage = &errorMessage
	execution.CompletedAt = &now
	if err := tx.UpdateExecution(ctx, execution); err != nil {
		return err
	}
	metrics.ExecutionsCompleted.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()
	return rec.append(ctx, execution.ID, &step.StepName, domain.EventExecutionFailed,
		domain.Document{"errorMessage": errorMessage}, now)
}

// moveToNextState resolves the successor (for Choice states the interpreter
// put it in the output), creates the next step and queue row, or completes
// the execution when the current state is terminal.
func (s *WorkerService) moveToNextState(ctx context.Context, tx ports.Tx, rec *historyRecorder, execution *domain.WorkflowExecution, step *domain.ExecutionStep, output domain.Document) error {
	now := s.clock.Now()

	def, err := s.loadDefinition(ctx, tx, execution)
	if err != nil {
		return err
	}

	var nextState string
	if step.StepType == domain.StateTypeChoice {
		nextState, _ = output["nextState"].(string)
		// The routing key is the interpreter's channel to the worker, not
		// workflow data; keep it out of the downstream input.
		routed := make(domain.Document, len(output))
		for k, v := range output {
			if k != "nextState" {
				routed[k] = v
			}
		}
		output = routed
	} else if state, ok := def.States[step.StepName]; ok {
		nextState = state.NextState()
	}

	nextDef, ok := def.States[nextState]
	if nextState == "" || !ok {
		execution.Status = domain.ExecutionStatusCompleted
		execution.OutputData = output
		execution.CompletedAt = &now
		if err := tx.UpdateExecution(ctx, execution); err != nil {
			return err
		}
		metrics.ExecutionsCompleted.WithLabelValues(string(domain.ExecutionStatusCompleted)).Inc()
		return rec.append(ctx, execution.ID, &step.StepName, domain.EventExecutionCompleted,
			domain.Document{"finalOutput": output}, now)
	}

	nextStep := &domain.ExecutionStep{
		ID:                uuid.New(),
		ExecutionID:       execution.ID,
		StepName:          nextState,
		StepType:          nextDef.StateType(),
		Status:            domain.StepStatusPending,
		InputData:         domain.ShallowMerge(step.InputData, output),
		MaxRetries:        defaultMaxRetries,
		BackoffMultiplier: defaultBackoffMultiplier,
		InitialIntervalMs: defaultInitialIntervalMs,
	}
	scheduledAt := now
	if wait, ok := nextDef.(*domain.WaitState); ok {
		runAfter := wait.RunAfter(now)
		nextStep.Status = domain.StepStatusWaiting
		nextStep.RunAfterTs = &runAfter
		scheduledAt = runAfter
	}
	if task, ok := nextDef.(*domain.TaskState); ok {
		nextStep.TimeoutSeconds = task.TimeoutSeconds
	}
	if err := tx.CreateStep(ctx, nextStep); err != nil {
		return err
	}

	execution.CurrentState = nextState
	if err := tx.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	if err := tx.EnqueueItem(ctx, &domain.ExecutionQueueItem{
		ID:          uuid.New(),
		ExecutionID: execution.ID,
		Priority:    0,
		ScheduledAt: scheduledAt,
		Status:      domain.QueueStatusQueued,
		RunAfterTs:  nextStep.RunAfterTs,
	}); err != nil {
		return err
	}

	return rec.append(ctx, execution.ID, &nextState, domain.EventNextStateQueued,
		domain.Document{"previousState": step.StepName}, now)
}

func (s *WorkerService) loadDefinition(ctx context.Context, tx ports.Tx, execution *domain.WorkflowExecution) (*domain.Definition, error) {
	version, err := tx.GetWorkflowVersionByID(ctx, execution.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, domain.NewDefinitionError("workflow version %s no longer exists", execution.WorkflowVersionID)
	}
	return domain.ParseDefinition(version.DefinitionJSON)
}

// markCurrentStepFailed is the last-ditch path when row processing itself
// errored: fail the frontier step and the execution so nothing wedges.
func (s *WorkerService) markCurrentStepFailed(ctx context.Context, tx ports.Tx, executionID uuid.UUID, errorMessage string) {
	execution, err := tx.GetExecutionForUpdate(ctx, executionID)
	if err != nil || execution == nil || execution.Status.Terminal() {
		return
	}
	now := s.clock.Now()
	stepName := execution.CurrentState

	step, err := tx.GetStepByName(ctx, execution.ID, execution.CurrentState)
	if err == nil && step != nil {
		errType := domain.ErrorTypeInvariantViolated
		step.Status = domain.StepStatusFailed
		step.ErrorType = &errType
		step.ErrorMessage = &errorMessage
		step.CompletedAt = &now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return
		}
		_ = tx.AppendHistory(ctx, newHistory(execution.ID, &stepName,
			domain.EventStepFailed, domain.Document{"errorMessage": errorMessage}, now))
	}

	execution.Status = domain.ExecutionStatusFailed
	execution.ErrorMessage = &errorMessage
	execution.CompletedAt = &now
	_ = tx.UpdateExecution(ctx, execution)
	_ = tx.AppendHistory(ctx, newHistory(execution.ID, &stepName,
		domain.EventExecutionFailed, domain.Document{"errorMessage": errorMessage}, now))
}

func (s *WorkerService) publishAll(ctx context.Context, events []*domain.ExecutionHistory) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		if err := s.publisher.PublishHistory(ctx, event); err != nil {
			s.logger.Warn("failed to publish history event", "eventType", event.EventType, "error", err)
		}
	}
}

func newQueueItem(executionID uuid.UUID, scheduledAt time.Time, runAfter *time.Time) *domain.ExecutionQueueItem {
	return &domain.ExecutionQueueItem{
		ID:          uuid.New(),
		ExecutionID: executionID,
		Priority:    0,
		ScheduledAt: scheduledAt,
		Status:      domain.QueueStatusQueued,
		RunAfterTs:  runAfter,
	}
}

func newHistory(executionID uuid.UUID, stepName *string, eventType string, data domain.Document, at time.Time) *domain.ExecutionHistory {
	return &domain.ExecutionHistory{
		ID:          uuid.New(),
		ExecutionID: executionID,
		StepName:    stepName,
		EventType:   eventType,
		EventData:   data,
		Timestamp:   at,
	}
}

// historyRecorder appends history rows through the transaction and keeps
// them for post-commit publishing.
type historyRecorder struct {
	tx     ports.Tx
	events []*domain.ExecutionHistory
}

func (r *historyRecorder) append(ctx context.Context, executionID uuid.UUID, stepName *string, eventType string, data domain.Document, at time.Time) error {
	event := &domain.ExecutionHistory{
		ID:          uuid.New(),
		ExecutionID: executionID,
		StepName:    stepName,
		EventType:   eventType,
		EventData:   data,
		Timestamp:   at,
	}
	if err := r.tx.AppendHistory(ctx, event); err != nil {
		return err
	}
	r.events = append(r.events, event)
	return nil
}
