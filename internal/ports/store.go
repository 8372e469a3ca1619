package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/domain"
)

// Store opens transactions against the persistent execution state. Every
// mutation of an execution (step status, queue row, execution status,
// history) happens through a Tx so a crash rolls the whole transition back.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// WithinTx runs fn in one transaction, committing on nil and rolling
	// back on error or panic.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction token passed into store operations.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Workflows and versions.
	CreateWorkflow(ctx context.Context, w *domain.Workflow) error
	GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*domain.Workflow, error)
	CreateWorkflowVersion(ctx context.Context, v *domain.WorkflowVersion) error
	GetWorkflowVersion(ctx context.Context, workflowID uuid.UUID, version string) (*domain.WorkflowVersion, error)
	// GetLatestWorkflowVersion picks the most recent version by version
	// string, lexicographic descending.
	GetLatestWorkflowVersion(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error)
	GetWorkflowVersionByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowVersion, error)
	ListWorkflowVersions(ctx context.Context, workflowID uuid.UUID) ([]*domain.WorkflowVersion, error)

	// Executions.
	CreateExecution(ctx context.Context, e *domain.WorkflowExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error)
	// GetExecutionForUpdate locks the execution row, serializing worker
	// transitions against CancelExecution.
	GetExecutionForUpdate(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error)
	GetExecutionByExecutionID(ctx context.Context, executionID string) (*domain.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, e *domain.WorkflowExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.WorkflowExecution, error)

	// Steps.
	CreateStep(ctx context.Context, s *domain.ExecutionStep) error
	GetStep(ctx context.Context, executionID, stepID uuid.UUID) (*domain.ExecutionStep, error)
	GetStepByName(ctx context.Context, executionID uuid.UUID, stepName string) (*domain.ExecutionStep, error)
	ListSteps(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionStep, error)
	UpdateStep(ctx context.Context, s *domain.ExecutionStep) error
	// FindStuckSteps returns RUNNING steps whose started_at predates the
	// threshold, for the reaper.
	FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*domain.ExecutionStep, error)
	// FindDueWaitSteps returns WAITING steps whose run_after_ts has
	// elapsed, for the wake loop.
	FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionStep, error)

	// Work queue.
	EnqueueItem(ctx context.Context, item *domain.ExecutionQueueItem) error
	// ClaimBatch selects eligible QUEUED rows with FOR UPDATE SKIP LOCKED,
	// ordered by priority descending then scheduled_at ascending. Claimed
	// rows stay locked until this transaction ends.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionQueueItem, error)
	DeleteQueueItem(ctx context.Context, id uuid.UUID) error
	DeleteQueueForExecution(ctx context.Context, executionID uuid.UUID) error
	CountQueueForExecution(ctx context.Context, executionID uuid.UUID) (int, error)

	// History.
	AppendHistory(ctx context.Context, h *domain.ExecutionHistory) error
	ListHistory(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionHistory, error)

	// Idempotency keys for StartExecution.
	GetIdempotencyKey(ctx context.Context, keyHash string) (*domain.IdempotencyKey, error)
	PutIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error)
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Statuses     []domain.ExecutionStatus
	WorkflowName string
	StartedAfter *time.Time
	StartedUntil *time.Time
	Limit        int
	Offset       int
}
