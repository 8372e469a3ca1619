package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
)

/* Workflow queries */
const (
	createWorkflowQuery = `
		INSERT INTO workflows (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	getWorkflowByNameQuery = `
		SELECT id, name, description, created_at, updated_at
		FROM workflows WHERE name = $1`

	listWorkflowsQuery = `
		SELECT id, name, description, created_at, updated_at
		FROM workflows ORDER BY created_at DESC`

	createWorkflowVersionQuery = `
		INSERT INTO workflow_versions (id, workflow_id, version, definition_json, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	getWorkflowVersionQuery = `
		SELECT id, workflow_id, version, definition_json, is_active, created_at, updated_at
		FROM workflow_versions WHERE workflow_id = $1 AND version = $2`

	getLatestWorkflowVersionQuery = `
		SELECT id, workflow_id, version, definition_json, is_active, created_at, updated_at
		FROM workflow_versions WHERE workflow_id = $1
		ORDER BY version DESC LIMIT 1`

	getWorkflowVersionByIDQuery = `
		SELECT id, workflow_id, version, definition_json, is_active, created_at, updated_at
		FROM workflow_versions WHERE id = $1`

	listWorkflowVersionsQuery = `
		SELECT id, workflow_id, version, definition_json, is_active, created_at, updated_at
		FROM workflow_versions WHERE workflow_id = $1
		ORDER BY version DESC`
)

/* Execution queries */
const (
	createExecutionQuery = `
		INSERT INTO workflow_executions
		(id, workflow_version_id, execution_id, status, current_state, input_data, output_data,
		 error_message, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	executionColumns = `
		id, workflow_version_id, execution_id, status, current_state, input_data, output_data,
		error_message, started_at, completed_at, created_at, updated_at`

	updateExecutionQuery = `
		UPDATE workflow_executions
		SET status = $2, current_state = $3, output_data = $4, error_message = $5,
		    completed_at = $6, updated_at = NOW()
		WHERE id = $1`
)

/* Step queries */
const (
	createStepQuery = `
		INSERT INTO execution_steps
		(id, execution_id, step_name, step_type, status, input_data, output_data, error_type,
		 error_message, retry_count, max_retries, backoff_multiplier, initial_interval_ms,
		 timeout_seconds, run_after_ts, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())`

	stepColumns = `
		id, execution_id, step_name, step_type, status, input_data, output_data, error_type,
		error_message, retry_count, max_retries, backoff_multiplier, initial_interval_ms,
		timeout_seconds, run_after_ts, started_at, completed_at, created_at, updated_at`

	updateStepQuery = `
		UPDATE execution_steps
		SET status = $2, input_data = $3, output_data = $4, error_type = $5, error_message = $6,
		    retry_count = $7, run_after_ts = $8, started_at = $9, completed_at = $10, updated_at = NOW()
		WHERE id = $1`

	findStuckStepsQuery = `
		SELECT %s FROM execution_steps
		WHERE status = 'RUNNING' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`

	findDueWaitStepsQuery = `
		SELECT %s FROM execution_steps
		WHERE status = 'WAITING' AND run_after_ts <= $1
		ORDER BY run_after_ts ASC
		LIMIT $2`
)

// Queue queries. The claim is the heart of the engine: eligible rows are
// selected FOR UPDATE SKIP LOCKED so concurrent pollers never block on or
// double-claim one another's rows, and a crashed holder releases its rows
// on rollback.
const (
	enqueueItemQuery = `
		INSERT INTO execution_queue
		(id, execution_id, priority, scheduled_at, status, retry_count, run_after_ts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	claimBatchQuery = `
		SELECT id, execution_id, priority, scheduled_at, status, retry_count, run_after_ts, created_at, updated_at
		FROM execution_queue
		WHERE status = 'QUEUED'
		  AND scheduled_at <= $1
		  AND (run_after_ts IS NULL OR run_after_ts <= $1)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	deleteQueueItemQuery         = `DELETE FROM execution_queue WHERE id = $1`
	deleteQueueForExecutionQuery = `DELETE FROM execution_queue WHERE execution_id = $1`
	countQueueForExecutionQuery  = `SELECT COUNT(*) FROM execution_queue WHERE execution_id = $1`
)

/* History queries */
const (
	appendHistoryQuery = `
		INSERT INTO execution_history (id, execution_id, step_name, event_type, event_data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	listHistoryQuery = `
		SELECT id, execution_id, step_name, event_type, event_data, timestamp
		FROM execution_history WHERE execution_id = $1
		ORDER BY timestamp ASC, id ASC`
)

/* Idempotency key queries */
const (
	getIdempotencyKeyQuery = `
		SELECT id, key_hash, resource_type, resource_id, expires_at, created_at
		FROM idempotency_keys WHERE key_hash = $1`

	putIdempotencyKeyQuery = `
		INSERT INTO idempotency_keys (id, key_hash, resource_type, resource_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key_hash) DO UPDATE
		SET resource_id = EXCLUDED.resource_id, expires_at = EXCLUDED.expires_at`

	deleteExpiredIdempotencyKeysQuery = `DELETE FROM idempotency_keys WHERE expires_at <= $1`
)

// Store is the pgx-backed implementation of ports.Store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (ports.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *storeTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

/* Workflows */

func (t *storeTx) CreateWorkflow(ctx context.Context, w *domain.Workflow) error {
	_, err := t.tx.Exec(ctx, createWorkflowQuery, w.ID, w.Name, w.Description, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow %q: %w", w.Name, err)
	}
	return nil
}

func (t *storeTx) GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	w := &domain.Workflow{}
	err := t.tx.QueryRow(ctx, getWorkflowByNameQuery, name).
		Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %q: %w", name, err)
	}
	return w, nil
}

func (t *storeTx) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	rows, err := t.tx.Query(ctx, listWorkflowsQuery)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		w := &domain.Workflow{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (t *storeTx) CreateWorkflowVersion(ctx context.Context, v *domain.WorkflowVersion) error {
	_, err := t.tx.Exec(ctx, createWorkflowVersionQuery,
		v.ID, v.WorkflowID, v.Version, v.DefinitionJSON, v.IsActive, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow version %s: %w", v.Version, err)
	}
	return nil
}

func (t *storeTx) GetWorkflowVersion(ctx context.Context, workflowID uuid.UUID, version string) (*domain.WorkflowVersion, error) {
	return t.scanVersion(t.tx.QueryRow(ctx, getWorkflowVersionQuery, workflowID, version))
}

func (t *storeTx) GetLatestWorkflowVersion(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error) {
	return t.scanVersion(t.tx.QueryRow(ctx, getLatestWorkflowVersionQuery, workflowID))
}

func (t *storeTx) GetWorkflowVersionByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowVersion, error) {
	return t.scanVersion(t.tx.QueryRow(ctx, getWorkflowVersionByIDQuery, id))
}

func (t *storeTx) ListWorkflowVersions(ctx context.Context, workflowID uuid.UUID) ([]*domain.WorkflowVersion, error) {
	rows, err := t.tx.Query(ctx, listWorkflowVersionsQuery, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()

	var versions []*domain.WorkflowVersion
	for rows.Next() {
		v := &domain.WorkflowVersion{}
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.DefinitionJSON, &v.IsActive, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (t *storeTx) scanVersion(row pgx.Row) (*domain.WorkflowVersion, error) {
	v := &domain.WorkflowVersion{}
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.DefinitionJSON, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow version: %w", err)
	}
	return v, nil
}

/* Executions */

func (t *storeTx) CreateExecution(ctx context.Context, e *domain.WorkflowExecution) error {
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := t.tx.Exec(ctx, createExecutionQuery,
		e.ID, e.WorkflowVersionID, e.ExecutionID, e.Status, e.CurrentState, e.InputData,
		e.OutputData, e.ErrorMessage, e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

func (t *storeTx) GetExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`
	return t.scanExecution(t.tx.QueryRow(ctx, query, id))
}

func (t *storeTx) GetExecutionForUpdate(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1 FOR UPDATE`
	return t.scanExecution(t.tx.QueryRow(ctx, query, id))
}

func (t *storeTx) GetExecutionByExecutionID(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE execution_id = $1`
	return t.scanExecution(t.tx.QueryRow(ctx, query, executionID))
}

func (t *storeTx) UpdateExecution(ctx context.Context, e *domain.WorkflowExecution) error {
	_, err := t.tx.Exec(ctx, updateExecutionQuery,
		e.ID, e.Status, e.CurrentState, e.OutputData, e.ErrorMessage, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

func (t *storeTx) ListExecutions(ctx context.Context, filter ports.ExecutionFilter) ([]*domain.WorkflowExecution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var statuses []string
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	var workflowName *string
	if filter.WorkflowName != "" {
		workflowName = &filter.WorkflowName
	}

	query := `
		SELECT ` + qualify(executionColumns, "e") + `
		FROM workflow_executions e
		JOIN workflow_versions v ON v.id = e.workflow_version_id
		JOIN workflows w ON w.id = v.workflow_id
		WHERE ($1::text[] IS NULL OR e.status = ANY($1))
		  AND ($2::text IS NULL OR w.name = $2)
		  AND ($3::timestamptz IS NULL OR e.started_at >= $3)
		  AND ($4::timestamptz IS NULL OR e.started_at <= $4)
		ORDER BY e.started_at DESC
		LIMIT $5 OFFSET $6`

	var statusArg interface{}
	if len(statuses) > 0 {
		statusArg = statuses
	}
	rows, err := t.tx.Query(ctx, query,
		statusArg, workflowName, filter.StartedAfter, filter.StartedUntil, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.WorkflowExecution
	for rows.Next() {
		e, err := t.scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (t *storeTx) scanExecution(row pgx.Row) (*domain.WorkflowExecution, error) {
	e := &domain.WorkflowExecution{}
	err := row.Scan(&e.ID, &e.WorkflowVersionID, &e.ExecutionID, &e.Status, &e.CurrentState,
		&e.InputData, &e.OutputData, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (t *storeTx) scanExecutionRow(rows pgx.Rows) (*domain.WorkflowExecution, error) {
	e := &domain.WorkflowExecution{}
	err := rows.Scan(&e.ID, &e.WorkflowVersionID, &e.ExecutionID, &e.Status, &e.CurrentState,
		&e.InputData, &e.OutputData, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

/* Steps */

func (t *storeTx) CreateStep(ctx context.Context, s *domain.ExecutionStep) error {
	_, err := t.tx.Exec(ctx, createStepQuery,
		s.ID, s.ExecutionID, s.StepName, s.StepType, s.Status, s.InputData, s.OutputData,
		s.ErrorType, s.ErrorMessage, s.RetryCount, s.MaxRetries, s.BackoffMultiplier,
		s.InitialIntervalMs, s.TimeoutSeconds, s.RunAfterTs, s.StartedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("create step %s: %w", s.StepName, err)
	}
	return nil
}

func (t *storeTx) GetStep(ctx context.Context, executionID, stepID uuid.UUID) (*domain.ExecutionStep, error) {
	query := `SELECT ` + stepColumns + ` FROM execution_steps WHERE execution_id = $1 AND id = $2`
	return t.scanStep(t.tx.QueryRow(ctx, query, executionID, stepID))
}

func (t *storeTx) GetStepByName(ctx context.Context, executionID uuid.UUID, stepName string) (*domain.ExecutionStep, error) {
	// Latest row wins when a cyclic graph revisits a state name.
	query := `SELECT ` + stepColumns + ` FROM execution_steps
		WHERE execution_id = $1 AND step_name = $2
		ORDER BY created_at DESC LIMIT 1`
	return t.scanStep(t.tx.QueryRow(ctx, query, executionID, stepName))
}

func (t *storeTx) ListSteps(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionStep, error) {
	query := `SELECT ` + stepColumns + ` FROM execution_steps WHERE execution_id = $1 ORDER BY created_at ASC`
	rows, err := t.tx.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	return t.collectSteps(rows)
}

func (t *storeTx) UpdateStep(ctx context.Context, s *domain.ExecutionStep) error {
	_, err := t.tx.Exec(ctx, updateStepQuery,
		s.ID, s.Status, s.InputData, s.OutputData, s.ErrorType, s.ErrorMessage,
		s.RetryCount, s.RunAfterTs, s.StartedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("update step %s: %w", s.StepName, err)
	}
	return nil
}

func (t *storeTx) FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*domain.ExecutionStep, error) {
	rows, err := t.tx.Query(ctx, fmt.Sprintf(findStuckStepsQuery, stepColumns), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck steps: %w", err)
	}
	defer rows.Close()
	return t.collectSteps(rows)
}

func (t *storeTx) FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionStep, error) {
	rows, err := t.tx.Query(ctx, fmt.Sprintf(findDueWaitStepsQuery, stepColumns), now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due wait steps: %w", err)
	}
	defer rows.Close()
	return t.collectSteps(rows)
}

func (t *storeTx) scanStep(row pgx.Row) (*domain.ExecutionStep, error) {
	s := &domain.ExecutionStep{}
	err := row.Scan(&s.ID, &s.ExecutionID, &s.StepName, &s.StepType, &s.Status, &s.InputData,
		&s.OutputData, &s.ErrorType, &s.ErrorMessage, &s.RetryCount, &s.MaxRetries,
		&s.BackoffMultiplier, &s.InitialIntervalMs, &s.TimeoutSeconds, &s.RunAfterTs,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return s, nil
}

func (t *storeTx) collectSteps(rows pgx.Rows) ([]*domain.ExecutionStep, error) {
	var steps []*domain.ExecutionStep
	for rows.Next() {
		s := &domain.ExecutionStep{}
		if err := rows.Scan(&s.ID, &s.ExecutionID, &s.StepName, &s.StepType, &s.Status, &s.InputData,
			&s.OutputData, &s.ErrorType, &s.ErrorMessage, &s.RetryCount, &s.MaxRetries,
			&s.BackoffMultiplier, &s.InitialIntervalMs, &s.TimeoutSeconds, &s.RunAfterTs,
			&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

/* Queue */

func (t *storeTx) EnqueueItem(ctx context.Context, item *domain.ExecutionQueueItem) error {
	_, err := t.tx.Exec(ctx, enqueueItemQuery,
		item.ID, item.ExecutionID, item.Priority, item.ScheduledAt, item.Status,
		item.RetryCount, item.RunAfterTs)
	if err != nil {
		return fmt.Errorf("enqueue item for execution %s: %w", item.ExecutionID, err)
	}
	return nil
}

func (t *storeTx) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionQueueItem, error) {
	rows, err := t.tx.Query(ctx, claimBatchQuery, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []*domain.ExecutionQueueItem
	for rows.Next() {
		item := &domain.ExecutionQueueItem{}
		if err := rows.Scan(&item.ID, &item.ExecutionID, &item.Priority, &item.ScheduledAt,
			&item.Status, &item.RetryCount, &item.RunAfterTs, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *storeTx) DeleteQueueItem(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, deleteQueueItemQuery, id)
	if err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	return nil
}

func (t *storeTx) DeleteQueueForExecution(ctx context.Context, executionID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, deleteQueueForExecutionQuery, executionID)
	if err != nil {
		return fmt.Errorf("delete queue rows for execution %s: %w", executionID, err)
	}
	return nil
}

func (t *storeTx) CountQueueForExecution(ctx context.Context, executionID uuid.UUID) (int, error) {
	var count int
	if err := t.tx.QueryRow(ctx, countQueueForExecutionQuery, executionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue rows for execution %s: %w", executionID, err)
	}
	return count, nil
}

/* History */

func (t *storeTx) AppendHistory(ctx context.Context, h *domain.ExecutionHistory) error {
	_, err := t.tx.Exec(ctx, appendHistoryQuery,
		h.ID, h.ExecutionID, h.StepName, h.EventType, h.EventData, h.Timestamp)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.EventType, err)
	}
	return nil
}

func (t *storeTx) ListHistory(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionHistory, error) {
	rows, err := t.tx.Query(ctx, listHistoryQuery, executionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var events []*domain.ExecutionHistory
	for rows.Next() {
		h := &domain.ExecutionHistory{}
		if err := rows.Scan(&h.ID, &h.ExecutionID, &h.StepName, &h.EventType, &h.EventData, &h.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, h)
	}
	return events, rows.Err()
}

/* Idempotency keys */

func (t *storeTx) GetIdempotencyKey(ctx context.Context, keyHash string) (*domain.IdempotencyKey, error) {
	k := &domain.IdempotencyKey{}
	err := t.tx.QueryRow(ctx, getIdempotencyKeyQuery, keyHash).
		Scan(&k.ID, &k.KeyHash, &k.ResourceType, &k.ResourceID, &k.ExpiresAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return k, nil
}

func (t *storeTx) PutIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	_, err := t.tx.Exec(ctx, putIdempotencyKeyQuery,
		k.ID, k.KeyHash, k.ResourceType, k.ResourceID, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}

func (t *storeTx) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, deleteExpiredIdempotencyKeysQuery, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// qualify prefixes each column in a comma-separated list with a table
// alias for join queries.
func qualify(columns, alias string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
