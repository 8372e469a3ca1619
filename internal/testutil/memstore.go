package testutil

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
)

// MemStore is an in-memory ports.Store for deterministic engine tests.
// Transactions are serialized: Begin takes the store lock and Commit or
// Rollback releases it, so the skip-locked claim discipline holds trivially
// and a rollback restores the pre-transaction snapshot, which is exactly
// the crash-recovery semantics the engine relies on.
type MemStore struct {
	sem chan struct{}

	workflows   []*domain.Workflow
	versions    []*domain.WorkflowVersion
	executions  []*domain.WorkflowExecution
	steps       []*domain.ExecutionStep
	queue       []*domain.ExecutionQueueItem
	history     []*domain.ExecutionHistory
	idempotency map[string]*domain.IdempotencyKey
}

func NewMemStore() *MemStore {
	return &MemStore{
		sem:         make(chan struct{}, 1),
		idempotency: make(map[string]*domain.IdempotencyKey),
	}
}

func (s *MemStore) Begin(ctx context.Context) (ports.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memTx{store: s, snapshot: s.snapshot()}, nil
}

func (s *MemStore) WithinTx(ctx context.Context, fn func(tx ports.Tx) error) error {
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

type memSnapshot struct {
	workflows   []*domain.Workflow
	versions    []*domain.WorkflowVersion
	executions  []*domain.WorkflowExecution
	steps       []*domain.ExecutionStep
	queue       []*domain.ExecutionQueueItem
	history     []*domain.ExecutionHistory
	idempotency map[string]*domain.IdempotencyKey
}

func (s *MemStore) snapshot() *memSnapshot {
	snap := &memSnapshot{idempotency: make(map[string]*domain.IdempotencyKey, len(s.idempotency))}
	for _, w := range s.workflows {
		snap.workflows = append(snap.workflows, cloneWorkflow(w))
	}
	for _, v := range s.versions {
		snap.versions = append(snap.versions, cloneVersion(v))
	}
	for _, e := range s.executions {
		snap.executions = append(snap.executions, cloneExecution(e))
	}
	for _, st := range s.steps {
		snap.steps = append(snap.steps, cloneStep(st))
	}
	for _, q := range s.queue {
		snap.queue = append(snap.queue, cloneQueueItem(q))
	}
	for _, h := range s.history {
		snap.history = append(snap.history, cloneHistory(h))
	}
	for k, v := range s.idempotency {
		c := *v
		snap.idempotency[k] = &c
	}
	return snap
}

func (s *MemStore) restore(snap *memSnapshot) {
	s.workflows = snap.workflows
	s.versions = snap.versions
	s.executions = snap.executions
	s.steps = snap.steps
	s.queue = snap.queue
	s.history = snap.history
	s.idempotency = snap.idempotency
}

type memTx struct {
	store    *MemStore
	snapshot *memSnapshot
	done     bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.store.sem
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.restore(t.snapshot)
	<-t.store.sem
	return nil
}

/* Workflows */

func (t *memTx) CreateWorkflow(ctx context.Context, w *domain.Workflow) error {
	t.store.workflows = append(t.store.workflows, cloneWorkflow(w))
	return nil
}

func (t *memTx) GetWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	for _, w := range t.store.workflows {
		if w.Name == name {
			return cloneWorkflow(w), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	var out []*domain.Workflow
	for _, w := range t.store.workflows {
		out = append(out, cloneWorkflow(w))
	}
	return out, nil
}

func (t *memTx) CreateWorkflowVersion(ctx context.Context, v *domain.WorkflowVersion) error {
	t.store.versions = append(t.store.versions, cloneVersion(v))
	return nil
}

func (t *memTx) GetWorkflowVersion(ctx context.Context, workflowID uuid.UUID, version string) (*domain.WorkflowVersion, error) {
	for _, v := range t.store.versions {
		if v.WorkflowID == workflowID && v.Version == version {
			return cloneVersion(v), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetLatestWorkflowVersion(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error) {
	var latest *domain.WorkflowVersion
	for _, v := range t.store.versions {
		if v.WorkflowID != workflowID {
			continue
		}
		if latest == nil || strings.Compare(v.Version, latest.Version) > 0 {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneVersion(latest), nil
}

func (t *memTx) GetWorkflowVersionByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowVersion, error) {
	for _, v := range t.store.versions {
		if v.ID == id {
			return cloneVersion(v), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListWorkflowVersions(ctx context.Context, workflowID uuid.UUID) ([]*domain.WorkflowVersion, error) {
	var out []*domain.WorkflowVersion
	for _, v := range t.store.versions {
		if v.WorkflowID == workflowID {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

/* Executions */

func (t *memTx) CreateExecution(ctx context.Context, e *domain.WorkflowExecution) error {
	t.store.executions = append(t.store.executions, cloneExecution(e))
	return nil
}

func (t *memTx) GetExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error) {
	for _, e := range t.store.executions {
		if e.ID == id {
			return cloneExecution(e), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetExecutionForUpdate(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecution, error) {
	return t.GetExecution(ctx, id)
}

func (t *memTx) GetExecutionByExecutionID(ctx context.Context, executionID string) (*domain.WorkflowExecution, error) {
	for _, e := range t.store.executions {
		if e.ExecutionID == executionID {
			return cloneExecution(e), nil
		}
	}
	return nil, nil
}

func (t *memTx) UpdateExecution(ctx context.Context, e *domain.WorkflowExecution) error {
	for i, existing := range t.store.executions {
		if existing.ID == e.ID {
			t.store.executions[i] = cloneExecution(e)
			return nil
		}
	}
	return nil
}

func (t *memTx) ListExecutions(ctx context.Context, filter ports.ExecutionFilter) ([]*domain.WorkflowExecution, error) {
	var out []*domain.WorkflowExecution
	for _, e := range t.store.executions {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		if filter.StartedAfter != nil && e.StartedAt.Before(*filter.StartedAfter) {
			continue
		}
		if filter.StartedUntil != nil && e.StartedAt.After(*filter.StartedUntil) {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	return out, nil
}

/* Steps */

func (t *memTx) CreateStep(ctx context.Context, s *domain.ExecutionStep) error {
	c := cloneStep(s)
	c.CreatedAt = time.Now()
	t.store.steps = append(t.store.steps, c)
	return nil
}

func (t *memTx) GetStep(ctx context.Context, executionID, stepID uuid.UUID) (*domain.ExecutionStep, error) {
	for _, s := range t.store.steps {
		if s.ExecutionID == executionID && s.ID == stepID {
			return cloneStep(s), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetStepByName(ctx context.Context, executionID uuid.UUID, stepName string) (*domain.ExecutionStep, error) {
	// Latest created row wins; insertion order stands in for created_at.
	for i := len(t.store.steps) - 1; i >= 0; i-- {
		s := t.store.steps[i]
		if s.ExecutionID == executionID && s.StepName == stepName {
			return cloneStep(s), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListSteps(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionStep, error) {
	var out []*domain.ExecutionStep
	for _, s := range t.store.steps {
		if s.ExecutionID == executionID {
			out = append(out, cloneStep(s))
		}
	}
	return out, nil
}

func (t *memTx) UpdateStep(ctx context.Context, s *domain.ExecutionStep) error {
	for i, existing := range t.store.steps {
		if existing.ID == s.ID {
			c := cloneStep(s)
			c.CreatedAt = existing.CreatedAt
			t.store.steps[i] = c
			return nil
		}
	}
	return nil
}

func (t *memTx) FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*domain.ExecutionStep, error) {
	var out []*domain.ExecutionStep
	for _, s := range t.store.steps {
		if s.Status == domain.StepStatusRunning && s.StartedAt != nil && s.StartedAt.Before(threshold) {
			out = append(out, cloneStep(s))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionStep, error) {
	var out []*domain.ExecutionStep
	for _, s := range t.store.steps {
		if s.Status == domain.StepStatusWaiting && s.RunAfterTs != nil && !s.RunAfterTs.After(now) {
			out = append(out, cloneStep(s))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

/* Queue */

func (t *memTx) EnqueueItem(ctx context.Context, item *domain.ExecutionQueueItem) error {
	t.store.queue = append(t.store.queue, cloneQueueItem(item))
	return nil
}

func (t *memTx) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.ExecutionQueueItem, error) {
	var eligible []*domain.ExecutionQueueItem
	for _, q := range t.store.queue {
		if q.Status != domain.QueueStatusQueued {
			continue
		}
		if q.ScheduledAt.After(now) {
			continue
		}
		if q.RunAfterTs != nil && q.RunAfterTs.After(now) {
			continue
		}
		eligible = append(eligible, q)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	var out []*domain.ExecutionQueueItem
	for _, q := range eligible {
		out = append(out, cloneQueueItem(q))
	}
	return out, nil
}

func (t *memTx) DeleteQueueItem(ctx context.Context, id uuid.UUID) error {
	for i, q := range t.store.queue {
		if q.ID == id {
			t.store.queue = append(t.store.queue[:i], t.store.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *memTx) DeleteQueueForExecution(ctx context.Context, executionID uuid.UUID) error {
	var kept []*domain.ExecutionQueueItem
	for _, q := range t.store.queue {
		if q.ExecutionID != executionID {
			kept = append(kept, q)
		}
	}
	t.store.queue = kept
	return nil
}

func (t *memTx) CountQueueForExecution(ctx context.Context, executionID uuid.UUID) (int, error) {
	count := 0
	for _, q := range t.store.queue {
		if q.ExecutionID == executionID {
			count++
		}
	}
	return count, nil
}

/* History */

func (t *memTx) AppendHistory(ctx context.Context, h *domain.ExecutionHistory) error {
	t.store.history = append(t.store.history, cloneHistory(h))
	return nil
}

func (t *memTx) ListHistory(ctx context.Context, executionID uuid.UUID) ([]*domain.ExecutionHistory, error) {
	var out []*domain.ExecutionHistory
	for _, h := range t.store.history {
		if h.ExecutionID == executionID {
			out = append(out, cloneHistory(h))
		}
	}
	return out, nil
}

/* Idempotency keys */

func (t *memTx) GetIdempotencyKey(ctx context.Context, keyHash string) (*domain.IdempotencyKey, error) {
	if k, ok := t.store.idempotency[keyHash]; ok {
		c := *k
		return &c, nil
	}
	return nil, nil
}

func (t *memTx) PutIdempotencyKey(ctx context.Context, k *domain.IdempotencyKey) error {
	c := *k
	t.store.idempotency[k.KeyHash] = &c
	return nil
}

func (t *memTx) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	for key, k := range t.store.idempotency {
		if !k.ExpiresAt.After(now) {
			delete(t.store.idempotency, key)
			deleted++
		}
	}
	return deleted, nil
}

/* Inspection helpers for tests. These bypass transactions and must only be
   called while no transaction is open. */

func (s *MemStore) QueueSize() int { return len(s.queue) }

func (s *MemStore) QueueForExecution(executionID uuid.UUID) []*domain.ExecutionQueueItem {
	var out []*domain.ExecutionQueueItem
	for _, q := range s.queue {
		if q.ExecutionID == executionID {
			out = append(out, cloneQueueItem(q))
		}
	}
	return out
}

func (s *MemStore) StepsForExecution(executionID uuid.UUID) []*domain.ExecutionStep {
	var out []*domain.ExecutionStep
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			out = append(out, cloneStep(st))
		}
	}
	return out
}

func (s *MemStore) HistoryForExecution(executionID uuid.UUID) []*domain.ExecutionHistory {
	var out []*domain.ExecutionHistory
	for _, h := range s.history {
		if h.ExecutionID == executionID {
			out = append(out, cloneHistory(h))
		}
	}
	return out
}

func containsStatus(statuses []domain.ExecutionStatus, status domain.ExecutionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneWorkflow(w *domain.Workflow) *domain.Workflow {
	c := *w
	return &c
}

func cloneVersion(v *domain.WorkflowVersion) *domain.WorkflowVersion {
	c := *v
	c.DefinitionJSON = append([]byte(nil), v.DefinitionJSON...)
	return &c
}

func cloneExecution(e *domain.WorkflowExecution) *domain.WorkflowExecution {
	c := *e
	c.InputData = cloneDocument(e.InputData)
	c.OutputData = cloneDocument(e.OutputData)
	c.ErrorMessage = cloneString(e.ErrorMessage)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneStep(s *domain.ExecutionStep) *domain.ExecutionStep {
	c := *s
	c.InputData = cloneDocument(s.InputData)
	c.OutputData = cloneDocument(s.OutputData)
	c.ErrorType = cloneString(s.ErrorType)
	c.ErrorMessage = cloneString(s.ErrorMessage)
	c.TimeoutSeconds = cloneInt(s.TimeoutSeconds)
	c.RunAfterTs = cloneTime(s.RunAfterTs)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

func cloneQueueItem(q *domain.ExecutionQueueItem) *domain.ExecutionQueueItem {
	c := *q
	c.RunAfterTs = cloneTime(q.RunAfterTs)
	return &c
}

func cloneHistory(h *domain.ExecutionHistory) *domain.ExecutionHistory {
	c := *h
	c.StepName = cloneString(h.StepName)
	c.EventData = cloneDocument(h.EventData)
	return &c
}

func cloneDocument(d domain.Document) domain.Document {
	if d == nil {
		return nil
	}
	c := make(domain.Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
