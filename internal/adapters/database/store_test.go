package database_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"

	"github.com/pradumkr/StepLite/internal/adapters/database"
	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
	"github.com/pradumkr/StepLite/internal/testutil"
)

type StoreIntegrationTestSuite struct {
	suite.Suite
	container testcontainers.Container
	pool      *pgxpool.Pool
	store     *database.Store
	ctx       context.Context
}

func TestStoreIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(StoreIntegrationTestSuite))
}

func (s *StoreIntegrationTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.container, s.pool = testutil.SetupTestDatabase(s.T(), s.ctx)
	s.store = database.NewStore(s.pool)
}

func (s *StoreIntegrationTestSuite) TearDownSuite() {
	testutil.CleanupTestDatabase(s.T(), s.ctx, s.container, s.pool)
}

func (s *StoreIntegrationTestSuite) SetupTest() {
	testutil.TruncateTables(s.T(), s.ctx, s.pool)
}

// createRunningExecution inserts workflow, version, execution, a PENDING
// first step and one queue row, and returns the execution.
func (s *StoreIntegrationTestSuite) createRunningExecution(scheduledAt time.Time) *domain.WorkflowExecution {
	now := time.Now()
	execution := &domain.WorkflowExecution{
		ID:           uuid.New(),
		ExecutionID:  fmt.Sprintf("exec-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		Status:       domain.ExecutionStatusRunning,
		CurrentState: "a",
		InputData:    domain.Document{"orderId": "X"},
		StartedAt:    now,
	}

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		workflow := &domain.Workflow{ID: uuid.New(), Name: "wf-" + uuid.NewString()[:8], CreatedAt: now, UpdatedAt: now}
		if err := tx.CreateWorkflow(s.ctx, workflow); err != nil {
			return err
		}
		version := &domain.WorkflowVersion{
			ID:         uuid.New(),
			WorkflowID: workflow.ID,
			Version:    "1.0.0",
			DefinitionJSON: []byte(`{"name":"wf","version":"1.0.0","startAt":"a",
				"states":{"a":{"type":"Task","resource":"mock","next":"b"},"b":{"type":"Success"}}}`),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateWorkflowVersion(s.ctx, version); err != nil {
			return err
		}
		execution.WorkflowVersionID = version.ID
		if err := tx.CreateExecution(s.ctx, execution); err != nil {
			return err
		}
		step := &domain.ExecutionStep{
			ID:                uuid.New(),
			ExecutionID:       execution.ID,
			StepName:          "a",
			StepType:          domain.StateTypeTask,
			Status:            domain.StepStatusPending,
			InputData:         execution.InputData,
			MaxRetries:        3,
			BackoffMultiplier: 2.0,
			InitialIntervalMs: 1000,
		}
		if err := tx.CreateStep(s.ctx, step); err != nil {
			return err
		}
		return tx.EnqueueItem(s.ctx, &domain.ExecutionQueueItem{
			ID:          uuid.New(),
			ExecutionID: execution.ID,
			ScheduledAt: scheduledAt,
			Status:      domain.QueueStatusQueued,
		})
	})
	require.NoError(s.T(), err)
	return execution
}

func (s *StoreIntegrationTestSuite) TestWorkflowRoundTrip() {
	now := time.Now()
	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		workflow := &domain.Workflow{ID: uuid.New(), Name: "orders", Description: "order flows", CreatedAt: now, UpdatedAt: now}
		if err := tx.CreateWorkflow(s.ctx, workflow); err != nil {
			return err
		}
		for _, v := range []string{"1.0.0", "1.2.0", "1.10.0"} {
			if err := tx.CreateWorkflowVersion(s.ctx, &domain.WorkflowVersion{
				ID:             uuid.New(),
				WorkflowID:     workflow.ID,
				Version:        v,
				DefinitionJSON: []byte(`{"startAt":"a","states":{"a":{"type":"Success"}}}`),
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				return err
			}
		}

		loaded, err := tx.GetWorkflowByName(s.ctx, "orders")
		if err != nil {
			return err
		}
		assert.Equal(s.T(), "order flows", loaded.Description)

		latest, err := tx.GetLatestWorkflowVersion(s.ctx, workflow.ID)
		if err != nil {
			return err
		}
		// Lexicographic ordering.
		assert.Equal(s.T(), "1.2.0", latest.Version)

		missing, err := tx.GetWorkflowByName(s.ctx, "ghost")
		if err != nil {
			return err
		}
		assert.Nil(s.T(), missing)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestClaimBatchSkipsLockedRows() {
	first := s.createRunningExecution(time.Now().Add(-time.Second))
	second := s.createRunningExecution(time.Now().Add(-time.Second))

	tx1, err := s.store.Begin(s.ctx)
	require.NoError(s.T(), err)
	defer tx1.Rollback(s.ctx)

	claimed1, err := tx1.ClaimBatch(s.ctx, time.Now(), 1)
	require.NoError(s.T(), err)
	require.Len(s.T(), claimed1, 1)

	tx2, err := s.store.Begin(s.ctx)
	require.NoError(s.T(), err)
	defer tx2.Rollback(s.ctx)

	claimed2, err := tx2.ClaimBatch(s.ctx, time.Now(), 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), claimed2, 1)
	assert.NotEqual(s.T(), claimed1[0].ID, claimed2[0].ID)

	executions := map[uuid.UUID]bool{first.ID: true, second.ID: true}
	assert.True(s.T(), executions[claimed1[0].ExecutionID])
	assert.True(s.T(), executions[claimed2[0].ExecutionID])

	// Releasing the first transaction makes its row claimable again.
	require.NoError(s.T(), tx1.Rollback(s.ctx))
	tx3, err := s.store.Begin(s.ctx)
	require.NoError(s.T(), err)
	defer tx3.Rollback(s.ctx)

	claimed3, err := tx3.ClaimBatch(s.ctx, time.Now(), 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), claimed3, 1)
	assert.Equal(s.T(), claimed1[0].ID, claimed3[0].ID)
}

func (s *StoreIntegrationTestSuite) TestClaimBatchRespectsSchedulingWindow() {
	s.createRunningExecution(time.Now().Add(time.Hour))

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		claimed, err := tx.ClaimBatch(s.ctx, time.Now(), 10)
		if err != nil {
			return err
		}
		assert.Empty(s.T(), claimed)

		claimed, err = tx.ClaimBatch(s.ctx, time.Now().Add(2*time.Hour), 10)
		if err != nil {
			return err
		}
		assert.Len(s.T(), claimed, 1)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestClaimBatchOrdering() {
	low := s.createRunningExecution(time.Now().Add(-time.Minute))
	high := s.createRunningExecution(time.Now().Add(-time.Second))

	_, err := s.pool.Exec(s.ctx, `UPDATE execution_queue SET priority = 5 WHERE execution_id = $1`, high.ID)
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		claimed, err := tx.ClaimBatch(s.ctx, time.Now(), 10)
		if err != nil {
			return err
		}
		require.Len(s.T(), claimed, 2)
		assert.Equal(s.T(), high.ID, claimed[0].ExecutionID)
		assert.Equal(s.T(), low.ID, claimed[1].ExecutionID)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestConcurrentClaimExactlyOnce() {
	s.createRunningExecution(time.Now().Add(-time.Second))

	var claims int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
				claimed, err := tx.ClaimBatch(s.ctx, time.Now(), 1)
				if err != nil {
					return err
				}
				if len(claimed) == 0 {
					return nil
				}
				atomic.AddInt32(&claims, 1)
				// Hold the lock so overlapping claimants must skip.
				time.Sleep(150 * time.Millisecond)
				return tx.DeleteQueueItem(s.ctx, claimed[0].ID)
			})
			assert.NoError(s.T(), err)
		}()
	}
	wg.Wait()

	assert.Equal(s.T(), int32(1), claims)
}

func (s *StoreIntegrationTestSuite) TestFindStuckStepsAndDueWaits() {
	execution := s.createRunningExecution(time.Now())

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		step, err := tx.GetStepByName(s.ctx, execution.ID, "a")
		if err != nil {
			return err
		}
		started := time.Now().Add(-2 * time.Hour)
		step.Status = domain.StepStatusRunning
		step.StartedAt = &started
		if err := tx.UpdateStep(s.ctx, step); err != nil {
			return err
		}

		runAfter := time.Now().Add(-time.Minute)
		return tx.CreateStep(s.ctx, &domain.ExecutionStep{
			ID:          uuid.New(),
			ExecutionID: execution.ID,
			StepName:    "w",
			StepType:    domain.StateTypeWait,
			Status:      domain.StepStatusWaiting,
			InputData:   domain.Document{},
			RunAfterTs:  &runAfter,
		})
	})
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		stuck, err := tx.FindStuckSteps(s.ctx, time.Now().Add(-30*time.Minute), 10)
		if err != nil {
			return err
		}
		require.Len(s.T(), stuck, 1)
		assert.Equal(s.T(), "a", stuck[0].StepName)

		due, err := tx.FindDueWaitSteps(s.ctx, time.Now(), 10)
		if err != nil {
			return err
		}
		require.Len(s.T(), due, 1)
		assert.Equal(s.T(), "w", due[0].StepName)

		none, err := tx.FindDueWaitSteps(s.ctx, time.Now().Add(-time.Hour), 10)
		if err != nil {
			return err
		}
		assert.Empty(s.T(), none)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestCancelDeletesQueueRows() {
	execution := s.createRunningExecution(time.Now())

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		locked, err := tx.GetExecutionForUpdate(s.ctx, execution.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		locked.Status = domain.ExecutionStatusCancelled
		locked.CompletedAt = &now
		if err := tx.UpdateExecution(s.ctx, locked); err != nil {
			return err
		}
		return tx.DeleteQueueForExecution(s.ctx, execution.ID)
	})
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		count, err := tx.CountQueueForExecution(s.ctx, execution.ID)
		if err != nil {
			return err
		}
		assert.Zero(s.T(), count)

		loaded, err := tx.GetExecution(s.ctx, execution.ID)
		if err != nil {
			return err
		}
		assert.Equal(s.T(), domain.ExecutionStatusCancelled, loaded.Status)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestHistoryOrdering() {
	execution := s.createRunningExecution(time.Now())

	base := time.Now()
	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		stepName := "a"
		for i, eventType := range []string{
			domain.EventExecutionStarted, domain.EventStepStarted, domain.EventStepCompleted,
		} {
			if err := tx.AppendHistory(s.ctx, &domain.ExecutionHistory{
				ID:          uuid.New(),
				ExecutionID: execution.ID,
				StepName:    &stepName,
				EventType:   eventType,
				EventData:   domain.Document{"seq": float64(i)},
				Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		events, err := tx.ListHistory(s.ctx, execution.ID)
		if err != nil {
			return err
		}
		require.Len(s.T(), events, 3)
		assert.Equal(s.T(), domain.EventExecutionStarted, events[0].EventType)
		assert.Equal(s.T(), domain.EventStepCompleted, events[2].EventType)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestIdempotencyKeyLifecycle() {
	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		key := &domain.IdempotencyKey{
			ID:           uuid.New(),
			KeyHash:      "k1",
			ResourceType: "workflow_execution",
			ResourceID:   "exec-1",
			ExpiresAt:    time.Now().Add(24 * time.Hour),
			CreatedAt:    time.Now(),
		}
		if err := tx.PutIdempotencyKey(s.ctx, key); err != nil {
			return err
		}

		loaded, err := tx.GetIdempotencyKey(s.ctx, "k1")
		if err != nil {
			return err
		}
		require.NotNil(s.T(), loaded)
		assert.Equal(s.T(), "exec-1", loaded.ResourceID)

		deleted, err := tx.DeleteExpiredIdempotencyKeys(s.ctx, time.Now())
		if err != nil {
			return err
		}
		assert.Zero(s.T(), deleted)

		deleted, err = tx.DeleteExpiredIdempotencyKeys(s.ctx, time.Now().Add(25*time.Hour))
		if err != nil {
			return err
		}
		assert.Equal(s.T(), 1, deleted)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestListExecutionsFilters() {
	running := s.createRunningExecution(time.Now())
	done := s.createRunningExecution(time.Now())

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		loaded, err := tx.GetExecution(s.ctx, done.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		loaded.Status = domain.ExecutionStatusCompleted
		loaded.OutputData = domain.Document{"ok": true}
		loaded.CompletedAt = &now
		return tx.UpdateExecution(s.ctx, loaded)
	})
	require.NoError(s.T(), err)

	err = s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		all, err := tx.ListExecutions(s.ctx, ports.ExecutionFilter{})
		if err != nil {
			return err
		}
		assert.Len(s.T(), all, 2)

		onlyRunning, err := tx.ListExecutions(s.ctx, ports.ExecutionFilter{
			Statuses: []domain.ExecutionStatus{domain.ExecutionStatusRunning},
		})
		if err != nil {
			return err
		}
		require.Len(s.T(), onlyRunning, 1)
		assert.Equal(s.T(), running.ID, onlyRunning[0].ID)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreIntegrationTestSuite) TestStepRoundTrip() {
	execution := s.createRunningExecution(time.Now())

	err := s.store.WithinTx(s.ctx, func(tx ports.Tx) error {
		step, err := tx.GetStepByName(s.ctx, execution.ID, "a")
		if err != nil {
			return err
		}
		require.NotNil(s.T(), step)
		assert.Equal(s.T(), domain.Document{"orderId": "X"}, step.InputData)
		assert.Nil(s.T(), step.OutputData)

		now := time.Now()
		errType := "HandlerFailure"
		errMsg := "boom"
		step.Status = domain.StepStatusFailed
		step.ErrorType = &errType
		step.ErrorMessage = &errMsg
		step.StartedAt = &now
		step.CompletedAt = &now
		if err := tx.UpdateStep(s.ctx, step); err != nil {
			return err
		}

		reloaded, err := tx.GetStep(s.ctx, execution.ID, step.ID)
		if err != nil {
			return err
		}
		assert.Equal(s.T(), domain.StepStatusFailed, reloaded.Status)
		require.NotNil(s.T(), reloaded.ErrorMessage)
		assert.Equal(s.T(), "boom", *reloaded.ErrorMessage)
		return nil
	})
	require.NoError(s.T(), err)
}
