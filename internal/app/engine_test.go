package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/testutil"
)

// engineFixture wires the full engine over the in-memory store with a
// manually advanced clock, so step cycles and the three loops run
// deterministically.
type engineFixture struct {
	t          *testing.T
	ctx        context.Context
	store      *testutil.MemStore
	clock      *testutil.ManualClock
	registry   *domain.TaskRegistry
	workflows  *WorkflowService
	executions *ExecutionService
	worker     *WorkerService
}

func newEngineFixture(t *testing.T, batchSize int) *engineFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewMemStore()
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	registry := domain.NewTaskRegistry()

	registry.Register("mock", domain.TaskHandlerFunc(func(ctx context.Context, input domain.Document) domain.TaskResult {
		return domain.Success(domain.ShallowMerge(input, domain.Document{"processedAt": float64(1)}))
	}))
	registry.Register("echo", domain.TaskHandlerFunc(func(ctx context.Context, input domain.Document) domain.TaskResult {
		return domain.Success(input)
	}))
	registry.Register("alwaysFails", domain.TaskHandlerFunc(func(ctx context.Context, input domain.Document) domain.TaskResult {
		return domain.Failure("PaymentDeclined", "card declined")
	}))
	registry.Register("panics", domain.TaskHandlerFunc(func(ctx context.Context, input domain.Document) domain.TaskResult {
		panic("handler exploded")
	}))

	return &engineFixture{
		t:          t,
		ctx:        context.Background(),
		store:      store,
		clock:      clock,
		registry:   registry,
		workflows:  NewWorkflowService(store, clock, logger),
		executions: NewExecutionService(store, clock, logger, 24*time.Hour),
		worker:     NewWorkerService(store, registry, clock, logger, batchSize, 30*time.Minute, time.Minute),
	}
}

func (f *engineFixture) register(definition string) {
	_, err := f.workflows.RegisterWorkflow(f.ctx, []byte(definition), "application/json")
	require.NoError(f.t, err)
}

func (f *engineFixture) start(workflowName string, input domain.Document) *ExecutionView {
	view, _, err := f.executions.StartExecution(f.ctx, StartExecutionRequest{
		WorkflowName: workflowName,
		Input:        input,
	})
	require.NoError(f.t, err)
	return view
}

// drain runs a fixed 128 dispatch polls, more than any test here needs to
// exhaust the claimable work. Wait rows
// scheduled in the future stay queued; advancing the clock and draining
// again picks them up.
func (f *engineFixture) drain() {
	for i := 0; i < 128; i++ {
		require.NoError(f.t, f.worker.ProcessExecutionQueue(f.ctx))
	}
}

func (f *engineFixture) execution(executionID string) *ExecutionView {
	view, err := f.executions.GetExecution(f.ctx, executionID)
	require.NoError(f.t, err)
	return view
}

func (f *engineFixture) eventTypes(executionID uuid.UUID) []string {
	var types []string
	for _, h := range f.store.HistoryForExecution(executionID) {
		types = append(types, h.EventType)
	}
	return types
}

// assertSingleFrontier checks testable property 1 for a running execution
// and property 2 for a terminal one.
func (f *engineFixture) assertSingleFrontier(view *ExecutionView) {
	steps := f.store.StepsForExecution(view.ID)
	open := 0
	for _, s := range steps {
		switch s.Status {
		case domain.StepStatusPending, domain.StepStatusRunning, domain.StepStatusWaiting:
			open++
		}
	}
	queueRows := len(f.store.QueueForExecution(view.ID))

	if view.Status == string(domain.ExecutionStatusRunning) {
		require.Equal(f.t, 1, open, "running execution must have exactly one open step")
		require.Equal(f.t, 1, queueRows, "running execution must have exactly one queue row")
	} else {
		require.Equal(f.t, 0, queueRows, "terminal execution must have no queue rows")
	}
}

const chainDefinition = `{
	"name": "chain", "version": "1.0.0", "startAt": "a",
	"states": {
		"a": {"type": "Task", "resource": "mock", "next": "b"},
		"b": {"type": "Task", "resource": "mock", "next": "c"},
		"c": {"type": "Success"}
	}
}`

const choiceDefinition = `{
	"name": "stock-check", "version": "1.0.0", "startAt": "a",
	"states": {
		"a": {"type": "Task", "resource": "echo", "next": "dec"},
		"dec": {
			"type": "Choice",
			"choices": [
				{"condition": {"operator": "booleanEquals", "variable": "$.inStock", "value": true}, "next": "ok"}
			],
			"defaultChoice": "bad"
		},
		"ok": {"type": "Success"},
		"bad": {"type": "Fail", "error": "OOS"}
	}
}`

const waitDefinition = `{
	"name": "delayed", "version": "1.0.0", "startAt": "a",
	"states": {
		"a": {"type": "Task", "resource": "echo", "next": "w"},
		"w": {"type": "Wait", "seconds": 2, "next": "done"},
		"done": {"type": "Success"}
	}
}`
