package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusWaiting   StepStatus = "WAITING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "QUEUED"
	QueueStatusProcessing QueueStatus = "PROCESSING"
)

// History event types, appended in the same transaction as the state
// transition they describe.
const (
	EventExecutionStarted   = "EXECUTION_STARTED"
	EventStepStarted        = "STEP_STARTED"
	EventStepCompleted      = "STEP_COMPLETED"
	EventStepFailed         = "STEP_FAILED"
	EventStepError          = "STEP_ERROR"
	EventNextStateQueued    = "NEXT_STATE_QUEUED"
	EventExecutionCompleted = "EXECUTION_COMPLETED"
	EventExecutionFailed    = "EXECUTION_FAILED"
	EventExecutionCancelled = "EXECUTION_CANCELLED"
	EventStepRecovered      = "STEP_RECOVERED"
	EventWaitCompleted      = "WAIT_COMPLETED"
)

// Document is the JSON value type used for execution inputs, outputs and
// history event payloads.
type Document map[string]interface{}

type Workflow struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorkflowVersion struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	Version        string
	DefinitionJSON []byte
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WorkflowExecution struct {
	ID                uuid.UUID
	WorkflowVersionID uuid.UUID
	ExecutionID       string
	Status            ExecutionStatus
	CurrentState      string
	InputData         Document
	OutputData        Document
	ErrorMessage      *string
	StartedAt         time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ExecutionStep struct {
	ID                uuid.UUID
	ExecutionID       uuid.UUID
	StepName          string
	StepType          StateType
	Status            StepStatus
	InputData         Document
	OutputData        Document
	ErrorType         *string
	ErrorMessage      *string
	RetryCount        int
	MaxRetries        int
	BackoffMultiplier float64
	InitialIntervalMs int64
	TimeoutSeconds    *int
	RunAfterTs        *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionQueueItem is the unit of work a dispatcher claims. At most one
// row exists per RUNNING execution; none once the execution is terminal.
type ExecutionQueueItem struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	Priority    int
	ScheduledAt time.Time
	Status      QueueStatus
	RetryCount  int
	RunAfterTs  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ExecutionHistory struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	StepName    *string
	EventType   string
	EventData   Document
	Timestamp   time.Time
}

type IdempotencyKey struct {
	ID           uuid.UUID
	KeyHash      string
	ResourceType string
	ResourceID   string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
