package app

import (
	"time"

	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/domain"
)

// ExecutionView is the read projection of an execution returned by the core
// API and serialized by the HTTP layer.
type ExecutionView struct {
	ID           uuid.UUID       `json:"id"`
	ExecutionID  string          `json:"executionId"`
	WorkflowName string          `json:"workflowName,omitempty"`
	Version      string          `json:"version,omitempty"`
	Status       string          `json:"status"`
	CurrentState string          `json:"currentState"`
	Input        domain.Document `json:"input,omitempty"`
	Output       domain.Document `json:"output,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type StepView struct {
	ID           uuid.UUID       `json:"id"`
	StepName     string          `json:"stepName"`
	StepType     string          `json:"stepType"`
	Status       string          `json:"status"`
	Input        domain.Document `json:"input,omitempty"`
	Output       domain.Document `json:"output,omitempty"`
	ErrorType    *string         `json:"errorType,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	RunAfterTs   *time.Time      `json:"runAfterTs,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	History      []HistoryView   `json:"history,omitempty"`
}

type HistoryView struct {
	ID        uuid.UUID       `json:"id"`
	StepName  *string         `json:"stepName,omitempty"`
	EventType string          `json:"eventType"`
	EventData domain.Document `json:"eventData,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type WorkflowView struct {
	ID          uuid.UUID             `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	Versions    []WorkflowVersionView `json:"versions,omitempty"`
}

type WorkflowVersionView struct {
	ID        uuid.UUID `json:"id"`
	Version   string    `json:"version"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

func executionView(e *domain.WorkflowExecution, workflowName, version string) *ExecutionView {
	return &ExecutionView{
		ID:           e.ID,
		ExecutionID:  e.ExecutionID,
		WorkflowName: workflowName,
		Version:      version,
		Status:       string(e.Status),
		CurrentState: e.CurrentState,
		Input:        e.InputData,
		Output:       e.OutputData,
		ErrorMessage: e.ErrorMessage,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		CreatedAt:    e.CreatedAt,
	}
}

func stepView(s *domain.ExecutionStep, history []HistoryView) *StepView {
	return &StepView{
		ID:           s.ID,
		StepName:     s.StepName,
		StepType:     string(s.StepType),
		Status:       string(s.Status),
		Input:        s.InputData,
		Output:       s.OutputData,
		ErrorType:    s.ErrorType,
		ErrorMessage: s.ErrorMessage,
		RetryCount:   s.RetryCount,
		MaxRetries:   s.MaxRetries,
		RunAfterTs:   s.RunAfterTs,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		CreatedAt:    s.CreatedAt,
		History:      history,
	}
}

func historyView(h *domain.ExecutionHistory) HistoryView {
	return HistoryView{
		ID:        h.ID,
		StepName:  h.StepName,
		EventType: h.EventType,
		EventData: h.EventData,
		Timestamp: h.Timestamp,
	}
}
