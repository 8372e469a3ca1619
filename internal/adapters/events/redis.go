package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
)

const historyChannelPrefix = "steplite:executions:"

// RedisEventPublisher broadcasts committed execution history events on a
// per-execution Redis pub/sub channel for external observers (dashboards,
// audit taps). Delivery is fire-and-forget.
type RedisEventPublisher struct {
	client *redis.Client
}

func NewRedisEventPublisher(client *redis.Client) ports.EventPublisher {
	return &RedisEventPublisher{client: client}
}

type historyMessage struct {
	ExecutionID string          `json:"executionId"`
	StepName    *string         `json:"stepName,omitempty"`
	EventType   string          `json:"eventType"`
	EventData   domain.Document `json:"eventData,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

func (p *RedisEventPublisher) PublishHistory(ctx context.Context, event *domain.ExecutionHistory) error {
	payload, err := json.Marshal(historyMessage{
		ExecutionID: event.ExecutionID.String(),
		StepName:    event.StepName,
		EventType:   event.EventType,
		EventData:   event.EventData,
		Timestamp:   event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}

	channel := historyChannelPrefix + event.ExecutionID.String()
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish history event: %w", err)
	}
	return nil
}

func (p *RedisEventPublisher) Close() error {
	return p.client.Close()
}
