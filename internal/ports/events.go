package ports

import (
	"context"

	"github.com/pradumkr/StepLite/internal/domain"
)

// EventPublisher broadcasts committed execution history events to external
// observers. Publishing is best effort; delivery failures never affect the
// execution state machine.
type EventPublisher interface {
	PublishHistory(ctx context.Context, event *domain.ExecutionHistory) error
	// Close gracefully shuts down the publisher connection.
	Close() error
}
