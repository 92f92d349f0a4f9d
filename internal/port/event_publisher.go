package port

import (
	"context"

	"github.com/rl1809/farmigo/internal/core/domain"
)

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event domain.OrderPlacedEvent) error
}
