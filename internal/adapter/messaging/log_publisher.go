package messaging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

// LogPublisher records order events in the log when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: logger}
}

func (p *LogPublisher) PublishOrderPlaced(ctx context.Context, event domain.OrderPlacedEvent) error {
	p.log.WithFields(logrus.Fields{
		"type":        orderPlacedType,
		"order_id":    event.OrderID,
		"customer_id": event.CustomerID,
		"total":       event.Total.String(),
		"lines":       len(event.Lines),
	}).Info("order event")
	return nil
}

var _ port.EventPublisher = (*LogPublisher)(nil)
