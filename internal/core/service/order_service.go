package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const orderLookupTimeout = 3 * time.Second

type OrderService struct {
	ledger *StockLedger
	orders port.OrderRepository
	idem   port.IdempotencyStore
	events port.EventPublisher
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewOrderService wires the order engine. idem and events may be nil, which
// disables idempotency keys and order events respectively.
func NewOrderService(ledger *StockLedger, orders port.OrderRepository, idem port.IdempotencyStore, events port.EventPublisher, logger logrus.FieldLogger) *OrderService {
	return &OrderService{
		ledger: ledger,
		orders: orders,
		idem:   idem,
		events: events,
		log:    logger,
		now:    time.Now,
	}
}

// PlaceOrder reserves stock for every line and commits the order, or fails
// with every reservation of this call released.
func (s *OrderService) PlaceOrder(ctx context.Context, customerID string, lines []domain.LineRequest, idempotencyKey string) (domain.PlacedOrder, error) {
	if err := validateLines(lines); err != nil {
		return domain.PlacedOrder{}, err
	}

	if idempotencyKey == "" || s.idem == nil {
		return s.place(ctx, customerID, lines)
	}

	key := fmt.Sprintf("idempotency:%s:%s", customerID, idempotencyKey)
	state, previous, err := s.idem.ClaimIdempotency(ctx, key)
	if err != nil {
		return domain.PlacedOrder{}, errors.Wrap(err, "idempotency check failed")
	}
	switch state {
	case port.IdempotencyInFlight:
		return domain.PlacedOrder{}, errors.Wrap(domain.ErrConflict, "request with this idempotency key is in progress")
	case port.IdempotencyCompleted:
		return *previous, nil
	}

	placed, err := s.place(ctx, customerID, lines)
	if err != nil {
		if relErr := s.idem.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
			s.log.WithError(relErr).WithField("key", key).Error("failed to release idempotency key")
		}
		return domain.PlacedOrder{}, err
	}

	if err := s.idem.CompleteIdempotency(context.WithoutCancel(ctx), key, placed); err != nil {
		s.log.WithError(err).WithField("order_id", placed.OrderID).Error("failed to store idempotency result")
	}
	return placed, nil
}

func (s *OrderService) place(ctx context.Context, customerID string, lines []domain.LineRequest) (domain.PlacedOrder, error) {
	reservations := make([]domain.Reservation, 0, len(lines))
	for _, line := range lines {
		r, err := s.ledger.Reserve(ctx, line.InventoryID, line.Quantity)
		if err != nil {
			s.rollback(ctx, customerID, reservations)
			return domain.PlacedOrder{}, err
		}
		reservations = append(reservations, r)
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Status:     domain.OrderStatusCreated,
		Total:      decimal.Zero,
		CreatedAt:  s.now().UTC(),
		Lines:      make([]domain.OrderLine, 0, len(reservations)),
	}
	for _, r := range reservations {
		line := domain.OrderLine{
			OrderID:     order.ID,
			InventoryID: r.InventoryID,
			FarmerID:    r.FarmerID,
			CropName:    r.CropName,
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
		}
		order.Total = order.Total.Add(line.Total())
		order.Lines = append(order.Lines, line)
	}

	err := retryOnce(ctx, s.log.WithField("order_id", order.ID), func() error {
		return s.orders.CreateOrder(ctx, order)
	})
	if err != nil {
		committed, lookupErr := s.orderCommitted(ctx, order.ID, err)
		switch {
		case committed:
			s.log.WithError(err).WithField("order_id", order.ID).Warn("order saved despite commit error")
		case lookupErr != nil:
			// Outcome unknown: keeping the stock reserved cannot oversell.
			s.log.WithError(lookupErr).WithFields(logrus.Fields{
				"order_id":    order.ID,
				"customer_id": customerID,
			}).Error("CRITICAL order commit outcome unknown, reservations kept")
			return domain.PlacedOrder{}, errors.Wrap(err, "save order")
		default:
			s.rollback(ctx, customerID, reservations)
			return domain.PlacedOrder{}, errors.Wrap(err, "save order")
		}
	}

	s.log.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"customer_id": customerID,
		"lines":       len(order.Lines),
		"total":       order.Total.String(),
	}).Info("order placed")

	s.publish(ctx, order)

	return domain.PlacedOrder{OrderID: order.ID, Total: order.Total}, nil
}

// orderCommitted resolves a failed save. A transient error means nothing was
// written; any other error may have come after the commit landed, so the
// order is looked up before its stock is released.
func (s *OrderService) orderCommitted(ctx context.Context, orderID string, saveErr error) (bool, error) {
	if domain.IsTransient(saveErr) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderLookupTimeout)
	defer cancel()

	_, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// rollback releases reservations in reverse order. It runs detached from the
// request context so a cancelled caller cannot leave stock taken.
func (s *OrderService) rollback(ctx context.Context, customerID string, reservations []domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(reservations) - 1; i >= 0; i-- {
		r := reservations[i]
		logger := s.log.WithFields(logrus.Fields{
			"customer_id":  customerID,
			"inventory_id": r.InventoryID,
			"quantity":     r.Quantity,
		})
		if err := s.ledger.Release(ctx, r.InventoryID, r.Quantity); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.Warn("listing deleted before rollback, nothing to release")
				continue
			}
			logger.WithError(err).Error("CRITICAL rollback failed")
			continue
		}
		logger.Debug("rolled back reservation")
	}
}

func (s *OrderService) publish(ctx context.Context, order domain.Order) {
	if s.events == nil {
		return
	}
	event := domain.OrderPlacedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Total:      order.Total,
		Lines:      order.Lines,
		CreatedAt:  order.CreatedAt,
	}
	if err := s.events.PublishOrderPlaced(context.WithoutCancel(ctx), event); err != nil {
		s.log.WithError(err).WithField("order_id", order.ID).Warn("failed to publish order event")
	}
}

// GetOrder returns one of the customer's orders. Orders of other customers
// are reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, customerID, orderID string) (domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.CustomerID != customerID {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	return s.orders.ListOrdersByCustomer(ctx, customerID)
}

func validateLines(lines []domain.LineRequest) error {
	if len(lines) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "order has no items")
	}
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.InventoryID == "" {
			return errors.Wrap(domain.ErrInvalidInput, "missing inventory id")
		}
		if line.Quantity <= 0 {
			return domain.NewLineError(line.InventoryID, errors.Wrapf(domain.ErrInvalidInput, "quantity %d", line.Quantity))
		}
		if _, dup := seen[line.InventoryID]; dup {
			return domain.NewLineError(line.InventoryID, domain.ErrDuplicateLine)
		}
		seen[line.InventoryID] = struct{}{}
	}
	return nil
}
