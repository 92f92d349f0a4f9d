package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const defaultLedgerTimeout = 3 * time.Second

// StockLedger owns every change to inventory quantity. All operations go
// through StockStore.MutateInventory, which serializes writers per row.
type StockLedger struct {
	store   port.StockStore
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewStockLedger(store port.StockStore, timeout time.Duration, logger logrus.FieldLogger) *StockLedger {
	if timeout <= 0 {
		timeout = defaultLedgerTimeout
	}
	return &StockLedger{store: store, timeout: timeout, log: logger}
}

// Reserve takes qty units from the row and returns the price in effect at
// commit time.
func (l *StockLedger) Reserve(ctx context.Context, inventoryID string, qty int) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, domain.NewLineError(inventoryID, errors.Wrapf(domain.ErrInvalidInput, "quantity %d", qty))
	}

	item, err := l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		if !item.Available {
			return domain.ErrUnavailable
		}
		if item.Quantity < qty {
			return errors.Wrapf(domain.ErrOutOfStock, "requested %d, have %d", qty, item.Quantity)
		}
		item.Quantity -= qty
		return nil
	})
	if err != nil {
		return domain.Reservation{}, domain.NewLineError(inventoryID, err)
	}

	return domain.Reservation{
		InventoryID: item.ID,
		FarmerID:    item.FarmerID,
		CropName:    item.CropName,
		Quantity:    qty,
		UnitPrice:   item.Price,
	}, nil
}

// Release gives back units taken by Reserve. Availability is not checked:
// a listing disabled mid-order still gets its stock back.
func (l *StockLedger) Release(ctx context.Context, inventoryID string, qty int) error {
	if qty <= 0 {
		return nil
	}
	_, err := l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		item.Quantity += qty
		return nil
	})
	return err
}

func (l *StockLedger) Adjust(ctx context.Context, inventoryID string, delta int) (domain.InventoryItem, error) {
	return l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		if item.Quantity+delta < 0 {
			return errors.Wrapf(domain.ErrInvalidQuantity, "adjust %d on quantity %d", delta, item.Quantity)
		}
		item.Quantity += delta
		return nil
	})
}

func (l *StockLedger) SetQuantity(ctx context.Context, inventoryID string, qty int) (domain.InventoryItem, error) {
	if qty < 0 {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity %d", qty)
	}
	return l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		item.Quantity = qty
		return nil
	})
}

func (l *StockLedger) SetAvailability(ctx context.Context, inventoryID string, available bool) (domain.InventoryItem, error) {
	return l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		item.Available = available
		return nil
	})
}

// UpdateListing applies a farmer's partial edit as a single mutation. Rows
// owned by another farmer are reported as not found.
func (l *StockLedger) UpdateListing(ctx context.Context, farmerID, inventoryID string, patch domain.ListingPatch) (domain.InventoryItem, error) {
	if patch.Price != nil && !patch.Price.IsPositive() {
		return domain.InventoryItem{}, errors.Wrap(domain.ErrInvalidInput, "price must be positive")
	}
	if patch.Quantity != nil && *patch.Quantity < 0 {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity %d", *patch.Quantity)
	}

	return l.mutate(ctx, inventoryID, func(item *domain.InventoryItem) error {
		if item.FarmerID != farmerID {
			return domain.ErrNotFound
		}

		qty := item.Quantity
		if patch.Quantity != nil {
			qty = *patch.Quantity
		}
		if patch.QuantityDelta != nil {
			qty += *patch.QuantityDelta
		}
		if qty < 0 {
			return errors.Wrapf(domain.ErrInvalidQuantity, "quantity would become %d", qty)
		}

		item.Quantity = qty
		if patch.Price != nil {
			item.Price = *patch.Price
		}
		if patch.Available != nil {
			item.Available = *patch.Available
		}
		if patch.ImageURL != nil {
			item.ImageURL = *patch.ImageURL
		}
		return nil
	})
}

func (l *StockLedger) mutate(ctx context.Context, inventoryID string, fn func(*domain.InventoryItem) error) (domain.InventoryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var item domain.InventoryItem
	err := retryOnce(ctx, l.log.WithField("inventory_id", inventoryID), func() error {
		var err error
		item, err = l.store.MutateInventory(ctx, inventoryID, fn)
		return err
	})
	return item, err
}

// retryOnce runs op and repeats it a single time when it failed with a
// transient storage error and the context still has time left.
func retryOnce(ctx context.Context, logger logrus.FieldLogger, op func() error) error {
	err := op()
	if err != nil && domain.IsTransient(err) && ctx.Err() == nil {
		logger.WithError(err).Warn("transient storage failure, retrying")
		err = op()
	}
	if errors.Is(err, domain.ErrStorageFailure) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(domain.ErrTimeout, err.Error())
	}
	return err
}
