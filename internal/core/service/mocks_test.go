package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Mock StockStore
type mockStockStore struct {
	mu       sync.Mutex
	items    map[string]domain.InventoryItem
	failOnce map[string]error
	calls    int
}

func newMockStockStore(items ...domain.InventoryItem) *mockStockStore {
	m := &mockStockStore{items: make(map[string]domain.InventoryItem), failOnce: make(map[string]error)}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

func (m *mockStockStore) MutateInventory(ctx context.Context, inventoryID string, fn func(item *domain.InventoryItem) error) (domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err, ok := m.failOnce[inventoryID]; ok {
		delete(m.failOnce, inventoryID)
		return domain.InventoryItem{}, err
	}
	item, ok := m.items[inventoryID]
	if !ok {
		return domain.InventoryItem{}, domain.ErrNotFound
	}
	next := item
	if err := fn(&next); err != nil {
		return domain.InventoryItem{}, err
	}
	next.Version++
	m.items[inventoryID] = next
	return next, nil
}

func (m *mockStockStore) quantity(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Quantity
}

func (m *mockStockStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingStockStore waits for the context to expire, like a row lock that is
// never granted.
type blockingStockStore struct{}

func (blockingStockStore) MutateInventory(ctx context.Context, inventoryID string, fn func(item *domain.InventoryItem) error) (domain.InventoryItem, error) {
	<-ctx.Done()
	return domain.InventoryItem{}, errors.Wrap(domain.ErrStorageFailure, ctx.Err().Error())
}

// Mock OrderRepository
type mockOrderRepo struct {
	mu            sync.Mutex
	orders        map[string]domain.Order
	createErr     error
	createErrOnce error
	saveThenErr   error // order is stored, then this error is returned
	getErr        error
	createCalls   int
	listCalls     int
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[string]domain.Order)}
}

func (m *mockOrderRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErrOnce != nil {
		err := m.createErrOnce
		m.createErrOnce = nil
		return err
	}
	if m.createErr != nil {
		return m.createErr
	}
	m.orders[order.ID] = order
	return m.saveThenErr
}

func (m *mockOrderRepo) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Order{}, m.getErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *mockOrderRepo) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) ListOrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []domain.Order
	for _, o := range m.orders {
		if !o.CreatedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.OrderPlacedEvent
	err    error
}

func (m *mockPublisher) PublishOrderPlaced(ctx context.Context, event domain.OrderPlacedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func listing(id, farmerID, crop, price string, qty int) domain.InventoryItem {
	return domain.InventoryItem{
		ID:        id,
		FarmerID:  farmerID,
		CropID:    "crop-" + crop,
		CropName:  crop,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		Available: true,
	}
}
