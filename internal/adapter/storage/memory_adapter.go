package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const idempotencyPending = "pending"

// MemoryAdapter keeps the whole marketplace in process. Inventory mutations
// are serialized per row; the map lock only guards map structure and is never
// held while a mutation callback runs.
type MemoryAdapter struct {
	mu        sync.RWMutex
	crops     map[string]domain.Crop // keyed by lower-case name
	inventory map[string]domain.InventoryItem
	orders    map[string]domain.Order
	users     map[string]domain.User

	rowLocks sync.Map // inventory id -> *sync.Mutex, dropped on delete

	idemMu      sync.Mutex
	idempotency map[string]string

	statsMu     sync.Mutex
	stats       *domain.Stats
	statsExpiry time.Time
	statsLock   sync.Mutex
	now         func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		crops:       make(map[string]domain.Crop),
		inventory:   make(map[string]domain.InventoryItem),
		orders:      make(map[string]domain.Order),
		users:       make(map[string]domain.User),
		idempotency: make(map[string]string),
		now:         time.Now,
	}
}

func (m *MemoryAdapter) rowLock(id string) *sync.Mutex {
	l, _ := m.rowLocks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *MemoryAdapter) MutateInventory(ctx context.Context, inventoryID string, fn func(item *domain.InventoryItem) error) (domain.InventoryItem, error) {
	lock := m.rowLock(inventoryID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.InventoryItem{}, errors.Wrap(domain.ErrTimeout, err.Error())
	}

	m.mu.RLock()
	current, ok := m.inventory[inventoryID]
	m.mu.RUnlock()
	if !ok {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}

	next := current
	if err := fn(&next); err != nil {
		return domain.InventoryItem{}, err
	}
	if next.Quantity < 0 {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity %d", next.Quantity)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	m.inventory[inventoryID] = next
	m.mu.Unlock()
	return next, nil
}

func (m *MemoryAdapter) EnsureCrop(ctx context.Context, name string) (domain.Crop, error) {
	key := strings.ToLower(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.crops[key]; ok {
		return c, nil
	}
	c := domain.Crop{ID: uuid.NewString(), Name: name}
	m.crops[key] = c
	return c, nil
}

func (m *MemoryAdapter) ListCrops(ctx context.Context) ([]domain.Crop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	crops := make([]domain.Crop, 0, len(m.crops))
	for _, c := range m.crops {
		crops = append(crops, c)
	}
	sort.Slice(crops, func(i, j int) bool { return crops[i].Name < crops[j].Name })
	return crops, nil
}

func (m *MemoryAdapter) CreateInventory(ctx context.Context, item domain.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inventory[item.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "inventory %s exists", item.ID)
	}
	m.inventory[item.ID] = item
	return nil
}

func (m *MemoryAdapter) GetInventory(ctx context.Context, inventoryID string) (domain.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.inventory[inventoryID]
	if !ok {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}
	return item, nil
}

func (m *MemoryAdapter) ListInventory(ctx context.Context, filter domain.InventoryFilter) ([]domain.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.InventoryItem, 0)
	for _, item := range m.inventory {
		if filter.FarmerID != "" && item.FarmerID != filter.FarmerID {
			continue
		}
		if filter.AvailableOnly && !item.Available {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(item.CropName), strings.ToLower(filter.Search)) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryAdapter) DeleteInventory(ctx context.Context, farmerID, inventoryID string) error {
	lock := m.rowLock(inventoryID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.inventory[inventoryID]
	if !ok || item.FarmerID != farmerID {
		return errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}
	delete(m.inventory, inventoryID)
	// Ids are never reused, so waiters on the old mutex only see NotFound.
	m.rowLocks.Delete(inventoryID)
	return nil
}

func (m *MemoryAdapter) CountListings(ctx context.Context, availableOnly bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, item := range m.inventory {
		if !availableOnly || item.Available {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "order %s exists", order.ID)
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}
	return copyOrder(o), nil
}

func (m *MemoryAdapter) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	return m.listOrders(func(o domain.Order) bool { return o.CustomerID == customerID }), nil
}

func (m *MemoryAdapter) ListOrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	return m.listOrders(func(o domain.Order) bool { return !o.CreatedAt.Before(since) }), nil
}

func (m *MemoryAdapter) listOrders(keep func(domain.Order) bool) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := make([]domain.Order, 0)
	for _, o := range m.orders {
		if keep(o) {
			orders = append(orders, copyOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders
}

func copyOrder(o domain.Order) domain.Order {
	o.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return o
}

func (m *MemoryAdapter) CreateUser(ctx context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return errors.Wrapf(domain.ErrConflict, "email %s", user.Email)
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *MemoryAdapter) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, errors.Wrap(domain.ErrNotFound, "user")
}

func (m *MemoryAdapter) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			users[id] = u
		}
	}
	return users, nil
}

func (m *MemoryAdapter) CountUsersByRole(ctx context.Context, role domain.Role) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}

// Idempotency keys kept in memory never expire.
func (m *MemoryAdapter) ClaimIdempotency(ctx context.Context, key string) (port.IdempotencyState, *domain.PlacedOrder, error) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	v, ok := m.idempotency[key]
	if !ok {
		m.idempotency[key] = idempotencyPending
		return port.IdempotencyClaimed, nil, nil
	}
	return decodeIdempotency(v)
}

func (m *MemoryAdapter) CompleteIdempotency(ctx context.Context, key string, result domain.PlacedOrder) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	if m.idempotency[key] == idempotencyPending {
		m.idempotency[key] = string(b)
	}
	return nil
}

func (m *MemoryAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	if m.idempotency[key] == idempotencyPending {
		delete(m.idempotency, key)
	}
	return nil
}

func (m *MemoryAdapter) GetStats(ctx context.Context) (*domain.Stats, error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.stats == nil || m.now().After(m.statsExpiry) {
		return nil, nil
	}
	s := *m.stats
	return &s, nil
}

func (m *MemoryAdapter) SetStats(ctx context.Context, stats domain.Stats, ttl time.Duration) error {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = &stats
	m.statsExpiry = m.now().Add(ttl)
	return nil
}

func (m *MemoryAdapter) LockStats(ctx context.Context, ttl time.Duration) (func(), error) {
	if !m.statsLock.TryLock() {
		return nil, errors.Wrap(domain.ErrConflict, "stats lock held")
	}
	return m.statsLock.Unlock, nil
}

// decodeIdempotency interprets a stored idempotency value.
func decodeIdempotency(v string) (port.IdempotencyState, *domain.PlacedOrder, error) {
	if v == idempotencyPending {
		return port.IdempotencyInFlight, nil, nil
	}
	var placed domain.PlacedOrder
	if err := json.Unmarshal([]byte(v), &placed); err != nil {
		return 0, nil, errors.Wrap(err, "decode idempotency result")
	}
	return port.IdempotencyCompleted, &placed, nil
}

var (
	_ port.StockStore        = (*MemoryAdapter)(nil)
	_ port.CatalogRepository = (*MemoryAdapter)(nil)
	_ port.OrderRepository   = (*MemoryAdapter)(nil)
	_ port.UserRepository    = (*MemoryAdapter)(nil)
	_ port.IdempotencyStore  = (*MemoryAdapter)(nil)
	_ port.StatsCache        = (*MemoryAdapter)(nil)
)
