package port

import (
	"context"
	"time"

	"github.com/rl1809/farmigo/internal/core/domain"
)

// StockStore is the persistence primitive behind the stock ledger.
type StockStore interface {
	// MutateInventory loads the row under an exclusive per-row lock, calls fn
	// with it and persists the result if fn returns nil. Returns domain.ErrNotFound
	// if the row does not exist.
	MutateInventory(ctx context.Context, inventoryID string, fn func(item *domain.InventoryItem) error) (domain.InventoryItem, error)
}

type CatalogRepository interface {
	// EnsureCrop returns the crop matching name case-insensitively, creating it if absent.
	EnsureCrop(ctx context.Context, name string) (domain.Crop, error)
	ListCrops(ctx context.Context) ([]domain.Crop, error)

	CreateInventory(ctx context.Context, item domain.InventoryItem) error
	GetInventory(ctx context.Context, inventoryID string) (domain.InventoryItem, error)
	ListInventory(ctx context.Context, filter domain.InventoryFilter) ([]domain.InventoryItem, error)
	// DeleteInventory removes the row owned by farmerID, serialized with MutateInventory.
	DeleteInventory(ctx context.Context, farmerID, inventoryID string) error
	CountListings(ctx context.Context, availableOnly bool) (int, error)
}

type OrderRepository interface {
	// CreateOrder persists the order and all of its lines atomically.
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
	// ListOrdersSince returns committed orders created at or after since, with lines.
	ListOrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error)
}

type UserRepository interface {
	// CreateUser returns domain.ErrConflict if the email is taken.
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error)
	CountUsersByRole(ctx context.Context, role domain.Role) (int, error)
}
