package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

// Orders have no cancellation path; created is terminal.
const (
	OrderStatusCreated OrderStatus = "created"
)

type Order struct {
	ID         string          `db:"id"`
	CustomerID string          `db:"customer_id"`
	Status     OrderStatus     `db:"status"`
	Total      decimal.Decimal `db:"total"`
	CreatedAt  time.Time       `db:"created_at"`
	Lines      []OrderLine     `db:"-"`
}

// OrderLine keeps a soft reference to the inventory row; price, crop and
// farmer are copied at purchase time.
type OrderLine struct {
	OrderID     string          `db:"order_id" json:"-"`
	InventoryID string          `db:"inventory_id" json:"inventoryId"`
	FarmerID    string          `db:"farmer_id" json:"farmerId"`
	CropName    string          `db:"crop_name" json:"cropName"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unitPrice"`
}

func (l OrderLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineRequest is one (inventoryId, quantity) pair of a placeOrder call.
type LineRequest struct {
	InventoryID string
	Quantity    int
}

type PlacedOrder struct {
	OrderID string          `json:"orderId"`
	Total   decimal.Decimal `json:"total"`
}

// OrderPlacedEvent is published after an order commits.
type OrderPlacedEvent struct {
	OrderID    string          `json:"orderId"`
	CustomerID string          `json:"customerId"`
	Total      decimal.Decimal `json:"total"`
	Lines      []OrderLine     `json:"lines"`
	CreatedAt  time.Time       `json:"createdAt"`
}
