package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Crop struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

// NormalizeCropName trims the name; lookups compare case-insensitively.
func NormalizeCropName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

type InventoryItem struct {
	ID        string          `db:"id"`
	FarmerID  string          `db:"farmer_id"`
	CropID    string          `db:"crop_id"`
	CropName  string          `db:"crop_name"`
	Price     decimal.Decimal `db:"price"`
	Quantity  int             `db:"quantity"`
	Available bool            `db:"available"`
	ImageURL  string          `db:"image_url"`
	Version   int             `db:"version"` // bumped on every mutation
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// InventoryFilter narrows listing queries. Zero value lists everything.
type InventoryFilter struct {
	FarmerID      string
	AvailableOnly bool
	Search        string
}

// ListingPatch is a farmer's partial edit. Nil fields are left untouched.
type ListingPatch struct {
	Price         *decimal.Decimal
	Quantity      *int
	QuantityDelta *int
	Available     *bool
	ImageURL      *string
}

func (p ListingPatch) Empty() bool {
	return p.Price == nil && p.Quantity == nil && p.QuantityDelta == nil &&
		p.Available == nil && p.ImageURL == nil
}

// Reservation is the price snapshot taken when stock is reserved for a line.
type Reservation struct {
	InventoryID string
	FarmerID    string
	CropName    string
	Quantity    int
	UnitPrice   decimal.Decimal
}
