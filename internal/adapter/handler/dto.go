package handler

import (
	"reflect"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true

	// Lets numeric tags such as gt=0 apply to decimal fields.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				return d.InexactFloat64()
			}
			return nil
		}, decimal.Decimal{})
	}
}

type orderItemRequest struct {
	InventoryID string `json:"inventoryId"`
	Quantity    int    `json:"quantity"`
}

type placeOrderRequest struct {
	Items []orderItemRequest `json:"items" binding:"required"`
}

type createListingRequest struct {
	CropName string           `json:"cropName" binding:"required"`
	Price    *decimal.Decimal `json:"price" binding:"required,gt=0"`
	Quantity *int             `json:"quantity" binding:"required,gte=0"`
	ImageURL string           `json:"imageUrl"`
}

type updateListingRequest struct {
	Price         *decimal.Decimal `json:"price" binding:"omitempty,gt=0"`
	Quantity      *int             `json:"quantity" binding:"omitempty,gte=0"`
	QuantityDelta *int             `json:"quantityDelta"`
	Available     *bool            `json:"available"`
	ImageURL      *string          `json:"imageUrl"`
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role" binding:"omitempty,oneof=admin farmer customer"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type cropDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type inventoryDTO struct {
	ID        string          `json:"id"`
	Crop      cropDTO         `json:"crop"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Available bool            `json:"available"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	FarmerID  string          `json:"farmerId"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type orderDTO struct {
	ID        string             `json:"id"`
	Total     decimal.Decimal    `json:"total"`
	Status    domain.OrderStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	Items     []domain.OrderLine `json:"items"`
}

type userDTO struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Email string      `json:"email"`
	Role  domain.Role `json:"role"`
}

type sessionResponse struct {
	Token string  `json:"token"`
	User  userDTO `json:"user"`
}

func toInventoryDTO(item domain.InventoryItem) inventoryDTO {
	return inventoryDTO{
		ID:        item.ID,
		Crop:      cropDTO{ID: item.CropID, Name: item.CropName},
		Price:     item.Price,
		Quantity:  item.Quantity,
		Available: item.Available,
		ImageURL:  item.ImageURL,
		FarmerID:  item.FarmerID,
		UpdatedAt: item.UpdatedAt,
	}
}

func toInventoryDTOs(items []domain.InventoryItem) []inventoryDTO {
	out := make([]inventoryDTO, 0, len(items))
	for _, item := range items {
		out = append(out, toInventoryDTO(item))
	}
	return out
}

func toOrderDTO(o domain.Order) orderDTO {
	lines := o.Lines
	if lines == nil {
		lines = []domain.OrderLine{}
	}
	return orderDTO{ID: o.ID, Total: o.Total, Status: o.Status, CreatedAt: o.CreatedAt, Items: lines}
}

func toSessionResponse(s service.Session) sessionResponse {
	return sessionResponse{
		Token: s.Token,
		User:  userDTO{ID: s.User.ID, Name: s.User.Name, Email: s.User.Email, Role: s.User.Role},
	}
}
