package service

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

// ImageUpload is an image received with a listing create or update.
type ImageUpload struct {
	Filename string
	Body     io.Reader
}

type NewListing struct {
	CropName string
	Price    decimal.Decimal
	Quantity int
	ImageURL string
	Image    *ImageUpload
}

type CatalogService struct {
	catalog port.CatalogRepository
	ledger  *StockLedger
	images  port.ImageStore
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewCatalogService(catalog port.CatalogRepository, ledger *StockLedger, images port.ImageStore, logger logrus.FieldLogger) *CatalogService {
	return &CatalogService{
		catalog: catalog,
		ledger:  ledger,
		images:  images,
		log:     logger,
		now:     time.Now,
	}
}

func (s *CatalogService) CreateListing(ctx context.Context, farmerID string, in NewListing) (domain.InventoryItem, error) {
	name := domain.NormalizeCropName(in.CropName)
	if name == "" {
		return domain.InventoryItem{}, errors.Wrap(domain.ErrInvalidInput, "provide cropName")
	}
	price := in.Price.Round(2)
	if !price.IsPositive() {
		return domain.InventoryItem{}, errors.Wrap(domain.ErrInvalidInput, "price must be at least 0.01")
	}
	if in.Quantity < 0 {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity %d", in.Quantity)
	}

	crop, err := s.catalog.EnsureCrop(ctx, name)
	if err != nil {
		return domain.InventoryItem{}, errors.Wrap(err, "ensure crop")
	}

	imageURL := in.ImageURL
	if in.Image != nil {
		imageURL, err = s.saveImage(ctx, in.Image)
		if err != nil {
			return domain.InventoryItem{}, err
		}
	}

	now := s.now().UTC()
	item := domain.InventoryItem{
		ID:        uuid.NewString(),
		FarmerID:  farmerID,
		CropID:    crop.ID,
		CropName:  crop.Name,
		Price:     price,
		Quantity:  in.Quantity,
		Available: true,
		ImageURL:  imageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.catalog.CreateInventory(ctx, item); err != nil {
		return domain.InventoryItem{}, errors.Wrap(err, "create inventory")
	}

	s.log.WithFields(logrus.Fields{
		"inventory_id": item.ID,
		"farmer_id":    farmerID,
		"crop":         crop.Name,
		"quantity":     item.Quantity,
	}).Info("listing created")
	return item, nil
}

// UpdateListing applies a farmer's edit through the stock ledger so it
// competes with reservations on the same row lock.
func (s *CatalogService) UpdateListing(ctx context.Context, farmerID, inventoryID string, patch domain.ListingPatch, image *ImageUpload) (domain.InventoryItem, error) {
	if image != nil {
		current, err := s.catalog.GetInventory(ctx, inventoryID)
		if err != nil {
			return domain.InventoryItem{}, err
		}
		if current.FarmerID != farmerID {
			return domain.InventoryItem{}, errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
		}
		url, err := s.saveImage(ctx, image)
		if err != nil {
			return domain.InventoryItem{}, err
		}
		patch.ImageURL = &url
	}
	if patch.Price != nil {
		rounded := patch.Price.Round(2)
		patch.Price = &rounded
	}

	item, err := s.ledger.UpdateListing(ctx, farmerID, inventoryID, patch)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.log.WithFields(logrus.Fields{
		"inventory_id": inventoryID,
		"quantity":     item.Quantity,
		"available":    item.Available,
		"version":      item.Version,
	}).Info("listing updated")
	return item, nil
}

func (s *CatalogService) DeleteListing(ctx context.Context, farmerID, inventoryID string) error {
	if err := s.catalog.DeleteInventory(ctx, farmerID, inventoryID); err != nil {
		return err
	}
	s.log.WithField("inventory_id", inventoryID).Info("listing deleted")
	return nil
}

func (s *CatalogService) ListFarmerInventory(ctx context.Context, farmerID string) ([]domain.InventoryItem, error) {
	return s.catalog.ListInventory(ctx, domain.InventoryFilter{FarmerID: farmerID})
}

// ListMarket returns available listings whose crop name contains search.
func (s *CatalogService) ListMarket(ctx context.Context, search string) ([]domain.InventoryItem, error) {
	return s.catalog.ListInventory(ctx, domain.InventoryFilter{
		AvailableOnly: true,
		Search:        strings.ToLower(strings.TrimSpace(search)),
	})
}

func (s *CatalogService) ListCrops(ctx context.Context) ([]domain.Crop, error) {
	return s.catalog.ListCrops(ctx)
}

func (s *CatalogService) saveImage(ctx context.Context, image *ImageUpload) (string, error) {
	if s.images == nil {
		return "", errors.Wrap(domain.ErrInvalidInput, "image uploads are disabled")
	}
	url, err := s.images.SaveImage(ctx, image.Filename, image.Body)
	if err != nil {
		return "", errors.Wrap(err, "save image")
	}
	return url, nil
}
