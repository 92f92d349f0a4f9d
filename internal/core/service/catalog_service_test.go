package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/farmigo/internal/adapter/storage"
	"github.com/rl1809/farmigo/internal/core/domain"
)

type fakeImageStore struct {
	saved []string
}

func (f *fakeImageStore) SaveImage(ctx context.Context, filename string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.saved = append(f.saved, filename)
	return "/uploads/" + filename, nil
}

func newTestCatalog(images *fakeImageStore) (*CatalogService, *storage.MemoryAdapter) {
	store := storage.NewMemoryAdapter()
	ledger := NewStockLedger(store, time.Second, testLogger())
	if images == nil {
		return NewCatalogService(store, ledger, nil, testLogger()), store
	}
	return NewCatalogService(store, ledger, images, testLogger()), store
}

func TestCreateListing(t *testing.T) {
	svc, _ := newTestCatalog(nil)
	ctx := context.Background()

	item, err := svc.CreateListing(ctx, "farmer-1", NewListing{
		CropName: "  Sweet   Corn ",
		Price:    decimal.RequireFromString("3.456"),
		Quantity: 12,
	})
	require.NoError(t, err)

	assert.Equal(t, "Sweet Corn", item.CropName)
	assert.True(t, decimal.RequireFromString("3.46").Equal(item.Price))
	assert.Equal(t, 12, item.Quantity)
	assert.True(t, item.Available)

	again, err := svc.CreateListing(ctx, "farmer-2", NewListing{CropName: "sweet corn", Price: decimal.NewFromInt(1), Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, item.CropID, again.CropID, "crops match case-insensitively")

	crops, err := svc.ListCrops(ctx)
	require.NoError(t, err)
	assert.Len(t, crops, 1)
}

func TestCreateListing_Validation(t *testing.T) {
	svc, _ := newTestCatalog(nil)
	ctx := context.Background()

	_, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: " ", Price: decimal.NewFromInt(1), Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Kale", Price: decimal.Zero, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Kale", Price: decimal.RequireFromString("0.004"), Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "sub-cent prices round to zero")

	_, err = svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Kale", Price: decimal.NewFromInt(1), Quantity: -1})
	assert.Equal(t, "InvalidQuantity", domain.KindOf(err))

	_, err = svc.CreateListing(ctx, "farmer-1", NewListing{
		CropName: "Kale", Price: decimal.NewFromInt(1), Quantity: 1,
		Image: &ImageUpload{Filename: "kale.png", Body: strings.NewReader("x")},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "uploads disabled without an image store")
}

func TestUpdateListing_SubCentPriceRejected(t *testing.T) {
	svc, store := newTestCatalog(nil)
	ctx := context.Background()

	item, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Kale", Price: decimal.NewFromInt(2), Quantity: 1})
	require.NoError(t, err)

	price := decimal.RequireFromString("0.004")
	_, err = svc.UpdateListing(ctx, "farmer-1", item.ID, domain.ListingPatch{Price: &price}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	stored, err := store.GetInventory(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(stored.Price))
}

func TestCreateAndUpdateListing_WithImage(t *testing.T) {
	images := &fakeImageStore{}
	svc, _ := newTestCatalog(images)
	ctx := context.Background()

	item, err := svc.CreateListing(ctx, "farmer-1", NewListing{
		CropName: "Kale", Price: decimal.NewFromInt(2), Quantity: 4,
		Image: &ImageUpload{Filename: "kale.png", Body: strings.NewReader("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/kale.png", item.ImageURL)

	_, err = svc.UpdateListing(ctx, "farmer-2", item.ID, domain.ListingPatch{}, &ImageUpload{Filename: "other.png", Body: strings.NewReader("png")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, images.saved, 1, "no upload for a listing the farmer does not own")

	updated, err := svc.UpdateListing(ctx, "farmer-1", item.ID, domain.ListingPatch{}, &ImageUpload{Filename: "kale2.png", Body: strings.NewReader("png")})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/kale2.png", updated.ImageURL)
	assert.Equal(t, 4, updated.Quantity)
}

func TestListMarket(t *testing.T) {
	svc, _ := newTestCatalog(nil)
	ctx := context.Background()

	tomato, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Cherry Tomato", Price: decimal.NewFromInt(2), Quantity: 5})
	require.NoError(t, err)
	onion, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Onion", Price: decimal.NewFromInt(1), Quantity: 5})
	require.NoError(t, err)
	_, err = svc.CreateListing(ctx, "farmer-2", NewListing{CropName: "Tomato", Price: decimal.NewFromInt(1), Quantity: 0})
	require.NoError(t, err)

	off := false
	_, err = svc.UpdateListing(ctx, "farmer-1", onion.ID, domain.ListingPatch{Available: &off}, nil)
	require.NoError(t, err)

	items, err := svc.ListMarket(ctx, "")
	require.NoError(t, err)
	assert.Len(t, items, 2, "unavailable listings are hidden")

	items, err = svc.ListMarket(ctx, " TOMATO ")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = svc.ListMarket(ctx, "cherry")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tomato.ID, items[0].ID)

	mine, err := svc.ListFarmerInventory(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2, "farmers see their unavailable listings")
}

func TestDeleteListing(t *testing.T) {
	svc, store := newTestCatalog(nil)
	ctx := context.Background()

	item, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Leek", Price: decimal.NewFromInt(1), Quantity: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteListing(ctx, "farmer-2", item.ID), domain.ErrNotFound)
	require.NoError(t, svc.DeleteListing(ctx, "farmer-1", item.ID))

	_, err = store.GetInventory(ctx, item.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteListing_KeepsPlacedOrders(t *testing.T) {
	svc, store := newTestCatalog(nil)
	ctx := context.Background()
	ledger := NewStockLedger(store, time.Second, testLogger())
	orders := NewOrderService(ledger, store, nil, nil, testLogger())

	item, err := svc.CreateListing(ctx, "farmer-1", NewListing{CropName: "Leek", Price: decimal.RequireFromString("1.25"), Quantity: 4})
	require.NoError(t, err)
	placed, err := orders.PlaceOrder(ctx, "customer-1", []domain.LineRequest{{InventoryID: item.ID, Quantity: 4}}, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteListing(ctx, "farmer-1", item.ID))

	order, err := orders.GetOrder(ctx, "customer-1", placed.OrderID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5.00").Equal(order.Total))
	assert.Equal(t, "Leek", order.Lines[0].CropName)
}
