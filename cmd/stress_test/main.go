package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/adapter/storage"
	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

const (
	farmerID      = "stress-farmer"
	initialStock  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMemoryAdapter()
	ledger := service.NewStockLedger(store, 3*time.Second, logger)
	catalog := service.NewCatalogService(store, ledger, nil, logger)
	orders := service.NewOrderService(ledger, store, store, nil, logger)

	item, err := catalog.CreateListing(ctx, farmerID, service.NewListing{
		CropName: "Tomato",
		Price:    decimal.RequireFromString("2.50"),
		Quantity: initialStock,
	})
	if err != nil {
		log.Fatalf("failed to create listing: %v", err)
	}

	var successCount, outOfStock, otherFail atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(customer int) {
			defer wg.Done()

			_, err := orders.PlaceOrder(ctx, fmt.Sprintf("customer-%d", customer),
				[]domain.LineRequest{{InventoryID: item.ID, Quantity: 1}}, "")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStock.Add(1)
			default:
				otherFail.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fail := outOfStock.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", fail)
	fmt.Printf("Other failures:   %d\n", otherFail.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && fail == totalRequests-initialStock {
		fmt.Printf("PASS: exactly %d orders succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: expected %d success/%d fail, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	final, err := store.GetInventory(ctx, item.ID)
	if err != nil {
		log.Fatalf("failed to read listing: %v", err)
	}
	fmt.Printf("Final quantity:   %d\n", final.Quantity)
	if final.Quantity == 0 {
		fmt.Println("PASS: stock depleted to 0")
	} else {
		fmt.Printf("FAIL: expected quantity 0, got %d\n", final.Quantity)
	}

	placed, _ := store.ListOrdersSince(ctx, time.Time{})
	fmt.Printf("Orders stored:    %d\n", len(placed))
}
