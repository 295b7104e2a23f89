package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/repositories"
)

func TestStockServiceRestock(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	var gotVariant string
	var gotQuantity int
	stock := &stubStockRepo{
		setFn: func(_ context.Context, variantID string, quantity int, at time.Time) (domain.VariantStock, error) {
			gotVariant = variantID
			gotQuantity = quantity
			return domain.VariantStock{VariantID: variantID, Stock: quantity, UpdatedAt: at}, nil
		},
	}
	logs := &logRecorder{}

	svc, err := NewStockService(StockServiceDeps{
		Stock:  stock,
		Clock:  fixedClock(now),
		Logger: logs.log,
	})
	if err != nil {
		t.Fatalf("new stock service: %v", err)
	}

	updated, err := svc.Restock(context.Background(), RestockCommand{
		VariantID: " var_001 ",
		Quantity:  25,
		Actor:     "ops@geekshop.co",
	})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if gotVariant != "var_001" || gotQuantity != 25 {
		t.Fatalf("unexpected set call %s/%d", gotVariant, gotQuantity)
	}
	if updated.Stock != 25 {
		t.Fatalf("expected stock 25, got %d", updated.Stock)
	}
	if !logs.has("stock.restocked") {
		t.Fatalf("expected restock logged, got %v", logs.events)
	}
}

func TestStockServiceRestockValidation(t *testing.T) {
	svc, err := NewStockService(StockServiceDeps{Stock: &stubStockRepo{}})
	if err != nil {
		t.Fatalf("new stock service: %v", err)
	}

	if _, err := svc.Restock(context.Background(), RestockCommand{VariantID: "", Quantity: 1}); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected invalid input for empty variant, got %v", err)
	}
	if _, err := svc.Restock(context.Background(), RestockCommand{VariantID: "var_001", Quantity: -1}); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected invalid input for negative quantity, got %v", err)
	}
}

func TestStockServiceGetStockMapsNotFound(t *testing.T) {
	stock := &stubStockRepo{
		getFn: func(context.Context, string) (domain.VariantStock, error) {
			return domain.VariantStock{}, repositories.NewStockError(repositories.StockErrorNotFound, "stock for var_404 not found", nil)
		},
	}
	svc, err := NewStockService(StockServiceDeps{Stock: stock})
	if err != nil {
		t.Fatalf("new stock service: %v", err)
	}

	if _, err := svc.GetStock(context.Background(), "var_404"); !errors.Is(err, ErrStockNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
