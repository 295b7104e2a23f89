package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geekshop/api/internal/repositories"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid data.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockNotFound indicates the variant has no stock record.
	ErrStockNotFound = errors.New("stock: not found")
)

// StockServiceDeps bundles collaborators required to construct the stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stock  repositories.StockRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

var _ StockService = (*stockService)(nil)

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		stock: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Restock sets the variant's count to an absolute value. Restocks go through
// the same repository primitive as the webhook decrements, so a restock racing
// a payment confirmation never produces a lost update.
func (s *stockService) Restock(ctx context.Context, cmd RestockCommand) (VariantStock, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return VariantStock{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	if cmd.Quantity < 0 {
		return VariantStock{}, fmt.Errorf("%w: quantity must not be negative", ErrStockInvalidInput)
	}

	updated, err := s.stock.SetStock(ctx, variantID, cmd.Quantity, s.clock())
	if err != nil {
		return VariantStock{}, s.mapStockError(err)
	}

	s.logger(ctx, "stock.restocked", map[string]any{
		"variantId": variantID,
		"quantity":  cmd.Quantity,
		"actor":     strings.TrimSpace(cmd.Actor),
	})
	return updated, nil
}

func (s *stockService) GetStock(ctx context.Context, variantID string) (VariantStock, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return VariantStock{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}

	stock, err := s.stock.GetStock(ctx, variantID)
	if err != nil {
		return VariantStock{}, s.mapStockError(err)
	}
	return stock, nil
}

func (s *stockService) mapStockError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: %v", ErrStockNotFound, err)
		case repositories.StockErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrStockInvalidInput, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}

	return err
}
