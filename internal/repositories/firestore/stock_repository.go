package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/geekshop/api/internal/domain"
	pfirestore "github.com/geekshop/api/internal/platform/firestore"
	"github.com/geekshop/api/internal/repositories"
)

const variantStockCollection = "variantStock"

type variantStockDocument struct {
	Stock     int       `firestore:"stock"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d variantStockDocument) toDomain(id string) domain.VariantStock {
	return domain.VariantStock{
		VariantID: id,
		Stock:     d.Stock,
		UpdatedAt: d.UpdatedAt,
	}
}

// StockRepository implements repositories.StockRepository backed by Firestore transactions.
type StockRepository struct {
	provider *pfirestore.Provider
	stocks   *pfirestore.BaseRepository[variantStockDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[variantStockDocument](provider, variantStockCollection, nil, nil)
	return &StockRepository{provider: provider, stocks: stocks}, nil
}

// stockWrite is a pending decrement computed during the read phase of a transaction.
type stockWrite struct {
	variantID string
	ref       *firestore.DocumentRef
	doc       variantStockDocument
}

// readStock loads a variant document inside the supplied transaction. A
// missing variant surfaces as a StockError with code StockErrorNotFound.
func (r *StockRepository) readStock(ctx context.Context, tx *firestore.Transaction, variantID string) (*firestore.DocumentRef, variantStockDocument, error) {
	ref, err := r.stocks.DocumentRef(ctx, variantID)
	if err != nil {
		return nil, variantStockDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, variantStockDocument{}, repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("stock for %s not found", variantID), err)
		}
		return nil, variantStockDocument{}, err
	}
	var doc variantStockDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, variantStockDocument{}, fmt.Errorf("decode variant stock %s: %w", variantID, err)
	}
	return ref, doc, nil
}

// DecrementIfAvailable subtracts the requested quantities in a single
// transaction, so concurrent purchases of the last unit cannot both succeed.
// Firestore transactions require every read before the first write, hence the
// two phases.
func (r *StockRepository) DecrementIfAvailable(ctx context.Context, decrements []repositories.StockDecrement, now time.Time) ([]domain.VariantStock, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("stock repository not initialised")
	}
	if len(decrements) == 0 {
		return nil, repositories.NewStockError(repositories.StockErrorInvalidInput, "stock decrement: at least one line is required", nil)
	}

	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result []domain.VariantStock
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = result[:0]
		writes := make([]stockWrite, 0, len(decrements))
		for _, dec := range decrements {
			variantID := strings.TrimSpace(dec.VariantID)
			if variantID == "" {
				return repositories.NewStockError(repositories.StockErrorInvalidInput, "stock decrement: variant id is required", nil)
			}
			if dec.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorInvalidInput, fmt.Sprintf("stock decrement: quantity for %s must be > 0", variantID), nil)
			}

			ref, doc, err := r.readStock(ctx, tx, variantID)
			if err != nil {
				return err
			}
			if doc.Stock < dec.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("insufficient stock for %s: have %d, need %d", variantID, doc.Stock, dec.Quantity), nil)
			}
			doc.Stock -= dec.Quantity
			doc.UpdatedAt = now
			writes = append(writes, stockWrite{variantID: variantID, ref: ref, doc: doc})
		}
		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
			result = append(result, w.doc.toDomain(w.variantID))
		}
		return nil
	})
	if err != nil {
		return nil, wrapStockError("stock.decrement", err)
	}
	return result, nil
}

// SetStock writes an absolute stock count for the variant.
func (r *StockRepository) SetStock(ctx context.Context, variantID string, quantity int, now time.Time) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("stock repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.VariantStock{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "stock set: variant id is required", nil)
	}
	if quantity < 0 {
		return domain.VariantStock{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "stock set: quantity must be >= 0", nil)
	}

	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	doc := variantStockDocument{Stock: quantity, UpdatedAt: now}
	if _, err := r.stocks.Set(ctx, variantID, doc); err != nil {
		return domain.VariantStock{}, wrapStockError("stock.set", err)
	}
	return doc.toDomain(variantID), nil
}

// GetStock reads the current stock count for a variant.
func (r *StockRepository) GetStock(ctx context.Context, variantID string) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("stock repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.VariantStock{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "stock get: variant id is required", nil)
	}

	doc, err := r.stocks.Get(ctx, variantID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.VariantStock{}, repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("stock for %s not found", variantID), err)
		}
		return domain.VariantStock{}, wrapStockError("stock.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
