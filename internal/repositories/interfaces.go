package repositories

import (
	"context"
	"time"

	domain "github.com/geekshop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Stock() StockRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides the lookups used by
// the public, webhook, and admin surfaces.
type OrderRepository interface {
	// Create atomically persists the order together with a reservation of its
	// public reference. A reference already in use surfaces as an OrderError
	// with code OrderErrorReferenceTaken.
	Create(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPublicReference(ctx context.Context, reference string) (domain.Order, error)
	FindByMagicToken(ctx context.Context, token string) (domain.Order, error)
	// UpdateStatus transitions the order inside a transaction, enforcing the
	// lifecycle state machine and appending a history entry. Illegal
	// transitions surface as an OrderError with code OrderErrorInvalidTransition.
	UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus, update StatusUpdate) (domain.Order, error)
	// ConfirmPaid applies the PAID transition and the per-item stock
	// decrements in the same transaction. Lines without enough stock are
	// skipped and reported back; any other failure rolls the whole
	// confirmation back so a redelivered webhook can retry it.
	ConfirmPaid(ctx context.Context, orderID string, update StatusUpdate, decrements []StockDecrement) (domain.Order, []StockShortfall, error)
	// SetPaymentSession records the provider checkout session created for the order.
	SetPaymentSession(ctx context.Context, orderID string, session PaymentSessionRecord) error
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// StatusUpdate carries the metadata recorded alongside a status transition.
type StatusUpdate struct {
	Actor         string
	Note          string
	TransactionID string
	Now           time.Time
}

// PaymentSessionRecord identifies the checkout session a provider created for an order.
type PaymentSessionRecord struct {
	Provider  string
	SessionID string
	Now       time.Time
}

// OrderListFilter controls admin order listings.
type OrderListFilter struct {
	Status []domain.OrderStatus
	// Search narrows the listing to one public reference (ORD- prefixed) or
	// to customers whose name starts with the given text.
	Search     string
	Pagination domain.Pagination
}

// StockDecrement names a variant and the quantity to subtract from its stock.
type StockDecrement struct {
	VariantID string
	Quantity  int
}

// StockShortfall reports a confirmation line that was skipped because the
// variant had less stock than the order required.
type StockShortfall struct {
	VariantID string
	Requested int
	Available int
}

// StockRepository manages per-variant stock counts with transactional guarantees.
type StockRepository interface {
	// DecrementIfAvailable subtracts the requested quantities inside a single
	// transaction. If any variant lacks sufficient stock the whole batch is
	// rejected with a StockError carrying code StockErrorInsufficient.
	DecrementIfAvailable(ctx context.Context, decrements []StockDecrement, now time.Time) ([]domain.VariantStock, error)
	SetStock(ctx context.Context, variantID string, quantity int, now time.Time) (domain.VariantStock, error)
	GetStock(ctx context.Context, variantID string) (domain.VariantStock, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
