package services

import (
	"context"
	"time"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	StatusHistoryEntry = domain.StatusHistoryEntry
	VariantStock       = domain.VariantStock
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService orchestrates the order lifecycle: creation with pricing
// snapshots, webhook reconciliation, customer lookups, and the admin surface.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderConfirmation, error)
	ReconcileWebhook(ctx context.Context, cmd WebhookCommand) (WebhookOutcome, error)
	GetByReferenceAndPhone(ctx context.Context, reference, phone string) (Order, error)
	GetByMagicToken(ctx context.Context, token string) (Order, error)
	AdminListOrders(ctx context.Context, filter AdminOrderListFilter) (domain.CursorPage[Order], error)
	AdminGetOrder(ctx context.Context, reference string) (Order, error)
	AdminUpdateStatus(ctx context.Context, cmd AdminStatusUpdateCommand) (Order, error)
}

// SystemService exposes operational health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// StockService exposes the administrative stock mutations. All writes funnel
// through the conditional primitives of the stock repository.
type StockService interface {
	Restock(ctx context.Context, cmd RestockCommand) (VariantStock, error)
	GetStock(ctx context.Context, variantID string) (VariantStock, error)
}

// ProviderResolver resolves payment provider adapters by name. The payments
// Manager satisfies this interface.
type ProviderResolver interface {
	Provider(name string) (payments.Provider, error)
	DefaultProvider() string
}

// OrderItemInput is one cart line as submitted by the storefront. Price and
// product name are snapshots: they are persisted on the order and never
// recomputed against the live catalog.
type OrderItemInput struct {
	VariantID   string
	ProductName string
	Quantity    int
	UnitPrice   int64
	Size        string
	Color       string
	ImageURL    string
}

// CreateOrderCommand carries the validated customer fields and cart items for
// order creation.
type CreateOrderCommand struct {
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Address       string
	City          string
	Department    string

	Items []OrderItemInput

	// Provider selects the payment adapter; empty uses the configured default.
	Provider    string
	RedirectURL string
}

// OrderConfirmation is returned to the storefront after a successful creation.
type OrderConfirmation struct {
	Order   Order
	Session *payments.SessionDescriptor
}

// WebhookCommand carries one raw provider notification.
type WebhookCommand struct {
	Provider  string
	Payload   []byte
	Signature string
}

// WebhookOutcome reports what reconciliation did with a notification. The
// webhook handler answers 2xx regardless, so the outcome exists for logging
// and tests rather than for the caller.
type WebhookOutcome struct {
	Reference      string
	Applied        bool
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	TransactionID  string
	Reason         string
}

// AdminOrderListFilter controls the admin order listing.
type AdminOrderListFilter struct {
	Status []OrderStatus
	// Search matches one public reference exactly (ORD- prefixed input) or
	// customer names by prefix.
	Search    string
	PageSize  int
	PageToken string
}

// AdminStatusUpdateCommand is a manual transition requested by an operator.
type AdminStatusUpdateCommand struct {
	OrderID string
	Target  OrderStatus
	Actor   string
	Note    string
}

// RestockCommand sets a variant's stock to an absolute count.
type RestockCommand struct {
	VariantID string
	Quantity  int
	Actor     string
}

// OrderEventMessage is the payload published for downstream consumers such as
// the notification dispatcher.
type OrderEventMessage struct {
	EventType      string      `json:"eventType"`
	OrderID        string      `json:"orderId"`
	Reference      string      `json:"reference"`
	PreviousStatus OrderStatus `json:"previousStatus,omitempty"`
	NewStatus      OrderStatus `json:"newStatus,omitempty"`
	Provider       string      `json:"provider,omitempty"`
	TransactionID  string      `json:"transactionId,omitempty"`
	OccurredAt     time.Time   `json:"occurredAt"`
}

// OrderEventPublisher publishes order lifecycle events, returning the broker
// message id.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}
