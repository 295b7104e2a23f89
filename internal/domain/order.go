package domain

import (
	"slices"
	"time"
)

// OrderStatus enumerates the lifecycle states an order can be in.
type OrderStatus string

const (
	// OrderStatusPendingPayment is the initial state of every order.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// OrderStatusPaid indicates the payment provider confirmed the charge.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled is terminal and reachable from every non-terminal state.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusPaymentFailed is entered only from PENDING_PAYMENT via a provider webhook.
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:      {OrderStatusCancelled},
	OrderStatusPaymentFailed:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusCancelled:      {},
}

// CanTransition reports whether moving from current to target is a legal transition.
// A transition to the current status is never legal; duplicate webhook deliveries
// rely on that to become no-ops.
func CanTransition(current, target OrderStatus) bool {
	next, ok := orderStatusTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// IsTerminal reports whether no further transition is possible from the status.
func IsTerminal(status OrderStatus) bool {
	return len(orderStatusTransitions[status]) == 0
}

// ValidStatus reports whether the value is a known order status.
func ValidStatus(status OrderStatus) bool {
	_, ok := orderStatusTransitions[status]
	return ok
}

// Order is the durable record of a customer purchase. Monetary fields are
// snapshots taken at creation time and are never recomputed afterwards.
type Order struct {
	ID              string
	PublicReference string

	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Address       string
	City          string
	Department    string

	TotalAmount  int64
	ShippingCost int64
	Currency     string

	Status           OrderStatus
	PaymentMethod    string
	PaymentSessionID *string

	MagicToken          string
	MagicTokenExpiresAt time.Time

	Items   []OrderItem
	History []StatusHistoryEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total returns the amount the customer owes, items plus shipping.
func (o Order) Total() int64 {
	return o.TotalAmount + o.ShippingCost
}

// MagicTokenValidAt reports whether the order's magic token is still usable at t.
func (o Order) MagicTokenValidAt(t time.Time) bool {
	if o.MagicToken == "" {
		return false
	}
	return t.Before(o.MagicTokenExpiresAt)
}

// OrderItem is a line item frozen at purchase time. Name and price are
// decoupled from the live catalog so later edits never affect the order.
type OrderItem struct {
	VariantID       string
	ProductName     string
	Quantity        int
	PriceAtPurchase int64

	// Live variant detail joined at read time, best effort.
	Size     string
	Color    string
	ImageURL string
}

// LineTotal returns the item price multiplied by quantity.
func (i OrderItem) LineTotal() int64 {
	return i.PriceAtPurchase * int64(i.Quantity)
}

// StatusHistoryEntry records one status the order has passed through.
// Entries are append-only; they are the audit trail for the order.
type StatusHistoryEntry struct {
	Status    OrderStatus
	Actor     string
	Note      string
	CreatedAt time.Time
}

// VariantStock is the per-variant inventory counter. It is mutated only
// through the conditional decrement and absolute set operations.
type VariantStock struct {
	VariantID string
	Stock     int
	UpdatedAt time.Time
}
