package services

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/payments"
	"github.com/geekshop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventPaid          = "order.paid"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix         = "ord_"
	publicReferencePrefix = "ORD-"

	magicTokenBytes    = 32
	magicTokenValidity = 30 * 24 * time.Hour

	referenceAttemptsPerWidth = 3
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates duplicates or concurrent-update conflicts.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrPaymentSession indicates the provider could not open a checkout session.
	ErrPaymentSession = errors.New("order: payment session creation failed")
)

// Admin operators may move orders forward or cancel them; PAYMENT_FAILED is
// reserved for the webhook path.
var adminStatusTargets = []domain.OrderStatus{
	domain.OrderStatusPaid,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Providers ProviderResolver

	Pricing domain.Pricing

	Clock       func() time.Time
	IDGenerator func() string
	Rand        io.Reader
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	providers ProviderResolver
	pricing   domain.Pricing
	clock     func() time.Time
	newID     func() string
	rand      io.Reader
	events    OrderEventPublisher
	logger    func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("order service: payment provider resolver is required")
	}

	pricing := deps.Pricing
	if pricing == (domain.Pricing{}) {
		pricing = domain.DefaultPricing()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	random := deps.Rand
	if random == nil {
		random = cryptorand.Reader
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		providers: deps.Providers,
		pricing:   pricing,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		rand:   random,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderConfirmation, error) {
	if err := validateCreateOrder(cmd); err != nil {
		return OrderConfirmation{}, err
	}

	provider, err := s.providers.Provider(cmd.Provider)
	if err != nil {
		return OrderConfirmation{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := s.now()

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, in := range cmd.Items {
		items = append(items, domain.OrderItem{
			VariantID:       strings.TrimSpace(in.VariantID),
			ProductName:     strings.TrimSpace(in.ProductName),
			Quantity:        in.Quantity,
			PriceAtPurchase: in.UnitPrice,
			Size:            strings.TrimSpace(in.Size),
			Color:           strings.TrimSpace(in.Color),
			ImageURL:        strings.TrimSpace(in.ImageURL),
		})
	}

	subtotal := domain.Subtotal(items)
	shipping := s.pricing.ShippingCost(subtotal)

	token, err := s.generateMagicToken()
	if err != nil {
		return OrderConfirmation{}, fmt.Errorf("order: generate magic token: %w", err)
	}

	order := domain.Order{
		ID:            orderIDPrefix + s.newID(),
		CustomerName:  strings.TrimSpace(cmd.CustomerName),
		CustomerPhone: strings.TrimSpace(cmd.CustomerPhone),
		CustomerEmail: strings.TrimSpace(cmd.CustomerEmail),
		Address:       strings.TrimSpace(cmd.Address),
		City:          strings.TrimSpace(cmd.City),
		Department:    strings.TrimSpace(cmd.Department),

		TotalAmount:  subtotal,
		ShippingCost: shipping,
		Currency:     s.pricing.Currency,

		Status:        domain.OrderStatusPendingPayment,
		PaymentMethod: provider.Name(),

		MagicToken:          token,
		MagicTokenExpiresAt: now.Add(magicTokenValidity),

		Items: items,
		History: []domain.StatusHistoryEntry{
			{Status: domain.OrderStatusPendingPayment, Actor: "system", Note: "order created", CreatedAt: now},
		},

		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.persistWithUniqueReference(ctx, &order); err != nil {
		return OrderConfirmation{}, err
	}

	session, err := provider.CreateSession(ctx, payments.SessionRequest{
		Reference:     order.PublicReference,
		AmountInCents: domain.AmountInCents(order.Total()),
		Currency:      order.Currency,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		CustomerPhone: order.CustomerPhone,
		RedirectURL:   strings.TrimSpace(cmd.RedirectURL),
	})
	if err != nil {
		s.logger(ctx, "order.payment.session.failed", map[string]any{
			"orderId":   order.ID,
			"reference": order.PublicReference,
			"provider":  provider.Name(),
			"error":     err.Error(),
		})
		return OrderConfirmation{}, fmt.Errorf("%w: %v", ErrPaymentSession, err)
	}

	if session != nil && strings.TrimSpace(session.SessionID) != "" {
		if err := s.orders.SetPaymentSession(ctx, order.ID, repositories.PaymentSessionRecord{
			Provider:  provider.Name(),
			SessionID: session.SessionID,
			Now:       s.now(),
		}); err != nil {
			// Best effort; the descriptor is already on its way to the client.
			s.logger(ctx, "order.payment.session.record.failed", map[string]any{
				"orderId":   order.ID,
				"sessionId": session.SessionID,
				"error":     err.Error(),
			})
		} else {
			order.PaymentSessionID = &session.SessionID
		}
	}

	s.publishEvent(ctx, OrderEventMessage{
		EventType:  orderEventCreated,
		OrderID:    order.ID,
		Reference:  order.PublicReference,
		NewStatus:  order.Status,
		Provider:   provider.Name(),
		OccurredAt: now,
	})

	return OrderConfirmation{Order: order, Session: session}, nil
}

// persistWithUniqueReference generates a public reference and inserts the
// order, retrying with a fresh suffix when the reference is already reserved.
// Three 4-digit attempts, then three 5-digit attempts.
func (s *orderService) persistWithUniqueReference(ctx context.Context, order *domain.Order) error {
	var lastErr error
	for attempt := 0; attempt < 2*referenceAttemptsPerWidth; attempt++ {
		width := 4
		if attempt >= referenceAttemptsPerWidth {
			width = 5
		}
		reference, err := s.generateReference(width)
		if err != nil {
			return fmt.Errorf("order: generate reference: %w", err)
		}
		order.PublicReference = reference

		err = s.orders.Create(ctx, *order)
		if err == nil {
			return nil
		}

		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorReferenceTaken {
			lastErr = err
			s.logger(ctx, "order.reference.collision", map[string]any{
				"reference": reference,
				"attempt":   attempt + 1,
			})
			continue
		}
		return s.mapRepositoryError(err)
	}
	return fmt.Errorf("%w: could not allocate a unique public reference: %v", ErrOrderConflict, lastErr)
}

func (s *orderService) ReconcileWebhook(ctx context.Context, cmd WebhookCommand) (WebhookOutcome, error) {
	provider, err := s.providers.Provider(cmd.Provider)
	if err != nil {
		s.logger(ctx, "webhook.provider.unknown", map[string]any{
			"provider": cmd.Provider,
			"error":    err.Error(),
		})
		return WebhookOutcome{Reason: "unknown_provider"}, nil
	}

	if !provider.VerifyWebhook(cmd.Payload, cmd.Signature) {
		// Authenticity failures are logged, never surfaced to the caller.
		s.logger(ctx, "webhook.signature.invalid", map[string]any{
			"provider": provider.Name(),
		})
		return WebhookOutcome{Reason: "signature_invalid"}, nil
	}

	event, err := provider.ParseWebhookEvent(cmd.Payload)
	if err != nil {
		s.logger(ctx, "webhook.parse.failed", map[string]any{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		return WebhookOutcome{Reason: "parse_failed"}, nil
	}

	outcome := WebhookOutcome{
		Reference:     event.Reference,
		NewStatus:     event.Status,
		TransactionID: event.ProviderTransactionID,
	}

	if event.Status == domain.OrderStatusPendingPayment {
		// Informational provider status; nothing to reconcile.
		outcome.Reason = "status_ignored"
		return outcome, nil
	}

	order, err := s.orders.FindByPublicReference(ctx, event.Reference)
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderNotFound) {
			s.logger(ctx, "webhook.order.unknown", map[string]any{
				"provider":  provider.Name(),
				"reference": event.Reference,
			})
			outcome.Reason = "order_not_found"
			return outcome, nil
		}
		return outcome, mapped
	}
	outcome.PreviousStatus = order.Status

	if !domain.CanTransition(order.Status, event.Status) {
		// Duplicate or late delivery hitting an advanced order; expected traffic.
		s.logger(ctx, "webhook.transition.noop", map[string]any{
			"provider":  provider.Name(),
			"reference": event.Reference,
			"from":      string(order.Status),
			"to":        string(event.Status),
		})
		outcome.Reason = "transition_not_applicable"
		return outcome, nil
	}

	now := s.now()
	update := repositories.StatusUpdate{
		Actor:         "webhook:" + provider.Name(),
		Note:          webhookTransitionNote(event.Status),
		TransactionID: event.ProviderTransactionID,
		Now:           now,
	}

	var updated domain.Order
	if event.Status == domain.OrderStatusPaid {
		// The PAID transition and the stock decrements commit together, so a
		// failure here leaves the order untouched for the provider's retry.
		var shortfalls []repositories.StockShortfall
		updated, shortfalls, err = s.orders.ConfirmPaid(ctx, order.ID, update, stockLines(order))
		if err == nil {
			s.logShortfalls(ctx, updated, shortfalls)
		}
	} else {
		updated, err = s.orders.UpdateStatus(ctx, order.ID, event.Status, update)
	}
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderInvalidState) {
			// A concurrent delivery won the race; absorb as a no-op.
			outcome.Reason = "transition_raced"
			return outcome, nil
		}
		return outcome, mapped
	}
	outcome.Applied = true

	eventType := orderEventStatusChanged
	if event.Status == domain.OrderStatusPaid {
		eventType = orderEventPaid
	}
	s.publishEvent(ctx, OrderEventMessage{
		EventType:      eventType,
		OrderID:        updated.ID,
		Reference:      updated.PublicReference,
		PreviousStatus: order.Status,
		NewStatus:      updated.Status,
		Provider:       provider.Name(),
		TransactionID:  event.ProviderTransactionID,
		OccurredAt:     now,
	})

	return outcome, nil
}

// stockLines maps the order items onto the decrements a payment confirmation
// must apply.
func stockLines(order domain.Order) []repositories.StockDecrement {
	lines := make([]repositories.StockDecrement, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, repositories.StockDecrement{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

// logShortfalls records lines the confirmation skipped for lack of stock.
// Insufficient stock is an operational backorder concern: the customer has
// paid, so the order stays PAID and ops follow up on the warning.
func (s *orderService) logShortfalls(ctx context.Context, order domain.Order, shortfalls []repositories.StockShortfall) {
	for _, short := range shortfalls {
		s.logger(ctx, "order.stock.decrement.skipped", map[string]any{
			"orderId":   order.ID,
			"reference": order.PublicReference,
			"variantId": short.VariantID,
			"requested": short.Requested,
			"available": short.Available,
		})
	}
}

func (s *orderService) GetByReferenceAndPhone(ctx context.Context, reference, phone string) (Order, error) {
	reference = strings.TrimSpace(reference)
	phone = strings.TrimSpace(phone)
	if reference == "" {
		return Order{}, fmt.Errorf("%w: public reference is required", ErrOrderInvalidInput)
	}
	if phone == "" {
		return Order{}, fmt.Errorf("%w: phone is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByPublicReference(ctx, reference)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !samePhone(order.CustomerPhone, phone) {
		// Do not reveal that the reference exists.
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, reference)
	}

	return order, nil
}

func (s *orderService) GetByMagicToken(ctx context.Context, token string) (Order, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Order{}, fmt.Errorf("%w: token is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByMagicToken(ctx, token)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !order.MagicTokenValidAt(s.now()) {
		return Order{}, fmt.Errorf("%w: token expired", ErrOrderNotFound)
	}

	return order, nil
}

func (s *orderService) AdminListOrders(ctx context.Context, filter AdminOrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if !domain.ValidStatus(status) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status: filter.Status,
		Search: strings.TrimSpace(filter.Search),
		Pagination: domain.Pagination{
			PageSize:  filter.PageSize,
			PageToken: strings.TrimSpace(filter.PageToken),
		},
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) AdminGetOrder(ctx context.Context, reference string) (Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Order{}, fmt.Errorf("%w: public reference is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByPublicReference(ctx, reference)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) AdminUpdateStatus(ctx context.Context, cmd AdminStatusUpdateCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !allowedAdminTarget(cmd.Target) {
		return Order{}, fmt.Errorf("%w: target status %q is not allowed on the manual path", ErrOrderInvalidInput, cmd.Target)
	}

	actor := strings.TrimSpace(cmd.Actor)
	if actor == "" {
		actor = "admin"
	}

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	update := repositories.StatusUpdate{
		Actor: actor,
		Note:  strings.TrimSpace(cmd.Note),
		Now:   now,
	}

	var updated domain.Order
	if cmd.Target == domain.OrderStatusPaid {
		var shortfalls []repositories.StockShortfall
		updated, shortfalls, err = s.orders.ConfirmPaid(ctx, orderID, update, stockLines(current))
		if err == nil {
			s.logShortfalls(ctx, updated, shortfalls)
		}
	} else {
		updated, err = s.orders.UpdateStatus(ctx, orderID, cmd.Target, update)
	}
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	eventType := orderEventStatusChanged
	if cmd.Target == domain.OrderStatusPaid {
		eventType = orderEventPaid
	}
	s.publishEvent(ctx, OrderEventMessage{
		EventType:      eventType,
		OrderID:        updated.ID,
		Reference:      updated.PublicReference,
		PreviousStatus: current.Status,
		NewStatus:      updated.Status,
		OccurredAt:     now,
	})

	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorNotFound:
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repositories.OrderErrorReferenceTaken:
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repositories.OrderErrorInvalidTransition:
			return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		case repositories.OrderErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateReference(width int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < width; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := cryptorand.Int(s.rand, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", publicReferencePrefix, width, n.Int64()), nil
}

func (s *orderService) generateMagicToken() (string, error) {
	buf := make([]byte, magicTokenBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":      message.EventType,
			"orderId":   message.OrderID,
			"reference": message.Reference,
			"error":     err.Error(),
		})
	}
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.CustomerName) == "" {
		return fmt.Errorf("%w: customer name is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.CustomerPhone) == "" {
		return fmt.Errorf("%w: customer phone is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.City) == "" {
		return fmt.Errorf("%w: city is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: cart must contain at least one item", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.VariantID) == "" {
			return fmt.Errorf("%w: item %d variant id is required", ErrOrderInvalidInput, i)
		}
		if strings.TrimSpace(item.ProductName) == "" {
			return fmt.Errorf("%w: item %d product name is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
	}
	return nil
}

func allowedAdminTarget(target domain.OrderStatus) bool {
	for _, allowed := range adminStatusTargets {
		if target == allowed {
			return true
		}
	}
	return false
}

func webhookTransitionNote(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusPaid:
		return "payment confirmed by provider"
	case domain.OrderStatusPaymentFailed:
		return "payment declined by provider"
	case domain.OrderStatusCancelled:
		return "payment voided by provider"
	default:
		return "provider notification"
	}
}

func samePhone(a, b string) bool {
	return normalisePhone(a) == normalisePhone(b)
}

func normalisePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
