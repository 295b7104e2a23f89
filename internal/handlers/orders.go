package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geekshop/api/internal/payments"
	"github.com/geekshop/api/internal/platform/httpx"
	"github.com/geekshop/api/internal/services"
)

const (
	maxCreateOrderBodySize = 64 * 1024

	lookupRateLimit  = 30
	lookupRateWindow = time.Minute
)

// OrderHandlers exposes the public storefront order endpoints. None of them
// require authentication; lookups are gated by the phone check or the magic
// token instead.
type OrderHandlers struct {
	orders        services.OrderService
	createMW      []func(http.Handler) http.Handler
	lookupLimiter rateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance. Middlewares passed
// here wrap only the create endpoint, which is where idempotency keys apply.
func NewOrderHandlers(orders services.OrderService, createMiddlewares ...func(http.Handler) http.Handler) *OrderHandlers {
	return &OrderHandlers{
		orders:        orders,
		createMW:      createMiddlewares,
		lookupLimiter: newFixedWindowLimiter(lookupRateLimit, lookupRateWindow, nil),
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.createMW...).Post("/", h.createOrder)
	r.Get("/token/{token}", h.getOrderByToken)
	r.Get("/{reference}/{phone}", h.getOrderByReferenceAndPhone)
}

type createOrderItemRequest struct {
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Size        string `json:"size,omitempty"`
	Color       string `json:"color,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type createOrderRequest struct {
	CustomerName  string                   `json:"customer_name"`
	CustomerPhone string                   `json:"customer_phone"`
	CustomerEmail string                   `json:"customer_email"`
	Address       string                   `json:"address"`
	City          string                   `json:"city"`
	Department    string                   `json:"department"`
	Items         []createOrderItemRequest `json:"items"`
	Provider      string                   `json:"provider"`
	RedirectURL   string                   `json:"redirect_url"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCreateOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Address:       strings.TrimSpace(req.Address),
		City:          strings.TrimSpace(req.City),
		Department:    strings.TrimSpace(req.Department),
		Provider:      strings.TrimSpace(req.Provider),
		RedirectURL:   strings.TrimSpace(req.RedirectURL),
		Items:         make([]services.OrderItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			VariantID:   strings.TrimSpace(item.VariantID),
			ProductName: strings.TrimSpace(item.ProductName),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Size:        strings.TrimSpace(item.Size),
			Color:       strings.TrimSpace(item.Color),
			ImageURL:    strings.TrimSpace(item.ImageURL),
		})
	}

	confirmation, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := createOrderResponse{
		Order:      buildOrderPayload(confirmation.Order),
		MagicToken: confirmation.Order.MagicToken,
	}
	if confirmation.Session != nil {
		session := buildPaymentSessionPayload(*confirmation.Session)
		response.PaymentSession = &session
	}
	writeJSONResponse(w, http.StatusCreated, response)
}

func (h *OrderHandlers) getOrderByToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "token is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByMagicToken(ctx, token)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByReferenceAndPhone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.lookupLimiter != nil && !h.lookupLimiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many lookup attempts, retry later", http.StatusTooManyRequests))
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	phone := strings.TrimSpace(chi.URLParam(r, "phone"))
	if reference == "" || phone == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reference and phone are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByReferenceAndPhone(ctx, reference, phone)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type createOrderResponse struct {
	Order          orderPayload           `json:"order"`
	MagicToken     string                 `json:"magic_token"`
	PaymentSession *paymentSessionPayload `json:"payment_session,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

// orderPayload is the customer-facing order shape. It deliberately omits the
// status history: entries carry operator and webhook actor identities that are
// admin-only detail.
type orderPayload struct {
	ID               string             `json:"id"`
	PublicReference  string             `json:"public_reference"`
	Status           string             `json:"status"`
	CustomerName     string             `json:"customer_name"`
	CustomerPhone    string             `json:"customer_phone"`
	CustomerEmail    string             `json:"customer_email,omitempty"`
	Address          string             `json:"address"`
	City             string             `json:"city"`
	Department       string             `json:"department,omitempty"`
	Subtotal         int64              `json:"subtotal"`
	ShippingCost     int64              `json:"shipping_cost"`
	Total            int64              `json:"total"`
	Currency         string             `json:"currency"`
	PaymentMethod    string             `json:"payment_method,omitempty"`
	PaymentSessionID string             `json:"payment_session_id,omitempty"`
	Items            []orderItemPayload `json:"items"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	VariantID       string `json:"variant_id"`
	ProductName     string `json:"product_name"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
	LineTotal       int64  `json:"line_total"`
	Size            string `json:"size,omitempty"`
	Color           string `json:"color,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
}

type orderHistoryPayload struct {
	Status    string `json:"status"`
	Actor     string `json:"actor,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

type paymentSessionPayload struct {
	Provider           string `json:"provider"`
	PublicKey          string `json:"public_key,omitempty"`
	Reference          string `json:"reference"`
	AmountInCents      int64  `json:"amount_in_cents"`
	Currency           string `json:"currency"`
	IntegritySignature string `json:"integrity_signature,omitempty"`
	RedirectURL        string `json:"redirect_url,omitempty"`
	CheckoutURL        string `json:"checkout_url,omitempty"`
	SessionID          string `json:"session_id,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		PublicReference: strings.TrimSpace(order.PublicReference),
		Status:          strings.TrimSpace(string(order.Status)),
		CustomerName:    strings.TrimSpace(order.CustomerName),
		CustomerPhone:   strings.TrimSpace(order.CustomerPhone),
		CustomerEmail:   strings.TrimSpace(order.CustomerEmail),
		Address:         strings.TrimSpace(order.Address),
		City:            strings.TrimSpace(order.City),
		Department:      strings.TrimSpace(order.Department),
		Subtotal:        order.TotalAmount,
		ShippingCost:    order.ShippingCost,
		Total:           order.Total(),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod:   strings.TrimSpace(order.PaymentMethod),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}

	if order.PaymentSessionID != nil {
		payload.PaymentSessionID = strings.TrimSpace(*order.PaymentSessionID)
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID:       strings.TrimSpace(item.VariantID),
			ProductName:     strings.TrimSpace(item.ProductName),
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
			LineTotal:       item.LineTotal(),
			Size:            strings.TrimSpace(item.Size),
			Color:           strings.TrimSpace(item.Color),
			ImageURL:        strings.TrimSpace(item.ImageURL),
		})
	}

	return payload
}

func buildPaymentSessionPayload(session payments.SessionDescriptor) paymentSessionPayload {
	return paymentSessionPayload{
		Provider:           strings.TrimSpace(session.Provider),
		PublicKey:          strings.TrimSpace(session.PublicKey),
		Reference:          strings.TrimSpace(session.Reference),
		AmountInCents:      session.AmountInCents,
		Currency:           strings.ToUpper(strings.TrimSpace(session.Currency)),
		IntegritySignature: strings.TrimSpace(session.IntegritySignature),
		RedirectURL:        strings.TrimSpace(session.RedirectURL),
		CheckoutURL:        strings.TrimSpace(session.CheckoutURL),
		SessionID:          strings.TrimSpace(session.SessionID),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentSession):
		httpx.WriteError(ctx, w, httpx.NewError("payment_session_failed", "failed to open a payment session for the order", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
