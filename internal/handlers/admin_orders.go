package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/platform/auth"
	"github.com/geekshop/api/internal/platform/httpx"
	"github.com/geekshop/api/internal/services"
)

const (
	defaultOrderPageSize    = 20
	maxOrderPageSize        = 100
	maxStatusUpdateBodySize = 4 * 1024
)

// AdminOrderHandlers exposes the back-office order endpoints. The admin group
// middleware enforces authentication; handlers read the verified identity from
// the request context to attribute status changes.
type AdminOrderHandlers struct {
	orders services.OrderService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders}
}

// Routes registers the /admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{reference}", h.getOrder)
	r.Patch("/orders/{orderID}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var statuses []domain.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown order status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	page, err := h.orders.AdminListOrders(ctx, services.AdminOrderListFilter{
		Status:    statuses,
		Search:    strings.TrimSpace(query.Get("search")),
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order reference is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdminGetOrder(ctx, reference)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, adminOrderResponse{Order: buildAdminOrderPayload(order)})
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxStatusUpdateBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req updateOrderStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdminUpdateStatus(ctx, services.AdminStatusUpdateCommand{
		OrderID: orderID,
		Target:  target,
		Actor:   adminActor(r),
		Note:    strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, adminOrderResponse{Order: buildAdminOrderPayload(order)})
}

func adminActor(r *http.Request) string {
	identity, ok := auth.ServiceIdentityFromContext(r.Context())
	if !ok || identity == nil {
		return ""
	}
	if email := strings.TrimSpace(identity.Email); email != "" {
		return email
	}
	return strings.TrimSpace(identity.Subject)
}

type adminOrderResponse struct {
	Order adminOrderPayload `json:"order"`
}

// adminOrderPayload extends the customer payload with the status history. The
// history names operators and webhook actors, so only the authenticated admin
// surface gets it.
type adminOrderPayload struct {
	orderPayload
	History []orderHistoryPayload `json:"history,omitempty"`
}

func buildAdminOrderPayload(order services.Order) adminOrderPayload {
	payload := adminOrderPayload{orderPayload: buildOrderPayload(order)}
	if len(order.History) == 0 {
		return payload
	}
	payload.History = make([]orderHistoryPayload, 0, len(order.History))
	for _, entry := range order.History {
		payload.History = append(payload.History, orderHistoryPayload{
			Status:    strings.TrimSpace(string(entry.Status)),
			Actor:     strings.TrimSpace(entry.Actor),
			Note:      strings.TrimSpace(entry.Note),
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	return payload
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID              string `json:"id"`
	PublicReference string `json:"public_reference"`
	Status          string `json:"status"`
	CustomerName    string `json:"customer_name"`
	Currency        string `json:"currency"`
	Total           int64  `json:"total"`
	CreatedAt       string `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:              strings.TrimSpace(order.ID),
		PublicReference: strings.TrimSpace(order.PublicReference),
		Status:          strings.TrimSpace(string(order.Status)),
		CustomerName:    strings.TrimSpace(order.CustomerName),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:           order.Total(),
		CreatedAt:       formatTime(order.CreatedAt),
	}
}
