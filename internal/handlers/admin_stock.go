package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/geekshop/api/internal/platform/httpx"
	"github.com/geekshop/api/internal/services"
)

const maxRestockBodySize = 4 * 1024

// AdminStockHandlers exposes the back-office inventory endpoints.
type AdminStockHandlers struct {
	stock services.StockService
}

// NewAdminStockHandlers constructs a new AdminStockHandlers instance.
func NewAdminStockHandlers(stock services.StockService) *AdminStockHandlers {
	return &AdminStockHandlers{stock: stock}
}

// Routes registers the /admin stock endpoints.
func (h *AdminStockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/stock/{variantID}", h.getStock)
	r.Put("/stock/{variantID}", h.restock)
}

type variantStockPayload struct {
	VariantID string `json:"variant_id"`
	Stock     int    `json:"stock"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (h *AdminStockHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	stock, err := h.stock.GetStock(ctx, variantID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, variantStockPayload{
		VariantID: stock.VariantID,
		Stock:     stock.Stock,
		UpdatedAt: formatTime(stock.UpdatedAt),
	})
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *AdminStockHandlers) restock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxRestockBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req restockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	updated, err := h.stock.Restock(ctx, services.RestockCommand{
		VariantID: variantID,
		Quantity:  req.Quantity,
		Actor:     adminActor(r),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, variantStockPayload{
		VariantID: updated.VariantID,
		Stock:     updated.Stock,
		UpdatedAt: formatTime(updated.UpdatedAt),
	})
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock record not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
