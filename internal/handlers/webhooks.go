package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/geekshop/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives payment provider notifications. The endpoint always
// answers 2xx once the payload is read; providers treat anything else as a
// delivery failure and retry, and reconciliation already tolerates duplicates.
type WebhookHandlers struct {
	orders          services.OrderService
	defaultProvider string
	logger          *zap.Logger
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(orders services.OrderService, defaultProvider string, logger *zap.Logger) *WebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandlers{
		orders:          orders,
		defaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
		logger:          logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.paymentWebhook)
}

func (h *WebhookHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		h.logger.Warn("webhook body rejected", zap.Error(err))
		writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
		return
	}

	provider := h.resolveProvider(r)
	cmd := services.WebhookCommand{
		Provider:  provider,
		Payload:   body,
		Signature: webhookSignature(r, provider),
	}

	if h.orders == nil {
		h.logger.Error("webhook dropped, order service unavailable", zap.String("provider", provider))
		writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
		return
	}

	outcome, err := h.orders.ReconcileWebhook(ctx, cmd)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			zap.String("provider", provider),
			zap.String("reference", outcome.Reference),
			zap.Error(err))
		writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
		return
	}

	fields := []zap.Field{
		zap.String("provider", provider),
		zap.String("reference", outcome.Reference),
		zap.Bool("applied", outcome.Applied),
	}
	if outcome.Applied {
		fields = append(fields,
			zap.String("previousStatus", string(outcome.PreviousStatus)),
			zap.String("newStatus", string(outcome.NewStatus)))
		h.logger.Info("webhook applied", fields...)
	} else {
		fields = append(fields, zap.String("reason", outcome.Reason))
		h.logger.Info("webhook absorbed", fields...)
	}

	writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
}

// resolveProvider picks the provider adapter for the delivery. An explicit
// query parameter wins; the Stripe signature header identifies Stripe
// deliveries that omit it; anything else falls back to the configured default.
func (h *WebhookHandlers) resolveProvider(r *http.Request) string {
	if name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider"))); name != "" {
		return name
	}
	if strings.TrimSpace(r.Header.Get("Stripe-Signature")) != "" {
		return "stripe"
	}
	return h.defaultProvider
}

func webhookSignature(r *http.Request, provider string) string {
	if provider == "stripe" {
		return strings.TrimSpace(r.Header.Get("Stripe-Signature"))
	}
	if checksum := strings.TrimSpace(r.Header.Get("X-Event-Checksum")); checksum != "" {
		return checksum
	}
	return strings.TrimSpace(r.Header.Get("X-Signature"))
}

type webhookAckPayload struct {
	Received bool `json:"received"`
}
