package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/services"
)

func newWebhookRouter(h *WebhookHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func TestWebhookHandlersAppliedTransition(t *testing.T) {
	var gotCmd services.WebhookCommand
	svc := &stubOrderService{
		reconcileFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookOutcome, error) {
			gotCmd = cmd
			return services.WebhookOutcome{
				Reference:      "ORD-4821",
				Applied:        true,
				PreviousStatus: domain.OrderStatusPendingPayment,
				NewStatus:      domain.OrderStatusPaid,
			}, nil
		},
	}

	payload := `{"event":"transaction.updated","data":{"transaction":{"reference":"ORD-4821","status":"APPROVED"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(payload))
	req.Header.Set("X-Event-Checksum", "deadbeef")
	rr := httptest.NewRecorder()
	newWebhookRouter(NewWebhookHandlers(svc, "wompi", zap.NewNop())).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotCmd.Provider != "wompi" {
		t.Fatalf("expected default provider wompi, got %q", gotCmd.Provider)
	}
	if gotCmd.Signature != "deadbeef" {
		t.Fatalf("expected checksum signature, got %q", gotCmd.Signature)
	}
	if string(gotCmd.Payload) != payload {
		t.Fatalf("payload altered in transit")
	}

	var body webhookAckPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Received {
		t.Fatalf("expected received ack")
	}
}

func TestWebhookHandlersStripeSignatureSelectsStripe(t *testing.T) {
	var gotCmd services.WebhookCommand
	svc := &stubOrderService{
		reconcileFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookOutcome, error) {
			gotCmd = cmd
			return services.WebhookOutcome{Reason: "status_ignored"}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"type":"checkout.session.completed"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	newWebhookRouter(NewWebhookHandlers(svc, "wompi", zap.NewNop())).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotCmd.Provider != "stripe" {
		t.Fatalf("expected stripe provider, got %q", gotCmd.Provider)
	}
	if gotCmd.Signature != "t=1,v1=abc" {
		t.Fatalf("expected stripe signature, got %q", gotCmd.Signature)
	}
}

func TestWebhookHandlersQueryProviderWins(t *testing.T) {
	var gotProvider string
	svc := &stubOrderService{
		reconcileFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookOutcome, error) {
			gotProvider = cmd.Provider
			return services.WebhookOutcome{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment?provider=Wompi", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	newWebhookRouter(NewWebhookHandlers(svc, "stripe", zap.NewNop())).ServeHTTP(rr, req)

	if gotProvider != "wompi" {
		t.Fatalf("expected query provider to win, got %q", gotProvider)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestWebhookHandlersAlwaysAcksReconcileError(t *testing.T) {
	svc := &stubOrderService{
		reconcileFn: func(context.Context, services.WebhookCommand) (services.WebhookOutcome, error) {
			return services.WebhookOutcome{Reference: "ORD-4821"}, errors.New("firestore unavailable")
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"reference":"ORD-4821"}`))
	rr := httptest.NewRecorder()
	newWebhookRouter(NewWebhookHandlers(svc, "wompi", zap.NewNop())).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 despite failure, got %d", rr.Code)
	}
	var body webhookAckPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Received {
		t.Fatalf("expected received ack")
	}
}

func TestWebhookHandlersAcksEmptyBody(t *testing.T) {
	called := false
	svc := &stubOrderService{
		reconcileFn: func(context.Context, services.WebhookCommand) (services.WebhookOutcome, error) {
			called = true
			return services.WebhookOutcome{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(""))
	rr := httptest.NewRecorder()
	newWebhookRouter(NewWebhookHandlers(svc, "wompi", zap.NewNop())).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if called {
		t.Fatalf("expected empty delivery to be dropped before reconciliation")
	}
}
