package payments

import (
	"context"
	"fmt"
	"testing"

	"github.com/geekshop/api/internal/domain"
)

func newTestWompi(t *testing.T) *WompiProvider {
	t.Helper()
	provider, err := NewWompiProvider(WompiConfig{
		PublicKey:       "pub_test_123",
		IntegritySecret: "integrity-secret",
		EventsSecret:    "events-secret",
		RedirectURL:     "https://shop.example.com/orders/confirm",
	})
	if err != nil {
		t.Fatalf("NewWompiProvider returned error: %v", err)
	}
	return provider
}

func wompiEventPayload(txID, status string, amountInCents int64, reference string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "transaction.updated",
		"data": {"transaction": {"id": %q, "status": %q, "amount_in_cents": %d, "reference": %q}},
		"timestamp": 1715000000
	}`, txID, status, amountInCents, reference))
}

func wompiChecksum(txID, status string, amountInCents int64) string {
	return sha256Hex(fmt.Sprintf("%s%s%d%s", txID, status, amountInCents, "events-secret"))
}

func TestWompiCreateSession(t *testing.T) {
	provider := newTestWompi(t)

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		Reference:     "ORD-4821",
		AmountInCents: 15_200_000,
		Currency:      "cop",
		CustomerEmail: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if session.Provider != ProviderWompi {
		t.Fatalf("got provider %q", session.Provider)
	}
	if session.PublicKey != "pub_test_123" {
		t.Fatalf("got public key %q", session.PublicKey)
	}
	if session.Currency != "COP" {
		t.Fatalf("currency should be upper-cased, got %q", session.Currency)
	}

	expected := sha256Hex("ORD-4821" + "15200000" + "COP" + "integrity-secret")
	if session.IntegritySignature != expected {
		t.Fatalf("integrity signature mismatch:\n got %s\nwant %s", session.IntegritySignature, expected)
	}
	if session.RedirectURL != "https://shop.example.com/orders/confirm" {
		t.Fatalf("got redirect %q", session.RedirectURL)
	}
}

func TestWompiCreateSessionValidation(t *testing.T) {
	provider := newTestWompi(t)

	if _, err := provider.CreateSession(context.Background(), SessionRequest{AmountInCents: 100, Currency: "COP"}); err == nil {
		t.Fatalf("expected error for missing reference")
	}
	if _, err := provider.CreateSession(context.Background(), SessionRequest{Reference: "ORD-1", Currency: "COP"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := provider.CreateSession(context.Background(), SessionRequest{Reference: "ORD-1", AmountInCents: 100}); err == nil {
		t.Fatalf("expected error for missing currency")
	}
}

func TestWompiVerifyWebhook(t *testing.T) {
	provider := newTestWompi(t)
	payload := wompiEventPayload("tx-901", "APPROVED", 15_200_000, "ORD-4821")

	if !provider.VerifyWebhook(payload, wompiChecksum("tx-901", "APPROVED", 15_200_000)) {
		t.Fatalf("valid checksum should verify")
	}
	if provider.VerifyWebhook(payload, wompiChecksum("tx-901", "DECLINED", 15_200_000)) {
		t.Fatalf("checksum over different fields should fail")
	}
	if provider.VerifyWebhook(payload, "deadbeef") {
		t.Fatalf("length mismatch should fail, not panic")
	}
	if provider.VerifyWebhook(payload, "") {
		t.Fatalf("empty signature should fail")
	}
	if provider.VerifyWebhook([]byte("{not json"), wompiChecksum("tx-901", "APPROVED", 15_200_000)) {
		t.Fatalf("unparseable payload should fail verification")
	}
}

func TestWompiVerifyWebhookTamperedAmount(t *testing.T) {
	provider := newTestWompi(t)

	// Checksum computed over the original amount no longer matches once the
	// payload amount is altered.
	checksum := wompiChecksum("tx-901", "APPROVED", 15_200_000)
	tampered := wompiEventPayload("tx-901", "APPROVED", 100, "ORD-4821")
	if provider.VerifyWebhook(tampered, checksum) {
		t.Fatalf("tampered amount should fail verification")
	}
}

func TestWompiParseWebhookEvent(t *testing.T) {
	provider := newTestWompi(t)

	cases := []struct {
		providerStatus string
		want           domain.OrderStatus
	}{
		{"APPROVED", domain.OrderStatusPaid},
		{"approved", domain.OrderStatusPaid},
		{"DECLINED", domain.OrderStatusPaymentFailed},
		{"ERROR", domain.OrderStatusPaymentFailed},
		{"VOIDED", domain.OrderStatusCancelled},
		{"PENDING", domain.OrderStatusPendingPayment},
		{"SOMETHING_NEW", domain.OrderStatusPendingPayment},
		{"", domain.OrderStatusPendingPayment},
	}

	for _, tc := range cases {
		event, err := provider.ParseWebhookEvent(wompiEventPayload("tx-1", tc.providerStatus, 5000, "ORD-7777"))
		if err != nil {
			t.Fatalf("ParseWebhookEvent(%q) returned error: %v", tc.providerStatus, err)
		}
		if event.Status != tc.want {
			t.Fatalf("status %q mapped to %q, want %q", tc.providerStatus, event.Status, tc.want)
		}
		if event.Reference != "ORD-7777" {
			t.Fatalf("got reference %q", event.Reference)
		}
		if event.ProviderTransactionID != "tx-1" {
			t.Fatalf("got transaction id %q", event.ProviderTransactionID)
		}
	}

	if _, err := provider.ParseWebhookEvent([]byte("{bad")); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
