package payments

import (
	"context"
	"fmt"
	"testing"

	stripe "github.com/stripe/stripe-go/v78"

	"github.com/geekshop/api/internal/domain"
)

type stubSessionCreator struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionCreator) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func TestStripeCreateSession(t *testing.T) {
	creator := &stubSessionCreator{
		session: &stripe.CheckoutSession{
			ID:  "cs_test_1",
			URL: "https://checkout.stripe.com/pay/cs_test_1",
		},
	}
	provider := &StripeProvider{
		cfg: StripeConfig{
			APIKey:        "sk_test",
			WebhookSecret: "whsec_test",
			SuccessURL:    "https://shop.example.com/success",
		},
		sessions: creator,
	}

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		Reference:     "ORD-1001",
		AmountInCents: 9_900,
		Currency:      "COP",
		CustomerEmail: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if session.CheckoutURL != "https://checkout.stripe.com/pay/cs_test_1" {
		t.Fatalf("got checkout url %q", session.CheckoutURL)
	}
	if session.SessionID != "cs_test_1" {
		t.Fatalf("got session id %q", session.SessionID)
	}
	if creator.params == nil || creator.params.ClientReferenceID == nil || *creator.params.ClientReferenceID != "ORD-1001" {
		t.Fatalf("client reference id not forwarded")
	}
	if *creator.params.LineItems[0].PriceData.UnitAmount != 9_900 {
		t.Fatalf("unit amount not forwarded")
	}
}

func TestStripeCreateSessionError(t *testing.T) {
	provider := &StripeProvider{
		cfg:      StripeConfig{APIKey: "sk", WebhookSecret: "wh", SuccessURL: "https://x"},
		sessions: &stubSessionCreator{err: fmt.Errorf("boom")},
	}
	if _, err := provider.CreateSession(context.Background(), SessionRequest{Reference: "ORD-1", AmountInCents: 100, Currency: "COP"}); err == nil {
		t.Fatalf("expected error from session creator")
	}
}

func TestStripeParseWebhookEvent(t *testing.T) {
	provider := &StripeProvider{cfg: StripeConfig{APIKey: "sk", WebhookSecret: "wh"}}

	payload := []byte(`{
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_9", "client_reference_id": "ORD-2002"}}
	}`)

	event, err := provider.ParseWebhookEvent(payload)
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	if event.Status != domain.OrderStatusPaid {
		t.Fatalf("got status %q, want PAID", event.Status)
	}
	if event.Reference != "ORD-2002" {
		t.Fatalf("got reference %q", event.Reference)
	}
	if event.ProviderTransactionID != "cs_test_9" {
		t.Fatalf("got transaction id %q", event.ProviderTransactionID)
	}

	expired, err := provider.ParseWebhookEvent([]byte(`{"type": "checkout.session.expired", "data": {"object": {"id": "cs_1"}}}`))
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	if expired.Status != domain.OrderStatusCancelled {
		t.Fatalf("got status %q, want CANCELLED", expired.Status)
	}

	unknown, err := provider.ParseWebhookEvent([]byte(`{"type": "invoice.finalized", "data": {"object": {"id": "in_1"}}}`))
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	if unknown.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("unknown event type should map to PENDING_PAYMENT, got %q", unknown.Status)
	}
}

func TestStripeVerifyWebhookRejectsMissingSignature(t *testing.T) {
	provider := &StripeProvider{cfg: StripeConfig{APIKey: "sk", WebhookSecret: "wh"}}
	if provider.VerifyWebhook([]byte(`{}`), "") {
		t.Fatalf("empty signature should fail")
	}
	if provider.VerifyWebhook([]byte(`{}`), "t=1,v1=bad") {
		t.Fatalf("bad signature should fail")
	}
}
