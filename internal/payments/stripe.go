package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/geekshop/api/internal/domain"
)

// ProviderStripe is the registry key for the Stripe adapter.
const ProviderStripe = "stripe"

// checkoutSessionCreator is the slice of the Stripe client used by the
// adapter, kept narrow so tests can substitute it.
type checkoutSessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig holds the credentials for the Stripe adapter.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeProvider implements Provider using Stripe hosted Checkout.
type StripeProvider struct {
	cfg      StripeConfig
	sessions checkoutSessionCreator
}

// NewStripeProvider validates the configuration and builds the adapter.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	return &StripeProvider{cfg: cfg, sessions: api.CheckoutSessions}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return ProviderStripe }

// CreateSession opens a hosted Checkout session carrying the order reference
// so the completion webhook can be matched back to the order.
func (p *StripeProvider) CreateSession(_ context.Context, req SessionRequest) (*SessionDescriptor, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, errors.New("stripe: reference is required")
	}
	if req.AmountInCents <= 0 {
		return nil, fmt.Errorf("stripe: amount must be positive, got %d", req.AmountInCents)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, errors.New("stripe: currency is required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(reference),
		SuccessURL:        stripe.String(firstNonEmpty(req.RedirectURL, p.cfg.SuccessURL)),
		CancelURL:         stripe.String(firstNonEmpty(p.cfg.CancelURL, p.cfg.SuccessURL, req.RedirectURL)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(req.AmountInCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Order " + reference),
					},
				},
			},
		},
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	session, err := p.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	return &SessionDescriptor{
		Provider:      ProviderStripe,
		Reference:     reference,
		AmountInCents: req.AmountInCents,
		Currency:      strings.ToUpper(currency),
		CheckoutURL:   session.URL,
		SessionID:     session.ID,
		RedirectURL:   firstNonEmpty(req.RedirectURL, p.cfg.SuccessURL),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header against the payload.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	_, err := webhook.ConstructEvent(payload, signature, p.cfg.WebhookSecret)
	return err == nil
}

type stripeEventObject struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Metadata          struct {
		Reference string `json:"reference"`
	} `json:"metadata"`
}

// ParseWebhookEvent maps Stripe event types onto the order vocabulary.
func (p *StripeProvider) ParseWebhookEvent(payload []byte) (WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode event: %w", err)
	}

	var object stripeEventObject
	if len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode event object: %w", err)
		}
	}

	reference := strings.TrimSpace(object.ClientReferenceID)
	if reference == "" {
		reference = strings.TrimSpace(object.Metadata.Reference)
	}

	return WebhookEvent{
		Reference:             reference,
		Status:                mapStripeEventType(string(event.Type)),
		ProviderTransactionID: strings.TrimSpace(object.ID),
	}, nil
}

func mapStripeEventType(eventType string) domain.OrderStatus {
	switch eventType {
	case "checkout.session.completed":
		return domain.OrderStatusPaid
	case "checkout.session.expired":
		return domain.OrderStatusCancelled
	case "payment_intent.payment_failed":
		return domain.OrderStatusPaymentFailed
	default:
		return domain.OrderStatusPendingPayment
	}
}
