package payments

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/geekshop/api/internal/domain"
)

// ProviderWompi is the registry key for the Wompi adapter.
const ProviderWompi = "wompi"

// WompiSignatureHeader carries the checksum Wompi attaches to event deliveries.
const WompiSignatureHeader = "X-Event-Checksum"

// WompiConfig holds the credentials and endpoints for the Wompi adapter.
type WompiConfig struct {
	// PublicKey is embedded in the checkout descriptor for the web widget.
	PublicKey string
	// IntegritySecret signs the checkout parameters handed to the widget.
	IntegritySecret string
	// EventsSecret signs inbound webhook deliveries.
	EventsSecret string
	// RedirectURL is where the widget sends the customer after payment.
	RedirectURL string
}

// WompiProvider implements Provider for the Wompi payment platform. Wompi has
// no server-side session endpoint; the checkout widget is parameterised
// client-side and authenticated with an integrity digest.
type WompiProvider struct {
	cfg WompiConfig
}

// NewWompiProvider validates the configuration and builds the adapter.
func NewWompiProvider(cfg WompiConfig) (*WompiProvider, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" {
		return nil, errors.New("wompi: public key is required")
	}
	if strings.TrimSpace(cfg.IntegritySecret) == "" {
		return nil, errors.New("wompi: integrity secret is required")
	}
	if strings.TrimSpace(cfg.EventsSecret) == "" {
		return nil, errors.New("wompi: events secret is required")
	}
	return &WompiProvider{cfg: cfg}, nil
}

// Name implements Provider.
func (p *WompiProvider) Name() string { return ProviderWompi }

// CreateSession builds the widget descriptor for the given order snapshot.
// The integrity signature covers reference, amount and currency so the widget
// can detect tampering in transit.
func (p *WompiProvider) CreateSession(_ context.Context, req SessionRequest) (*SessionDescriptor, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, errors.New("wompi: reference is required")
	}
	if req.AmountInCents <= 0 {
		return nil, fmt.Errorf("wompi: amount must be positive, got %d", req.AmountInCents)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, errors.New("wompi: currency is required")
	}

	signature := sha256Hex(reference + strconv.FormatInt(req.AmountInCents, 10) + currency + p.cfg.IntegritySecret)

	return &SessionDescriptor{
		Provider:           ProviderWompi,
		PublicKey:          p.cfg.PublicKey,
		Reference:          reference,
		AmountInCents:      req.AmountInCents,
		Currency:           currency,
		IntegritySignature: signature,
		RedirectURL:        firstNonEmpty(req.RedirectURL, p.cfg.RedirectURL),
		CustomerName:       req.CustomerName,
		CustomerEmail:      req.CustomerEmail,
		CustomerPhone:      req.CustomerPhone,
	}, nil
}

type wompiEvent struct {
	Event string `json:"event"`
	Data  struct {
		Transaction wompiTransaction `json:"transaction"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type wompiTransaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	AmountInCents int64  `json:"amount_in_cents"`
	Reference     string `json:"reference"`
}

// VerifyWebhook recomputes the event checksum from the payload and compares it
// to the supplied signature in constant time. Any mismatch, including a length
// mismatch or an unparseable payload, is a plain false.
func (p *WompiProvider) VerifyWebhook(payload []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	var event wompiEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return false
	}

	tx := event.Data.Transaction
	expected := sha256Hex(tx.ID + tx.Status + strconv.FormatInt(tx.AmountInCents, 10) + p.cfg.EventsSecret)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// ParseWebhookEvent maps the Wompi transaction status onto the order
// vocabulary. Statuses this adapter does not recognise come back as
// PENDING_PAYMENT so reconciliation treats them as inert.
func (p *WompiProvider) ParseWebhookEvent(payload []byte) (WebhookEvent, error) {
	var event wompiEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("wompi: decode event: %w", err)
	}

	tx := event.Data.Transaction
	return WebhookEvent{
		Reference:             strings.TrimSpace(tx.Reference),
		Status:                mapWompiStatus(tx.Status),
		ProviderTransactionID: strings.TrimSpace(tx.ID),
	}, nil
}

func mapWompiStatus(status string) domain.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "APPROVED":
		return domain.OrderStatusPaid
	case "DECLINED", "ERROR":
		return domain.OrderStatusPaymentFailed
	case "VOIDED":
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusPendingPayment
	}
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
