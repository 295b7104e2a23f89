package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geekshop/api/internal/domain"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// SessionRequest captures the order snapshot needed to open a hosted checkout.
type SessionRequest struct {
	Reference     string
	AmountInCents int64
	Currency      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	RedirectURL   string
}

// SessionDescriptor is handed back to the storefront so the provider's widget
// or hosted page can collect the payment.
type SessionDescriptor struct {
	Provider           string
	PublicKey          string
	Reference          string
	AmountInCents      int64
	Currency           string
	IntegritySignature string
	RedirectURL        string
	CheckoutURL        string
	SessionID          string
	CustomerName       string
	CustomerEmail      string
	CustomerPhone      string
}

// WebhookEvent is a provider notification normalised into the order vocabulary.
// Unknown provider statuses degrade to PENDING_PAYMENT rather than an error so
// a parse surprise never crashes reconciliation.
type WebhookEvent struct {
	Reference             string
	Status                domain.OrderStatus
	ProviderTransactionID string
}

// Provider is the contract every payment provider adapter implements.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*SessionDescriptor, error)
	VerifyWebhook(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte) (WebhookEvent, error)
}

// Manager holds the configured provider registry. Registration problems are
// surfaced at construction so a misconfigured provider fails startup instead
// of the first checkout.
type Manager struct {
	providers map[string]Provider
	def       string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when the caller does not name one.
func WithDefaultProvider(name string) ManagerOption {
	return func(m *Manager) {
		m.def = strings.ToLower(strings.TrimSpace(name))
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registry := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registered")
		}
		key := strings.ToLower(strings.TrimSpace(p.Name()))
		if key == "" {
			return nil, errors.New("payments: provider with empty name registered")
		}
		if _, exists := registry[key]; exists {
			return nil, fmt.Errorf("payments: duplicate provider registration for %q", key)
		}
		registry[key] = p
	}

	m := &Manager{providers: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.def == "" && len(registry) == 1 {
		for key := range registry {
			m.def = key
		}
	}
	if m.def != "" {
		if _, ok := registry[m.def]; !ok {
			return nil, fmt.Errorf("%w: default provider %q not registered", ErrUnsupportedProvider, m.def)
		}
	}
	return m, nil
}

// Provider resolves the named provider, falling back to the default when the
// name is empty.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = m.def
	}
	if key == "" {
		return nil, ErrUnsupportedProvider
	}
	p, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	return p, nil
}

// DefaultProvider returns the name of the provider used when none is requested.
func (m *Manager) DefaultProvider() string {
	if m == nil {
		return ""
	}
	return m.def
}
