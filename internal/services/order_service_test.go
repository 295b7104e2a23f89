package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/geekshop/api/internal/domain"
	"github.com/geekshop/api/internal/payments"
	"github.com/geekshop/api/internal/repositories"
)

type stubOrderRepo struct {
	createFn      func(context.Context, domain.Order) error
	findByIDFn    func(context.Context, string) (domain.Order, error)
	findByRefFn   func(context.Context, string) (domain.Order, error)
	findByTokenFn func(context.Context, string) (domain.Order, error)
	updateFn      func(context.Context, string, domain.OrderStatus, repositories.StatusUpdate) (domain.Order, error)
	confirmFn     func(context.Context, string, repositories.StatusUpdate, []repositories.StockDecrement) (domain.Order, []repositories.StockShortfall, error)
	setSessionFn  func(context.Context, string, repositories.PaymentSessionRecord) error
	listFn        func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Create(ctx context.Context, order domain.Order) error {
	if s.createFn != nil {
		return s.createFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByPublicReference(ctx context.Context, reference string) (domain.Order, error) {
	if s.findByRefFn != nil {
		return s.findByRefFn(ctx, reference)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByMagicToken(ctx context.Context, token string) (domain.Order, error) {
	if s.findByTokenFn != nil {
		return s.findByTokenFn(ctx, token)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus, update repositories.StatusUpdate) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, orderID, target, update)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) ConfirmPaid(ctx context.Context, orderID string, update repositories.StatusUpdate, decrements []repositories.StockDecrement) (domain.Order, []repositories.StockShortfall, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, orderID, update, decrements)
	}
	return domain.Order{}, nil, errors.New("not implemented")
}

func (s *stubOrderRepo) SetPaymentSession(ctx context.Context, orderID string, record repositories.PaymentSessionRecord) error {
	if s.setSessionFn != nil {
		return s.setSessionFn(ctx, orderID, record)
	}
	return nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubStockRepo struct {
	decrementFn func(context.Context, []repositories.StockDecrement, time.Time) ([]domain.VariantStock, error)
	setFn       func(context.Context, string, int, time.Time) (domain.VariantStock, error)
	getFn       func(context.Context, string) (domain.VariantStock, error)
}

func (s *stubStockRepo) DecrementIfAvailable(ctx context.Context, decrements []repositories.StockDecrement, now time.Time) ([]domain.VariantStock, error) {
	if s.decrementFn != nil {
		return s.decrementFn(ctx, decrements, now)
	}
	return nil, nil
}

func (s *stubStockRepo) SetStock(ctx context.Context, variantID string, quantity int, now time.Time) (domain.VariantStock, error) {
	if s.setFn != nil {
		return s.setFn(ctx, variantID, quantity, now)
	}
	return domain.VariantStock{}, nil
}

func (s *stubStockRepo) GetStock(ctx context.Context, variantID string) (domain.VariantStock, error) {
	if s.getFn != nil {
		return s.getFn(ctx, variantID)
	}
	return domain.VariantStock{}, errors.New("not implemented")
}

type stubProvider struct {
	name            string
	createSessionFn func(context.Context, payments.SessionRequest) (*payments.SessionDescriptor, error)
	verifyFn        func([]byte, string) bool
	parseFn         func([]byte) (payments.WebhookEvent, error)
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "wompi"
	}
	return s.name
}

func (s *stubProvider) CreateSession(ctx context.Context, req payments.SessionRequest) (*payments.SessionDescriptor, error) {
	if s.createSessionFn != nil {
		return s.createSessionFn(ctx, req)
	}
	return &payments.SessionDescriptor{
		Provider:      s.Name(),
		Reference:     req.Reference,
		AmountInCents: req.AmountInCents,
		Currency:      req.Currency,
	}, nil
}

func (s *stubProvider) VerifyWebhook(payload []byte, signature string) bool {
	if s.verifyFn != nil {
		return s.verifyFn(payload, signature)
	}
	return true
}

func (s *stubProvider) ParseWebhookEvent(payload []byte) (payments.WebhookEvent, error) {
	if s.parseFn != nil {
		return s.parseFn(payload)
	}
	return payments.WebhookEvent{}, errors.New("not implemented")
}

type stubResolver struct {
	provider payments.Provider
	err      error
}

func (s *stubResolver) Provider(name string) (payments.Provider, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.provider, nil
}

func (s *stubResolver) DefaultProvider() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

type recordingPublisher struct {
	messages []OrderEventMessage
	err      error
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error) {
	p.messages = append(p.messages, message)
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

// zeroReader yields deterministic randomness for tests: every reference is
// all zeros and the magic token is 64 zero characters.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type logRecorder struct {
	events []string
}

func (l *logRecorder) log(_ context.Context, event string, _ map[string]any) {
	l.events = append(l.events, event)
}

func (l *logRecorder) has(event string) bool {
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Orders == nil {
		deps.Orders = &stubOrderRepo{}
	}
	if deps.Providers == nil {
		deps.Providers = &stubResolver{provider: &stubProvider{}}
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "01HZXK3V9T6M2Q" }
	}
	if deps.Rand == nil {
		deps.Rand = zeroReader{}
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func testCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		CustomerName:  "Laura Rios",
		CustomerPhone: "+57 300 111 2233",
		CustomerEmail: "laura@example.com",
		Address:       "Calle 10 # 4-21",
		City:          "Bogota",
		Department:    "Cundinamarca",
		Items: []OrderItemInput{
			{VariantID: "var_001", ProductName: "Star Tee", Quantity: 2, UnitPrice: 70_000},
		},
		RedirectURL: "https://shop.example.com/orders/confirm",
	}
}

func TestCreateOrderChargesFlatShippingBelowThreshold(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	var created domain.Order
	var sessionReq payments.SessionRequest
	repo := &stubOrderRepo{
		createFn: func(_ context.Context, order domain.Order) error {
			created = order
			return nil
		},
	}
	provider := &stubProvider{
		createSessionFn: func(_ context.Context, req payments.SessionRequest) (*payments.SessionDescriptor, error) {
			sessionReq = req
			return &payments.SessionDescriptor{Provider: "wompi", Reference: req.Reference}, nil
		},
	}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: provider},
		Clock:     fixedClock(now),
	})

	confirmation, err := svc.CreateOrder(context.Background(), testCreateCommand())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if created.TotalAmount != 140_000 {
		t.Fatalf("expected subtotal 140000, got %d", created.TotalAmount)
	}
	if created.ShippingCost != 12_000 {
		t.Fatalf("expected flat shipping 12000, got %d", created.ShippingCost)
	}
	if created.Currency != "COP" {
		t.Fatalf("expected COP, got %s", created.Currency)
	}
	if created.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", created.Status)
	}
	if len(created.History) != 1 || created.History[0].Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected one initial history entry, got %+v", created.History)
	}
	if !strings.HasPrefix(created.ID, "ord_") {
		t.Fatalf("expected ord_ id prefix, got %s", created.ID)
	}
	if !strings.HasPrefix(created.PublicReference, "ORD-") || len(created.PublicReference) != len("ORD-")+4 {
		t.Fatalf("expected 4-digit reference, got %s", created.PublicReference)
	}
	if len(created.MagicToken) != 64 {
		t.Fatalf("expected 64-char magic token, got %d chars", len(created.MagicToken))
	}
	if !created.MagicTokenExpiresAt.Equal(now.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected 30-day token expiry, got %s", created.MagicTokenExpiresAt)
	}

	if sessionReq.AmountInCents != (140_000+12_000)*100 {
		t.Fatalf("expected amount in cents %d, got %d", (140_000+12_000)*100, sessionReq.AmountInCents)
	}
	if confirmation.Session == nil || confirmation.Session.Reference != created.PublicReference {
		t.Fatalf("expected session for %s, got %+v", created.PublicReference, confirmation.Session)
	}
}

func TestCreateOrderFreeShippingAtThreshold(t *testing.T) {
	var created domain.Order
	repo := &stubOrderRepo{
		createFn: func(_ context.Context, order domain.Order) error {
			created = order
			return nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	cmd := testCreateCommand()
	cmd.Items = []OrderItemInput{
		{VariantID: "var_002", ProductName: "Galaxy Hoodie", Quantity: 1, UnitPrice: 160_000},
	}

	if _, err := svc.CreateOrder(context.Background(), cmd); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if created.ShippingCost != 0 {
		t.Fatalf("expected free shipping, got %d", created.ShippingCost)
	}
	if created.TotalAmount != 160_000 {
		t.Fatalf("expected subtotal 160000, got %d", created.TotalAmount)
	}
}

func TestCreateOrderWidensReferenceAfterCollisions(t *testing.T) {
	var attempts []string
	repo := &stubOrderRepo{
		createFn: func(_ context.Context, order domain.Order) error {
			attempts = append(attempts, order.PublicReference)
			if len(attempts) <= 3 {
				return repositories.NewOrderError(repositories.OrderErrorReferenceTaken, "reference taken", nil)
			}
			return nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	confirmation, err := svc.CreateOrder(context.Background(), testCreateCommand())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
	for i := 0; i < 3; i++ {
		if len(attempts[i]) != len("ORD-")+4 {
			t.Fatalf("attempt %d expected 4-digit reference, got %s", i+1, attempts[i])
		}
	}
	if len(attempts[3]) != len("ORD-")+5 {
		t.Fatalf("expected 5-digit fallback, got %s", attempts[3])
	}
	if confirmation.Order.PublicReference != attempts[3] {
		t.Fatalf("expected final reference %s, got %s", attempts[3], confirmation.Order.PublicReference)
	}
}

func TestCreateOrderGivesUpAfterSixCollisions(t *testing.T) {
	calls := 0
	repo := &stubOrderRepo{
		createFn: func(_ context.Context, order domain.Order) error {
			calls++
			return repositories.NewOrderError(repositories.OrderErrorReferenceTaken, "reference taken", nil)
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	_, err := svc.CreateOrder(context.Background(), testCreateCommand())
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if calls != 6 {
		t.Fatalf("expected 6 attempts, got %d", calls)
	}
}

func TestCreateOrderValidatesInput(t *testing.T) {
	createCalls := 0
	repo := &stubOrderRepo{
		createFn: func(context.Context, domain.Order) error {
			createCalls++
			return nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	cases := map[string]func(*CreateOrderCommand){
		"missing name":  func(c *CreateOrderCommand) { c.CustomerName = " " },
		"missing phone": func(c *CreateOrderCommand) { c.CustomerPhone = "" },
		"missing city":  func(c *CreateOrderCommand) { c.City = "" },
		"empty cart":    func(c *CreateOrderCommand) { c.Items = nil },
		"zero quantity": func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 },
		"negative price": func(c *CreateOrderCommand) {
			c.Items[0].UnitPrice = -1
		},
	}
	for name, mutate := range cases {
		cmd := testCreateCommand()
		mutate(&cmd)
		if _, err := svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if createCalls != 0 {
		t.Fatalf("expected no persistence on validation failure, got %d creates", createCalls)
	}
}

func TestCreateOrderSurfacesSessionFailure(t *testing.T) {
	createCalls := 0
	repo := &stubOrderRepo{
		createFn: func(context.Context, domain.Order) error {
			createCalls++
			return nil
		},
	}
	provider := &stubProvider{
		createSessionFn: func(context.Context, payments.SessionRequest) (*payments.SessionDescriptor, error) {
			return nil, errors.New("widget endpoint down")
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: provider},
	})

	_, err := svc.CreateOrder(context.Background(), testCreateCommand())
	if !errors.Is(err, ErrPaymentSession) {
		t.Fatalf("expected payment session error, got %v", err)
	}
	if createCalls != 1 {
		t.Fatalf("expected order persisted before session attempt, got %d creates", createCalls)
	}
}

func TestCreateOrderRecordsProviderSessionID(t *testing.T) {
	var recorded repositories.PaymentSessionRecord
	repo := &stubOrderRepo{
		setSessionFn: func(_ context.Context, orderID string, record repositories.PaymentSessionRecord) error {
			recorded = record
			return nil
		},
	}
	provider := &stubProvider{
		name: "stripe",
		createSessionFn: func(_ context.Context, req payments.SessionRequest) (*payments.SessionDescriptor, error) {
			return &payments.SessionDescriptor{
				Provider:    "stripe",
				Reference:   req.Reference,
				SessionID:   "cs_test_123",
				CheckoutURL: "https://checkout.stripe.com/c/pay/cs_test_123",
			}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: provider},
	})

	confirmation, err := svc.CreateOrder(context.Background(), testCreateCommand())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if recorded.SessionID != "cs_test_123" || recorded.Provider != "stripe" {
		t.Fatalf("expected session recorded, got %+v", recorded)
	}
	if confirmation.Order.PaymentSessionID == nil || *confirmation.Order.PaymentSessionID != "cs_test_123" {
		t.Fatalf("expected session id on order, got %+v", confirmation.Order.PaymentSessionID)
	}
}

// memOrderState emulates the transactional guard of the order repository so
// reconciliation tests can exercise duplicate deliveries. A nil stock map
// means every line has stock; confirmErr simulates an aborted transaction.
type memOrderState struct {
	order      domain.Order
	stock      map[string]int
	decrements []repositories.StockDecrement
	confirmErr error
}

func (m *memOrderState) orderRepo() *stubOrderRepo {
	return &stubOrderRepo{
		findByRefFn: func(_ context.Context, reference string) (domain.Order, error) {
			if reference != m.order.PublicReference {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			return m.order, nil
		},
		findByIDFn: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != m.order.ID {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			return m.order, nil
		},
		updateFn: func(_ context.Context, orderID string, target domain.OrderStatus, update repositories.StatusUpdate) (domain.Order, error) {
			if orderID != m.order.ID {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			if !domain.CanTransition(m.order.Status, target) {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidTransition, "illegal transition", nil)
			}
			m.order.Status = target
			m.order.History = append(m.order.History, domain.StatusHistoryEntry{
				Status: target, Actor: update.Actor, Note: update.Note, CreatedAt: update.Now,
			})
			m.order.UpdatedAt = update.Now
			return m.order, nil
		},
		confirmFn: func(_ context.Context, orderID string, update repositories.StatusUpdate, decs []repositories.StockDecrement) (domain.Order, []repositories.StockShortfall, error) {
			if orderID != m.order.ID {
				return domain.Order{}, nil, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			if !domain.CanTransition(m.order.Status, domain.OrderStatusPaid) {
				return domain.Order{}, nil, repositories.NewOrderError(repositories.OrderErrorInvalidTransition, "illegal transition", nil)
			}
			if m.confirmErr != nil {
				return domain.Order{}, nil, m.confirmErr
			}

			var shortfalls []repositories.StockShortfall
			for _, dec := range decs {
				if m.stock != nil {
					available := m.stock[dec.VariantID]
					if available < dec.Quantity {
						shortfalls = append(shortfalls, repositories.StockShortfall{
							VariantID: dec.VariantID,
							Requested: dec.Quantity,
							Available: available,
						})
						continue
					}
					m.stock[dec.VariantID] = available - dec.Quantity
				}
				m.decrements = append(m.decrements, dec)
			}

			m.order.Status = domain.OrderStatusPaid
			m.order.History = append(m.order.History, domain.StatusHistoryEntry{
				Status: domain.OrderStatusPaid, Actor: update.Actor, Note: update.Note, CreatedAt: update.Now,
			})
			m.order.UpdatedAt = update.Now
			return m.order, shortfalls, nil
		},
	}
}

func pendingOrderFixture() domain.Order {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:              "ord_01HZXK3V9T6M2Q",
		PublicReference: "ORD-4821",
		CustomerPhone:   "+573001112233",
		TotalAmount:     140_000,
		ShippingCost:    12_000,
		Currency:        "COP",
		Status:          domain.OrderStatusPendingPayment,
		Items: []domain.OrderItem{
			{VariantID: "var_001", ProductName: "Star Tee", Quantity: 2, PriceAtPurchase: 70_000},
		},
		History: []domain.StatusHistoryEntry{
			{Status: domain.OrderStatusPendingPayment, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func paidWebhookProvider() *stubProvider {
	return &stubProvider{
		parseFn: func([]byte) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				Reference:             "ORD-4821",
				Status:                domain.OrderStatusPaid,
				ProviderTransactionID: "txn-1001",
			}, nil
		},
	}
}

func TestReconcileWebhookPaidDecrementsExactlyOnce(t *testing.T) {
	state := &memOrderState{order: pendingOrderFixture()}
	publisher := &recordingPublisher{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    state.orderRepo(),
		Providers: &stubResolver{provider: paidWebhookProvider()},
		Events:    publisher,
	})

	cmd := WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"}

	outcome, err := svc.ReconcileWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.Applied || outcome.NewStatus != domain.OrderStatusPaid {
		t.Fatalf("expected applied PAID outcome, got %+v", outcome)
	}
	if state.order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order PAID, got %s", state.order.Status)
	}
	if len(state.decrements) != 1 || state.decrements[0].VariantID != "var_001" || state.decrements[0].Quantity != 2 {
		t.Fatalf("expected one decrement of 2 units, got %+v", state.decrements)
	}
	if len(state.order.History) != 2 {
		t.Fatalf("expected exactly one PAID history entry appended, got %d entries", len(state.order.History))
	}
	if state.order.History[1].Actor != "webhook:wompi" {
		t.Fatalf("unexpected history actor %q", state.order.History[1].Actor)
	}

	// Redelivery of the same webhook is absorbed with no second decrement.
	outcome, err = svc.ReconcileWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("redelivered reconcile: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("expected duplicate delivery to be a no-op, got %+v", outcome)
	}
	if outcome.Reason != "transition_not_applicable" {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
	if len(state.decrements) != 1 {
		t.Fatalf("expected no second decrement, got %d", len(state.decrements))
	}
	if len(state.order.History) != 2 {
		t.Fatalf("expected history unchanged, got %d entries", len(state.order.History))
	}

	paidEvents := 0
	for _, msg := range publisher.messages {
		if msg.EventType == "order.paid" {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Fatalf("expected exactly one order.paid event, got %d", paidEvents)
	}
}

func TestReconcileWebhookRejectsBadSignatureWithoutMutation(t *testing.T) {
	lookups := 0
	repo := &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			lookups++
			return domain.Order{}, errors.New("should not be called")
		},
	}
	provider := paidWebhookProvider()
	provider.verifyFn = func([]byte, string) bool { return false }
	logs := &logRecorder{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: provider},
		Logger:    logs.log,
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "tampered"})
	if err != nil {
		t.Fatalf("expected absorbed failure, got %v", err)
	}
	if outcome.Applied || outcome.Reason != "signature_invalid" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if lookups != 0 {
		t.Fatalf("expected no order lookup on bad signature")
	}
	if !logs.has("webhook.signature.invalid") {
		t.Fatalf("expected signature failure logged, got %v", logs.events)
	}
}

func TestReconcileWebhookUnknownReferenceAbsorbed(t *testing.T) {
	repo := &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: paidWebhookProvider()},
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("expected absorbed failure, got %v", err)
	}
	if outcome.Applied || outcome.Reason != "order_not_found" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestReconcileWebhookIgnoresPendingStatus(t *testing.T) {
	lookups := 0
	repo := &stubOrderRepo{
		findByRefFn: func(context.Context, string) (domain.Order, error) {
			lookups++
			return domain.Order{}, errors.New("should not be called")
		},
	}
	provider := &stubProvider{
		parseFn: func([]byte) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{Reference: "ORD-4821", Status: domain.OrderStatusPendingPayment}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    repo,
		Providers: &stubResolver{provider: provider},
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Reason != "status_ignored" || lookups != 0 {
		t.Fatalf("expected informational event ignored, got %+v with %d lookups", outcome, lookups)
	}
}

func TestReconcileWebhookInsufficientStockStaysPaid(t *testing.T) {
	state := &memOrderState{
		order: pendingOrderFixture(),
		stock: map[string]int{"var_001": 1},
	}
	logs := &logRecorder{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    state.orderRepo(),
		Providers: &stubResolver{provider: paidWebhookProvider()},
		Logger:    logs.log,
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected transition applied despite stock exhaustion, got %+v", outcome)
	}
	if state.order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order to stay PAID, got %s", state.order.Status)
	}
	if len(state.decrements) != 0 {
		t.Fatalf("expected short line skipped, got %+v", state.decrements)
	}
	if state.stock["var_001"] != 1 {
		t.Fatalf("expected remaining unit untouched, got %d", state.stock["var_001"])
	}
	if !logs.has("order.stock.decrement.skipped") {
		t.Fatalf("expected skipped decrement warning, got %v", logs.events)
	}
}

func TestReconcileWebhookInfraFailureLeavesOrderRetryable(t *testing.T) {
	state := &memOrderState{
		order:      pendingOrderFixture(),
		confirmErr: errors.New("firestore unavailable"),
	}
	publisher := &recordingPublisher{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    state.orderRepo(),
		Providers: &stubResolver{provider: paidWebhookProvider()},
		Events:    publisher,
	})

	cmd := WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"}

	// A failed confirmation must surface the error and leave the order as it
	// was so the provider's redelivery can retry the whole transition.
	outcome, err := svc.ReconcileWebhook(context.Background(), cmd)
	if err == nil {
		t.Fatalf("expected error from failed confirmation, got %+v", outcome)
	}
	if outcome.Applied {
		t.Fatalf("expected outcome not applied, got %+v", outcome)
	}
	if state.order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected order still PENDING_PAYMENT, got %s", state.order.Status)
	}
	if len(state.decrements) != 0 {
		t.Fatalf("expected no decrements on failure, got %+v", state.decrements)
	}
	if len(publisher.messages) != 0 {
		t.Fatalf("expected no events on failure, got %+v", publisher.messages)
	}

	// Once the backend recovers, the redelivered webhook applies everything.
	state.confirmErr = nil
	outcome, err = svc.ReconcileWebhook(context.Background(), cmd)
	if err != nil {
		t.Fatalf("redelivered reconcile: %v", err)
	}
	if !outcome.Applied || state.order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected redelivery to confirm payment, got %+v / %s", outcome, state.order.Status)
	}
	if len(state.decrements) != 1 || state.decrements[0].Quantity != 2 {
		t.Fatalf("expected the retried decrement applied once, got %+v", state.decrements)
	}
}

func TestReconcileWebhookDeclinedMarksPaymentFailed(t *testing.T) {
	state := &memOrderState{order: pendingOrderFixture()}
	provider := &stubProvider{
		parseFn: func([]byte) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				Reference:             "ORD-4821",
				Status:                domain.OrderStatusPaymentFailed,
				ProviderTransactionID: "txn-2002",
			}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    state.orderRepo(),
		Providers: &stubResolver{provider: provider},
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.Applied || state.order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED, got %+v / %s", outcome, state.order.Status)
	}
	if len(state.decrements) != 0 {
		t.Fatalf("expected no stock mutation on declined payment, got %+v", state.decrements)
	}
}

func TestGetByReferenceAndPhone(t *testing.T) {
	order := pendingOrderFixture()
	repo := &stubOrderRepo{
		findByRefFn: func(_ context.Context, reference string) (domain.Order, error) {
			if reference != order.PublicReference {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			return order, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	// Formatting differences in the phone are tolerated.
	found, err := svc.GetByReferenceAndPhone(context.Background(), "ORD-4821", "+57 300 111 22 33")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != order.ID {
		t.Fatalf("unexpected order %s", found.ID)
	}

	if _, err := svc.GetByReferenceAndPhone(context.Background(), "ORD-4821", "+573009998877"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found on phone mismatch, got %v", err)
	}
}

func TestGetByMagicTokenHonoursExpiry(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	order := pendingOrderFixture()
	order.MagicToken = strings.Repeat("ab", 32)

	repo := &stubOrderRepo{
		findByTokenFn: func(_ context.Context, token string) (domain.Order, error) {
			if token != order.MagicToken {
				return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "order not found", nil)
			}
			return order, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Clock: fixedClock(now)})

	order.MagicTokenExpiresAt = now.Add(time.Hour)
	if _, err := svc.GetByMagicToken(context.Background(), order.MagicToken); err != nil {
		t.Fatalf("expected valid token lookup, got %v", err)
	}

	order.MagicTokenExpiresAt = now.Add(-time.Minute)
	if _, err := svc.GetByMagicToken(context.Background(), order.MagicToken); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected expired token to read as not found, got %v", err)
	}
}

func TestAdminUpdateStatusRestrictsTargets(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{})

	for _, target := range []domain.OrderStatus{domain.OrderStatusPaymentFailed, domain.OrderStatusPendingPayment, domain.OrderStatus("UNKNOWN")} {
		_, err := svc.AdminUpdateStatus(context.Background(), AdminStatusUpdateCommand{
			OrderID: "ord_1",
			Target:  target,
		})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("target %s: expected invalid input, got %v", target, err)
		}
	}
}

func TestAdminUpdateStatusSurfacesIllegalTransition(t *testing.T) {
	state := &memOrderState{order: pendingOrderFixture()}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders: state.orderRepo(),
	})

	// PENDING_PAYMENT cannot jump straight to DELIVERED.
	_, err := svc.AdminUpdateStatus(context.Background(), AdminStatusUpdateCommand{
		OrderID: state.order.ID,
		Target:  domain.OrderStatusDelivered,
		Actor:   "ops@geekshop.co",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if len(state.order.History) != 1 {
		t.Fatalf("expected no history appended on rejection, got %d", len(state.order.History))
	}
}

func TestAdminUpdateStatusToPaidDecrementsAndPublishes(t *testing.T) {
	state := &memOrderState{order: pendingOrderFixture()}
	publisher := &recordingPublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders: state.orderRepo(),
		Events: publisher,
	})

	updated, err := svc.AdminUpdateStatus(context.Background(), AdminStatusUpdateCommand{
		OrderID: state.order.ID,
		Target:  domain.OrderStatusPaid,
		Actor:   "ops@geekshop.co",
		Note:    "manual re-check after provider outage",
	})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID, got %s", updated.Status)
	}
	if len(state.decrements) != 1 {
		t.Fatalf("expected stock decrement on manual confirmation, got %+v", state.decrements)
	}
	if len(publisher.messages) != 1 || publisher.messages[0].EventType != "order.paid" {
		t.Fatalf("expected order.paid event, got %+v", publisher.messages)
	}
}

func TestAdminListOrdersRejectsUnknownStatus(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{})
	_, err := svc.AdminListOrders(context.Background(), AdminOrderListFilter{
		Status: []domain.OrderStatus{"SHIPPING"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAdminListOrdersPassesFilterThrough(t *testing.T) {
	var captured repositories.OrderListFilter
	repo := &stubOrderRepo{
		listFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{pendingOrderFixture()}, NextPageToken: "next"}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	page, err := svc.AdminListOrders(context.Background(), AdminOrderListFilter{
		Status:    []domain.OrderStatus{domain.OrderStatusPaid},
		Search:    " Laura ",
		PageSize:  20,
		PageToken: " token ",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPaid {
		t.Fatalf("unexpected status filter %+v", captured.Status)
	}
	if captured.Search != "Laura" {
		t.Fatalf("unexpected search %q", captured.Search)
	}
	if captured.Pagination.PageSize != 20 || captured.Pagination.PageToken != "token" {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}
	if page.NextPageToken != "next" || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestPublishFailureIsLoggedNotSurfaced(t *testing.T) {
	state := &memOrderState{order: pendingOrderFixture()}
	logs := &logRecorder{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:    state.orderRepo(),
		Providers: &stubResolver{provider: paidWebhookProvider()},
		Events:    &recordingPublisher{err: errors.New("topic unavailable")},
		Logger:    logs.log,
	})

	outcome, err := svc.ReconcileWebhook(context.Background(), WebhookCommand{Provider: "wompi", Payload: []byte(`{}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected applied outcome, got %+v", outcome)
	}
	if !logs.has("order.event.publish.failed") {
		t.Fatalf("expected publish failure logged, got %v", logs.events)
	}
}
