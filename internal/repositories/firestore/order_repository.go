package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/geekshop/api/internal/domain"
	pfirestore "github.com/geekshop/api/internal/platform/firestore"
	"github.com/geekshop/api/internal/repositories"
)

const (
	ordersCollection    = "orders"
	orderRefsCollection = "orderRefs"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderRepository implements repositories.OrderRepository backed by Firestore.
// It shares the stock repository so payment confirmation can update orders and
// variant stock in one transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	refs     *pfirestore.BaseRepository[referenceDocument]
	stock    *StockRepository
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, stock *StockRepository) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	if stock == nil {
		return nil, errors.New("order repository requires stock repository")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	refs := pfirestore.NewBaseRepository[referenceDocument](provider, orderRefsCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders, refs: refs, stock: stock}, nil
}

// Create persists the order and reserves its public reference in one transaction.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order create: id is required", nil)
	}
	reference := strings.TrimSpace(order.PublicReference)
	if reference == "" {
		return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order create: public reference is required", nil)
	}
	if len(order.Items) == 0 {
		return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order create: at least one item is required", nil)
	}

	doc := newOrderDocument(order)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refRef, err := r.refs.DocumentRef(ctx, reference)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}

		if err := tx.Create(refRef, referenceDocument{
			OrderID:   order.ID,
			CreatedAt: doc.CreatedAt,
		}); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewOrderError(repositories.OrderErrorReferenceTaken, fmt.Sprintf("reference %s already reserved", reference), err)
			}
			return err
		}

		if err := tx.Create(orderRef, doc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewOrderError(repositories.OrderErrorReferenceTaken, fmt.Sprintf("order %s already exists", order.ID), err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return wrapOrderError("orders.create", err)
	}
	return nil
}

// FindByID loads a single order by its internal identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order find: id is required", nil)
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return domain.Order{}, wrapOrderError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPublicReference resolves the reference reservation, then loads the order.
func (r *OrderRepository) FindByPublicReference(ctx context.Context, reference string) (domain.Order, error) {
	if r == nil || r.refs == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order find: reference is required", nil)
	}

	refDoc, err := r.refs.Get(ctx, reference)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("reference %s not found", reference), err)
		}
		return domain.Order{}, wrapOrderError("orders.findByReference", err)
	}
	return r.FindByID(ctx, refDoc.Data.OrderID)
}

// FindByMagicToken looks up the single order carrying the supplied token.
func (r *OrderRepository) FindByMagicToken(ctx context.Context, token string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order find: token is required", nil)
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("magicToken", "==", token).Limit(1)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByToken", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, "no order matches token", nil)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateStatus applies a lifecycle transition and appends a history entry atomically.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus, update repositories.StatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: id is required", nil)
	}
	if !domain.ValidStatus(target) {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, fmt.Sprintf("unknown status %s", target), nil)
	}

	now := update.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		current := domain.OrderStatus(doc.Status)
		if !domain.CanTransition(current, target) {
			return repositories.NewOrderError(repositories.OrderErrorInvalidTransition, fmt.Sprintf("cannot transition %s from %s to %s", orderID, current, target), nil)
		}

		doc.Status = string(target)
		doc.UpdatedAt = now
		if txnID := strings.TrimSpace(update.TransactionID); txnID != "" {
			doc.PaymentTransactionID = txnID
		}
		doc.History = append(doc.History, historyDocument{
			Status:    string(target),
			Actor:     strings.TrimSpace(update.Actor),
			Note:      strings.TrimSpace(update.Note),
			CreatedAt: now,
		})

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.updateStatus", err)
	}
	return updated, nil
}

// ConfirmPaid transitions the order to PAID and decrements the stock of every
// line in the same transaction. Lines whose variant is missing or short on
// stock are skipped and reported as shortfalls; any other failure aborts the
// transaction so nothing is committed and a redelivered webhook can retry.
func (r *OrderRepository) ConfirmPaid(ctx context.Context, orderID string, update repositories.StatusUpdate, decrements []repositories.StockDecrement) (domain.Order, []repositories.StockShortfall, error) {
	if r == nil || r.provider == nil || r.stock == nil {
		return domain.Order{}, nil, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, nil, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order confirm: id is required", nil)
	}

	now := update.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		updated    domain.Order
		shortfalls []repositories.StockShortfall
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		shortfalls = shortfalls[:0]

		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		current := domain.OrderStatus(doc.Status)
		if !domain.CanTransition(current, domain.OrderStatusPaid) {
			return repositories.NewOrderError(repositories.OrderErrorInvalidTransition, fmt.Sprintf("cannot transition %s from %s to %s", orderID, current, domain.OrderStatusPaid), nil)
		}

		// Firestore requires every read before the first write, so stock
		// documents are all loaded before the order write below.
		writes := make([]stockWrite, 0, len(decrements))
		for _, dec := range decrements {
			variantID := strings.TrimSpace(dec.VariantID)
			if variantID == "" || dec.Quantity <= 0 {
				return repositories.NewOrderError(repositories.OrderErrorInvalidInput, fmt.Sprintf("order confirm: invalid stock line %q", dec.VariantID), nil)
			}
			ref, stockDoc, err := r.stock.readStock(ctx, tx, variantID)
			if err != nil {
				var stockErr *repositories.StockError
				if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorNotFound {
					shortfalls = append(shortfalls, repositories.StockShortfall{VariantID: variantID, Requested: dec.Quantity})
					continue
				}
				return err
			}
			if stockDoc.Stock < dec.Quantity {
				shortfalls = append(shortfalls, repositories.StockShortfall{VariantID: variantID, Requested: dec.Quantity, Available: stockDoc.Stock})
				continue
			}
			stockDoc.Stock -= dec.Quantity
			stockDoc.UpdatedAt = now
			writes = append(writes, stockWrite{variantID: variantID, ref: ref, doc: stockDoc})
		}

		doc.Status = string(domain.OrderStatusPaid)
		doc.UpdatedAt = now
		if txnID := strings.TrimSpace(update.TransactionID); txnID != "" {
			doc.PaymentTransactionID = txnID
		}
		doc.History = append(doc.History, historyDocument{
			Status:    string(domain.OrderStatusPaid),
			Actor:     strings.TrimSpace(update.Actor),
			Note:      strings.TrimSpace(update.Note),
			CreatedAt: now,
		})

		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, nil, wrapOrderError("orders.confirmPaid", err)
	}
	return updated, shortfalls, nil
}

// SetPaymentSession records the provider checkout session on the order document.
func (r *OrderRepository) SetPaymentSession(ctx context.Context, orderID string, session repositories.PaymentSessionRecord) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: id is required", nil)
	}
	sessionID := strings.TrimSpace(session.SessionID)
	if sessionID == "" {
		return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: session id is required", nil)
	}

	now := session.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := r.orders.Update(ctx, orderID, []firestore.Update{
		{Path: "paymentSessionId", Value: sessionID},
		{Path: "paymentMethod", Value: strings.TrimSpace(session.Provider)},
		{Path: "updatedAt", Value: now},
	})
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return wrapOrderError("orders.setPaymentSession", err)
	}
	return nil
}

// List returns a page of orders for the admin surface, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	var decodedToken *orderPageToken
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tok, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		decodedToken = tok
	}

	// An ORD- prefixed search is an exact reference match; anything else is a
	// customer-name prefix scan, which needs its own ordering for the range
	// filter to be valid.
	search := strings.TrimSpace(filter.Search)
	var searchRef string
	byName := false
	if search != "" {
		if upper := strings.ToUpper(search); strings.HasPrefix(upper, "ORD-") {
			searchRef = upper
		} else {
			byName = true
		}
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			statuses := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				statuses[i] = string(s)
			}
			q = q.Where("status", "in", statuses)
		}
		switch {
		case searchRef != "":
			q = q.Where("publicReference", "==", searchRef)
			q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
			if decodedToken != nil {
				q = q.StartAfter(decodedToken.CreatedAt, decodedToken.ID)
			}
		case byName:
			q = q.Where("customerName", ">=", search).Where("customerName", "<=", search+"\uf8ff")
			q = q.OrderBy("customerName", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
			if decodedToken != nil {
				q = q.StartAfter(decodedToken.Name, decodedToken.ID)
			}
		default:
			q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
			if decodedToken != nil {
				q = q.StartAfter(decodedToken.CreatedAt, decodedToken.ID)
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		token := orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt}
		if byName {
			token.Name = last.CustomerName
		}
		encoded, err := encodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document structures -------------------------------------------------------

type referenceDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	PublicReference string `firestore:"publicReference"`

	CustomerName  string `firestore:"customerName"`
	CustomerPhone string `firestore:"customerPhone"`
	CustomerEmail string `firestore:"customerEmail,omitempty"`
	Address       string `firestore:"address"`
	City          string `firestore:"city"`
	Department    string `firestore:"department,omitempty"`

	TotalAmount  int64  `firestore:"totalAmount"`
	ShippingCost int64  `firestore:"shippingCost"`
	Currency     string `firestore:"currency"`

	Status               string `firestore:"status"`
	PaymentMethod        string `firestore:"paymentMethod,omitempty"`
	PaymentSessionID     string `firestore:"paymentSessionId,omitempty"`
	PaymentTransactionID string `firestore:"paymentTransactionId,omitempty"`

	MagicToken          string    `firestore:"magicToken"`
	MagicTokenExpiresAt time.Time `firestore:"magicTokenExpiresAt"`

	Items   []orderItemDocument `firestore:"items"`
	History []historyDocument   `firestore:"history"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type orderItemDocument struct {
	VariantID       string `firestore:"variantId"`
	ProductName     string `firestore:"productName"`
	Quantity        int    `firestore:"qty"`
	PriceAtPurchase int64  `firestore:"priceAtPurchase"`
	Size            string `firestore:"size,omitempty"`
	Color           string `firestore:"color,omitempty"`
	ImageURL        string `firestore:"imageUrl,omitempty"`
}

type historyDocument struct {
	Status    string    `firestore:"status"`
	Actor     string    `firestore:"actor,omitempty"`
	Note      string    `firestore:"note,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			VariantID:       strings.TrimSpace(item.VariantID),
			ProductName:     strings.TrimSpace(item.ProductName),
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
			Size:            strings.TrimSpace(item.Size),
			Color:           strings.TrimSpace(item.Color),
			ImageURL:        strings.TrimSpace(item.ImageURL),
		}
	}
	history := make([]historyDocument, len(order.History))
	for i, entry := range order.History {
		history[i] = historyDocument{
			Status:    string(entry.Status),
			Actor:     strings.TrimSpace(entry.Actor),
			Note:      strings.TrimSpace(entry.Note),
			CreatedAt: entry.CreatedAt.UTC(),
		}
	}

	sessionID := ""
	if order.PaymentSessionID != nil {
		sessionID = strings.TrimSpace(*order.PaymentSessionID)
	}

	return orderDocument{
		PublicReference:     strings.TrimSpace(order.PublicReference),
		CustomerName:        strings.TrimSpace(order.CustomerName),
		CustomerPhone:       strings.TrimSpace(order.CustomerPhone),
		CustomerEmail:       strings.TrimSpace(order.CustomerEmail),
		Address:             strings.TrimSpace(order.Address),
		City:                strings.TrimSpace(order.City),
		Department:          strings.TrimSpace(order.Department),
		TotalAmount:         order.TotalAmount,
		ShippingCost:        order.ShippingCost,
		Currency:            strings.TrimSpace(order.Currency),
		Status:              string(order.Status),
		PaymentMethod:       strings.TrimSpace(order.PaymentMethod),
		PaymentSessionID:    sessionID,
		MagicToken:          strings.TrimSpace(order.MagicToken),
		MagicTokenExpiresAt: order.MagicTokenExpiresAt.UTC(),
		Items:               items,
		History:             history,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			VariantID:       item.VariantID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
			Size:            item.Size,
			Color:           item.Color,
			ImageURL:        item.ImageURL,
		}
	}
	history := make([]domain.StatusHistoryEntry, len(d.History))
	for i, entry := range d.History {
		history[i] = domain.StatusHistoryEntry{
			Status:    domain.OrderStatus(entry.Status),
			Actor:     entry.Actor,
			Note:      entry.Note,
			CreatedAt: entry.CreatedAt,
		}
	}

	var sessionID *string
	if trimmed := strings.TrimSpace(d.PaymentSessionID); trimmed != "" {
		sessionID = &trimmed
	}

	return domain.Order{
		ID:                  id,
		PublicReference:     d.PublicReference,
		CustomerName:        d.CustomerName,
		CustomerPhone:       d.CustomerPhone,
		CustomerEmail:       d.CustomerEmail,
		Address:             d.Address,
		City:                d.City,
		Department:          d.Department,
		TotalAmount:         d.TotalAmount,
		ShippingCost:        d.ShippingCost,
		Currency:            d.Currency,
		Status:              domain.OrderStatus(d.Status),
		PaymentMethod:       d.PaymentMethod,
		PaymentSessionID:    sessionID,
		MagicToken:          d.MagicToken,
		MagicTokenExpiresAt: d.MagicTokenExpiresAt,
		Items:               items,
		History:             history,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
	// Name carries the customer-name cursor for name-ordered search pages.
	Name string `json:",omitempty"`
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	return pfirestore.WrapError(op, err)
}
