package order

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-reconciler/internal/db"
)

// ErrMalformedSnapshot marks a snapshot that can never materialize. The
// handler answers 200 for it: gateway retries cannot fix a malformed payload.
var ErrMalformedSnapshot = errors.New("malformed order snapshot")

const failureReason = "order creation failed"

// Snapshot is the held cart produced by checkout and consumed verbatim here.
type Snapshot struct {
	Items           []SnapshotItem `json:"items"`
	ShippingAddress string         `json:"shipping_address"`
	ContactPhone    string         `json:"contact_phone"`
	Email           string         `json:"email"`
	FirstName       string         `json:"first_name"`
	LastName        string         `json:"last_name"`
	City            string         `json:"city"`
	Country         string         `json:"country"`
	PaymentMethod   string         `json:"payment_method"`
	Notes           string         `json:"notes"`
}

type SnapshotItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Price     int64     `json:"price"`
}

// Result carries what the notification dispatcher needs about the new order.
type Result struct {
	OrderID    uuid.UUID
	ItemCount  int
	Email      string
	FirstName  string
	LastName   string
	ProductIDs []uuid.UUID
	Amount     int64
	Currency   string
}

// Materializer turns a completed payment session into an Order with items,
// plus a completed transaction record for reporting parity with the legacy
// flow. Callers guarantee at-most-once invocation per session; no idempotency
// check happens here.
type Materializer struct {
	orders   *db.OrderRepository
	payments *db.PaymentRepository
	logger   *slog.Logger
}

func NewMaterializer(orders *db.OrderRepository, payments *db.PaymentRepository, logger *slog.Logger) *Materializer {
	return &Materializer{orders: orders, payments: payments, logger: logger}
}

func (m *Materializer) Materialize(ctx context.Context, session *db.PaymentSessionEntity) (*Result, error) {
	snapshot, err := parseSnapshot(session.OrderData)
	if err != nil {
		m.logger.ErrorContext(ctx, "Order snapshot is malformed", "sessionId", session.ID, "error", err)
		m.failSession(ctx, session.ID)
		return nil, err
	}

	now := time.Now()
	orderEntity := &db.OrderEntity{
		ID:              uuid.New(),
		UserID:          session.UserID,
		Status:          db.StatusProcessing,
		PaymentStatus:   db.PaymentStatusPaid,
		Amount:          session.Amount,
		Currency:        session.Currency,
		ShippingAddress: snapshot.ShippingAddress,
		ContactPhone:    snapshot.ContactPhone,
		Email:           snapshot.Email,
		FirstName:       snapshot.FirstName,
		LastName:        snapshot.LastName,
		City:            snapshot.City,
		Country:         snapshot.Country,
		PaymentMethod:   snapshot.PaymentMethod,
		Notes:           snapshot.Notes,
		PaidAt:          &now,
		CreatedAt:       now,
	}

	if err := m.orders.Create(ctx, orderEntity); err != nil {
		m.failSession(ctx, session.ID)
		return nil, errors.Wrap(err, "creating order")
	}

	productIDs := make([]uuid.UUID, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		entity := &db.OrderItemEntity{
			ID:        uuid.New(),
			OrderID:   orderEntity.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
		if err := m.orders.CreateItem(ctx, entity); err != nil {
			// Compensating delete: no multi-table transaction is assumed
			// available, so a half-written order must not survive.
			if deleteErr := m.orders.Delete(ctx, orderEntity.ID); deleteErr != nil {
				m.logger.ErrorContext(ctx, "Compensating order delete failed", "orderId", orderEntity.ID, "error", deleteErr)
			}
			m.failSession(ctx, session.ID)
			return nil, errors.Wrap(err, "creating order items")
		}
		productIDs = append(productIDs, item.ProductID)
	}

	transaction := &db.PaymentTransactionEntity{
		ID:                   uuid.New(),
		OrderID:              orderEntity.ID,
		UserID:               session.UserID,
		Amount:               session.Amount,
		Currency:             session.Currency,
		Status:               db.StatusCompleted,
		TransactionReference: session.TransactionReference,
		GatewayTransactionID: session.GatewayTransactionID,
		PaymentType:          session.Provider,
		Provider:             session.Provider,
		CreatedAt:            now,
		CompletedAt:          &now,
	}
	if err := m.payments.CreateTransaction(ctx, transaction); err != nil {
		// The order itself is correct; losing the reporting record is not
		// worth undoing a paid order.
		m.logger.ErrorContext(ctx, "Could not create reporting transaction for order", "orderId", orderEntity.ID, "error", err)
	}

	m.logger.InfoContext(ctx, "Order materialized from session",
		"sessionId", session.ID, "orderId", orderEntity.ID, "items", len(snapshot.Items))

	return &Result{
		OrderID:    orderEntity.ID,
		ItemCount:  len(snapshot.Items),
		Email:      snapshot.Email,
		FirstName:  snapshot.FirstName,
		LastName:   snapshot.LastName,
		ProductIDs: productIDs,
		Amount:     session.Amount,
		Currency:   session.Currency,
	}, nil
}

func (m *Materializer) failSession(ctx context.Context, sessionID uuid.UUID) {
	if err := m.payments.ForceFailSession(ctx, sessionID, failureReason); err != nil {
		m.logger.ErrorContext(ctx, "Could not mark session failed", "sessionId", sessionID, "error", err)
	}
}

func parseSnapshot(orderData string) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(orderData), &snapshot); err != nil {
		return nil, errors.Wrapf(ErrMalformedSnapshot, "decoding order data: %v", err)
	}
	if len(snapshot.Items) == 0 {
		return nil, errors.Wrap(ErrMalformedSnapshot, "snapshot has no items")
	}
	for _, item := range snapshot.Items {
		if item.ProductID == uuid.Nil || item.Quantity <= 0 {
			return nil, errors.Wrap(ErrMalformedSnapshot, "snapshot item missing product or quantity")
		}
	}
	return &snapshot, nil
}
