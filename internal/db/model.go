package db

import (
	"time"

	"github.com/google/uuid"
)

// Record statuses shared by payment transactions and payment sessions.
// Completed, failed and cancelled are terminal: once reached, the webhook
// pipeline never mutates the record again.
const (
	StatusPending              = "pending"
	StatusProcessing           = "processing"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusCancelled            = "cancelled"
	StatusAwaitingVerification = "awaiting_verification"
)

// Order payment statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusPaid      = "paid"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
)

// Notification audit statuses.
const (
	NotificationPending          = "pending"
	NotificationSent             = "sent"
	NotificationFailed           = "failed"
	NotificationDuplicateSkipped = "duplicate_skipped"
)

// PaymentTransactionEntity is the legacy transaction-first flow record: a
// payment attempt tied to a pre-existing order. One order may carry several
// transactions (retries) but at most one reaches completed.
type PaymentTransactionEntity struct {
	ID                   uuid.UUID
	OrderID              uuid.UUID
	UserID               uuid.UUID
	Amount               int64
	Currency             string
	Status               string
	TransactionReference string
	GatewayTransactionID *string
	PaymentType          string
	Provider             string
	FailureReason        *string
	WebhookPayload       *string
	CreatedAt            time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
	CancelledAt          *time.Time
}

// PaymentSessionEntity is the session-first flow record: a payment attempt
// made before any order exists. OrderData holds the serialized cart snapshot
// the order is materialized from on completion.
type PaymentSessionEntity struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	TransactionReference string
	GatewayTransactionID *string
	Amount               int64
	Currency             string
	Provider             string
	OrderData            string
	Status               string
	FailureReason        *string
	WebhookPayload       *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type OrderEntity struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Status          string
	PaymentStatus   string
	Amount          int64
	Currency        string
	ShippingAddress string
	ContactPhone    string
	Email           string
	FirstName       string
	LastName        string
	City            string
	Country         string
	PaymentMethod   string
	Notes           string
	PaidAt          *time.Time
	CreatedAt       time.Time
}

type OrderItemEntity struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	ProductID uuid.UUID
	Quantity  int
	Price     int64
}

// NotificationAuditEntity is the idempotency ledger for outbound
// notifications. NotificationKey is unique; at most one row per key reaches
// sent.
type NotificationAuditEntity struct {
	ID              uuid.UUID
	NotificationKey string
	EventType       string
	Recipient       string
	Status          string
	ErrorMessage    *string
	NotificationID  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AdminRecipientEntity struct {
	ID         uuid.UUID
	Email      string
	Name       string
	Categories []string
	ProductIDs []uuid.UUID
}
