package db

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"payment-reconciler/internal/db"
	"payment-reconciler/tests/testhelpers"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	payments    *db.PaymentRepository
	orders      *db.OrderRepository
	audit       *db.AuditRepository
	recipients  *db.RecipientRepository
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.payments = db.NewPaymentRepository(pool)
	s.orders = db.NewOrderRepository(pool)
	s.audit = db.NewAuditRepository(pool)
	s.recipients = db.NewRecipientRepository(pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	for _, table := range []string{"order_item", "orders", "payment_transaction", "payment_session",
		"notification_audit_log", "admin_recipient"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s: %s", table, err)
		}
	}
}

func (s *RepositoryTestSuite) createTransaction(reference string, gatewayID *string) *db.PaymentTransactionEntity {
	entity := &db.PaymentTransactionEntity{
		ID:                   uuid.New(),
		OrderID:              uuid.New(),
		UserID:               uuid.New(),
		Amount:               50000,
		Currency:             "TZS",
		Status:               db.StatusProcessing,
		TransactionReference: reference,
		GatewayTransactionID: gatewayID,
		PaymentType:          "mobile_money",
		Provider:             "clickpesa",
		CreatedAt:            time.Now(),
	}
	s.Require().NoError(s.payments.CreateTransaction(s.ctx, entity))
	return entity
}

func (s *RepositoryTestSuite) createSession(reference, orderData string) *db.PaymentSessionEntity {
	entity := &db.PaymentSessionEntity{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		TransactionReference: reference,
		Amount:               50000,
		Currency:             "TZS",
		Provider:             "clickpesa",
		OrderData:            orderData,
		Status:               db.StatusPending,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	s.Require().NoError(s.payments.CreateSession(s.ctx, entity))
	return entity
}

func (s *RepositoryTestSuite) TestFindTransactionByReference() {
	t := s.T()

	created := s.createTransaction("TX100", nil)

	found, err := s.payments.FindTransaction(s.ctx, []string{"TX100"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func (s *RepositoryTestSuite) TestFindTransactionByGatewayID() {
	t := s.T()

	gatewayID := "GW777"
	created := s.createTransaction("TX101", &gatewayID)

	found, err := s.payments.FindTransaction(s.ctx, nil, []string{"GW777"})
	assert.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func (s *RepositoryTestSuite) TestFindTransactionPrefersNewest() {
	t := s.T()

	s.createTransaction("TX102", nil)
	time.Sleep(10 * time.Millisecond)
	newest := s.createTransaction("TX102-b", nil)

	found, err := s.payments.FindTransaction(s.ctx, []string{"TX102", "TX102-b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, newest.ID, found.ID)
}

func (s *RepositoryTestSuite) TestFindTransactionNotFound() {
	t := s.T()

	_, err := s.payments.FindTransaction(s.ctx, []string{"TX-missing"}, nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func (s *RepositoryTestSuite) TestCompleteTransactionIsCompareAndSwap() {
	t := s.T()

	created := s.createTransaction("TX103", nil)
	gatewayID := "GW103"

	claimed, err := s.payments.CompleteTransaction(s.ctx, created.ID, &gatewayID, `{"status":"SUCCESS"}`)
	assert.NoError(t, err)
	assert.True(t, claimed)

	// Second completion must be rejected by the terminal-status guard.
	claimed, err = s.payments.CompleteTransaction(s.ctx, created.ID, &gatewayID, `{"status":"SUCCESS"}`)
	assert.NoError(t, err)
	assert.False(t, claimed)

	stored, err := s.payments.GetTransactionByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, stored.Status)
	assert.Equal(t, gatewayID, *stored.GatewayTransactionID)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotNil(t, stored.WebhookPayload)
}

func (s *RepositoryTestSuite) TestPendingDoesNotRegressTerminal() {
	t := s.T()

	created := s.createTransaction("TX104", nil)

	changed, err := s.payments.FailTransaction(s.ctx, created.ID, "card declined")
	assert.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.payments.MarkTransactionPending(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.False(t, changed)

	stored, err := s.payments.GetTransactionByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusFailed, stored.Status)
	assert.Equal(t, "card declined", *stored.FailureReason)
	assert.NotNil(t, stored.FailedAt)
}

func (s *RepositoryTestSuite) TestCancelSessionIsCompareAndSwap() {
	t := s.T()

	created := s.createSession("TX105", "{}")

	cancelled, err := s.payments.CancelSession(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = s.payments.CancelSession(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.False(t, cancelled)
}

func (s *RepositoryTestSuite) TestForceFailSessionOverridesTerminal() {
	t := s.T()

	created := s.createSession("TX106", "{}")

	claimed, err := s.payments.CompleteSession(s.ctx, created.ID, nil, "{}")
	assert.NoError(t, err)
	assert.True(t, claimed)

	err = s.payments.ForceFailSession(s.ctx, created.ID, "order creation failed")
	assert.NoError(t, err)

	stored, err := s.payments.GetSessionByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusFailed, stored.Status)
	assert.Equal(t, "order creation failed", *stored.FailureReason)
}

func (s *RepositoryTestSuite) TestCascadeCancelSkipsSettledOrders() {
	t := s.T()

	orderEntity := &db.OrderEntity{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Status:   db.StatusPending,
		Amount:   50000,
		Currency: "TZS",
	}
	s.Require().NoError(s.orders.Create(s.ctx, orderEntity))

	cancelled := s.createTransaction("TX107", nil)
	_, err := s.pool.Exec(s.ctx, "UPDATE payment_transaction SET order_id = $1 WHERE id = $2",
		orderEntity.ID, cancelled.ID)
	s.Require().NoError(err)

	// A completed sibling on the same order blocks the cascade.
	sibling := s.createTransaction("TX108", nil)
	_, err = s.pool.Exec(s.ctx, "UPDATE payment_transaction SET order_id = $1, status = 'completed' WHERE id = $2",
		orderEntity.ID, sibling.ID)
	s.Require().NoError(err)

	changed, err := s.orders.CascadeCancel(s.ctx, orderEntity.ID, cancelled.ID)
	assert.NoError(t, err)
	assert.False(t, changed)

	stored, err := s.orders.GetByID(s.ctx, orderEntity.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusPending, stored.Status)
}

func (s *RepositoryTestSuite) TestCascadeCancelWithNoLiveSiblings() {
	t := s.T()

	orderEntity := &db.OrderEntity{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Status:   db.StatusPending,
		Amount:   50000,
		Currency: "TZS",
	}
	s.Require().NoError(s.orders.Create(s.ctx, orderEntity))

	cancelled := s.createTransaction("TX109", nil)
	_, err := s.pool.Exec(s.ctx, "UPDATE payment_transaction SET order_id = $1 WHERE id = $2",
		orderEntity.ID, cancelled.ID)
	s.Require().NoError(err)

	changed, err := s.orders.CascadeCancel(s.ctx, orderEntity.ID, cancelled.ID)
	assert.NoError(t, err)
	assert.True(t, changed)

	stored, err := s.orders.GetByID(s.ctx, orderEntity.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, stored.Status)
	assert.Equal(t, db.PaymentStatusCancelled, stored.PaymentStatus)
}

func (s *RepositoryTestSuite) TestMarkPaidStampsPaidAt() {
	t := s.T()

	orderEntity := &db.OrderEntity{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Status:   db.StatusPending,
		Amount:   50000,
		Currency: "TZS",
	}
	s.Require().NoError(s.orders.Create(s.ctx, orderEntity))

	err := s.orders.MarkPaid(s.ctx, orderEntity.ID, true)
	assert.NoError(t, err)

	stored, err := s.orders.GetByID(s.ctx, orderEntity.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.StatusProcessing, stored.Status)
	assert.Equal(t, db.PaymentStatusPaid, stored.PaymentStatus)
	assert.NotNil(t, stored.PaidAt)
	assert.WithinDuration(t, time.Now(), *stored.PaidAt, time.Minute)
}

func (s *RepositoryTestSuite) TestAuditClaimBlocksDuplicates() {
	t := s.T()

	key := "order.payment.completed:order-1:user@example.com"

	claimed, err := s.audit.Claim(s.ctx, key, "order.payment.completed", "user@example.com")
	assert.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.audit.Claim(s.ctx, key, "order.payment.completed", "user@example.com")
	assert.NoError(t, err)
	assert.False(t, claimed)
}

func (s *RepositoryTestSuite) TestAuditSentKeyStaysSent() {
	t := s.T()

	key := "order.payment.completed:order-2:user@example.com"

	claimed, err := s.audit.Claim(s.ctx, key, "order.payment.completed", "user@example.com")
	assert.NoError(t, err)
	assert.True(t, claimed)

	assert.NoError(t, s.audit.MarkSent(s.ctx, key, "ntf-1"))

	claimed, err = s.audit.Claim(s.ctx, key, "order.payment.completed", "user@example.com")
	assert.NoError(t, err)
	assert.False(t, claimed)

	entity, err := s.audit.GetByKey(s.ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, db.NotificationSent, entity.Status)
	assert.Equal(t, "ntf-1", *entity.NotificationID)
}

func (s *RepositoryTestSuite) TestAuditFailedKeyIsReclaimable() {
	t := s.T()

	key := "payment.failed:tx-1:admin@example.com"

	claimed, err := s.audit.Claim(s.ctx, key, "payment.failed", "admin@example.com")
	assert.NoError(t, err)
	assert.True(t, claimed)

	assert.NoError(t, s.audit.MarkFailed(s.ctx, key, "connection refused"))

	claimed, err = s.audit.Claim(s.ctx, key, "payment.failed", "admin@example.com")
	assert.NoError(t, err)
	assert.True(t, claimed)
}

func (s *RepositoryTestSuite) TestRecipientsByCategoryAndProduct() {
	t := s.T()

	productID := uuid.New()

	s.Require().NoError(s.recipients.Create(s.ctx, &db.AdminRecipientEntity{
		ID:         uuid.New(),
		Email:      "orders@example.com",
		Categories: []string{"orders"},
	}))
	s.Require().NoError(s.recipients.Create(s.ctx, &db.AdminRecipientEntity{
		ID:         uuid.New(),
		Email:      "catchall@example.com",
		Categories: []string{"all"},
	}))
	s.Require().NoError(s.recipients.Create(s.ctx, &db.AdminRecipientEntity{
		ID:         uuid.New(),
		Email:      "vendor@example.com",
		Categories: []string{"payments"},
		ProductIDs: []uuid.UUID{productID},
	}))

	found, err := s.recipients.FindForEvent(s.ctx, "orders", []uuid.UUID{productID})
	assert.NoError(t, err)

	emails := make([]string, 0, len(found))
	for _, r := range found {
		emails = append(emails, r.Email)
	}
	assert.ElementsMatch(t, []string{"orders@example.com", "catchall@example.com", "vendor@example.com"}, emails)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
