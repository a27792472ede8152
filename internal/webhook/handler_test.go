package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/order"
	"payment-reconciler/internal/reconcile"
	"payment-reconciler/internal/signature"
)

const testSecret = "whsec_test"

type memStore struct {
	mu          sync.Mutex
	session     *db.PaymentSessionEntity
	transaction *db.PaymentTransactionEntity

	completions int
	pendings    int
	markedPaid  int
}

func (m *memStore) FindTransaction(_ context.Context, refs, gatewayIDs []string) (*db.PaymentTransactionEntity, error) {
	if m.transaction == nil {
		return nil, db.ErrNotFound
	}
	for _, ref := range refs {
		if ref == m.transaction.TransactionReference {
			return m.transaction, nil
		}
	}
	for _, id := range gatewayIDs {
		if m.transaction.GatewayTransactionID != nil && id == *m.transaction.GatewayTransactionID {
			return m.transaction, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) FindSession(_ context.Context, refs, _ []string) (*db.PaymentSessionEntity, error) {
	if m.session == nil {
		return nil, db.ErrNotFound
	}
	for _, ref := range refs {
		if ref == m.session.TransactionReference {
			return m.session, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) CompleteTransaction(_ context.Context, _ uuid.UUID, _ *string, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transaction.Status == db.StatusCompleted {
		return false, nil
	}
	m.transaction.Status = db.StatusCompleted
	m.completions++
	return true, nil
}

func (m *memStore) CompleteSession(_ context.Context, _ uuid.UUID, _ *string, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status == db.StatusCompleted {
		return false, nil
	}
	m.session.Status = db.StatusCompleted
	m.completions++
	return true, nil
}

func (m *memStore) MarkTransactionPending(_ context.Context, _ uuid.UUID) (bool, error) {
	m.pendings++
	return true, nil
}

func (m *memStore) MarkSessionPending(_ context.Context, _ uuid.UUID) (bool, error) {
	m.pendings++
	return true, nil
}

func (m *memStore) CancelTransaction(_ context.Context, _ uuid.UUID) (bool, error) { return true, nil }
func (m *memStore) CancelSession(_ context.Context, _ uuid.UUID) (bool, error)     { return true, nil }
func (m *memStore) FailTransaction(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return true, nil
}
func (m *memStore) FailSession(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return true, nil
}

func (m *memStore) MarkPaid(_ context.Context, _ uuid.UUID, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedPaid++
	return nil
}

func (m *memStore) CascadeCancel(_ context.Context, _, _ uuid.UUID) (bool, error) { return true, nil }
func (m *memStore) MarkPaymentFailed(_ context.Context, _ uuid.UUID) error        { return nil }

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*db.OrderEntity, error) {
	return &db.OrderEntity{ID: id, Email: "user@example.com", FirstName: "Amina", Amount: 50000, Currency: "TZS"}, nil
}

func (m *memStore) GetItems(_ context.Context, _ uuid.UUID) ([]db.OrderItemEntity, error) {
	return nil, nil
}

type stubMaterializer struct {
	result *order.Result
	err    error
	calls  int
}

func (s *stubMaterializer) Materialize(_ context.Context, _ *db.PaymentSessionEntity) (*order.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type memAudit struct {
	mu   sync.Mutex
	sent map[string]string
}

func (a *memAudit) Claim(_ context.Context, key, _, _ string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent == nil {
		a.sent = make(map[string]string)
	}
	_, dup := a.sent[key]
	return !dup, nil
}

func (a *memAudit) MarkSent(_ context.Context, key, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent[key] = id
	return nil
}

func (a *memAudit) MarkFailed(_ context.Context, _, _ string) error { return nil }

type okSender struct{}

func (okSender) Send(_ context.Context, _ notify.Notification) (string, error) { return "ntf-1", nil }

type noAdmins struct{}

func (noAdmins) FindForEvent(_ context.Context, _ string, _ []uuid.UUID) ([]db.AdminRecipientEntity, error) {
	return nil, nil
}

type opsAdmin struct{}

func (opsAdmin) FindForEvent(_ context.Context, _ string, _ []uuid.UUID) ([]db.AdminRecipientEntity, error) {
	return []db.AdminRecipientEntity{{Email: "ops@example.com", Name: "Ops"}}, nil
}

type handlerFixture struct {
	handler      *Handler
	store        *memStore
	materializer *stubMaterializer
	audit        *memAudit
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	return newHandlerFixtureAdmins(t, noAdmins{})
}

func newHandlerFixtureAdmins(t *testing.T, admins notify.AdminSource) *handlerFixture {
	t.Helper()
	logger := slog.Default()

	store := &memStore{}
	materializer := &stubMaterializer{result: &order.Result{
		OrderID:   uuid.New(),
		ItemCount: 2,
		Email:     "user@example.com",
		FirstName: "Amina",
		LastName:  "Hassan",
		Amount:    50000,
		Currency:  "TZS",
	}}
	audit := &memAudit{}

	verifier := signature.NewVerifier(config.Gateway{WebhookSecret: testSecret, ReplayWindowSec: 300}, false, logger)
	resolver := reconcile.NewResolver(store, logger)
	machine := reconcile.NewMachine(store, store, materializer, nil, nil, logger)
	recipients := notify.NewRecipientResolver(admins, nil, logger)
	dispatcher := notify.NewDispatcher(config.Notification{MaxAttempts: 1}, audit, recipients, okSender{}, logger)

	return &handlerFixture{
		handler:      NewHandler(verifier, resolver, machine, dispatcher, store, logger),
		store:        store,
		materializer: materializer,
		audit:        audit,
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(f *handlerFixture, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	f.handler.HandlePaymentWebhook(recorder, req)
	return recorder
}

func TestHandlePaymentWebhook_RejectsBadSignature(t *testing.T) {
	f := newHandlerFixture(t)
	body := []byte(`{"order_id":"TX123","status":"SUCCESS"}`)

	recorder := postWebhook(f, body, map[string]string{"x-signature": "deadbeef"})

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Zero(t, f.store.completions)
}

func TestHandlePaymentWebhook_AcceptsAPIKeyFallback(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.verifier = signature.NewVerifier(
		config.Gateway{WebhookSecret: testSecret, APIKey: "key-1"}, false, slog.Default())
	f.store.session = &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX123", Status: db.StatusPending}

	body := []byte(`{"order_id":"TX123","status":"SUCCESS"}`)
	recorder := postWebhook(f, body, map[string]string{"x-api-key": "key-1"})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, f.materializer.calls)
}

func TestHandlePaymentWebhook_InvalidJSON(t *testing.T) {
	f := newHandlerFixture(t)
	body := []byte(`{"order_id": `)

	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHandlePaymentWebhook_NoMatchingRecord(t *testing.T) {
	f := newHandlerFixture(t)
	body := []byte(`{"order_id":"TX404","status":"SUCCESS"}`)

	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandlePaymentWebhook_UnhandledStatusIsAccepted(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.session = &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX123", Status: db.StatusPending}

	body := []byte(`{"order_id":"TX123","status":"REFUNDED"}`)
	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["received"])

	assert.Zero(t, f.store.completions)
	assert.Zero(t, f.materializer.calls)
}

func TestHandlePaymentWebhook_SessionSuccessMaterializesAndNotifies(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.session = &db.PaymentSessionEntity{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		TransactionReference: "TX123",
		Status:               db.StatusPending,
	}

	body := []byte(`{"order_id":"TX123","transid":"GW999","status":"SUCCESS"}`)
	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, db.StatusCompleted, f.store.session.Status)
	assert.Equal(t, 1, f.materializer.calls)

	key := notify.IdempotencyKey(notify.EventOrderCompleted,
		f.materializer.result.OrderID.String(), "user@example.com")
	require.Eventually(t, func() bool {
		f.audit.mu.Lock()
		defer f.audit.mu.Unlock()
		_, ok := f.audit.sent[key]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlePaymentWebhook_DuplicateSuccessIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.session = &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX123", Status: db.StatusPending}

	body := []byte(`{"order_id":"TX123","status":"SUCCESS"}`)

	first := postWebhook(f, body, map[string]string{"x-signature": sign(body)})
	second := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, f.store.completions)
	assert.Equal(t, 1, f.materializer.calls)
}

func TestHandlePaymentWebhook_TransactionSuccessMarksOrderPaid(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.transaction = &db.PaymentTransactionEntity{
		ID:                   uuid.New(),
		OrderID:              uuid.New(),
		UserID:               uuid.New(),
		TransactionReference: "TX500",
		Status:               db.StatusProcessing,
	}

	body := []byte(`{"reference":"TX500","status":"COMPLETED"}`)
	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, db.StatusCompleted, f.store.transaction.Status)
	assert.Equal(t, 1, f.store.markedPaid)
	assert.Zero(t, f.materializer.calls)
}

func TestHandlePaymentWebhook_DistinctFailedSessionsAlertSeparately(t *testing.T) {
	f := newHandlerFixtureAdmins(t, opsAdmin{})

	first := &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX600", Status: db.StatusPending}
	second := &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX601", Status: db.StatusPending}

	f.store.session = first
	body := []byte(`{"order_id":"TX600","status":"FAILED"}`)
	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})
	assert.Equal(t, http.StatusOK, recorder.Code)

	f.store.session = second
	body = []byte(`{"order_id":"TX601","status":"FAILED"}`)
	recorder = postWebhook(f, body, map[string]string{"x-signature": sign(body)})
	assert.Equal(t, http.StatusOK, recorder.Code)

	// Each failed payment must claim its own ledger key; a shared key would
	// suppress every alert after the first.
	firstKey := notify.IdempotencyKey(notify.EventPaymentFailed, first.ID.String(), "ops@example.com")
	secondKey := notify.IdempotencyKey(notify.EventPaymentFailed, second.ID.String(), "ops@example.com")
	require.Eventually(t, func() bool {
		f.audit.mu.Lock()
		defer f.audit.mu.Unlock()
		_, sentFirst := f.audit.sent[firstKey]
		_, sentSecond := f.audit.sent[secondKey]
		return sentFirst && sentSecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlePaymentWebhook_MalformedSnapshotStillAcknowledged(t *testing.T) {
	f := newHandlerFixture(t)
	f.materializer.err = order.ErrMalformedSnapshot
	f.store.session = &db.PaymentSessionEntity{ID: uuid.New(), TransactionReference: "TX123", Status: db.StatusPending}

	body := []byte(`{"order_id":"TX123","status":"SUCCESS"}`)
	recorder := postWebhook(f, body, map[string]string{"x-signature": sign(body)})

	assert.Equal(t, http.StatusOK, recorder.Code)
}
