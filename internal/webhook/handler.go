package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/order"
	"payment-reconciler/internal/reconcile"
	"payment-reconciler/internal/signature"
)

const maxBodyBytes = 1 << 20

var (
	receivedCounter     = metrics.GetOrCreateCounter(`webhook_received_total{result="accepted"}`)
	unauthorizedCounter = metrics.GetOrCreateCounter(`webhook_received_total{result="unauthorized"}`)
	unresolvedCounter   = metrics.GetOrCreateCounter(`webhook_received_total{result="unresolved"}`)
	malformedCounter    = metrics.GetOrCreateCounter(`webhook_received_total{result="malformed"}`)
	internalErrCounter  = metrics.GetOrCreateCounter(`webhook_received_total{result="internal_error"}`)
)

// OrderReader supplies order details for transaction-flow notifications.
type OrderReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.OrderEntity, error)
	GetItems(ctx context.Context, orderID uuid.UUID) ([]db.OrderItemEntity, error)
}

type Handler struct {
	verifier   *signature.Verifier
	resolver   *reconcile.Resolver
	machine    *reconcile.Machine
	dispatcher *notify.Dispatcher
	orders     OrderReader
	logger     *slog.Logger
}

func NewHandler(verifier *signature.Verifier, resolver *reconcile.Resolver, machine *reconcile.Machine,
	dispatcher *notify.Dispatcher, orders OrderReader, logger *slog.Logger) *Handler {
	return &Handler{
		verifier:   verifier,
		resolver:   resolver,
		machine:    machine,
		dispatcher: dispatcher,
		orders:     orders,
		logger:     logger,
	}
}

// HandlePaymentWebhook is the inbound gateway callback endpoint. The pipeline
// is verify, resolve, normalize, apply, then best-effort notification
// dispatch decoupled from the response.
func (h *Handler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := logcontext.AppendCtx(r.Context(), slog.String("deliveryId", uuid.New().String()))

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	if !h.authorized(ctx, rawBody, r) {
		unauthorizedCounter.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	event, err := Parse(rawBody)
	if err != nil {
		h.logger.WarnContext(ctx, "Webhook body is not valid JSON", "error", err)
		malformedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	record, err := h.resolver.Resolve(ctx, event.References, event.GatewayIDs)
	if err != nil {
		if errors.Is(err, reconcile.ErrNoMatch) {
			unresolvedCounter.Inc()
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no matching payment record"})
			return
		}
		h.logger.ErrorContext(ctx, "Error resolving webhook reference", "error", err)
		internalErrCounter.Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("reference", record.Reference()), slog.String("kind", string(record.Kind)))

	outcome := Normalize(event.RawStatuses)

	input := reconcile.Input{
		GatewayIDs:    event.GatewayIDs,
		FailureReason: event.FailureReason,
		RawPayload:    event.Raw,
	}

	result, err := h.machine.Apply(ctx, record, outcome, input)
	if err != nil {
		if errors.Is(err, order.ErrMalformedSnapshot) {
			// Terminal business rejection: the session is failed and a
			// gateway retry can never succeed, so stop the retries.
			h.logger.ErrorContext(ctx, "Order materialization rejected malformed snapshot", "error", err)
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		h.logger.ErrorContext(ctx, "Error applying webhook outcome", "error", err)
		internalErrCounter.Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "reconciliation failed"})
		return
	}

	h.notify(ctx, record, result)

	receivedCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// authorized accepts a request when either the HMAC signature or the shared
// API key checks out.
func (h *Handler) authorized(ctx context.Context, rawBody []byte, r *http.Request) bool {
	header := r.Header.Get("x-signature")
	if header == "" {
		header = r.Header.Get("x-webhook-signature")
	}

	if h.verifier.Verify(rawBody, header) {
		return true
	}
	if h.verifier.VerifyAPIKey(r.Header.Get("x-api-key")) {
		h.logger.InfoContext(ctx, "Webhook admitted via API key fallback")
		return true
	}
	return false
}

func (h *Handler) notify(ctx context.Context, record reconcile.Record, result *reconcile.Result) {
	if !result.Applied {
		return
	}

	switch result.Outcome {
	case reconcile.OutcomeSuccess:
		h.dispatcher.DispatchAsync(h.completedRequest(ctx, record, result))
	case reconcile.OutcomeFailed:
		// Session-flow failures have no order; key the ledger on the payment
		// record so distinct failed payments never share a key.
		referenceID := result.OrderID.String()
		if result.OrderID == uuid.Nil {
			referenceID = record.ID().String()
		}
		h.dispatcher.DispatchAsync(notify.Request{
			Event:       notify.EventPaymentFailed,
			ReferenceID: referenceID,
			Data: map[string]any{
				"reference": record.Reference(),
				"kind":      string(record.Kind),
			},
		})
	}
}

func (h *Handler) completedRequest(ctx context.Context, record reconcile.Record, result *reconcile.Result) notify.Request {
	request := notify.Request{
		Event:       notify.EventOrderCompleted,
		ReferenceID: result.OrderID.String(),
	}

	if result.Order != nil {
		request.Customer = &notify.Recipient{
			Email: result.Order.Email,
			Name:  result.Order.FirstName + " " + result.Order.LastName,
		}
		request.ProductIDs = result.Order.ProductIDs
		request.Data = map[string]any{
			"order_id":   result.Order.OrderID.String(),
			"item_count": result.Order.ItemCount,
			"amount":     result.Order.Amount,
			"currency":   result.Order.Currency,
			"reference":  record.Reference(),
		}
		return request
	}

	// Transaction flow: the order pre-exists, read its contact fields.
	orderEntity, err := h.orders.GetByID(ctx, result.OrderID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Could not load order for notification", "orderId", result.OrderID, "error", err)
		request.Data = map[string]any{"order_id": result.OrderID.String(), "reference": record.Reference()}
		return request
	}

	request.Customer = &notify.Recipient{
		Email: orderEntity.Email,
		Name:  orderEntity.FirstName + " " + orderEntity.LastName,
	}
	request.Data = map[string]any{
		"order_id":  orderEntity.ID.String(),
		"amount":    orderEntity.Amount,
		"currency":  orderEntity.Currency,
		"reference": record.Reference(),
	}

	if items, err := h.orders.GetItems(ctx, orderEntity.ID); err == nil {
		for _, item := range items {
			request.ProductIDs = append(request.ProductIDs, item.ProductID)
		}
	}

	return request
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
