package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-reconciler/internal/cache"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/eventstream"
	"payment-reconciler/internal/order"
)

var (
	outcomeSuccessCounter   = metrics.GetOrCreateCounter(`reconcile_outcome_total{outcome="success"}`)
	outcomePendingCounter   = metrics.GetOrCreateCounter(`reconcile_outcome_total{outcome="pending"}`)
	outcomeCancelledCounter = metrics.GetOrCreateCounter(`reconcile_outcome_total{outcome="cancelled"}`)
	outcomeFailedCounter    = metrics.GetOrCreateCounter(`reconcile_outcome_total{outcome="failed"}`)
	outcomeUnhandledCounter = metrics.GetOrCreateCounter(`reconcile_outcome_total{outcome="unhandled"}`)
	duplicateCounter        = metrics.GetOrCreateCounter(`reconcile_duplicate_total`)

	applyDurationHistogram = metrics.GetOrCreateHistogram(`reconcile_apply_duration_milliseconds`)
)

const defaultFailureReason = "payment failed"

// PaymentStore is the subset of the payment repository the machine mutates.
// Every update is a compare-and-swap on the status column: false means the
// record was already terminal and nothing was written.
type PaymentStore interface {
	CompleteTransaction(ctx context.Context, id uuid.UUID, gatewayID *string, rawPayload string) (bool, error)
	CompleteSession(ctx context.Context, id uuid.UUID, gatewayID *string, rawPayload string) (bool, error)
	MarkTransactionPending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSessionPending(ctx context.Context, id uuid.UUID) (bool, error)
	CancelTransaction(ctx context.Context, id uuid.UUID) (bool, error)
	CancelSession(ctx context.Context, id uuid.UUID) (bool, error)
	FailTransaction(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	FailSession(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

type OrderStore interface {
	MarkPaid(ctx context.Context, id uuid.UUID, includePaidAt bool) error
	CascadeCancel(ctx context.Context, orderID, excludeTransactionID uuid.UUID) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID uuid.UUID) error
}

type Materializer interface {
	Materialize(ctx context.Context, session *db.PaymentSessionEntity) (*order.Result, error)
}

type Invalidator interface {
	Invalidate(keys ...string)
}

type Publisher interface {
	Publish(ctx context.Context, event eventstream.Event)
}

// Input carries the webhook-derived values a transition needs.
type Input struct {
	GatewayIDs    []string
	FailureReason string
	RawPayload    []byte
}

// Result reports what applying an outcome did.
type Result struct {
	Outcome   Outcome
	Applied   bool          // a state transition was persisted
	Duplicate bool          // record already terminal, nothing written
	Order     *order.Result // set on session-flow success
	OrderID   uuid.UUID     // order touched by a transaction-flow outcome
}

// Machine applies a canonical outcome to a resolved payment record. It is the
// only writer of record status outside explicit user-initiated actions, which
// is what makes the compare-and-swap status checks sufficient under
// concurrent duplicate delivery.
type Machine struct {
	payments     PaymentStore
	orders       OrderStore
	materializer Materializer
	invalidator  Invalidator
	publisher    Publisher
	logger       *slog.Logger
}

func NewMachine(payments PaymentStore, orders OrderStore, materializer Materializer,
	invalidator Invalidator, publisher Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		payments:     payments,
		orders:       orders,
		materializer: materializer,
		invalidator:  invalidator,
		publisher:    publisher,
		logger:       logger,
	}
}

func (m *Machine) Apply(ctx context.Context, record Record, outcome Outcome, input Input) (*Result, error) {
	start := time.Now()
	defer func() {
		applyDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	var (
		result *Result
		err    error
	)

	switch outcome {
	case OutcomeSuccess:
		outcomeSuccessCounter.Inc()
		result, err = m.applySuccess(ctx, record, input)
	case OutcomePending:
		outcomePendingCounter.Inc()
		result, err = m.applyPending(ctx, record)
	case OutcomeCancelled:
		outcomeCancelledCounter.Inc()
		result, err = m.applyCancelled(ctx, record)
	case OutcomeFailed:
		outcomeFailedCounter.Inc()
		result, err = m.applyFailed(ctx, record, input.FailureReason)
	default:
		outcomeUnhandledCounter.Inc()
		m.logger.InfoContext(ctx, "Unhandled webhook status, no state change", "reference", record.Reference())
		result = &Result{Outcome: OutcomeUnhandled}
	}

	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		duplicateCounter.Inc()
	}

	m.audit(ctx, record, result)
	return result, nil
}

func (m *Machine) applySuccess(ctx context.Context, record Record, input Input) (*Result, error) {
	gatewayID := firstOrNil(input.GatewayIDs)

	if record.Kind == KindTransaction {
		claimed, err := m.payments.CompleteTransaction(ctx, record.ID(), gatewayID, string(input.RawPayload))
		if err != nil {
			return nil, errors.Wrap(err, "completing transaction")
		}
		if !claimed {
			m.logger.InfoContext(ctx, "Transaction already terminal, duplicate success webhook ignored",
				"transactionId", record.ID())
			return &Result{Outcome: OutcomeSuccess, Duplicate: true}, nil
		}

		orderID := record.Transaction.OrderID
		if err := m.markOrderPaid(ctx, orderID); err != nil {
			return nil, errors.Wrap(err, "updating order after settlement")
		}
		m.invalidate(orderID, record.UserID())

		return &Result{Outcome: OutcomeSuccess, Applied: true, OrderID: orderID}, nil
	}

	// Session flow: the completed claim below is the duplicate gate that
	// keeps the materializer at most-once. It must be the record's persisted
	// status, not an external cache: the gateway may redeliver hours later
	// from a different process.
	claimed, err := m.payments.CompleteSession(ctx, record.ID(), gatewayID, string(input.RawPayload))
	if err != nil {
		return nil, errors.Wrap(err, "completing session")
	}
	if !claimed {
		m.logger.InfoContext(ctx, "Session already terminal, duplicate success webhook ignored",
			"sessionId", record.ID())
		return &Result{Outcome: OutcomeSuccess, Duplicate: true}, nil
	}

	materialized, err := m.materializer.Materialize(ctx, record.Session)
	if err != nil {
		return nil, err
	}

	m.invalidate(materialized.OrderID, record.UserID())

	return &Result{Outcome: OutcomeSuccess, Applied: true, Order: materialized, OrderID: materialized.OrderID}, nil
}

// markOrderPaid tolerates schema drift on the paid_at column: a 42703 gets
// one retry with the column omitted instead of failing the reconciliation.
func (m *Machine) markOrderPaid(ctx context.Context, orderID uuid.UUID) error {
	err := m.orders.MarkPaid(ctx, orderID, true)
	if err == nil {
		return nil
	}
	if !db.IsUndefinedColumn(err) {
		return err
	}
	m.logger.WarnContext(ctx, "Order store has no paid_at column, retrying without it", "orderId", orderID)
	return m.orders.MarkPaid(ctx, orderID, false)
}

func (m *Machine) applyPending(ctx context.Context, record Record) (*Result, error) {
	var (
		changed bool
		err     error
	)
	if record.Kind == KindTransaction {
		changed, err = m.payments.MarkTransactionPending(ctx, record.ID())
	} else {
		changed, err = m.payments.MarkSessionPending(ctx, record.ID())
	}
	if err != nil {
		return nil, errors.Wrap(err, "marking record pending")
	}

	// Terminal records stay terminal; a stale pending after completion is a
	// no-op, not a regression.
	return &Result{Outcome: OutcomePending, Applied: changed}, nil
}

func (m *Machine) applyCancelled(ctx context.Context, record Record) (*Result, error) {
	if record.Kind == KindSession {
		cancelled, err := m.payments.CancelSession(ctx, record.ID())
		if err != nil {
			return nil, errors.Wrap(err, "cancelling session")
		}
		return &Result{Outcome: OutcomeCancelled, Applied: cancelled, Duplicate: !cancelled}, nil
	}

	cancelled, err := m.payments.CancelTransaction(ctx, record.ID())
	if err != nil {
		return nil, errors.Wrap(err, "cancelling transaction")
	}
	if !cancelled {
		return &Result{Outcome: OutcomeCancelled, Duplicate: true}, nil
	}

	orderID := record.Transaction.OrderID
	cascaded, err := m.orders.CascadeCancel(ctx, orderID, record.ID())
	if err != nil {
		return nil, errors.Wrap(err, "cascading cancellation to order")
	}
	if cascaded {
		m.invalidate(orderID, record.UserID())
	}

	return &Result{Outcome: OutcomeCancelled, Applied: true, OrderID: orderID}, nil
}

func (m *Machine) applyFailed(ctx context.Context, record Record, reason string) (*Result, error) {
	if reason == "" {
		reason = defaultFailureReason
	}

	if record.Kind == KindSession {
		failed, err := m.payments.FailSession(ctx, record.ID(), reason)
		if err != nil {
			return nil, errors.Wrap(err, "failing session")
		}
		return &Result{Outcome: OutcomeFailed, Applied: failed, Duplicate: !failed}, nil
	}

	failed, err := m.payments.FailTransaction(ctx, record.ID(), reason)
	if err != nil {
		return nil, errors.Wrap(err, "failing transaction")
	}
	if !failed {
		return &Result{Outcome: OutcomeFailed, Duplicate: true}, nil
	}

	// Unconditional propagation. A later success on a sibling retry
	// transaction can race this; accepted risk of the legacy flow.
	orderID := record.Transaction.OrderID
	if err := m.orders.MarkPaymentFailed(ctx, orderID); err != nil {
		return nil, errors.Wrap(err, "propagating failure to order")
	}
	m.invalidate(orderID, record.UserID())

	return &Result{Outcome: OutcomeFailed, Applied: true, OrderID: orderID}, nil
}

func (m *Machine) invalidate(orderID, userID uuid.UUID) {
	if m.invalidator == nil {
		return
	}
	m.invalidator.Invalidate(cache.OrderKey(orderID), cache.UserKey(userID))
}

// audit publishes the applied outcome to the reconciliation event stream.
// Every outcome is appended, including no-op pendings and duplicates.
func (m *Machine) audit(ctx context.Context, record Record, result *Result) {
	if m.publisher == nil {
		return
	}

	event := eventstream.Event{
		ID:        uuid.New(),
		Reference: record.Reference(),
		Kind:      string(record.Kind),
		Outcome:   result.Outcome.String(),
		UserID:    record.UserID(),
		Applied:   result.Applied,
		Timestamp: time.Now(),
	}
	if result.OrderID != uuid.Nil {
		orderID := result.OrderID
		event.OrderID = &orderID
	}

	m.publisher.Publish(ctx, event)
}

func firstOrNil(values []string) *string {
	if len(values) == 0 {
		return nil
	}
	return &values[0]
}
