package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-reconciler/internal/config"
)

// Notification events and the admin subscription categories they map to.
const (
	EventOrderCompleted = "order.payment.completed"
	EventPaymentFailed  = "payment.failed"

	CategoryOrders   = "orders"
	CategoryPayments = "payments"
)

const (
	defaultDispatchTimeoutMs = 25_000
	defaultMaxAttempts       = 3
	defaultParallelism       = 100

	backoffBaseDelay = 1 * time.Second
	backoffMaxDelay  = 10 * time.Second
)

var (
	notifySentCounter    = metrics.GetOrCreateCounter(`notification_dispatch_total{result="sent"}`)
	notifyFailedCounter  = metrics.GetOrCreateCounter(`notification_dispatch_total{result="failed"}`)
	notifySkippedCounter = metrics.GetOrCreateCounter(`notification_dispatch_total{result="duplicate_skipped"}`)

	dispatchDurationHistogram = metrics.GetOrCreateHistogram(`notification_dispatch_duration_milliseconds`)
)

// AuditStore is the idempotency ledger gate. Claim returns false for a key
// that is already pending or sent; the dispatcher then skips delivery.
type AuditStore interface {
	Claim(ctx context.Context, key, eventType, recipient string) (bool, error)
	MarkSent(ctx context.Context, key, notificationID string) error
	MarkFailed(ctx context.Context, key, errorMessage string) error
}

type NotificationSender interface {
	Send(ctx context.Context, notification Notification) (string, error)
}

// Request describes one fan-out: a customer recipient (optional) plus the
// admin set resolved from category subscriptions and product assignments.
type Request struct {
	Event       string
	ReferenceID string // order or transaction id, keys the idempotency ledger
	Customer    *Recipient
	ProductIDs  []uuid.UUID
	Data        map[string]any
}

// Dispatcher fans notifications out to customer and admin recipients.
// Delivery is best-effort: failures are retried with backoff, audited, and
// never surface to the webhook response.
type Dispatcher struct {
	audit       AuditStore
	recipients  *RecipientResolver
	sender      NotificationSender
	sem         chan struct{}
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewDispatcher(cfg config.Notification, audit AuditStore, recipients *RecipientResolver,
	sender NotificationSender, logger *slog.Logger) *Dispatcher {
	timeoutMs := cfg.DispatchTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultDispatchTimeoutMs
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	return &Dispatcher{
		audit:       audit,
		recipients:  recipients,
		sender:      sender,
		sem:         make(chan struct{}, parallelism),
		timeout:     time.Duration(timeoutMs) * time.Millisecond,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// DispatchAsync runs the fan-out in the background under the dispatcher's
// hard deadline. The webhook handler calls this after its 200 is already
// decided: the order exists either way, notification is best-effort.
func (d *Dispatcher) DispatchAsync(request Request) {
	go func() {
		// Acquire inside the goroutine: a saturated dispatcher must never
		// block the caller's response path.
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		d.Dispatch(ctx, request)
	}()
}

// Dispatch resolves recipients and delivers to each, gated by the audit
// ledger. Every attempt ends as sent or failed in the ledger, never pending.
func (d *Dispatcher) Dispatch(ctx context.Context, request Request) {
	start := time.Now()
	defer func() {
		dispatchDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	targets := d.targets(ctx, request)

	for _, target := range targets {
		d.deliver(ctx, request, target)
	}
}

type target struct {
	recipient Recipient
	priority  string
}

func (d *Dispatcher) targets(ctx context.Context, request Request) []target {
	var targets []target
	seen := make(map[string]struct{})

	if request.Customer != nil && request.Customer.Email != "" {
		targets = append(targets, target{recipient: *request.Customer, priority: "normal"})
		seen[request.Customer.Email] = struct{}{}
	}

	for _, admin := range d.recipients.Admins(ctx, categoryFor(request.Event), request.ProductIDs) {
		if _, dup := seen[admin.Email]; dup {
			continue
		}
		seen[admin.Email] = struct{}{}
		targets = append(targets, target{recipient: admin, priority: "high"})
	}

	return targets
}

func (d *Dispatcher) deliver(ctx context.Context, request Request, t target) {
	key := IdempotencyKey(request.Event, request.ReferenceID, t.recipient.Email)

	claimed, err := d.audit.Claim(ctx, key, request.Event, t.recipient.Email)
	if err != nil {
		d.logger.ErrorContext(ctx, "Error claiming notification key", "key", key, "error", err)
		return
	}
	if !claimed {
		d.logger.InfoContext(ctx, "Duplicate notification skipped", "key", key)
		notifySkippedCounter.Inc()
		return
	}

	notification := Notification{
		Event:          request.Event,
		RecipientEmail: t.recipient.Email,
		RecipientName:  t.recipient.Name,
		Data:           request.Data,
		Priority:       t.priority,
	}

	notificationID, err := d.sendWithRetry(ctx, notification)
	if err != nil {
		d.logger.ErrorContext(ctx, "Notification delivery failed", "key", key, "error", err)
		notifyFailedCounter.Inc()
		if auditErr := d.audit.MarkFailed(ctx, key, err.Error()); auditErr != nil {
			d.logger.ErrorContext(ctx, "Error recording failed notification", "key", key, "error", auditErr)
		}
		return
	}

	notifySentCounter.Inc()
	if auditErr := d.audit.MarkSent(ctx, key, notificationID); auditErr != nil {
		d.logger.ErrorContext(ctx, "Error recording sent notification", "key", key, "error", auditErr)
	}
}

// sendWithRetry retries transport-layer failures with exponential backoff and
// jitter. Authentication and validation failures from the transport are
// permanent and stop immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, notification Notification) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffBaseDelay
	policy.MaxInterval = backoffMaxDelay

	var notificationID string
	operation := func() error {
		id, err := d.sender.Send(ctx, notification)
		if err != nil {
			var sendErr *SendError
			if errors.As(err, &sendErr) && sendErr.Permanent() {
				return backoff.Permanent(err)
			}
			return err
		}
		notificationID = id
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithMaxRetries(backoff.WithContext(policy, ctx), uint64(d.maxAttempts-1)))
	return notificationID, err
}

func categoryFor(event string) string {
	switch event {
	case EventOrderCompleted:
		return CategoryOrders
	default:
		return CategoryPayments
	}
}
