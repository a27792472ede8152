package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payment-reconciler/internal/config"
)

const (
	defaultBatchSize      = 100
	defaultBatchTimeoutMs = 100
)

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`reconciliation_events_published_total{result="success"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`reconciliation_events_published_total{result="error"}`)
)

// Event is the applied-outcome record published for downstream consumers
// (storefront feed, reporting). It doubles as the audit trail for outcomes
// that leave no row behind, such as a pending re-delivery.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Reference string     `json:"reference"`
	Kind      string     `json:"kind"`
	Outcome   string     `json:"outcome"`
	OrderID   *uuid.UUID `json:"orderId,omitempty"`
	UserID    uuid.UUID  `json:"userId"`
	Applied   bool       `json:"applied"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeoutMs
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Broker.URL),
		Topic:                  cfg.Topic.ReconciliationEvents,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// Publisher writes reconciliation events, best-effort. Publishing failures
// are counted and logged but never fail the webhook: the state transition has
// already been persisted.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(writer *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p.writer == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling reconciliation event", "error", err)
		publishErrorCounter.Inc()
		return
	}

	msg := kafka.Message{
		// Key by reference so all events for one payment stay ordered.
		Key:   []byte(event.Reference),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing reconciliation event", "error", err, "reference", event.Reference)
		publishErrorCounter.Inc()
		return
	}

	publishSuccessCounter.Inc()
}
