package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// AuditRepository is the notification idempotency ledger. The
// notification_key column carries a unique constraint; claiming a key is an
// insert that loses cleanly to a concurrent duplicate.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Claim records a pending attempt for the given key. It returns false when
// the key is already held by a pending or sent row, in which case the caller
// short-circuits without attempting delivery. A previously failed attempt may
// be claimed again so redelivery can retry it.
func (r *AuditRepository) Claim(ctx context.Context, key, eventType, recipient string) (bool, error) {
	query := `INSERT INTO notification_audit_log (id, notification_key, event_type, recipient, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', now(), now())
		ON CONFLICT (notification_key) DO UPDATE
			SET status = 'pending', error_message = NULL, updated_at = now()
			WHERE notification_audit_log.status = 'failed'
		RETURNING id`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, uuid.New(), key, eventType, recipient).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "claiming notification key")
	}
	return true, nil
}

func (r *AuditRepository) MarkSent(ctx context.Context, key, notificationID string) error {
	query := `UPDATE notification_audit_log
		SET status = 'sent', notification_id = $2, error_message = NULL, updated_at = now()
		WHERE notification_key = $1`
	_, err := r.pool.Exec(ctx, query, key, notificationID)
	return err
}

func (r *AuditRepository) MarkFailed(ctx context.Context, key, errorMessage string) error {
	query := `UPDATE notification_audit_log
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE notification_key = $1`
	_, err := r.pool.Exec(ctx, query, key, errorMessage)
	return err
}

func (r *AuditRepository) GetByKey(ctx context.Context, key string) (*NotificationAuditEntity, error) {
	query := `SELECT id, notification_key, event_type, recipient, status, error_message,
		notification_id, created_at, updated_at
		FROM notification_audit_log WHERE notification_key = $1`
	var e NotificationAuditEntity
	err := r.pool.QueryRow(ctx, query, key).Scan(&e.ID, &e.NotificationKey, &e.EventType,
		&e.Recipient, &e.Status, &e.ErrorMessage, &e.NotificationID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *AuditRepository) ListByEvent(ctx context.Context, eventType string) ([]NotificationAuditEntity, error) {
	query := `SELECT id, notification_key, event_type, recipient, status, error_message,
		notification_id, created_at, updated_at
		FROM notification_audit_log WHERE event_type = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []NotificationAuditEntity
	for rows.Next() {
		var e NotificationAuditEntity
		if err := rows.Scan(&e.ID, &e.NotificationKey, &e.EventType, &e.Recipient, &e.Status,
			&e.ErrorMessage, &e.NotificationID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
