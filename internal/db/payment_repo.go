package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// terminalStatuses guards every CAS update: a record that already reached a
// terminal status is never mutated again by the webhook pipeline.
const terminalStatuses = "('completed', 'failed', 'cancelled')"

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

const transactionColumns = `id, order_id, user_id, amount, currency, status, transaction_reference,
	gateway_transaction_id, payment_type, provider, failure_reason, webhook_payload,
	created_at, completed_at, failed_at, cancelled_at`

const sessionColumns = `id, user_id, transaction_reference, gateway_transaction_id, amount, currency,
	provider, order_data, status, failure_reason, webhook_payload, created_at, updated_at`

func scanTransaction(row pgx.Row) (*PaymentTransactionEntity, error) {
	var e PaymentTransactionEntity
	err := row.Scan(&e.ID, &e.OrderID, &e.UserID, &e.Amount, &e.Currency, &e.Status,
		&e.TransactionReference, &e.GatewayTransactionID, &e.PaymentType, &e.Provider,
		&e.FailureReason, &e.WebhookPayload, &e.CreatedAt, &e.CompletedAt, &e.FailedAt, &e.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanSession(row pgx.Row) (*PaymentSessionEntity, error) {
	var e PaymentSessionEntity
	err := row.Scan(&e.ID, &e.UserID, &e.TransactionReference, &e.GatewayTransactionID,
		&e.Amount, &e.Currency, &e.Provider, &e.OrderData, &e.Status, &e.FailureReason,
		&e.WebhookPayload, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// FindTransaction looks up a transaction by any of the candidate merchant
// references or gateway ids. The newest match wins when retries share an
// order.
func (r *PaymentRepository) FindTransaction(ctx context.Context, refs, gatewayIDs []string) (*PaymentTransactionEntity, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transaction
		WHERE transaction_reference = ANY($1) OR gateway_transaction_id = ANY($2)
		ORDER BY created_at DESC LIMIT 1`
	return scanTransaction(r.pool.QueryRow(ctx, query, refs, gatewayIDs))
}

func (r *PaymentRepository) FindSession(ctx context.Context, refs, gatewayIDs []string) (*PaymentSessionEntity, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_session
		WHERE transaction_reference = ANY($1) OR gateway_transaction_id = ANY($2)
		ORDER BY created_at DESC LIMIT 1`
	return scanSession(r.pool.QueryRow(ctx, query, refs, gatewayIDs))
}

func (r *PaymentRepository) GetTransactionByID(ctx context.Context, id uuid.UUID) (*PaymentTransactionEntity, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transaction WHERE id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) GetSessionByID(ctx context.Context, id uuid.UUID) (*PaymentSessionEntity, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_session WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) CreateTransaction(ctx context.Context, e *PaymentTransactionEntity) error {
	query := `INSERT INTO payment_transaction (id, order_id, user_id, amount, currency, status,
		transaction_reference, gateway_transaction_id, payment_type, provider, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.OrderID, e.UserID, e.Amount, e.Currency, e.Status,
		e.TransactionReference, e.GatewayTransactionID, e.PaymentType, e.Provider, e.CreatedAt, e.CompletedAt)
	return errors.Wrap(err, "inserting payment transaction")
}

func (r *PaymentRepository) CreateSession(ctx context.Context, e *PaymentSessionEntity) error {
	query := `INSERT INTO payment_session (id, user_id, transaction_reference, gateway_transaction_id,
		amount, currency, provider, order_data, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.UserID, e.TransactionReference, e.GatewayTransactionID,
		e.Amount, e.Currency, e.Provider, e.OrderData, e.Status, e.CreatedAt, e.UpdatedAt)
	return errors.Wrap(err, "inserting payment session")
}

// CompleteTransaction flips a non-terminal transaction to completed, stamping
// the gateway id, completion time and the raw webhook payload. Returns false
// when the record was already terminal, which callers treat as a duplicate
// delivery.
func (r *PaymentRepository) CompleteTransaction(ctx context.Context, id uuid.UUID, gatewayID *string, rawPayload string) (bool, error) {
	query := `UPDATE payment_transaction
		SET status = 'completed',
		    gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		    webhook_payload = $3,
		    completed_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id, gatewayID, rawPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) CompleteSession(ctx context.Context, id uuid.UUID, gatewayID *string, rawPayload string) (bool, error) {
	query := `UPDATE payment_session
		SET status = 'completed',
		    gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		    webhook_payload = $3,
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id, gatewayID, rawPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionPending resets a non-terminal transaction to pending.
// Terminal records are left untouched so a stale pending webhook arriving
// after completion cannot regress the state.
func (r *PaymentRepository) MarkTransactionPending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_transaction SET status = 'pending'
		WHERE id = $1 AND status <> 'pending' AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) MarkSessionPending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_session SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status <> 'pending' AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) CancelTransaction(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_transaction SET status = 'cancelled', cancelled_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) CancelSession(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_session SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) FailTransaction(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `UPDATE payment_transaction SET status = 'failed', failure_reason = $2, failed_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) FailSession(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `UPDATE payment_session SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ForceFailSession marks a session failed regardless of its current status.
// Only the materializer's compensation path uses it: the session was already
// claimed as completed by the same handler, so the terminal guard must not
// apply.
func (r *PaymentRepository) ForceFailSession(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE payment_session SET status = 'failed', failure_reason = $2, updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, reason)
	return err
}
