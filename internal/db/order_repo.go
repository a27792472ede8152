package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Create(ctx context.Context, e *OrderEntity) error {
	query := `INSERT INTO orders (id, user_id, status, payment_status, amount, currency,
		shipping_address, contact_phone, email, first_name, last_name, city, country,
		payment_method, notes, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.UserID, e.Status, e.PaymentStatus, e.Amount, e.Currency,
		e.ShippingAddress, e.ContactPhone, e.Email, e.FirstName, e.LastName, e.City, e.Country,
		e.PaymentMethod, e.Notes, e.PaidAt, e.CreatedAt)
	return errors.Wrap(err, "inserting order")
}

func (r *OrderRepository) CreateItem(ctx context.Context, item *OrderItemEntity) error {
	query := `INSERT INTO order_item (id, order_id, product_id, quantity, price) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, item.ID, item.OrderID, item.ProductID, item.Quantity, item.Price)
	return errors.Wrap(err, "inserting order item")
}

// Delete removes an order and its items. Compensating action for a failed
// materialization; there is no multi-table transaction around order creation.
func (r *OrderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM order_item WHERE order_id = $1`, id); err != nil {
		return errors.Wrap(err, "deleting order items")
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return errors.Wrap(err, "deleting order")
}

// MarkPaid updates an existing order after a successful transaction-flow
// settlement. When includePaidAt is false the paid_at column is omitted from
// the update; callers use this to retry after a 42703 (undefined column) from
// a store that has not been migrated yet.
func (r *OrderRepository) MarkPaid(ctx context.Context, id uuid.UUID, includePaidAt bool) error {
	query := `UPDATE orders SET status = 'processing', payment_status = 'paid', paid_at = now() WHERE id = $1`
	if !includePaidAt {
		query = `UPDATE orders SET status = 'processing', payment_status = 'paid' WHERE id = $1`
	}
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// CascadeCancel propagates a cancelled transaction to its order, unless a
// sibling transaction on the same order is completed or processing. A
// cancelled retry must not clobber a concurrently succeeding one.
func (r *OrderRepository) CascadeCancel(ctx context.Context, orderID, excludeTransactionID uuid.UUID) (bool, error) {
	query := `UPDATE orders SET payment_status = 'cancelled'
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM payment_transaction
			WHERE order_id = $1 AND id <> $2 AND status IN ('completed', 'processing')
		)`
	tag, err := r.pool.Exec(ctx, query, orderID, excludeTransactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPaymentFailed propagates a definitive gateway failure to the order.
// Unconditional: a later success on a different retry transaction can in
// principle race this, an accepted risk of the legacy flow.
func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders SET payment_status = 'failed' WHERE id = $1`, orderID)
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*OrderEntity, error) {
	query := `SELECT id, user_id, status, payment_status, amount, currency, shipping_address,
		contact_phone, email, first_name, last_name, city, country, payment_method, notes,
		paid_at, created_at FROM orders WHERE id = $1`
	var e OrderEntity
	err := r.pool.QueryRow(ctx, query, id).Scan(&e.ID, &e.UserID, &e.Status, &e.PaymentStatus,
		&e.Amount, &e.Currency, &e.ShippingAddress, &e.ContactPhone, &e.Email, &e.FirstName,
		&e.LastName, &e.City, &e.Country, &e.PaymentMethod, &e.Notes, &e.PaidAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *OrderRepository) GetItems(ctx context.Context, orderID uuid.UUID) ([]OrderItemEntity, error) {
	query := `SELECT id, order_id, product_id, quantity, price FROM order_item WHERE order_id = $1`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItemEntity
	for rows.Next() {
		var item OrderItemEntity
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
