package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RecipientRepository struct {
	pool *pgxpool.Pool
}

func NewRecipientRepository(pool *pgxpool.Pool) *RecipientRepository {
	return &RecipientRepository{pool: pool}
}

func (r *RecipientRepository) Create(ctx context.Context, e *AdminRecipientEntity) error {
	categories := e.Categories
	if categories == nil {
		categories = []string{}
	}
	productIDs := e.ProductIDs
	if productIDs == nil {
		productIDs = []uuid.UUID{}
	}

	query := `INSERT INTO admin_recipient (id, email, name, categories, product_ids) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.Email, e.Name, categories, productIDs)
	return err
}

// FindForEvent returns the union of recipients subscribed to the event
// category (or to "all") and recipients assigned to any product in the order.
func (r *RecipientRepository) FindForEvent(ctx context.Context, category string, productIDs []uuid.UUID) ([]AdminRecipientEntity, error) {
	query := `SELECT id, email, name, categories, product_ids FROM admin_recipient
		WHERE categories && ARRAY[$1::text, 'all'] OR product_ids && $2::uuid[]
		ORDER BY email`
	rows, err := r.pool.Query(ctx, query, category, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []AdminRecipientEntity
	for rows.Next() {
		var e AdminRecipientEntity
		if err := rows.Scan(&e.ID, &e.Email, &e.Name, &e.Categories, &e.ProductIDs); err != nil {
			return nil, err
		}
		recipients = append(recipients, e)
	}
	return recipients, rows.Err()
}
