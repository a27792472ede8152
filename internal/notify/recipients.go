package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"payment-reconciler/internal/db"
)

type Recipient struct {
	Email string
	Name  string
}

// AdminSource looks up admin recipients by event category and by product
// assignment.
type AdminSource interface {
	FindForEvent(ctx context.Context, category string, productIDs []uuid.UUID) ([]db.AdminRecipientEntity, error)
}

// RecipientResolver builds the admin recipient set for an event: the union of
// recipients assigned to a product in the order and recipients subscribed to
// the event's category or to "all". An empty result falls back to the
// emergency list rather than dropping the notification.
type RecipientResolver struct {
	admins    AdminSource
	emergency []string
	logger    *slog.Logger
}

func NewRecipientResolver(admins AdminSource, emergency []string, logger *slog.Logger) *RecipientResolver {
	return &RecipientResolver{admins: admins, emergency: emergency, logger: logger}
}

func (r *RecipientResolver) Admins(ctx context.Context, category string, productIDs []uuid.UUID) []Recipient {
	entities, err := r.admins.FindForEvent(ctx, category, productIDs)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error resolving admin recipients, using emergency list",
			"category", category, "error", err)
		return r.fallback()
	}

	if len(entities) == 0 {
		r.logger.WarnContext(ctx, "No admin recipients for event, using emergency list", "category", category)
		return r.fallback()
	}

	recipients := make([]Recipient, 0, len(entities))
	for _, e := range entities {
		recipients = append(recipients, Recipient{Email: e.Email, Name: e.Name})
	}
	return recipients
}

func (r *RecipientResolver) fallback() []Recipient {
	recipients := make([]Recipient, 0, len(r.emergency))
	for _, email := range r.emergency {
		recipients = append(recipients, Recipient{Email: email})
	}
	return recipients
}
