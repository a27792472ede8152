package reconcile

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"payment-reconciler/internal/db"
)

// ErrNoMatch is returned when no transaction or session matches any of the
// candidate identifiers. The handler maps it to 404; the gateway may retry,
// each retry is a fresh lookup.
var ErrNoMatch = errors.New("no payment record matches webhook identifiers")

// RecordFinder is the two-table lookup the resolver searches.
type RecordFinder interface {
	FindTransaction(ctx context.Context, refs, gatewayIDs []string) (*db.PaymentTransactionEntity, error)
	FindSession(ctx context.Context, refs, gatewayIDs []string) (*db.PaymentSessionEntity, error)
}

// Resolver maps gateway-supplied identifiers to exactly one internal payment
// record. Two payment flows are in flight simultaneously and a webhook cannot
// know a priori which one originated it, so the transaction table is searched
// first, then the session table.
type Resolver struct {
	finder RecordFinder
	logger *slog.Logger
}

func NewResolver(finder RecordFinder, logger *slog.Logger) *Resolver {
	return &Resolver{finder: finder, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, refs, gatewayIDs []string) (Record, error) {
	if len(refs) == 0 && len(gatewayIDs) == 0 {
		return Record{}, ErrNoMatch
	}

	transaction, err := r.finder.FindTransaction(ctx, refs, gatewayIDs)
	if err == nil {
		return Record{Kind: KindTransaction, Transaction: transaction}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return Record{}, err
	}

	session, err := r.finder.FindSession(ctx, refs, gatewayIDs)
	if err == nil {
		return Record{Kind: KindSession, Session: session}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return Record{}, err
	}

	// Orphaned webhook: worth alerting on, the gateway knows a payment we
	// do not.
	r.logger.WarnContext(ctx, "No payment record found for webhook", "refs", refs, "gatewayIds", gatewayIDs)
	return Record{}, ErrNoMatch
}
