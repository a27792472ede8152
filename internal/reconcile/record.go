package reconcile

import (
	"github.com/google/uuid"

	"payment-reconciler/internal/db"
)

// Kind tags which payment flow a resolved record belongs to.
type Kind string

const (
	KindTransaction Kind = "transaction" // legacy flow, order pre-exists
	KindSession     Kind = "session"     // deferred-order flow
)

// Record is the tagged union the resolver produces. Exactly one of
// Transaction and Session is set, according to Kind.
type Record struct {
	Kind        Kind
	Transaction *db.PaymentTransactionEntity
	Session     *db.PaymentSessionEntity
}

func (r Record) ID() uuid.UUID {
	if r.Kind == KindTransaction {
		return r.Transaction.ID
	}
	return r.Session.ID
}

func (r Record) UserID() uuid.UUID {
	if r.Kind == KindTransaction {
		return r.Transaction.UserID
	}
	return r.Session.UserID
}

func (r Record) Reference() string {
	if r.Kind == KindTransaction {
		return r.Transaction.TransactionReference
	}
	return r.Session.TransactionReference
}

func (r Record) Status() string {
	if r.Kind == KindTransaction {
		return r.Transaction.Status
	}
	return r.Session.Status
}
