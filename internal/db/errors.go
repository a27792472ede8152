package db

import (
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// IsUndefinedColumn reports whether err is postgres SQLSTATE 42703. The
// reconciler treats a missing column as schema drift to tolerate, not a
// failure: the update is retried once with the evolving column omitted.
func IsUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}
