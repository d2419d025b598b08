// Package repository holds the domain types and their Postgres repositories.
// Every repository routes through database.DB, so calls made with a
// transactional context join that transaction.
package repository

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
