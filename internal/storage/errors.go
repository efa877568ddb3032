package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Storage errors returned by the store and its providers.
var (
	// ErrConnection indicates the database could not be reached or a
	// connection could not be established.
	ErrConnection = errors.New("database connection failed")

	// ErrSchema indicates the results table could not be verified or created.
	ErrSchema = errors.New("schema bootstrap failed")

	// ErrClosed indicates an operation was attempted after Shutdown.
	ErrClosed = errors.New("result store is closed")
)

// isPgErr reports whether err carries the given PostgreSQL SQLSTATE code.
func isPgErr(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
