package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrOpenFailed is returned when the pool cannot be established after
	// all retry attempts.
	ErrOpenFailed = errors.New("pg: failed to open connection pool")

	// ErrInvalidConfig is returned for unparseable connection strings.
	ErrInvalidConfig = errors.New("pg: invalid connection config")

	// ErrMigrateFailed wraps migration failures.
	ErrMigrateFailed = errors.New("pg: failed to apply migrations")

	// ErrHealthcheckFailed is returned when the database does not answer a ping.
	ErrHealthcheckFailed = errors.New("pg: healthcheck failed")
)

// IsNotFoundError reports whether err is pgx's no-rows result, for uniform
// not-found mapping in storage layers.
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError reports a unique constraint violation (SQLSTATE 23505),
// the signal behind idempotency-key conflicts.
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsSerializationError reports a serialization failure or deadlock
// (SQLSTATE 40001/40P01); such transactions are safe to retry.
func IsSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
