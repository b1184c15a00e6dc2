package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// IsUniqueViolation reports whether the provided error references a Postgres
// unique violation constraint. When constraintName is provided, the helper looks
// for the constraint text in the error message.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value")
}

// serializationFailureCode is the Postgres SQLSTATE for a serializable
// transaction that lost a commit-time conflict and must be retried.
const serializationFailureCode = "40001"

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (SQLSTATE 40001), the conflict a SERIALIZABLE transaction hits
// when it can't be ordered against a concurrent one.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code == serializationFailureCode
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailureCode
	}
	return false
}
