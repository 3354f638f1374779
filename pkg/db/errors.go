package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique violation. When
// constraintName is set the match is narrowed to that constraint (Postgres) or
// to any of the fallback column references (SQLite reports "table.column").
func IsUniqueViolation(err error, constraintName string, columns ...string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return constraintName == "" || pgErr.ConstraintName == constraintName
	}

	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if len(columns) == 0 {
			return true
		}
		for _, col := range columns {
			if strings.Contains(msg, col) {
				return true
			}
		}
		return false
	}
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value")
}
