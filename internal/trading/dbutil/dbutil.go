// Package dbutil holds small database helpers shared by the trading core.
package dbutil

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres SQLSTATE codes the coordinator treats as transient.
const (
	SerializationFailureCode = "40001"
	DeadlockDetectedCode     = "40P01"
	LockNotAvailableCode     = "55P03"
)

// ConflictKind classifies a transient transaction failure.
type ConflictKind int

const (
	ConflictNone ConflictKind = iota
	ConflictSerialization
	ConflictDeadlock
	ConflictLockContention
)

// ClassifyConflict inspects a transaction error and reports whether it is
// a retryable concurrency conflict. SQLite surfaces write contention as
// "database is locked" rather than a SQLSTATE.
func ClassifyConflict(err error) ConflictKind {
	if err == nil {
		return ConflictNone
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return ConflictSerialization
		case DeadlockDetectedCode:
			return ConflictDeadlock
		case LockNotAvailableCode:
			return ConflictLockContention
		}
		return ConflictNone
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "could not serialize"):
		return ConflictSerialization
	case strings.Contains(msg, "deadlock"):
		return ConflictDeadlock
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return ConflictLockContention
	}
	return ConflictNone
}

// ForUpdate applies row-level locking on dialects that support it.
// SQLite is a single-writer engine and rejects FOR UPDATE syntax.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
