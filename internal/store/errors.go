package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/demandsync/internal/resilience"
)

// ErrorKind tags a store failure so callers can branch without parsing
// driver messages.
type ErrorKind int

const (
	// KindFatal is any failure not known to be safe to skip or retry.
	KindFatal ErrorKind = iota
	// KindTransient covers lock contention and connection loss.
	KindTransient
	// KindUniqueness is a unique or primary key violation.
	KindUniqueness
)

func (k ErrorKind) String() string {
	switch k {
	case KindUniqueness:
		return "uniqueness"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error is a classified store failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Untagged
// errors are KindFatal; see DuplicateText for the textual fallback.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// IsTagged reports whether err carries a store classification.
func IsTagged(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

var duplicatePatterns = []string{"UNIQUE constraint", "duplicate", "already exists"}

// DuplicateText reports whether an error message reads like a uniqueness
// violation. Matching is case-sensitive.
func DuplicateText(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range duplicatePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classify wraps err into an *Error with a kind derived from the driver's
// structured codes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindFromDriver(err), Op: op, Err: err}
}

// skippedRows reports that a strict page write found rows already stored.
// The page's new rows are committed; cause is the first violation seen, if
// the driver surfaced one.
func skippedRows(op string, skipped, total int, cause error) error {
	if cause == nil {
		return &Error{Kind: KindUniqueness, Op: op, Err: eris.Errorf("%d of %d rows already stored", skipped, total)}
	}
	return &Error{Kind: KindUniqueness, Op: op, Err: eris.Wrapf(cause, "%d of %d rows already stored", skipped, total)}
}

func kindFromDriver(err error) ErrorKind {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return KindUniqueness
		}
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return KindTransient
		case sqlite3.SQLITE_CONSTRAINT:
			// Primary result code only, when extended codes are off.
			if strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed") {
				return KindUniqueness
			}
		}
		return KindFatal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return KindUniqueness
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300": // too_many_connections
			return KindTransient
		}
		return KindFatal
	}

	if resilience.IsTransient(err) {
		return KindTransient
	}
	return KindFatal
}
