package store

import (
	"errors"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// Sentinel errors returned by store operations. Callers map these to
// transport-level responses (404, 409, 400).
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid value")
)

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports whether err is a transient lock failure worth retrying.
func isBusy(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.BUSY || code == sqlite3.LOCKED
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
