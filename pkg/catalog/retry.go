package catalog

import (
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// isTransientError classifies a lost-connection-shaped failure from the
// sqlite3 driver: SQLITE_BUSY and SQLITE_LOCKED both mean another
// connection currently holds the write lock, which is this store's
// analogue of a recoverable connectivity blip against a networked
// database. Everything else (constraint
// violations, syntax errors, not-found) is permanent and returned as-is.
func isTransientError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	default:
		return false
	}
}

// sqliteErrCodeIs reports whether err is a sqlite3.Error whose primary
// result code matches the given human-readable category. Only "unique
// constraint" is used today, by ImageCreate's duplicate-ID detection.
func sqliteErrCodeIs(err error, category string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch category {
	case "unique constraint":
		return se.Code == sqlite3.ErrConstraint
	default:
		return false
	}
}

// epochSentinel is the non-NULL "not deleted" value stored in
// image_members.deleted_at and images.deleted_at for live rows, per the
// comment in the init migration: NULL cannot be used there because NULL
// != NULL under SQLite's unique index semantics, which would let
// duplicate live memberships through.
var epochSentinel = time.Unix(0, 0).UTC()

