// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"errors"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// ErrJournalQuotaExceeded is returned for a single event larger than the
// whole journal budget. Nothing can be evicted to make room for it.
var ErrJournalQuotaExceeded = errors.New("coredb: journal quota exceeded")

// ErrRunNotFound is returned when a run id has no history row.
var ErrRunNotFound = errors.New("coredb: run not found")

// IsLocked reports whether err means another molecule process holds the
// database.
func IsLocked(err error) bool {
	switch resultCode(err) {
	case int(sqlite3.SQLITE_BUSY), int(sqlite3.SQLITE_LOCKED):
		return true
	case -1:
		return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
	}
	return false
}

// IsFull reports whether err means the database hit its size cap or the
// journal budget.
func IsFull(err error) bool {
	if errors.Is(err, ErrJournalQuotaExceeded) {
		return true
	}
	return resultCode(err) == int(sqlite3.SQLITE_FULL)
}

// resultCode extracts the primary SQLite result code, or -1 when err does
// not come from the driver.
func resultCode(err error) int {
	var coded interface{ Code() int }
	if err == nil || !errors.As(err, &coded) {
		return -1
	}
	// Extended codes keep the primary code in the low byte.
	return coded.Code() & 0xff
}
