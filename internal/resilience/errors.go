package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Reason names why a storage error may clear on its own. The empty Reason
// marks a permanent failure.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonPgConnection Reason = "pg_connection"
	ReasonPgConflict   Reason = "pg_conflict"
	ReasonPgCapacity   Reason = "pg_capacity"
	ReasonSQLiteBusy   Reason = "sqlite_busy"
	ReasonNetwork      Reason = "network"
)

// pgReasons maps retryable SQLSTATEs outside class 08.
var pgReasons = map[string]Reason{
	"40001": ReasonPgConflict, // serialization_failure
	"40P01": ReasonPgConflict, // deadlock_detected
	"53300": ReasonPgCapacity, // too_many_connections
	"57P01": ReasonPgCapacity, // admin_shutdown
	"57P02": ReasonPgCapacity, // crash_shutdown
	"57P03": ReasonPgCapacity, // cannot_connect_now
}

// busyMessages catch SQLite contention after the typed error has been
// flattened into a string by a wrapping layer.
var busyMessages = []string{"database is locked", "sqlite_busy", "database table is locked"}

var networkMessages = []string{"connection reset by peer", "broken pipe", "i/o timeout", "conn closed", "unexpected eof"}

// Classify reports why err is worth retrying against the inventory or
// mapping store, or ReasonNone when it is not.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return ReasonPgConnection
		}
		return pgReasons[pgErr.Code]
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ReasonSQLiteBusy
		}
		return ReasonNone
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, m := range busyMessages {
		if strings.Contains(msg, m) {
			return ReasonSQLiteBusy
		}
	}
	for _, m := range networkMessages {
		if strings.Contains(msg, m) {
			return ReasonNetwork
		}
	}
	return ReasonNone
}

// IsTransient reports whether a retry of the same write could succeed.
func IsTransient(err error) bool {
	return Classify(err) != ReasonNone
}
