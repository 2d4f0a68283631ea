package litepool

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrConnectionClosed is returned by any operation submitted to a
// Connection, ReaderPool, Pool, or SnapshotPool after Close has been
// called on it.
var ErrConnectionClosed = errors.New("litepool: connection closed")

// ErrNotReentrant is the error wrapped into the panic raised when Sync is
// called from within its own connection's executor. Unlike ReentrantSync,
// Sync always schedules onto the connection's single worker goroutine, so
// calling it from that same goroutine would deadlock forever; we panic
// immediately instead of hanging.
var ErrNotReentrant = errors.New("litepool: connection is not reentrant from within its own executor")

// EngineError wraps a failure reported by the SQLite engine, carrying the
// statement text that produced it alongside the engine's own primary and
// extended result codes. The bound arguments are not recorded.
type EngineError struct {
	Code         int
	ExtendedCode int
	Message      string
	SQL          string
	Err          error
}

func (e *EngineError) Error() string {
	if e.SQL == "" {
		return fmt.Sprintf("litepool: engine error %d/%d: %s", e.Code, e.ExtendedCode, e.Message)
	}
	return fmt.Sprintf("litepool: engine error %d/%d: %s (SQL: %s)", e.Code, e.ExtendedCode, e.Message, e.SQL)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsBusy reports whether err is (or wraps) a SQLITE_BUSY condition.
func IsBusy(err error) bool {
	var liteErr *EngineError
	if errors.As(err, &liteErr) {
		return liteErr.Code == int(sqlite3.ErrBusy)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy
	}
	return false
}

// IsInterrupted reports whether err is (or wraps) a SQLITE_INTERRUPT
// condition, as raised by Pool.Interrupt/engine.Conn.Interrupt.
func IsInterrupted(err error) bool {
	var liteErr *EngineError
	if errors.As(err, &liteErr) {
		return liteErr.Code == int(sqlite3.ErrInterrupt)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrInterrupt
	}
	return false
}

// wrapEngineError turns a raw database/sql or mattn/go-sqlite3 error into
// an *EngineError carrying the statement text for diagnostics.
func wrapEngineError(err error, sql string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return &EngineError{
			Code:         int(sqliteErr.Code),
			ExtendedCode: int(sqliteErr.ExtendedCode),
			Message:      sqliteErr.Error(),
			SQL:          sql,
			Err:          err,
		}
	}
	return fmt.Errorf("litepool: %w (SQL: %s)", err, sql)
}

// ArgumentError wraps a bind.MissingArgumentError or
// bind.WrongArgumentCountError with the statement it occurred on.
type ArgumentError struct {
	SQL string
	Err error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("litepool: argument error for %q: %v", e.SQL, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// DecodeError reports a failure decoding a fetched column into a Go value.
type DecodeError struct {
	Column     string
	Index      int
	TargetType string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("litepool: cannot decode column %d (%s) into %s: %v", e.Index, e.Column, e.TargetType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
