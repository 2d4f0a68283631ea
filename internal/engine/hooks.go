package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/g960059/litepool/region"
)

// InstallAuthorizer wires the per-connection authorizer callback. The
// callback feeds the accumulator most recently pushed by
// BeginStatementAuthorization (and allows everything when none is pushed);
// observesDeletionsOn is handed to any accumulator that was pushed without
// its own callback. This relies on the engine serializing statement
// preparation on a single connection used from a single worker goroutine.
func (c *Conn) InstallAuthorizer(observesDeletionsOn func(table string) bool) {
	if c.raw == nil {
		return
	}
	c.raw.RegisterAuthorizer(func(action int, arg1, arg2, arg3 string) int {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.authorizerStack) == 0 {
			return sqlite3.SQLITE_OK
		}
		top := c.authorizerStack[len(c.authorizerStack)-1]
		if top.observesDeletionsOn == nil {
			top.observesDeletionsOn = observesDeletionsOn
		}
		return top.authorize(action, arg1, arg2, arg3)
	})
}

// BeginStatementAuthorization pushes a fresh accumulator that the installed
// authorizer callback will feed for the statement about to be prepared.
func (c *Conn) BeginStatementAuthorization(observesDeletionsOn func(table string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizerStack = append(c.authorizerStack, newStatementAuthorization(observesDeletionsOn))
}

// EndStatementAuthorization pops and returns the accumulator pushed by the
// matching BeginStatementAuthorization call.
func (c *Conn) EndStatementAuthorization() *StatementAuthorization {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.authorizerStack)
	if n == 0 {
		return newStatementAuthorization(nil)
	}
	top := c.authorizerStack[n-1]
	c.authorizerStack = c.authorizerStack[:n-1]
	return top
}

// Prepare compiles sqlText while an authorizer accumulator is armed, and
// returns both the prepared statement and what the authorizer observed
// about it. This is the one entry point components above this package use
// to compile SQL, so that SelectedRegion/EventKinds/TransactionEffect are
// always derived straight from the engine rather than re-parsed.
func (c *Conn) Prepare(ctx context.Context, sqlText string, observesDeletionsOn func(string) bool) (*sql.Stmt, *StatementAuthorization, error) {
	c.BeginStatementAuthorization(observesDeletionsOn)
	stmt, err := c.conn.PrepareContext(ctx, sqlText)
	auth := c.EndStatementAuthorization()
	if err != nil {
		return nil, auth, fmt.Errorf("prepare: %w", err)
	}
	return stmt, auth, nil
}

// SetRowObserver installs the callback invoked for every row-level change
// event. Passing nil unregisters the engine's update hook entirely.
// Registering or unregistering the hook does not change whether a DELETE
// takes the engine's truncate fast path; that is decided per statement by
// the authorizer (see StatementAuthorization.authorize).
func (c *Conn) SetRowObserver(onRow func(region.Event)) {
	c.mu.Lock()
	c.onRow = onRow
	on := onRow != nil
	already := c.updateHookOn
	c.updateHookOn = on
	c.mu.Unlock()

	if on == already || c.raw == nil {
		return
	}
	if !on {
		c.raw.RegisterUpdateHook(nil)
		return
	}
	c.raw.RegisterUpdateHook(func(op int, db, table string, rowID int64) {
		c.mu.Lock()
		cb := c.onRow
		c.mu.Unlock()
		if cb == nil {
			return
		}
		kind, ok := region.Insert, true
		switch op {
		case sqlite3.SQLITE_INSERT:
			kind = region.Insert
		case sqlite3.SQLITE_UPDATE:
			kind = region.Update
		case sqlite3.SQLITE_DELETE:
			kind = region.Delete
		default:
			ok = false
		}
		if !ok {
			return
		}
		cb(region.Event{Kind: kind, Table: table, RowID: rowID})
	})
}

// SuppressRowObserver runs fn with the row-change callback temporarily
// disabled, then restores whatever was installed before. Used to skip
// forwarding update-hook events for a single statement execution whose
// compile-time event_kinds the broker determined no registered observer
// could ever care about (spec.md §4.H's per-statement observes_any
// filtering). Safe only because Conn's caller already confines every call
// to one serialized executor goroutine.
func (c *Conn) SuppressRowObserver(fn func() error) error {
	c.mu.Lock()
	prev := c.onRow
	c.onRow = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.onRow = prev
		c.mu.Unlock()
	}()
	return fn()
}

// SetTransactionHooks installs the commit and rollback hooks. onCommit
// returning true forces a rollback instead, mirroring sqlite3_commit_hook's
// own contract.
func (c *Conn) SetTransactionHooks(onCommit func() bool, onRollback func()) {
	c.mu.Lock()
	c.onCommit = onCommit
	c.onRollback = onRollback
	c.mu.Unlock()

	if c.raw == nil {
		return
	}
	c.raw.RegisterCommitHook(func() int {
		c.mu.Lock()
		cb := c.onCommit
		c.mu.Unlock()
		if cb != nil && cb() {
			return 1
		}
		return 0
	})
	c.raw.RegisterRollbackHook(func() {
		c.mu.Lock()
		cb := c.onRollback
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
