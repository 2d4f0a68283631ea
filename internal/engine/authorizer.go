package engine

import (
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/g960059/litepool/region"
)

// TransactionEffectKind is the TransactionEffect tag from spec.md §3.
type TransactionEffectKind int

const (
	TxNone TransactionEffectKind = iota
	TxBegin
	TxCommit
	TxRollback
	TxBeginSavepoint
	TxReleaseSavepoint
	TxRollbackSavepoint
)

// TransactionEffect is the tagged value the authorizer assigns to the
// statement currently being compiled.
type TransactionEffect struct {
	Kind TransactionEffectKind
	Name string // savepoint name; empty outside the two Savepoint kinds
}

// EventIntent is one entry of a statement's compile-time event_kinds list:
// a future runtime effect the statement will have once executed.
type EventIntent struct {
	Kind    region.EventKind
	Table   string
	Columns map[string]struct{} // accumulated columns for Update only
}

// StatementAuthorization accumulates everything component B observes while
// one statement is being prepared.
type StatementAuthorization struct {
	SelectedRegion         region.Region
	TransactionEffect      TransactionEffect
	InvalidatesSchemaCache bool
	IsDropStatement        bool

	events                   map[string]*EventIntent
	disableTruncateOptimized bool

	// observesDeletionsOn reports whether any currently-registered
	// observer declares interest in per-row delete events for a table;
	// wired by the broker (component H) so the authorizer can decide
	// whether to suppress the truncate fast path.
	observesDeletionsOn func(table string) bool
}

func newStatementAuthorization(observesDeletionsOn func(string) bool) *StatementAuthorization {
	return &StatementAuthorization{
		events:              map[string]*EventIntent{},
		observesDeletionsOn: observesDeletionsOn,
	}
}

// EventKinds returns the statement's accumulated future runtime effects.
func (a *StatementAuthorization) EventKinds() []EventIntent {
	out := make([]EventIntent, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, *e)
	}
	return out
}

// DisablesTruncateOptimization reports whether this statement's DELETE
// should force per-row events rather than the engine's truncate fast path.
func (a *StatementAuthorization) DisablesTruncateOptimization() bool {
	return a.disableTruncateOptimized
}

func eventKey(kind region.EventKind, table string) string {
	return fmt.Sprintf("%d|%s", kind, strings.ToLower(table))
}

func (a *StatementAuthorization) recordEvent(kind region.EventKind, table, column string) {
	key := eventKey(kind, table)
	e, ok := a.events[key]
	if !ok {
		e = &EventIntent{Kind: kind, Table: table}
		if kind == region.Update {
			e.Columns = map[string]struct{}{}
		}
		a.events[key] = e
	}
	if kind == region.Update && column != "" {
		e.Columns[strings.ToLower(column)] = struct{}{}
	}
}

func isMasterTable(table string) bool {
	return strings.HasSuffix(strings.ToLower(table), "_master")
}

// isDropColumnIntrinsic detects the engine's internal drop-column function
// on engine versions that don't otherwise report ALTER TABLE DROP COLUMN
// through a dedicated authorizer action.
func isDropColumnIntrinsic(funcName string) bool {
	return strings.EqualFold(funcName, "sqlite_drop_column")
}

// authorize is installed as the per-connection sqlite3 authorizer
// callback. action is one of the sqlite3.SQLITE_* action codes; arg1-arg3
// carry action-specific detail per sqlite3_set_authorizer's documented
// contract (table name, column name, database name, and so on depending
// on action).
func (a *StatementAuthorization) authorize(action int, arg1, arg2, arg3 string) int {
	switch action {
	case sqlite3.SQLITE_READ:
		if arg2 == "" {
			// Column name empty: COUNT(*)-style whole-row/table read.
			a.SelectedRegion = a.SelectedRegion.Union(region.Table(arg1))
		} else {
			a.SelectedRegion = a.SelectedRegion.Union(region.TableColumns(arg1, []string{arg2}))
		}

	case sqlite3.SQLITE_INSERT:
		a.recordEvent(region.Insert, arg1, "")

	case sqlite3.SQLITE_UPDATE:
		a.recordEvent(region.Update, arg1, arg2)

	case sqlite3.SQLITE_DELETE:
		if isMasterTable(arg1) {
			break // DELETEs on engine-internal tables pass through untouched.
		}
		if a.IsDropStatement {
			break // Synthetic DELETEs emitted while dropping a table are ignored.
		}
		a.recordEvent(region.Delete, arg1, "")
		if a.observesDeletionsOn != nil && a.observesDeletionsOn(arg1) {
			a.disableTruncateOptimized = true
			// SQLITE_IGNORE on the DELETE action is the documented way to
			// tell the engine to disable the truncate optimization for
			// this statement, so the update hook still fires once per
			// deleted row instead of being skipped entirely.
			return sqlite3.SQLITE_IGNORE
		}

	case sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_TEMP_TABLE, sqlite3.SQLITE_DROP_VTABLE:
		a.IsDropStatement = true
		a.InvalidatesSchemaCache = true

	case sqlite3.SQLITE_CREATE_TABLE, sqlite3.SQLITE_CREATE_TEMP_TABLE,
		sqlite3.SQLITE_CREATE_INDEX, sqlite3.SQLITE_DROP_INDEX,
		sqlite3.SQLITE_CREATE_VTABLE, sqlite3.SQLITE_ALTER_TABLE,
		sqlite3.SQLITE_REINDEX, sqlite3.SQLITE_ANALYZE:
		a.InvalidatesSchemaCache = true

	case sqlite3.SQLITE_FUNCTION:
		if strings.EqualFold(arg2, "count") {
			// Engine versions that don't report the counted table for
			// SELECT COUNT(*): promote to full-database conservatively.
			a.SelectedRegion = region.FullDatabase()
		}
		if isDropColumnIntrinsic(arg2) {
			a.InvalidatesSchemaCache = true
		}

	case sqlite3.SQLITE_TRANSACTION:
		switch strings.ToUpper(arg1) {
		case "BEGIN":
			a.TransactionEffect = TransactionEffect{Kind: TxBegin}
		case "COMMIT", "END":
			a.TransactionEffect = TransactionEffect{Kind: TxCommit}
		case "ROLLBACK":
			a.TransactionEffect = TransactionEffect{Kind: TxRollback}
		}

	case sqlite3.SQLITE_SAVEPOINT:
		switch strings.ToUpper(arg1) {
		case "BEGIN":
			a.TransactionEffect = TransactionEffect{Kind: TxBeginSavepoint, Name: arg2}
		case "RELEASE":
			a.TransactionEffect = TransactionEffect{Kind: TxReleaseSavepoint, Name: arg2}
		case "ROLLBACK":
			a.TransactionEffect = TransactionEffect{Kind: TxRollbackSavepoint, Name: arg2}
		}
	}
	return sqlite3.SQLITE_OK
}
