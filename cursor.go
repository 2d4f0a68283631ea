package litepool

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/g960059/litepool/bind"
	"github.com/g960059/litepool/internal/engine"
	"github.com/g960059/litepool/region"
)

// Statement is a compiled SQL text together with the engine's own reading
// of what it does: the region it selects, the events it may produce, and
// any transaction effect it carries. FetchCursor builds one per call from
// the StatementAuthorization internal/engine's authorizer hook filled in
// while preparing the statement; FetchAll/FetchOne close it before they
// return.
type Statement struct {
	SQL               string
	stmt              *sql.Stmt
	SelectedRegion    region.Region
	EventKinds        []engine.EventIntent
	TransactionEffect engine.TransactionEffect
}

// Cursor iterates the rows produced by a prepared statement, decoding one
// row at a time. It must only be advanced from within the owning
// connection's executor.
type Cursor struct {
	rows    *sql.Rows
	columns []string
}

// Columns returns the result column names, in order.
func (c *Cursor) Columns() []string { return c.columns }

// Next advances the cursor. It returns false once rows are exhausted or an
// error occurs; call Err afterward to distinguish the two.
func (c *Cursor) Next() bool { return c.rows.Next() }

// Err returns the first error encountered by Next.
func (c *Cursor) Err() error { return c.rows.Err() }

// Scan decodes the current row's columns into dest, by position, using
// database/sql's own scan conversions.
func (c *Cursor) Scan(dest ...any) error {
	if err := c.rows.Scan(dest...); err != nil {
		return &DecodeError{Index: -1, TargetType: fmt.Sprintf("%T", dest), Err: err}
	}
	return nil
}

// Row fetches the current row's columns as Scalar values, in storage-class
// form, without requiring the caller to know the Go types ahead of time.
func (c *Cursor) Row() ([]bind.Scalar, error) {
	raw := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, &DecodeError{Index: -1, TargetType: "bind.Scalar", Err: err}
	}
	out := make([]bind.Scalar, len(raw))
	for i, v := range raw {
		out[i] = scalarFromDriverValue(v)
	}
	return out, nil
}

// Close releases the underlying *sql.Rows. Safe to call multiple times.
func (c *Cursor) Close() error { return c.rows.Close() }

func scalarFromDriverValue(v any) bind.Scalar {
	switch x := v.(type) {
	case nil:
		return bind.NullScalar()
	case int64:
		return bind.IntScalar(x)
	case float64:
		return bind.FloatScalar(x)
	case string:
		return bind.TextScalar(x)
	case []byte:
		cp := append([]byte(nil), x...)
		return bind.BlobScalar(cp)
	default:
		return bind.TextScalar(fmt.Sprintf("%v", x))
	}
}

// bindValues converts Scalars to the []any database/sql expects for
// Query/Exec, in positional order.
func bindValues(values []bind.Scalar) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Interface()
	}
	return out
}

// placeholderPattern matches SQLite's four bind-parameter spellings in the
// order they appear in a statement's text: "?", ":name", "@name", "$name".
// Numbered placeholders ("?1", "?2", ...) are treated as plain positional
// slots in occurrence order: the number itself is not read, so a numbered
// placeholder that appears more than once takes one positional value per
// occurrence.
var placeholderPattern = regexp.MustCompile(`\?\d*|[:@$][A-Za-z_][A-Za-z0-9_]*`)

// extractPlaceholders walks sqlText in order and returns one bind.Placeholder
// per positional occurrence and one per distinct name (SQLite binds every
// occurrence of a name to a single parameter), so that
// Arguments.ExtractBindings can resolve each slot against the caller's
// positional/named values.
func extractPlaceholders(sqlText string) []bind.Placeholder {
	matches := placeholderPattern.FindAllString(sqlText, -1)
	out := make([]bind.Placeholder, 0, len(matches))
	seen := map[string]bool{}
	for _, m := range matches {
		if m[0] == '?' {
			out = append(out, bind.Placeholder{})
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, bind.Placeholder{Name: m[1:]})
	}
	return out
}

// FetchCursor prepares sql, resolves args against the statement's
// placeholders (in occurrence order, via bind.Arguments.ExtractBindings so
// that a mix of positional and named placeholders binds correctly), and
// returns a live Cursor plus the Statement metadata the engine derived
// while compiling it. The returned Cursor and Statement must be closed by
// the caller (Statement's underlying *sql.Stmt via Statement.Close).
func FetchCursor(ctx context.Context, conn *engine.Conn, sqlText string, args bind.Arguments, observesDeletionsOn func(string) bool) (*Cursor, *Statement, error) {
	stmt, auth, err := conn.Prepare(ctx, sqlText, observesDeletionsOn)
	if err != nil {
		return nil, nil, wrapEngineError(err, sqlText)
	}
	resolved, err := args.ExtractBindings(extractPlaceholders(sqlText), true)
	if err != nil {
		stmt.Close()
		return nil, nil, &ArgumentError{SQL: sqlText, Err: err}
	}
	rows, err := stmt.QueryContext(ctx, bindValues(resolved)...)
	if err != nil {
		stmt.Close()
		return nil, nil, wrapEngineError(err, sqlText)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		stmt.Close()
		return nil, nil, wrapEngineError(err, sqlText)
	}
	st := &Statement{
		SQL:               sqlText,
		stmt:              stmt,
		SelectedRegion:    auth.SelectedRegion,
		EventKinds:        auth.EventKinds(),
		TransactionEffect: auth.TransactionEffect,
	}
	return &Cursor{rows: rows, columns: cols}, st, nil
}

// Close releases the prepared statement backing st.
func (s *Statement) Close() error {
	if s.stmt == nil {
		return nil
	}
	return s.stmt.Close()
}

// Exec prepares and runs a non-row-returning statement (INSERT/UPDATE/DELETE
// and the like), resolving args the same way FetchCursor does. observesAny,
// when non-nil, is consulted against the statement's predicted EventKinds
// (spec.md §4.H's per-statement observes_any filtering): if it reports that
// no registered observer could ever care about this statement's event
// kinds, the row-change hook is suppressed for this one execution, so the
// broker never has to buffer and later filter out events nothing is
// watching for.
func Exec(ctx context.Context, conn *engine.Conn, sqlText string, args bind.Arguments, observesDeletionsOn func(string) bool, observesAny func([]engine.EventIntent) bool) (sql.Result, error) {
	stmt, auth, err := conn.Prepare(ctx, sqlText, observesDeletionsOn)
	if err != nil {
		return nil, wrapEngineError(err, sqlText)
	}
	defer stmt.Close()

	resolved, err := args.ExtractBindings(extractPlaceholders(sqlText), true)
	if err != nil {
		return nil, &ArgumentError{SQL: sqlText, Err: err}
	}

	kinds := auth.EventKinds()
	if len(kinds) > 0 && observesAny != nil && !observesAny(kinds) {
		var res sql.Result
		err := conn.SuppressRowObserver(func() error {
			var execErr error
			res, execErr = stmt.ExecContext(ctx, bindValues(resolved)...)
			return execErr
		})
		if err != nil {
			return nil, wrapEngineError(err, sqlText)
		}
		return res, nil
	}

	res, err := stmt.ExecContext(ctx, bindValues(resolved)...)
	if err != nil {
		return nil, wrapEngineError(err, sqlText)
	}
	return res, nil
}

// FetchAll runs sqlText to completion, decoding every row with decode, and
// returns the collected results.
func FetchAll[T any](ctx context.Context, conn *engine.Conn, sqlText string, args bind.Arguments, observesDeletionsOn func(string) bool, decode func(*Cursor) (T, error)) ([]T, error) {
	cursor, stmt, err := FetchCursor(ctx, conn, sqlText, args, observesDeletionsOn)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	defer cursor.Close()

	var out []T
	for cursor.Next() {
		v, err := decode(cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := cursor.Err(); err != nil {
		return nil, wrapEngineError(err, sqlText)
	}
	return out, nil
}

// FetchOne runs sqlText and decodes the first row, or returns sql.ErrNoRows
// if there isn't one. Callers wanting the single_result optimization should
// append their own LIMIT 1.
func FetchOne[T any](ctx context.Context, conn *engine.Conn, sqlText string, args bind.Arguments, observesDeletionsOn func(string) bool, decode func(*Cursor) (T, error)) (T, error) {
	var zero T
	cursor, stmt, err := FetchCursor(ctx, conn, sqlText, args, observesDeletionsOn)
	if err != nil {
		return zero, err
	}
	defer stmt.Close()
	defer cursor.Close()

	if !cursor.Next() {
		if err := cursor.Err(); err != nil {
			return zero, wrapEngineError(err, sqlText)
		}
		return zero, sql.ErrNoRows
	}
	return decode(cursor)
}
