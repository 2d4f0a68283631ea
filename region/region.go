// Package region implements the database region algebra: a compact
// description of which tables, columns, and rowids a statement reads or
// writes, used to decide which observers care about which commits.
package region

import "strings"

// EventKind identifies the kind of a runtime row change.
type EventKind int

const (
	Insert EventKind = iota
	Delete
	Update
)

// Event is a runtime row-change notification.
type Event struct {
	Kind   EventKind
	Table  string
	RowID  int64
	Column string // non-empty only for Update of a single declared column
}

// TableRegion describes the columns and rowids of one table that a region
// touches. A nil Columns or RowIDs means "all" of that dimension; a non-nil
// empty set means "none".
type TableRegion struct {
	Columns map[string]struct{}
	RowIDs  map[int64]struct{}
}

func (t TableRegion) isEmpty() bool {
	return (t.Columns != nil && len(t.Columns) == 0) || (t.RowIDs != nil && len(t.RowIDs) == 0)
}

func (t TableRegion) clone() TableRegion {
	out := TableRegion{}
	if t.Columns != nil {
		out.Columns = make(map[string]struct{}, len(t.Columns))
		for c := range t.Columns {
			out.Columns[c] = struct{}{}
		}
	}
	if t.RowIDs != nil {
		out.RowIDs = make(map[int64]struct{}, len(t.RowIDs))
		for r := range t.RowIDs {
			out.RowIDs[r] = struct{}{}
		}
	}
	return out
}

func unionTable(a, b TableRegion) TableRegion {
	out := TableRegion{}
	switch {
	case a.Columns == nil || b.Columns == nil:
		out.Columns = nil
	default:
		out.Columns = make(map[string]struct{}, len(a.Columns)+len(b.Columns))
		for c := range a.Columns {
			out.Columns[c] = struct{}{}
		}
		for c := range b.Columns {
			out.Columns[c] = struct{}{}
		}
	}
	switch {
	case a.RowIDs == nil || b.RowIDs == nil:
		out.RowIDs = nil
	default:
		out.RowIDs = make(map[int64]struct{}, len(a.RowIDs)+len(b.RowIDs))
		for r := range a.RowIDs {
			out.RowIDs[r] = struct{}{}
		}
		for r := range b.RowIDs {
			out.RowIDs[r] = struct{}{}
		}
	}
	return out
}

func intersectTable(a, b TableRegion) TableRegion {
	out := TableRegion{}
	switch {
	case a.Columns == nil:
		out.Columns = b.clone().Columns
	case b.Columns == nil:
		out.Columns = a.clone().Columns
	default:
		out.Columns = make(map[string]struct{})
		for c := range a.Columns {
			if _, ok := b.Columns[c]; ok {
				out.Columns[c] = struct{}{}
			}
		}
	}
	switch {
	case a.RowIDs == nil:
		out.RowIDs = b.clone().RowIDs
	case b.RowIDs == nil:
		out.RowIDs = a.clone().RowIDs
	default:
		out.RowIDs = make(map[int64]struct{})
		for r := range a.RowIDs {
			if _, ok := b.RowIDs[r]; ok {
				out.RowIDs[r] = struct{}{}
			}
		}
	}
	return out
}

// Region is a value describing "what part of the database is touched".
// The zero value is Empty. A Region is either full-database (the absorbing
// element for union) or a mapping from canonicalized table identifier to a
// TableRegion.
type Region struct {
	full   bool
	tables map[string]TableRegion
}

// Empty returns the region that touches nothing.
func Empty() Region {
	return Region{}
}

// FullDatabase returns the absorbing region that touches everything,
// including virtual-table shadow writes and any unadvertised table.
func FullDatabase() Region {
	return Region{full: true}
}

func canon(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Table returns the region touching every column and every rowid of t.
func Table(t string) Region {
	return Region{tables: map[string]TableRegion{canon(t): {}}}
}

// TableColumns returns the region touching the given columns (all rowids)
// of t. An empty cols yields the empty region: a table entry with no
// columns is dropped on construction.
func TableColumns(t string, cols []string) Region {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[canon(c)] = struct{}{}
	}
	return buildTable(t, TableRegion{Columns: set})
}

// TableRowIDs returns the region touching the given rowids (all columns)
// of t.
func TableRowIDs(t string, ids []int64) Region {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return buildTable(t, TableRegion{RowIDs: set})
}

func buildTable(t string, tr TableRegion) Region {
	if tr.isEmpty() {
		// A table entry with empty columns or empty rowids is dropped on
		// construction: it can never match anything.
		return Empty()
	}
	return Region{tables: map[string]TableRegion{canon(t): tr}}
}

// IsEmpty reports whether the region touches nothing at all.
func (r Region) IsEmpty() bool {
	return !r.full && len(r.tables) == 0
}

// IsFullDatabase reports whether the region is the absorbing element.
func (r Region) IsFullDatabase() bool {
	return r.full
}

// Union returns r ∪ other. Full-database is absorbing.
func (r Region) Union(other Region) Region {
	if r.full || other.full {
		return FullDatabase()
	}
	out := Region{tables: make(map[string]TableRegion, len(r.tables)+len(other.tables))}
	for name, tr := range r.tables {
		out.tables[name] = tr.clone()
	}
	for name, tr := range other.tables {
		if existing, ok := out.tables[name]; ok {
			out.tables[name] = unionTable(existing, tr)
		} else {
			out.tables[name] = tr.clone()
		}
	}
	return out
}

// Intersection returns r ∩ other. Empty is absorbing; full-database is
// identity.
func (r Region) Intersection(other Region) Region {
	if r.full {
		return other
	}
	if other.full {
		return r
	}
	out := Region{tables: make(map[string]TableRegion)}
	for name, tr := range r.tables {
		otr, ok := other.tables[name]
		if !ok {
			continue
		}
		merged := intersectTable(tr, otr)
		if merged.isEmpty() {
			continue
		}
		out.tables[name] = merged
	}
	return out
}

// IntersectsEventsOfKind reports whether the region could ever match a
// runtime event of kind k against table t (and, for Update, the given
// columns). Equivalent to intersection(k.region()) != empty: used at
// statement-compile time to decide whether to subscribe to row events at
// all, before any row has actually changed.
func (r Region) IntersectsEventsOfKind(table string, kind EventKind, columns []string) bool {
	var kindRegion Region
	switch kind {
	case Update:
		kindRegion = TableColumns(table, columns)
		if len(columns) == 0 {
			kindRegion = Table(table)
		}
	default:
		kindRegion = Table(table)
	}
	return !r.Intersection(kindRegion).IsEmpty()
}

// IntersectsEvent reports whether a runtime (table, rowid) event matches
// this region: true if the region has no table filter (full-database), or
// if it mentions table and either has no rowid set or contains the rowid
// (and, for an Update event that names a column, has no column set or
// contains that column). An event on a table the region does not name
// does not match unless the region is full-database; writes to a virtual
// table's shadow tables are not treated specially.
func (r Region) IntersectsEvent(evt Event) bool {
	if r.full {
		return true
	}
	tr, ok := r.tables[canon(evt.Table)]
	if !ok {
		return false
	}
	if tr.RowIDs != nil {
		if _, ok := tr.RowIDs[evt.RowID]; !ok {
			return false
		}
	}
	if evt.Kind == Update && evt.Column != "" && tr.Columns != nil {
		if _, ok := tr.Columns[canon(evt.Column)]; !ok {
			return false
		}
	}
	return true
}

// Equal reports semantic equality: same mapping, independent of insertion
// order or full-database flag representation.
func (r Region) Equal(other Region) bool {
	if r.full != other.full {
		return false
	}
	if r.full {
		return true
	}
	if len(r.tables) != len(other.tables) {
		return false
	}
	for name, tr := range r.tables {
		otr, ok := other.tables[name]
		if !ok {
			return false
		}
		if !tableEqual(tr, otr) {
			return false
		}
	}
	return true
}

func tableEqual(a, b TableRegion) bool {
	if (a.Columns == nil) != (b.Columns == nil) {
		return false
	}
	if (a.RowIDs == nil) != (b.RowIDs == nil) {
		return false
	}
	if a.Columns != nil {
		if len(a.Columns) != len(b.Columns) {
			return false
		}
		for c := range a.Columns {
			if _, ok := b.Columns[c]; !ok {
				return false
			}
		}
	}
	if a.RowIDs != nil {
		if len(a.RowIDs) != len(b.RowIDs) {
			return false
		}
		for v := range a.RowIDs {
			if _, ok := b.RowIDs[v]; !ok {
				return false
			}
		}
	}
	return true
}
