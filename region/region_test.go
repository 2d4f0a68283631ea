package region

import "testing"

func TestUnionIsMonotoneAndAbsorbing(t *testing.T) {
	x := Table("users")
	y := TableColumns("orders", []string{"total"})

	u := x.Union(y)
	if u.Intersection(x).IsEmpty() {
		t.Fatalf("expected x subset of x union y")
	}

	full := FullDatabase()
	if !x.Union(full).IsFullDatabase() {
		t.Fatalf("full-database must absorb union")
	}
}

func TestIntersectionIdentitiesAndAbsorbing(t *testing.T) {
	x := Table("users")

	if !x.Intersection(Empty()).IsEmpty() {
		t.Fatalf("empty must absorb intersection")
	}
	if !x.Intersection(FullDatabase()).Equal(x) {
		t.Fatalf("full-database must be identity for intersection")
	}
}

func TestUnionCommutativeAssociativeIdempotent(t *testing.T) {
	a := Table("a")
	b := TableColumns("b", []string{"x", "y"})
	c := TableRowIDs("c", []int64{1, 2})

	if !a.Union(b).Equal(b.Union(a)) {
		t.Fatalf("union must be commutative")
	}
	if !a.Union(b).Union(c).Equal(a.Union(b.Union(c))) {
		t.Fatalf("union must be associative")
	}
	if !a.Union(a).Equal(a) {
		t.Fatalf("union must be idempotent")
	}
}

func TestEmptyTableEntryDroppedOnConstruction(t *testing.T) {
	r := TableColumns("users", nil)
	if !r.IsEmpty() {
		t.Fatalf("table region with empty explicit column set must be empty")
	}
	r2 := TableRowIDs("users", nil)
	if !r2.IsEmpty() {
		t.Fatalf("table region with empty explicit rowid set must be empty")
	}
}

func TestCaseFolding(t *testing.T) {
	a := Table("Users")
	b := Table("users")
	if !a.Equal(b) {
		t.Fatalf("table names must compare case-insensitively")
	}
	c := TableColumns("Users", []string{"Name"})
	d := TableColumns("users", []string{"name"})
	if !c.Equal(d) {
		t.Fatalf("column names must compare case-insensitively")
	}
}

func TestIntersectsEvent(t *testing.T) {
	full := FullDatabase()
	if !full.IntersectsEvent(Event{Table: "anything", RowID: 1}) {
		t.Fatalf("full-database must match any event")
	}

	allRows := Table("users")
	if !allRows.IntersectsEvent(Event{Table: "users", RowID: 42}) {
		t.Fatalf("table-wide region must match any rowid in that table")
	}
	if allRows.IntersectsEvent(Event{Table: "orders", RowID: 42}) {
		t.Fatalf("region must not match an unrelated table")
	}

	pinned := TableRowIDs("users", []int64{1, 2})
	if !pinned.IntersectsEvent(Event{Table: "users", RowID: 1}) {
		t.Fatalf("pinned rowid region must match a listed rowid")
	}
	if pinned.IntersectsEvent(Event{Table: "users", RowID: 3}) {
		t.Fatalf("pinned rowid region must not match an unlisted rowid")
	}
}

func TestIntersectsEventsOfKind(t *testing.T) {
	r := TableColumns("users", []string{"email"})
	if !r.IntersectsEventsOfKind("users", Update, []string{"email", "name"}) {
		t.Fatalf("region should subscribe when declared column overlaps the update's columns")
	}
	if r.IntersectsEventsOfKind("users", Update, []string{"name"}) {
		t.Fatalf("region should not subscribe when no declared column overlaps")
	}
	if !r.IntersectsEventsOfKind("users", Delete, nil) {
		t.Fatalf("any column-scoped region must still care about deletes on its table")
	}
}
