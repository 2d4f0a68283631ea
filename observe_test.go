package litepool

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/litepool/internal/engine"
	"github.com/g960059/litepool/region"
)

// waitOn blocks until ch receives a value or the dispatcher has had a
// generous window to run, failing the test on timeout. Dispatch now runs on
// the broker's own goroutine, asynchronously with onCommit returning.
func waitOn(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

func TestBrokerDispatchesOnlyMatchingEvents(t *testing.T) {
	b := newBroker()
	defer b.Close()

	var got []region.Event
	done := make(chan struct{})
	_, cancel := b.Subscribe(&FuncObserver{
		Region: region.Table("users"),
		Change: func(ctx context.Context, events []region.Event) {
			got = append(got, events...)
			close(done)
		},
	})
	defer cancel()

	b.onRow(region.Event{Kind: region.Insert, Table: "users", RowID: 1})
	b.onRow(region.Event{Kind: region.Insert, Table: "orders", RowID: 1})
	b.onCommit()
	waitOn(t, done)

	if len(got) != 1 || got[0].Table != "users" {
		t.Fatalf("expected only the users event to be dispatched, got %+v", got)
	}
}

func TestBrokerDiscardsEventsOnRollback(t *testing.T) {
	b := newBroker()
	defer b.Close()

	var calls int
	_, cancel := b.Subscribe(&FuncObserver{
		Region: region.FullDatabase(),
		Change: func(ctx context.Context, events []region.Event) { calls++ },
	})
	defer cancel()

	b.onRow(region.Event{Kind: region.Insert, Table: "users", RowID: 1})
	b.onRollback()
	if b.onCommit() {
		t.Fatalf("onCommit should never request a rollback")
	}

	// Rolled-back events never reach the dispatcher at all (onCommit returns
	// early on an empty pending list), so there is nothing to wait on here.
	if calls != 0 {
		t.Fatalf("expected no dispatch after rollback, got %d calls", calls)
	}
}

func TestBrokerObserverPanicDoesNotStopOtherObservers(t *testing.T) {
	b := newBroker()
	defer b.Close()

	var secondCalled bool
	done := make(chan struct{})
	_, cancel1 := b.Subscribe(&FuncObserver{
		Region: region.FullDatabase(),
		Change: func(ctx context.Context, events []region.Event) { panic("boom") },
		Error:  func(err error) {},
	})
	defer cancel1()
	_, cancel2 := b.Subscribe(&FuncObserver{
		Region: region.FullDatabase(),
		Change: func(ctx context.Context, events []region.Event) {
			secondCalled = true
			close(done)
		},
	})
	defer cancel2()

	b.onRow(region.Event{Kind: region.Insert, Table: "users", RowID: 1})
	b.onCommit()
	waitOn(t, done)

	if !secondCalled {
		t.Fatalf("expected second observer to still be notified after first panicked")
	}
}

func TestBrokerObservesDeletionsOn(t *testing.T) {
	b := newBroker()
	defer b.Close()
	if b.observesDeletionsOn("users") {
		t.Fatalf("expected no interest before subscribing")
	}
	_, cancel := b.Subscribe(&FuncObserver{Region: region.Table("users")})
	defer cancel()
	if !b.observesDeletionsOn("users") {
		t.Fatalf("expected interest in users deletes once subscribed")
	}
	if b.observesDeletionsOn("orders") {
		t.Fatalf("expected no interest in an unrelated table")
	}
}

func TestBrokerObservesAny(t *testing.T) {
	b := newBroker()
	defer b.Close()

	insertUsers := []engine.EventIntent{{Kind: region.Insert, Table: "users"}}
	if b.observesAny(insertUsers) {
		t.Fatalf("expected no interest before subscribing")
	}

	_, cancel := b.Subscribe(&FuncObserver{Region: region.Table("users")})
	defer cancel()

	if !b.observesAny(insertUsers) {
		t.Fatalf("expected interest in a users insert once subscribed")
	}
	if b.observesAny([]engine.EventIntent{{Kind: region.Insert, Table: "orders"}}) {
		t.Fatalf("expected no interest in an unrelated table")
	}
	updateUsersName := []engine.EventIntent{{Kind: region.Update, Table: "users", Columns: map[string]struct{}{"name": {}}}}
	if !b.observesAny(updateUsersName) {
		t.Fatalf("expected interest in a users column update once subscribed")
	}
}
