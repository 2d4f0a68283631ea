package litepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/litepool/internal/engine"
	"github.com/g960059/litepool/region"
)

// Observer receives row-level change notifications for whatever region it
// declares interest in. This is component H from spec.md §4.
type Observer interface {
	// ObservedRegion returns the region this observer cares about. The
	// broker calls it each time it checks this observer (for each DELETE
	// being prepared, for each Exec statement, and at each commit), not
	// once per registration.
	ObservedRegion() region.Region

	// OnChange is called once per committed write transaction that
	// touched the observed region, with exactly the events from that
	// transaction that intersected it.
	OnChange(ctx context.Context, events []region.Event)

	// OnError is called if dispatching to this observer panics; the
	// broker recovers so one broken observer can't prevent others from
	// being notified or prevent the write transaction from returning.
	OnError(err error)
}

// Broker is the per-writer-connection hub that receives raw row-change
// events from the engine's update hook and fans them out to observers
// whose region intersects the transaction's events. A Pool owns exactly
// one Broker for its writer connection. Dispatch runs on the broker's own
// dispatcher goroutine, a serial notification queue distinct from the
// writer's own executor: the commit hook hands the transaction's events
// to the dispatcher and does not wait for their OnChange calls to run. The
// hand-off is unbuffered, so while the dispatcher is still running an
// earlier transaction's callbacks, the commit hook waits for them to finish.
type Broker struct {
	mu        sync.Mutex
	observers map[string]Observer
	pending   []region.Event

	dispatcher *Connection
}

func newBroker() *Broker {
	return newBrokerWithLogger(zerolog.Nop())
}

func newBrokerWithLogger(logger zerolog.Logger) *Broker {
	return &Broker{
		observers:  map[string]Observer{},
		dispatcher: newConnectionWithLogger("observer-dispatch", logger),
	}
}

// Close stops the dispatcher goroutine, waiting for any dispatch already
// in flight to finish first.
func (b *Broker) Close() {
	b.dispatcher.Close()
}

// Subscribe registers o and returns a cancel function that unregisters it.
// Safe to call concurrently with dispatch; the observer snapshot taken at
// commit time is unaffected by subscriptions/cancellations that happen
// during its own iteration.
func (b *Broker) Subscribe(o Observer) (id string, cancel func()) {
	id = uuid.NewString()
	b.mu.Lock()
	b.observers[id] = o
	b.mu.Unlock()
	return id, func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// hasObservers reports whether any observer is currently registered; the
// Pool uses this to decide whether the engine's row-change hook needs to
// be armed at all.
func (b *Broker) hasObservers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers) > 0
}

// observesDeletionsOn reports whether any registered observer's region
// would care about a delete on table, used by internal/engine's authorizer
// to decide whether to suppress the truncate optimization for a given
// DELETE statement.
func (b *Broker) observesDeletionsOn(table string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.observers {
		if o.ObservedRegion().IntersectsEventsOfKind(table, region.Delete, nil) {
			return true
		}
	}
	return false
}

// observesAny reports whether any registered observer's region could ever
// intersect one of a statement's predicted event_kinds. This is spec.md
// §4.H's per-statement filtering step: a statement whose EventKinds nothing
// cares about can have its row-change forwarding suppressed for that one
// execution, rather than buffering events no observer will ever match.
func (b *Broker) observesAny(kinds []engine.EventIntent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.observers {
		r := o.ObservedRegion()
		for _, k := range kinds {
			cols := make([]string, 0, len(k.Columns))
			for c := range k.Columns {
				cols = append(cols, c)
			}
			if r.IntersectsEventsOfKind(k.Table, k.Kind, cols) {
				return true
			}
		}
	}
	return false
}

// onRow is installed as the engine connection's row-change callback; it
// only accumulates, since events are only meaningful once the enclosing
// transaction actually commits.
func (b *Broker) onRow(evt region.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// onCommit is installed as the engine connection's commit hook. It always
// returns false (never forces a rollback). It only enqueues this
// transaction's events onto the dispatcher before returning (waiting, if
// the dispatcher is busy, until it accepts them); the actual OnChange calls
// run later, on the dispatcher goroutine, in the same order transactions
// committed in.
func (b *Broker) onCommit() bool {
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	snapshot := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		snapshot = append(snapshot, o)
	}
	b.mu.Unlock()

	if len(events) == 0 {
		return false
	}
	b.dispatcher.Async(func(ctx context.Context) {
		for _, o := range snapshot {
			dispatchTo(ctx, o, events)
		}
	})
	return false
}

// onRollback is installed as the engine connection's rollback hook; any
// events accumulated by the rolled-back transaction are discarded.
func (b *Broker) onRollback() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

func dispatchTo(ctx context.Context, o Observer, events []region.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.OnError(fmt.Errorf("litepool: observer panicked: %v", r))
		}
	}()
	matched := filterEvents(o.ObservedRegion(), events)
	if len(matched) == 0 {
		return
	}
	o.OnChange(ctx, matched)
}

func filterEvents(r region.Region, events []region.Event) []region.Event {
	var out []region.Event
	for _, e := range events {
		if r.IntersectsEvent(e) {
			out = append(out, e)
		}
	}
	return out
}

// FuncObserver adapts a pair of plain functions to the Observer interface,
// for callers that don't need a dedicated type.
type FuncObserver struct {
	Region  region.Region
	Change  func(ctx context.Context, events []region.Event)
	Error   func(err error)
}

func (f *FuncObserver) ObservedRegion() region.Region { return f.Region }

func (f *FuncObserver) OnChange(ctx context.Context, events []region.Event) {
	if f.Change != nil {
		f.Change(ctx, events)
	}
}

func (f *FuncObserver) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
