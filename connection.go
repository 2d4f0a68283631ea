package litepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type executorIDKey struct{}

// Connection confines one *engine.Conn to a single worker goroutine: every
// operation against the underlying SQLite connection runs serialized on
// that goroutine, so the engine connection itself never needs its own
// locking. This is component D from spec.md §4.
type Connection struct {
	id    string
	label string
	log   zerolog.Logger

	jobs chan func()

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// newConnection starts the worker goroutine and returns a Connection ready
// to accept work. Every job runs on the worker goroutine, with its context
// already carrying this Connection's executor identity.
func newConnection(label string) *Connection {
	return newConnectionWithLogger(label, zerolog.Nop())
}

func newConnectionWithLogger(label string, logger zerolog.Logger) *Connection {
	c := &Connection{
		id:     uuid.NewString(),
		label:  label,
		log:    logger,
		jobs:   make(chan func()),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Connection) loop() {
	defer close(c.done)
	for {
		select {
		case job := <-c.jobs:
			job()
		case <-c.closed:
			return
		}
	}
}

// Label identifies this connection in logs and panics (e.g. "writer",
// "reader[2]", "snapshot").
func (c *Connection) Label() string { return c.label }

func executorIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(executorIDKey{}).(string)
	return id, ok
}

func withExecutorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executorIDKey{}, id)
}

// Sync schedules fn onto this connection's worker goroutine and blocks
// until it returns. Calling Sync from within a job already running on this
// same connection's executor panics immediately instead of deadlocking;
// use ReentrantSync from code that may legitimately be called either way.
func (c *Connection) Sync(ctx context.Context, fn func(ctx context.Context) error) error {
	if eid, ok := executorIDFromContext(ctx); ok && eid == c.id {
		err := fmt.Errorf("litepool: Sync called reentrantly on connection %q: %w", c.label, ErrNotReentrant)
		c.log.Error().Err(err).Str("connection", c.label).Msg("litepool: non-reentrant connection called from its own executor")
		panic(err)
	}
	return c.enqueue(ctx, fn)
}

// ReentrantSync behaves like Sync, except that when ctx already carries
// this connection's executor identity (the caller is already running
// inside one of this connection's Sync/ReentrantSync calls), fn runs inline
// on the current goroutine instead of being rescheduled.
func (c *Connection) ReentrantSync(ctx context.Context, fn func(ctx context.Context) error) error {
	if eid, ok := executorIDFromContext(ctx); ok && eid == c.id {
		return fn(ctx)
	}
	return c.enqueue(ctx, fn)
}

func (c *Connection) enqueue(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	panicked := make(chan any, 1)
	job := func() {
		// A panic inside fn (such as a reentrant Sync) is handed back to
		// the caller instead of unwinding the worker goroutine.
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		done <- fn(withExecutorID(ctx, c.id))
	}
	select {
	case c.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
	select {
	case err := <-done:
		return err
	case r := <-panicked:
		panic(r)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async schedules fn to run on this connection's worker goroutine without
// waiting for it to complete; used to dispatch observer notifications from
// within a commit hook. The hand-off itself is unbuffered: Async returns
// once the worker accepts fn, so it waits while the worker is still running
// an earlier job.
func (c *Connection) Async(fn func(ctx context.Context)) {
	job := func() {
		fn(withExecutorID(context.Background(), c.id))
	}
	select {
	case c.jobs <- job:
	case <-c.closed:
	}
}

// Close stops the worker goroutine. It does not close the underlying
// engine connection; callers own that separately (Pool and SnapshotPool do
// so after Close returns).
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.done
}
