package litepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/g960059/litepool/internal/engine"
)

// reader bundles one read-only engine connection with the Connection that
// serializes access to it.
type reader struct {
	executor *Connection
	engine   *engine.Conn
}

// ReaderPool is component E from spec.md §4: a bounded, fair pool of
// read-only connections. Acquisition is FIFO via a weighted semaphore so
// that readers queued under load are served in arrival order rather than
// whichever goroutine happens to win a race.
type ReaderPool struct {
	sem  *semaphore.Weighted
	opts engine.Options

	log             zerolog.Logger
	prepareDatabase func(conn *engine.Conn) error

	mu     sync.Mutex
	free   []*reader
	all    []*reader // every reader ever opened, for Interrupt broadcast
	closed bool
	count  int
	max    int
}

func newReaderPool(opts engine.Options, maxReaderCount int, logger zerolog.Logger, prepareDatabase func(conn *engine.Conn) error) *ReaderPool {
	return &ReaderPool{
		sem:             semaphore.NewWeighted(int64(maxReaderCount)),
		opts:            opts,
		max:             maxReaderCount,
		log:             logger,
		prepareDatabase: prepareDatabase,
	}
}

// Get acquires a reader connection, opening a new one if the pool has not
// yet reached max and none is idle. It blocks, respecting ctx, if the pool
// is already at capacity.
func (p *ReaderPool) Get(ctx context.Context) (*reader, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrConnectionClosed
	}
	var r *reader
	if n := len(p.free); n > 0 {
		r = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if r != nil {
		return r, nil
	}

	eng, err := engine.Open(ctx, p.opts)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	if p.prepareDatabase != nil {
		if err := p.prepareDatabase(eng); err != nil {
			eng.Close() //nolint:errcheck
			p.sem.Release(1)
			return nil, fmt.Errorf("litepool: prepare reader connection: %w", err)
		}
	}
	newR := &reader{executor: newConnectionWithLogger("reader", p.log), engine: eng}
	p.mu.Lock()
	p.count++
	p.all = append(p.all, newR)
	p.mu.Unlock()
	return newR, nil
}

// InterruptAll calls Interrupt on every reader connection this pool has
// ever opened, idle or checked out. Safe to call concurrently with Get/Put;
// Interrupt is documented as safe from outside a connection's own
// executor.
func (p *ReaderPool) InterruptAll() {
	p.mu.Lock()
	all := append([]*reader(nil), p.all...)
	p.mu.Unlock()
	for _, r := range all {
		r.engine.Interrupt()
	}
}

// Put returns r to the pool. If poisoned is true, meaning the caller
// observed a protocol-violating or corrupting error on r, the connection is
// closed and discarded rather than reused, and a fresh one opened on next
// Get.
func (p *ReaderPool) Put(r *reader, poisoned bool) {
	p.mu.Lock()
	if poisoned || p.closed {
		p.count--
		p.mu.Unlock()
		r.executor.Close()
		r.engine.Close() //nolint:errcheck
		p.sem.Release(1)
		return
	}
	p.free = append(p.free, r)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Read acquires a reader, runs fn against it under that reader's
// serialized executor, and releases it. If fn fails with a context
// cancellation or deadline error (see isConnectionPoisoningError), the
// connection is closed and discarded instead of returned to the idle list.
func (p *ReaderPool) Read(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	r, err := p.Get(ctx)
	if err != nil {
		return err
	}
	var poisoned bool
	runErr := r.executor.Sync(ctx, func(ctx context.Context) error {
		err := fn(ctx, r.engine)
		if err != nil && !IsBusy(err) {
			poisoned = isConnectionPoisoningError(err)
		}
		return err
	})
	p.Put(r, poisoned)
	return runErr
}

func isConnectionPoisoningError(err error) bool {
	// A context cancellation mid-statement can leave a SQLite connection
	// in a state database/sql itself considers unusable for further use;
	// treat cancellation-driven failures as poisoning rather than risk
	// reusing a half-executed statement.
	return err == context.Canceled || err == context.DeadlineExceeded
}

// ForEach runs fn against every reader connection currently opened by this
// pool, idle or not, acquiring the full capacity as a barrier first, then
// fanning fn out across all of them concurrently via errgroup and joining
// their errors. Used to broadcast maintenance operations (ReleaseMemory)
// to every reader, including ones mid-use by another
// caller that is itself blocked behind this same barrier, which is why
// ForEach takes the entire semaphore weight before starting rather than
// calling Get per reader.
func (p *ReaderPool) ForEach(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if err := p.sem.Acquire(ctx, int64(p.max)); err != nil {
		return err
	}
	defer p.sem.Release(int64(p.max))

	p.mu.Lock()
	readers := append([]*reader(nil), p.free...)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		r := r
		g.Go(func() error {
			return r.executor.Sync(gctx, func(ctx context.Context) error {
				return fn(ctx, r.engine)
			})
		})
	}
	return g.Wait()
}

// Barrier blocks until every currently checked-out reader has been
// returned, then immediately returns them to circulation. Used before a
// write-side operation (such as a TRUNCATE checkpoint) that requires no
// reader transaction be mid-flight.
func (p *ReaderPool) Barrier(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, int64(p.max)); err != nil {
		return err
	}
	p.sem.Release(int64(p.max))
	return nil
}

// Clear closes every idle reader connection, forcing the pool to reopen
// fresh ones on next use; a freshly opened connection starts with an empty
// schema cache. Nothing in this module calls it.
func (p *ReaderPool) Clear(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, int64(p.max)); err != nil {
		return err
	}
	defer p.sem.Release(int64(p.max))

	p.mu.Lock()
	idle := p.free
	p.free = nil
	p.count -= len(idle)
	p.mu.Unlock()

	var firstErr error
	for _, r := range idle {
		r.executor.Close()
		if err := r.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close acquires the full pool capacity, closes every idle connection, and
// marks the pool closed so future Get calls fail with ErrConnectionClosed.
func (p *ReaderPool) Close(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, int64(p.max)); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	idle := p.free
	p.free = nil
	p.mu.Unlock()
	p.sem.Release(int64(p.max))

	var firstErr error
	for _, r := range idle {
		r.executor.Close()
		if err := r.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
