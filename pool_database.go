package litepool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/litepool/bind"
	"github.com/g960059/litepool/internal/engine"
)

// Pool is component F from spec.md §4: one serialized writer connection
// plus a bounded ReaderPool of read-only connections, all sharing a single
// WAL-mode database file. Pool is the type applications construct
// directly; SnapshotPool (component G) is built from a Pool or opened
// standalone.
type Pool struct {
	cfg Config

	writer       *Connection
	writerEngine *engine.Conn
	broker       *Broker

	readers *ReaderPool

	suspendMu sync.Mutex
	resumeCh  chan struct{}
}

// Open opens (creating if necessary) the database at cfg.Path, switches it
// to WAL mode, and starts the writer connection and reader pool. If
// cfg.ReadOnly is set, WAL activation is skipped (the database is assumed
// already WAL-enabled by its owning writer) and the writer connection
// itself is opened in the engine's read-only mode, so Write calls fail at
// the engine rather than needing a separate guard here.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	writerOpts := engine.Options{
		Path:                   cfg.Path,
		ReadOnly:               cfg.ReadOnly,
		BusyTimeoutMS:          cfg.BusyTimeoutMS,
		DefaultTransactionKind: cfg.DefaultTransactionKind,
		ForeignKeys:            cfg.ForeignKeysEnabled,
	}
	writerEngine, err := engine.Open(ctx, writerOpts)
	if err != nil {
		return nil, fmt.Errorf("litepool: open writer: %w", err)
	}
	if !cfg.ReadOnly {
		if err := writerEngine.EnableWAL(ctx); err != nil {
			writerEngine.Close() //nolint:errcheck
			return nil, err
		}
	}
	if cfg.PrepareDatabase != nil {
		if err := cfg.PrepareDatabase(writerEngine); err != nil {
			writerEngine.Close() //nolint:errcheck
			return nil, fmt.Errorf("litepool: prepare writer connection: %w", err)
		}
	}

	resumeCh := make(chan struct{})
	close(resumeCh) // starts resumed

	p := &Pool{
		cfg:          cfg,
		writer:       newConnectionWithLogger("writer", cfg.Logger),
		writerEngine: writerEngine,
		broker:       newBrokerWithLogger(cfg.Logger),
		readers: newReaderPool(engine.Options{
			Path:          cfg.Path,
			ReadOnly:      true,
			BusyTimeoutMS: cfg.BusyTimeoutMS,
			ForeignKeys:   cfg.ForeignKeysEnabled,
		}, cfg.MaxReaderCount, cfg.Logger, cfg.PrepareDatabase),
		resumeCh: resumeCh,
	}
	p.writerEngine.RewireAuthorizer(p.broker.observesDeletionsOn)
	p.writerEngine.SetTransactionHooks(p.broker.onCommit, p.broker.onRollback)

	cfg.Logger.Info().Str("pool", cfg.Label).Str("path", cfg.Path).Int("max_readers", cfg.MaxReaderCount).Msg("litepool: pool opened")
	return p, nil
}

// Suspend blocks new Write/Read/BeginConcurrentRead acquisitions until
// Resume is called. A no-op unless cfg.ObservesSuspensionNotifications is
// set, matching spec.md §6's opt-in suspend/resume hooks.
func (p *Pool) Suspend() {
	if !p.cfg.ObservesSuspensionNotifications {
		return
	}
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()
	select {
	case <-p.resumeCh:
		p.resumeCh = make(chan struct{})
	default:
	}
}

// Resume undoes Suspend, unblocking any acquisition waiting on it.
func (p *Pool) Resume() {
	if !p.cfg.ObservesSuspensionNotifications {
		return
	}
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()
	select {
	case <-p.resumeCh:
	default:
		close(p.resumeCh)
	}
}

func (p *Pool) waitResumed(ctx context.Context) error {
	p.suspendMu.Lock()
	ch := p.resumeCh
	p.suspendMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriterConnection exposes the raw writer engine connection, for use by
// FetchCursor/FetchAll/FetchOne from within a Write/WriteWithoutTransaction
// callback.
func (p *Pool) WriterConnection() *engine.Conn { return p.writerEngine }

// Observe registers o against this pool's write stream and returns a
// cancel function. Registering the first observer (or cancelling the
// last) toggles the engine's row-change hook. Whether a DELETE on an
// observed table skips the truncate fast path is decided by the writer's
// authorizer, which asks the broker at prepare time.
func (p *Pool) Observe(o Observer) (cancel func()) {
	_, rawCancel := p.broker.Subscribe(o)
	p.refreshRowObserver()
	return func() {
		rawCancel()
		p.refreshRowObserver()
	}
}

func (p *Pool) refreshRowObserver() {
	if p.broker.hasObservers() {
		p.writerEngine.SetRowObserver(p.broker.onRow)
	} else {
		p.writerEngine.SetRowObserver(nil)
	}
}

// Write runs fn inside a write transaction of cfg.DefaultTransactionKind,
// committing on success and rolling back on any error fn returns. If
// cfg.PassiveCheckpointOnWrite is set, a PASSIVE wal_checkpoint is attempted
// immediately after a successful commit; a checkpoint that can't fully
// complete (readers still holding back the WAL) is not an error. A
// checkpoint error is logged rather than returned; the checkpoint's
// counts are discarded.
func (p *Pool) Write(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if err := p.waitResumed(ctx); err != nil {
		return err
	}
	return p.writer.Sync(ctx, func(ctx context.Context) error {
		if err := runInTransaction(ctx, p.writerEngine, p.cfg.DefaultTransactionKind, p.cfg.Logger, fn); err != nil {
			return err
		}
		if p.cfg.PassiveCheckpointOnWrite {
			if _, _, _, err := p.writerEngine.Checkpoint(ctx, engine.Passive); err != nil {
				p.cfg.Logger.Error().Err(err).Msg("litepool: passive checkpoint after write failed")
			}
		}
		return nil
	})
}

// Exec runs a single statement inside a write transaction via the
// component I front-end, resolving args and consulting the broker's
// observes_any filtering to skip row-change bookkeeping for statements
// nothing is observing. Prefer this over a raw conn.SQL().ExecContext call
// inside Write when the statement's argument binding or event-kind
// filtering is worth the extra Prepare.
func (p *Pool) Exec(ctx context.Context, sqlText string, args bind.Arguments) (sql.Result, error) {
	var res sql.Result
	err := p.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		var execErr error
		res, execErr = Exec(ctx, conn, sqlText, args, p.broker.observesDeletionsOn, p.broker.observesAny)
		return execErr
	})
	return res, err
}

func runInTransaction(ctx context.Context, conn *engine.Conn, kind engine.TransactionKind, logger zerolog.Logger, fn func(ctx context.Context, conn *engine.Conn) error) error {
	beginSQL := "BEGIN"
	switch kind {
	case engine.Immediate:
		beginSQL = "BEGIN IMMEDIATE"
	case engine.Exclusive:
		beginSQL = "BEGIN EXCLUSIVE"
	}
	if _, err := conn.SQL().ExecContext(ctx, beginSQL); err != nil {
		return wrapEngineError(err, beginSQL)
	}
	if err := fn(ctx, conn); err != nil {
		if _, rbErr := conn.SQL().ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			logger.Error().Err(rbErr).Msg("litepool: rollback after error failed")
		}
		return err
	}
	if _, err := conn.SQL().ExecContext(ctx, "COMMIT"); err != nil {
		return wrapEngineError(err, "COMMIT")
	}
	return nil
}

// WriteWithoutTransaction runs fn against the writer connection in
// autocommit mode, with no enclosing BEGIN/COMMIT. Used for statements
// that are illegal inside a transaction (e.g. VACUUM, some PRAGMAs).
func (p *Pool) WriteWithoutTransaction(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if err := p.waitResumed(ctx); err != nil {
		return err
	}
	return p.writer.Sync(ctx, func(ctx context.Context) error {
		return fn(ctx, p.writerEngine)
	})
}

// WriteWithRetry retries fn through Write while the engine reports
// SQLITE_BUSY, backing off linearly, up to maxAttempts. Grounded on the
// busy-retry pattern the teacher's store layer uses for contended writers.
func (p *Pool) WriteWithRetry(ctx context.Context, maxAttempts int, backoff time.Duration, fn func(ctx context.Context, conn *engine.Conn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = p.Write(ctx, fn)
		if lastErr == nil || !IsBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Read acquires a reader connection, opens a deferred read transaction on
// it so every statement fn issues sees one consistent snapshot, and
// releases the connection back to the pool afterward.
func (p *Pool) Read(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if err := p.waitResumed(ctx); err != nil {
		return err
	}
	return p.readers.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return runInTransaction(ctx, conn, engine.Deferred, p.cfg.Logger, fn)
	})
}

// UnsafeRead acquires a reader connection and runs fn directly, without a
// wrapping transaction: each statement fn issues sees its own independent
// snapshot rather than one consistent view across the whole call. Named
// Unsafe to flag that consistency tradeoff to call sites.
func (p *Pool) UnsafeRead(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if err := p.waitResumed(ctx); err != nil {
		return err
	}
	return p.readers.Read(ctx, fn)
}

// UnsafeReentrantRead lets fn observe the writer connection's own
// in-progress, uncommitted changes when called from within a Write
// callback on this same Pool; otherwise it behaves exactly like
// UnsafeRead. This is the escape hatch spec.md's Open Questions flagged
// for "read your own writes before commit", named Unsafe because reusing
// the writer connection here means fn runs serialized behind (and blocks)
// the very write transaction it's nested inside.
func (p *Pool) UnsafeReentrantRead(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	if eid, ok := executorIDFromContext(ctx); ok && eid == p.writer.id {
		return fn(ctx, p.writerEngine)
	}
	return p.UnsafeRead(ctx, fn)
}

// UnsafeReentrantWrite lets fn run against the writer connection from
// within an enclosing Write/WriteWithoutTransaction/UnsafeReentrantWrite
// call, reusing whatever transaction (if any) is already open rather than
// starting a new one. Outside of such a call it behaves like
// WriteWithoutTransaction. Mirrors UnsafeReentrantRead's opt-in unsafety on
// the write side.
func (p *Pool) UnsafeReentrantWrite(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	return p.writer.ReentrantSync(ctx, func(ctx context.Context) error {
		return fn(ctx, p.writerEngine)
	})
}

// ConcurrentReadHandle is a reader connection pinned to one snapshot by an
// open deferred transaction, checked out independently of Pool.Read's
// single-call lifetime. Obtained from Pool.BeginConcurrentRead.
type ConcurrentReadHandle struct {
	pool *Pool
	r    *reader
}

// BeginConcurrentRead is component F's two-step handshake for holding a
// snapshot open across multiple, possibly interleaved calls: it acquires a
// reader and opens (but does not close) a deferred transaction on it. Since
// the returned handle leaves that transaction open past this call, it is
// refused when cfg.AllowsUnsafeTransactions is false.
func (p *Pool) BeginConcurrentRead(ctx context.Context) (*ConcurrentReadHandle, error) {
	if !p.cfg.AllowsUnsafeTransactions {
		return nil, fmt.Errorf("litepool: BeginConcurrentRead requires Config.AllowsUnsafeTransactions")
	}
	if err := p.waitResumed(ctx); err != nil {
		return nil, err
	}
	r, err := p.readers.Get(ctx)
	if err != nil {
		return nil, err
	}
	err = r.executor.Sync(ctx, func(ctx context.Context) error {
		if _, err := r.engine.SQL().ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
			return wrapEngineError(err, "BEGIN DEFERRED")
		}
		// A deferred transaction does not acquire its read snapshot until
		// its first read statement; force that here so the snapshot is
		// materialized before this handshake returns, not at whatever
		// later moment the caller happens to issue its first Use.
		var discard int
		row := r.engine.SQL().QueryRowContext(ctx, "SELECT 1 FROM sqlite_schema LIMIT 1")
		if err := row.Scan(&discard); err != nil && err != sql.ErrNoRows {
			return wrapEngineError(err, "SELECT 1 FROM sqlite_schema LIMIT 1")
		}
		return nil
	})
	if err != nil {
		p.readers.Put(r, true)
		return nil, err
	}
	return &ConcurrentReadHandle{pool: p, r: r}, nil
}

// Use runs fn against the pinned snapshot.
func (h *ConcurrentReadHandle) Use(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	return h.r.executor.Sync(ctx, func(ctx context.Context) error {
		return fn(ctx, h.r.engine)
	})
}

// Close ends the pinned transaction and returns the connection to the
// pool.
func (h *ConcurrentReadHandle) Close(ctx context.Context) error {
	err := h.r.executor.Sync(ctx, func(ctx context.Context) error {
		_, err := h.r.engine.SQL().ExecContext(ctx, "COMMIT")
		return wrapEngineError(err, "COMMIT")
	})
	h.pool.readers.Put(h.r, err != nil)
	return err
}

// Checkpoint runs a wal_checkpoint on the writer connection. For
// engine.Truncate, it first waits for every checked-out reader to
// return (readers hold a WAL read mark open for their whole transaction,
// which would otherwise prevent the engine from truncating the log).
func (p *Pool) Checkpoint(ctx context.Context, mode engine.CheckpointMode) error {
	if mode == engine.Truncate {
		if err := p.readers.Barrier(ctx); err != nil {
			return err
		}
	}
	return p.writer.Sync(ctx, func(ctx context.Context) error {
		_, _, _, err := p.writerEngine.Checkpoint(ctx, mode)
		return err
	})
}

// ReleaseMemory asks the writer and every reader connection to release
// unused memory back to the allocator.
func (p *Pool) ReleaseMemory(ctx context.Context) error {
	if err := p.writer.Sync(ctx, func(ctx context.Context) error {
		return p.writerEngine.ReleaseMemory(ctx)
	}); err != nil {
		return err
	}
	return p.readers.ForEach(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.ReleaseMemory(ctx)
	})
}

// Interrupt aborts whatever is currently running on the writer and on
// every reader connection. Safe to call from any goroutine.
func (p *Pool) Interrupt() {
	p.writerEngine.Interrupt()
	p.readers.InterruptAll()
}

// Close shuts the pool down: it waits for the writer's executor to drain,
// closes the writer engine connection, closes the reader pool, and stops
// the broker's dispatcher goroutine (waiting for any in-flight OnChange
// calls to finish first).
func (p *Pool) Close(ctx context.Context) error {
	p.writer.Close()
	writerErr := p.writerEngine.Close()
	readerErr := p.readers.Close(ctx)
	p.broker.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}
