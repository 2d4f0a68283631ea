package litepool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/g960059/litepool/internal/engine"
)

// SnapshotPool is component G from spec.md §4: a single read-only
// connection pinned to one WAL snapshot for its entire lifetime via a
// sentinel transaction that is never committed until Close. Every Read
// call sees exactly the same database state, no matter how much the
// writer has committed in the meantime.
type SnapshotPool struct {
	pool       *Pool // non-nil when built from NewSnapshotPool; nil for standalone
	sentinel   *ConcurrentReadHandle
	standalone *engine.Conn

	mu     sync.Mutex
	closed bool
}

// NewSnapshotPool pins a snapshot of p's database by checking out one
// reader connection from p's own ReaderPool and holding it for as long as
// the SnapshotPool lives.
func NewSnapshotPool(ctx context.Context, p *Pool) (*SnapshotPool, error) {
	handle, err := p.BeginConcurrentRead(ctx)
	if err != nil {
		return nil, fmt.Errorf("litepool: open snapshot: %w", err)
	}
	return &SnapshotPool{pool: p, sentinel: handle}, nil
}

// OpenSnapshotPool opens a dedicated read-only connection directly against
// cfg.Path, outside of any Pool's reader bound, and pins it to one
// snapshot. The database must already be in WAL mode; SnapshotPool's
// isolation guarantee depends on WAL's reader/writer concurrency model and
// does not hold under rollback-journal mode.
func OpenSnapshotPool(ctx context.Context, cfg Config) (*SnapshotPool, error) {
	if !cfg.AllowsUnsafeTransactions {
		return nil, fmt.Errorf("litepool: OpenSnapshotPool requires Config.AllowsUnsafeTransactions")
	}
	conn, err := engine.Open(ctx, engine.Options{
		Path:          cfg.Path,
		ReadOnly:      true,
		BusyTimeoutMS: cfg.BusyTimeoutMS,
		ForeignKeys:   cfg.ForeignKeysEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("litepool: open snapshot: %w", err)
	}
	if cfg.PrepareDatabase != nil {
		if err := cfg.PrepareDatabase(conn); err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("litepool: prepare snapshot connection: %w", err)
		}
	}

	var mode string
	if err := conn.SQL().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("litepool: open snapshot: read journal_mode: %w", err)
	}
	if mode != "wal" {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("litepool: open snapshot: database is not in WAL mode (got %q)", mode)
	}
	if _, err := conn.SQL().ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("litepool: open snapshot: %w", wrapEngineError(err, "BEGIN DEFERRED"))
	}
	// Force the engine to materialize the snapshot now, inside this
	// construction call, rather than at whatever later moment the caller
	// happens to issue its first Read.
	var discard int
	row := conn.SQL().QueryRowContext(ctx, "SELECT 1 FROM sqlite_schema LIMIT 1")
	if err := row.Scan(&discard); err != nil && err != sql.ErrNoRows {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("litepool: open snapshot: %w", wrapEngineError(err, "SELECT 1 FROM sqlite_schema LIMIT 1"))
	}
	return &SnapshotPool{standalone: conn}, nil
}

// Read runs fn against the pinned snapshot. Calls after Close return
// ErrConnectionClosed.
func (s *SnapshotPool) Read(ctx context.Context, fn func(ctx context.Context, conn *engine.Conn) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	if s.sentinel != nil {
		return s.sentinel.Use(ctx, fn)
	}
	return fn(ctx, s.standalone)
}

// Close releases the sentinel transaction and the underlying connection.
// Close is terminal: once called, the SnapshotPool can never be reopened,
// matching the engine's own once-lost-always-lost snapshot semantics (a
// reconnection after the sentinel transaction ends would simply observe a
// newer, different snapshot rather than resume this one).
func (s *SnapshotPool) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.sentinel != nil {
		return s.sentinel.Close(ctx)
	}
	_, err := s.standalone.SQL().ExecContext(ctx, "COMMIT")
	if closeErr := s.standalone.Close(); err == nil {
		err = closeErr
	}
	return err
}
