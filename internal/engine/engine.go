// Package engine binds the component design in spec.md §4 to a concrete
// SQLite driver. It owns the one place in the module that reaches past
// database/sql into driver-specific territory: the authorizer, row-change,
// and commit/rollback hooks that components B and H are built on.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/g960059/litepool/region"
)

// Role is the role a connection plays within a Pool.
type Role int

const (
	RoleWriter Role = iota
	RoleReader
	RoleSnapshotReader
)

func (r Role) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	case RoleSnapshotReader:
		return "snapshot-reader"
	default:
		return "unknown"
	}
}

// TransactionKind mirrors spec.md §6's default_transaction_kind option.
type TransactionKind int

const (
	Deferred TransactionKind = iota
	Immediate
	Exclusive
)

func (k TransactionKind) sql() string {
	switch k {
	case Immediate:
		return "IMMEDIATE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "DEFERRED"
	}
}

// Options configures how a Conn is opened.
type Options struct {
	Path                   string
	ReadOnly               bool
	BusyTimeoutMS          int
	DefaultTransactionKind TransactionKind
	ForeignKeys            bool
}

// Conn owns exactly one raw SQLite connection: a *sql.Conn pinned out of a
// single-connection *sql.DB, plus the raw driver connection obtained via
// (*sql.Conn).Raw for hook registration. It is not safe for concurrent use;
// that confinement is the job of the Connection type one layer up.
type Conn struct {
	Role    Role
	Options Options

	db   *sql.DB
	conn *sql.Conn
	raw  *sqlite3.SQLiteConn

	mu              sync.Mutex // guards hook registration toggling only
	authorizerStack []*StatementAuthorization
	updateHookOn    bool
	onRow           func(region.Event)
	onCommit        func() bool // return true to force rollback
	onRollback      func()
}

// Open opens one dedicated physical SQLite connection. db.SetMaxOpenConns(1)
// guarantees database/sql never multiplexes this handle across more than
// one underlying connection, matching component D's "one engine connection"
// invariant; the caller confines all further use behind a serialized
// executor.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	dsn := buildDSN(opts)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	sc, err := db.Conn(ctx)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	c := &Conn{Options: opts, db: db, conn: sc}
	if err := sc.Raw(func(driverConn any) error {
		raw, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		c.raw = raw
		return nil
	}); err != nil {
		c.Close()
		return nil, err
	}
	c.InstallAuthorizer(nil)
	return c, nil
}

// RewireAuthorizer replaces the observesDeletionsOn callback used by future
// statement authorizations, once the owning Pool has a broker to ask.
func (c *Conn) RewireAuthorizer(observesDeletionsOn func(table string) bool) {
	c.InstallAuthorizer(observesDeletionsOn)
}

func buildDSN(opts Options) string {
	dsn := opts.Path
	query := "?"
	if opts.ReadOnly {
		query += "mode=ro&"
	}
	query += fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeoutMS)
	if opts.ForeignKeys {
		query += "&_foreign_keys=1"
	}
	query += fmt.Sprintf("&_txlock=%s", opts.DefaultTransactionKind.sql())
	return dsn + query
}

// EnableWAL sets journal_mode=WAL and synchronous=NORMAL, asserting the
// engine actually confirmed WAL mode (spec.md §4.F). Not called for
// read_only opens.
func (c *Conn) EnableWAL(ctx context.Context) error {
	var mode string
	if err := c.conn.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("set journal_mode=WAL: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("engine did not confirm WAL mode, got %q", mode)
	}
	if _, err := c.conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("set synchronous=NORMAL: %w", err)
	}
	return nil
}

// CheckpointMode is one of the four PRAGMA wal_checkpoint modes.
type CheckpointMode int

const (
	Passive CheckpointMode = iota
	Full
	Restart
	Truncate
)

func (m CheckpointMode) String() string {
	switch m {
	case Full:
		return "FULL"
	case Restart:
		return "RESTART"
	case Truncate:
		return "TRUNCATE"
	default:
		return "PASSIVE"
	}
}

// Checkpoint runs PRAGMA wal_checkpoint(mode) on this connection. Must only
// be invoked on the writer.
func (c *Conn) Checkpoint(ctx context.Context, mode CheckpointMode) (busy, log, checkpointed int, err error) {
	row := c.conn.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err := row.Scan(&busy, &log, &checkpointed); err != nil {
		return 0, 0, 0, fmt.Errorf("wal_checkpoint(%s): %w", mode, err)
	}
	return busy, log, checkpointed, nil
}

// Interrupt aborts any long-running operation on this connection; it is
// the one Conn method that is safe to call from outside the connection's
// serialized executor, matching the engine's own interrupt semantics.
func (c *Conn) Interrupt() {
	if c.raw != nil {
		c.raw.Interrupt()
	}
}

// ReleaseMemory calls the engine's memory-release primitive.
func (c *Conn) ReleaseMemory(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "PRAGMA shrink_memory")
	if err != nil {
		return fmt.Errorf("release memory: %w", err)
	}
	return nil
}

// ResetSchemaCache forces the engine to drop and rebuild this connection's
// cached schema. Nothing in this module calls it.
func (c *Conn) ResetSchemaCache(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "PRAGMA schema_version")
	return err
}

// SQL exposes the underlying *sql.Conn for statement preparation/execution
// by the layers above (component I's fetch front-end).
func (c *Conn) SQL() *sql.Conn { return c.conn }

// Close closes the single physical connection and its owning *sql.DB.
func (c *Conn) Close() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	if c.db != nil {
		if dbErr := c.db.Close(); err == nil {
			err = dbErr
		}
	}
	return err
}
