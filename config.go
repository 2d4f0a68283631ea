package litepool

import (
	"github.com/rs/zerolog"

	"github.com/g960059/litepool/internal/engine"
)

// Config configures a Pool. The zero value is not valid; use
// DefaultConfig and override individual fields.
type Config struct {
	// Path is the database file path passed to the engine.
	Path string

	// MaxReaderCount bounds how many concurrent reader connections the
	// ReaderPool will open. Matches spec.md §6's max_reader_count.
	MaxReaderCount int

	// BusyTimeoutMS is the engine's busy_timeout, applied to every
	// connection the Pool opens.
	BusyTimeoutMS int

	// ForeignKeysEnabled turns on PRAGMA foreign_keys on every
	// connection.
	ForeignKeysEnabled bool

	// DefaultTransactionKind is the default BEGIN kind used by Write
	// when the caller doesn't ask for a specific one.
	DefaultTransactionKind engine.TransactionKind

	// PassiveCheckpointOnWrite, when true, runs a PASSIVE wal_checkpoint
	// opportunistically after every write transaction. Matches spec.md
	// §6's automatic_checkpoint option.
	PassiveCheckpointOnWrite bool

	// ReadOnly opens the pool without WAL activation: the writer connection
	// itself is opened in the engine's read-only mode (PRAGMA query_only
	// equivalent via mode=ro), so Write/WriteWithoutTransaction fail at the
	// engine rather than being refused up front. Matches spec.md §6's
	// read_only option.
	ReadOnly bool

	// ObservesSuspensionNotifications, when true, makes Pool.Suspend/Resume
	// actually gate new Write/Read/BeginConcurrentRead acquisitions; when
	// false (the default) those two methods are no-ops. Matches spec.md
	// §6's observes_suspension_notifications option.
	ObservesSuspensionNotifications bool

	// AllowsUnsafeTransactions governs whether BeginConcurrentRead (and the
	// SnapshotPool constructors built on it) may pin a reader connection to
	// a transaction that stays open past a single call. False rejects
	// those calls outright. Matches spec.md §6's allows_unsafe_transactions
	// option; defaults to true here since it is the pool's own built-in
	// snapshot mechanism, not ad hoc caller code, that relies on it.
	AllowsUnsafeTransactions bool

	// PrepareDatabase, if set, runs once against every new physical engine
	// connection (writer and each newly opened reader) before it is
	// exposed to any caller. Matches spec.md §6's prepare_database(conn)
	// hook.
	PrepareDatabase func(conn *engine.Conn) error

	// Label names this pool in logs; DefaultConfig sets it to Path.
	Label string

	// Logger receives structured lifecycle and diagnostic events. The zero
	// value logs nothing (zerolog.Nop()).
	Logger zerolog.Logger
}

// DefaultConfig returns the baseline configuration for a database at path:
// WAL mode, a four-reader pool, foreign keys on, and a one-second busy
// timeout, mirroring the defaults spec.md §6 describes.
func DefaultConfig(path string) Config {
	return Config{
		Path:                     path,
		MaxReaderCount:           4,
		BusyTimeoutMS:            1000,
		ForeignKeysEnabled:       true,
		DefaultTransactionKind:   engine.Deferred,
		AllowsUnsafeTransactions: true,
		Label:                    path,
		Logger:                   zerolog.Nop(),
	}
}
