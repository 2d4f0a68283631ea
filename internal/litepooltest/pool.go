// Package litepooltest provides throwaway Pool/engine.Conn fixtures for
// tests across the module, mirroring the teacher's internal/testutil
// helpers.
package litepooltest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/litepool"
	"github.com/g960059/litepool/internal/engine"
)

// NewPool opens a Pool backed by a fresh temp-dir database file and
// registers it for cleanup at test end.
func NewPool(t *testing.T) (*litepool.Pool, context.Context) {
	t.Helper()
	return NewPoolWithConfig(t, func(cfg *litepool.Config) {})
}

// NewPoolWithConfig is like NewPool but lets the caller adjust the default
// Config (e.g. to exercise AllowsUnsafeTransactions, PrepareDatabase, or
// ObservesSuspensionNotifications) before the pool opens.
func NewPoolWithConfig(t *testing.T, adjust func(cfg *litepool.Config)) (*litepool.Pool, context.Context) {
	t.Helper()
	ctx := context.Background()
	cfg := litepool.DefaultConfig(filepath.Join(t.TempDir(), "litepool-test.db"))
	adjust(&cfg)
	pool, err := litepool.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close(context.Background())
	})
	return pool, ctx
}

// NewEngineConn opens a single, unmanaged writer-role engine.Conn backed by
// a fresh temp-dir database file, for tests that exercise internal/engine
// directly rather than through Pool.
func NewEngineConn(t *testing.T) (*engine.Conn, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := engine.Open(ctx, engine.Options{
		Path:          filepath.Join(t.TempDir(), "litepool-engine-test.db"),
		BusyTimeoutMS: 1000,
		ForeignKeys:   true,
	})
	if err != nil {
		t.Fatalf("open test engine connection: %v", err)
	}
	if err := conn.EnableWAL(ctx); err != nil {
		t.Fatalf("enable WAL: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn, ctx
}

// Exec runs sql against conn and fails the test on error.
func Exec(t *testing.T, ctx context.Context, conn *engine.Conn, sqlText string, args ...any) {
	t.Helper()
	if _, err := conn.SQL().ExecContext(ctx, sqlText, args...); err != nil {
		t.Fatalf("exec %q: %v", sqlText, err)
	}
}
