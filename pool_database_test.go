package litepool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/g960059/litepool"
	"github.com/g960059/litepool/bind"
	"github.com/g960059/litepool/internal/engine"
	"github.com/g960059/litepool/internal/litepooltest"
	"github.com/g960059/litepool/region"
)

func setupUsersTable(t *testing.T, ctx context.Context, pool *litepool.Pool) {
	t.Helper()
	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
		return err
	})
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func TestPoolWriteThenRead(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, "ada")
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	var name string
	err = pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT name FROM users WHERE id = 1`).Scan(&name)
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if name != "ada" {
		t.Fatalf("got name %q, want ada", name)
	}
}

func TestPoolWriteRollsBackOnError(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	boom := context.Canceled
	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		if _, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, "grace"); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom error, got %v", err)
	}

	var count int
	err = pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count)
	})
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to leave table empty, got %d rows", count)
	}
}

func TestPoolUnsafeReentrantReadSeesUncommittedWrite(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		if _, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, "turing"); err != nil {
			return err
		}
		var count int
		readErr := pool.UnsafeReentrantRead(ctx, func(ctx context.Context, conn *engine.Conn) error {
			return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count)
		})
		if readErr != nil {
			return readErr
		}
		if count != 1 {
			t.Fatalf("expected reentrant read to see the uncommitted insert, got count=%d", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPoolObserveReceivesCommittedEvents(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	received := make(chan int, 1)
	cancel := pool.Observe(&litepool.FuncObserver{
		Region: region.Table("users"),
		Change: func(ctx context.Context, events []region.Event) {
			received <- len(events)
		},
	})
	defer cancel()

	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, "hopper")
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case n := <-received:
		if n != 1 {
			t.Fatalf("expected 1 event, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for observer notification")
	}
}

func TestPoolExecBindsArgsAndNotifiesObservers(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	received := make(chan int, 1)
	cancel := pool.Observe(&litepool.FuncObserver{
		Region: region.Table("users"),
		Change: func(ctx context.Context, events []region.Event) {
			received <- len(events)
		},
	})
	defer cancel()

	args := bind.New([]bind.Scalar{bind.TextScalar("franklin")}, nil)
	if _, err := pool.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, args); err != nil {
		t.Fatalf("exec: %v", err)
	}

	select {
	case n := <-received:
		if n != 1 {
			t.Fatalf("expected 1 event, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for observer notification")
	}

	var name string
	err := pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT name FROM users WHERE id = 1`).Scan(&name)
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if name != "franklin" {
		t.Fatalf("got name %q, want franklin", name)
	}
}

func TestPoolExecSuppressesRowEventsWhenNothingObserves(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	// No observer subscribed to "orders": Exec should skip row-change
	// bookkeeping entirely for this insert rather than buffering and later
	// discarding it.
	cancel := pool.Observe(&litepool.FuncObserver{Region: region.Table("users")})
	defer cancel()

	if err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)`)
		return err
	}); err != nil {
		t.Fatalf("create orders table: %v", err)
	}

	args := bind.New([]bind.Scalar{bind.IntScalar(42)}, nil)
	if _, err := pool.Exec(ctx, `INSERT INTO orders (total) VALUES (?)`, args); err != nil {
		t.Fatalf("exec: %v", err)
	}

	var count int
	err := pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM orders`).Scan(&count)
	})
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the insert to have committed regardless of observer suppression, got %d", count)
	}
}

func TestPoolUnsafeReentrantWriteReusesOpenTransaction(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return pool.UnsafeReentrantWrite(ctx, func(ctx context.Context, conn *engine.Conn) error {
			_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, "lovelace")
			return err
		})
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	var count int
	err = pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count)
	})
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected nested write to be committed, got count=%d", count)
	}
}

func TestPoolConcurrentReadHandlePinsSnapshot(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)
	if err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES ('before')`)
		return err
	}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	handle, err := pool.BeginConcurrentRead(ctx)
	if err != nil {
		t.Fatalf("begin concurrent read: %v", err)
	}

	if err := pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
		_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES ('after')`)
		return err
	}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	var count int
	err = handle.Use(ctx, func(ctx context.Context, conn *engine.Conn) error {
		return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count)
	})
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected pinned snapshot to still see 1 row, got %d", count)
	}
	if err := handle.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPoolBeginConcurrentReadRejectedWhenUnsafeTransactionsDisallowed(t *testing.T) {
	pool, ctx := litepooltest.NewPoolWithConfig(t, func(cfg *litepool.Config) {
		cfg.AllowsUnsafeTransactions = false
	})
	setupUsersTable(t, ctx, pool)

	if _, err := pool.BeginConcurrentRead(ctx); err == nil {
		t.Fatalf("expected BeginConcurrentRead to fail when AllowsUnsafeTransactions is false")
	}
}

func TestPoolPrepareDatabaseRunsOnEveryNewConnection(t *testing.T) {
	var mu sync.Mutex
	prepared := 0
	pool, ctx := litepooltest.NewPoolWithConfig(t, func(cfg *litepool.Config) {
		cfg.PrepareDatabase = func(conn *engine.Conn) error {
			mu.Lock()
			prepared++
			mu.Unlock()
			_, err := conn.SQL().ExecContext(context.Background(), `PRAGMA cache_size = -2000`)
			return err
		}
	})
	setupUsersTable(t, ctx, pool)

	if err := pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
		var n int
		return conn.SQL().QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	}); err != nil {
		t.Fatalf("read: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if prepared < 2 {
		t.Fatalf("expected PrepareDatabase to run for both the writer and at least one reader, ran %d times", prepared)
	}
}

func TestPoolSuspendBlocksWriteUntilResume(t *testing.T) {
	pool, ctx := litepooltest.NewPoolWithConfig(t, func(cfg *litepool.Config) {
		cfg.ObservesSuspensionNotifications = true
	})
	setupUsersTable(t, ctx, pool)

	pool.Suspend()

	done := make(chan error, 1)
	go func() {
		done <- pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
			_, err := conn.SQL().ExecContext(ctx, `INSERT INTO users (name) VALUES ('suspended')`)
			return err
		})
	}()

	select {
	case <-done:
		t.Fatalf("expected Write to block while suspended")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write after resume: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Write to unblock after Resume")
	}
}

func TestPoolWriteWithRetryStopsOnNonBusyError(t *testing.T) {
	pool, ctx := litepooltest.NewPool(t)
	setupUsersTable(t, ctx, pool)

	attempts := 0
	boom := context.Canceled
	err := pool.WriteWithRetry(ctx, 3, time.Millisecond, func(ctx context.Context, conn *engine.Conn) error {
		attempts++
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-busy error, got %d", attempts)
	}
}
