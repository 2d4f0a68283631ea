package litepool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/litepool/internal/engine"
)

func newTestReaderPool(t *testing.T, maxReaderCount int) *ReaderPool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "litepool-reader-test.db")
	writer, err := engine.Open(context.Background(), engine.Options{Path: path, BusyTimeoutMS: 1000})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if err := writer.EnableWAL(context.Background()); err != nil {
		t.Fatalf("enable wal: %v", err)
	}
	if _, err := writer.SQL().ExecContext(context.Background(), `CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { writer.Close() }) //nolint:errcheck

	rp := newReaderPool(engine.Options{Path: path, ReadOnly: true, BusyTimeoutMS: 1000}, maxReaderCount, zerolog.Nop(), nil)
	t.Cleanup(func() { rp.Close(context.Background()) }) //nolint:errcheck
	return rp
}

func TestReaderPoolBoundsConcurrency(t *testing.T) {
	rp := newTestReaderPool(t, 2)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rp.Read(context.Background(), func(ctx context.Context, conn *engine.Conn) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent readers, saw %d", maxInFlight)
	}
}

func TestReaderPoolGetAfterCloseFails(t *testing.T) {
	rp := newTestReaderPool(t, 1)
	if err := rp.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := rp.Get(context.Background())
	if err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestReaderPoolBarrierWaitsForCheckedOutReader(t *testing.T) {
	rp := newTestReaderPool(t, 1)

	r, err := rp.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		rp.Put(r, false)
		close(released)
	}()

	start := time.Now()
	if err := rp.Barrier(context.Background()); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected barrier to wait for the checked-out reader")
	}
	<-released
}
