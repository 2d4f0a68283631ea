package litepool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConnectionSyncRunsOnWorker(t *testing.T) {
	c := newConnection("test")
	defer c.Close()

	var ran bool
	err := c.Sync(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !ran {
		t.Fatalf("expected job to run")
	}
}

func TestConnectionSyncIsMutuallyExclusive(t *testing.T) {
	c := newConnection("test")
	defer c.Close()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Sync(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Fatalf("expected exactly one job in flight at a time, saw %d", maxInFlight)
	}
}

func TestConnectionSyncPanicsOnSelfReentrancy(t *testing.T) {
	c := newConnection("test")
	defer c.Close()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on reentrant Sync")
		}
	}()
	c.Sync(context.Background(), func(ctx context.Context) error {
		return c.Sync(ctx, func(ctx context.Context) error { return nil })
	})
}

func TestConnectionReentrantSyncRunsInline(t *testing.T) {
	c := newConnection("test")
	defer c.Close()

	var outer, inner bool
	err := c.Sync(context.Background(), func(ctx context.Context) error {
		outer = true
		return c.ReentrantSync(ctx, func(ctx context.Context) error {
			inner = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !outer || !inner {
		t.Fatalf("expected both outer and inner job to run")
	}
}

func TestConnectionSyncAfterCloseFails(t *testing.T) {
	c := newConnection("test")
	c.Close()

	err := c.Sync(context.Background(), func(ctx context.Context) error { return nil })
	if err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnectionSyncRespectsContextCancellation(t *testing.T) {
	c := newConnection("test")
	defer c.Close()

	// Occupy the worker so the next Sync call has to wait in the queue.
	release := make(chan struct{})
	go c.Sync(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Sync(ctx, func(ctx context.Context) error { return nil })
	close(release)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
