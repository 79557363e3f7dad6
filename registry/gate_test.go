package registry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGateLimitsConcurrency(t *testing.T) {
	g := newGate(2)

	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	third := make(chan struct{})
	go func() {
		if err := g.acquire(context.Background()); err != nil {
			t.Errorf("queued acquire() error = %v", err)
		}
		close(third)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-third:
		t.Fatal("third acquire succeeded past the limit")
	default:
	}
	if running, queued := g.stats(); running != 2 || queued != 1 {
		t.Fatalf("stats() = (%d, %d), want (2, 1)", running, queued)
	}

	g.release()
	select {
	case <-third:
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire was not admitted after release")
	}
}

func TestGateAdmitsWaitersInArrivalOrder(t *testing.T) {
	g := newGate(1)
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var admitted []int

	ready := make(chan struct{}, waiters)
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			// Queue strictly in index order.
			for {
				_, queued := g.stats()
				if queued == i {
					break
				}
				time.Sleep(time.Millisecond)
			}
			ready <- struct{}{}
			if err := g.acquire(context.Background()); err != nil {
				t.Errorf("acquire() error = %v", err)
			}
			mu.Lock()
			admitted = append(admitted, i)
			mu.Unlock()
			g.release()
			done <- struct{}{}
		}()
	}

	for i := 0; i < waiters; i++ {
		<-ready
	}
	// Let the last waiter land in the queue before unblocking.
	for {
		if _, queued := g.stats(); queued == waiters {
			break
		}
		time.Sleep(time.Millisecond)
	}

	g.release()
	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("waiters were not drained")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range admitted {
		if got != i {
			t.Fatalf("admission order = %v, want FIFO", admitted)
		}
	}
}

func TestGateAcquireHonorsCancellation(t *testing.T) {
	g := newGate(1)
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.acquire(ctx); err == nil {
		t.Fatal("acquire() with expired context succeeded, want error")
	}

	if _, queued := g.stats(); queued != 0 {
		t.Fatalf("queued = %d after cancellation, want 0", queued)
	}

	// The held slot is still usable.
	g.release()
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire() after release error = %v", err)
	}
}

func TestGateZeroLimitIsUnlimited(t *testing.T) {
	g := newGate(0)
	for i := 0; i < 100; i++ {
		if err := g.acquire(context.Background()); err != nil {
			t.Fatalf("acquire() error = %v", err)
		}
	}
	if running, queued := g.stats(); running != 0 || queued != 0 {
		t.Fatalf("stats() = (%d, %d), want (0, 0) when disabled", running, queued)
	}
}
