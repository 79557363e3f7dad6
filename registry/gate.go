package registry

import (
	"context"
	"sync"
)

// gate bounds the number of tool calls executing at once. Waiters are
// admitted strictly in arrival order. A limit of zero or less disables
// the gate entirely.
type gate struct {
	mu      sync.Mutex
	limit   int
	running int
	waiters []chan struct{}
}

func newGate(limit int) *gate {
	return &gate{limit: limit}
}

// acquire blocks until a slot is free or ctx is done. On success the
// caller must release the slot exactly once.
func (g *gate) acquire(ctx context.Context) error {
	if g == nil || g.limit <= 0 {
		return nil
	}

	g.mu.Lock()
	if g.running < g.limit {
		g.running++
		g.mu.Unlock()
		return nil
	}
	grant := make(chan struct{}, 1)
	g.waiters = append(g.waiters, grant)
	g.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	for i, w := range g.waiters {
		if w == grant {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	g.mu.Unlock()

	// The grant raced the cancellation; hand the slot back.
	select {
	case <-grant:
		g.release()
	default:
	}
	return ctx.Err()
}

// release frees a slot, passing it to the oldest waiter if any.
func (g *gate) release() {
	if g == nil || g.limit <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) > 0 {
		grant := g.waiters[0]
		g.waiters = g.waiters[1:]
		grant <- struct{}{}
		return
	}
	if g.running > 0 {
		g.running--
	}
}

// stats reports current occupancy for diagnostics.
func (g *gate) stats() (running, queued int) {
	if g == nil || g.limit <= 0 {
		return 0, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, len(g.waiters)
}
