// Package gate bounds how many assignments execute at once.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a counting semaphore sized at construction. Acquire blocks until a
// permit is free or the context ends; the returned Permit releases at most
// once no matter how many times Release is called.
type Gate struct {
	slots chan struct{}
	inUse atomic.Int64
}

// New returns a Gate with capacity permits. Capacity must be positive;
// configuration validation guarantees that upstream.
func New(capacity int) *Gate {
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a permit is available. Waiters are served in no
// particular order; the bus already makes no ordering promise across
// assignments, so none is added here.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case g.slots <- struct{}{}:
		g.inUse.Add(1)
		return &Permit{gate: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes a permit without blocking, returning nil if none is free.
func (g *Gate) TryAcquire() *Permit {
	select {
	case g.slots <- struct{}{}:
		g.inUse.Add(1)
		return &Permit{gate: g}
	default:
		return nil
	}
}

// InUse reports how many permits are currently held.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Capacity reports the total number of permits.
func (g *Gate) Capacity() int { return cap(g.slots) }

// Load reports utilization in [0,1].
func (g *Gate) Load() float64 {
	return float64(g.InUse()) / float64(g.Capacity())
}

// Permit is a held concurrency slot.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit. Safe to call more than once; only the first
// call frees the slot.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.inUse.Add(-1)
		<-p.gate.slots
	})
}
