package graph

import (
	"context"
	"sync"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
)

// Gate is the pause/cancel control operations poll between items.
// Neither pause nor cancel interrupts an in-flight provider call;
// both take effect at the next item boundary.
type Gate struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	resume    chan struct{}
	ack       func()
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{resume: make(chan struct{})}
}

// Pause holds future Checkpoint calls until Resume. acknowledged, if
// non-nil, is invoked once, by the first Checkpoint call that observes
// the pause: in-flight items run to completion first.
func (g *Gate) Pause(acknowledged func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
		g.ack = acknowledged
	}
}

// Resume releases a paused gate. A pause that was never acknowledged
// is dropped silently.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		g.ack = nil
		close(g.resume)
	}
}

// Cancel permanently closes the gate; paused waiters are released
// with a cancellation error.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = true
	g.ack = nil
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// Paused reports whether the gate currently holds new items.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Cancelled reports whether Cancel was called.
func (g *Gate) Cancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Checkpoint blocks while paused and fails once cancelled. Operations
// call it before starting each item.
func (g *Gate) Checkpoint(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.cancelled {
			g.mu.Unlock()
			return errclass.New(errclass.KindCancelled, "migration cancelled")
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ack := g.ack
		g.ack = nil
		resume := g.resume
		g.mu.Unlock()

		if ack != nil {
			ack()
		}
		select {
		case <-ctx.Done():
			return errclass.Wrap(errclass.KindCancelled, ctx.Err(), "migration context done")
		case <-resume:
		}
	}
}
