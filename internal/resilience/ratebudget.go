package resilience

import (
	"context"
	"sync"
	"time"
)

// RateBudget is a token bucket shared by all workers hitting one
// provider, consulted before each call to self-limit ahead of 429s.
type RateBudget struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
	now      func() time.Time
}

// NewRateBudget allows perSec sustained calls with a burst of capacity.
// perSec <= 0 disables limiting (Wait returns immediately).
func NewRateBudget(perSec float64, capacity int) *RateBudget {
	if capacity < 1 {
		capacity = 1
	}
	return &RateBudget{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		perSec:   perSec,
		now:      time.Now,
	}
}

func (r *RateBudget) refillLocked() {
	now := r.now()
	if !r.last.IsZero() {
		r.tokens += now.Sub(r.last).Seconds() * r.perSec
		if r.tokens > r.capacity {
			r.tokens = r.capacity
		}
	}
	r.last = now
}

// Wait blocks until a token is available or the context is done.
func (r *RateBudget) Wait(ctx context.Context) error {
	if r == nil || r.perSec <= 0 {
		return nil
	}

	for {
		r.mu.Lock()
		r.refillLocked()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		need := (1 - r.tokens) / r.perSec
		r.mu.Unlock()

		wait := time.Duration(need * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
