// Package resilience wraps every outbound provider call with
// timeout, retry/backoff and a per-(provider, operation-class)
// circuit breaker, so policy is defined once instead of per call site.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/logging"
)

// BreakerState is the health gate state for one (provider, class) pair.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "halfOpen"
)

// BreakerConfig governs trip and recovery behavior.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// OpenDuration is the initial fail-fast window; it doubles on each
	// repeated trip up to MaxOpenDuration.
	OpenDuration    time.Duration
	MaxOpenDuration time.Duration
}

// DefaultBreakerConfig matches the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     2 * time.Second,
		MaxOpenDuration:  60 * time.Second,
	}
}

// Snapshot is the externalizable view of breaker state.
type Snapshot struct {
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	OpenedAt            time.Time     `json:"openedAt"`
	OpenDuration        time.Duration `json:"openDuration"`
	Trips               int           `json:"trips"`
}

// SharedStore externalizes breaker state beyond the process lifetime.
// Optional: the default breaker is purely in-process.
type SharedStore interface {
	Load(ctx context.Context, key string) (*Snapshot, bool, error)
	Save(ctx context.Context, key string, snap Snapshot) error
}

// Breaker is one circuit breaker. All methods are safe for concurrent
// use by workers sharing the same (provider, class) pair.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	key string

	state         BreakerState
	failures      int
	openedAt      time.Time
	openDuration  time.Duration
	trips         int
	trialInFlight bool

	shared SharedStore
	now    func() time.Time
}

func newBreaker(key string, cfg BreakerConfig, shared SharedStore) *Breaker {
	b := &Breaker{
		cfg:          cfg,
		key:          key,
		state:        StateClosed,
		openDuration: cfg.OpenDuration,
		shared:       shared,
		now:          time.Now,
	}
	if shared != nil {
		if snap, ok, err := shared.Load(context.Background(), key); err == nil && ok {
			b.restore(*snap)
		}
	}
	return b
}

func (b *Breaker) restore(snap Snapshot) {
	b.state = snap.State
	b.failures = snap.ConsecutiveFailures
	b.openedAt = snap.OpenedAt
	b.trips = snap.Trips
	if snap.OpenDuration > 0 {
		b.openDuration = snap.OpenDuration
	}
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		OpenDuration:        b.openDuration,
		Trips:               b.trips,
	}
}

func (b *Breaker) publishLocked() {
	if b.shared == nil {
		return
	}
	snap := b.snapshotLocked()
	if err := b.shared.Save(context.Background(), b.key, snap); err != nil {
		logging.Debug("breaker %s: shared store save failed: %v", b.key, err)
	}
}

// Allow reports whether a call may proceed. While open it fails fast
// with a CircuitOpenError; once the open window elapses exactly one
// trial call is let through in halfOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return &errclass.Error{
				Kind:      errclass.KindCircuitOpen,
				Component: "resilience",
				Message:   "circuit open for " + b.key,
			}
		}
		// Window elapsed: allow a single trial call.
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.publishLocked()
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &errclass.Error{
				Kind:      errclass.KindCircuitOpen,
				Component: "resilience",
				Message:   "half-open trial in flight for " + b.key,
			}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and resets counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	changed := b.state != StateClosed || b.failures != 0
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
	b.trips = 0
	b.openDuration = b.cfg.OpenDuration
	if changed {
		b.publishLocked()
	}
}

// RecordFailure counts a failure; the threshold trips to open, and a
// failed half-open trial reopens with an extended window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.trip()
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
	b.publishLocked()
}

// trip must be called with the lock held.
func (b *Breaker) trip() {
	if b.trips > 0 {
		b.openDuration *= 2
		if b.cfg.MaxOpenDuration > 0 && b.openDuration > b.cfg.MaxOpenDuration {
			b.openDuration = b.cfg.MaxOpenDuration
		}
	}
	b.trips++
	b.state = StateOpen
	b.openedAt = b.now()
	logging.Warn("circuit breaker %s opened (%d consecutive failures, open for %s)",
		b.key, b.failures, b.openDuration)
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet holds one breaker per (provider, operation-class) key.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	shared   SharedStore
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set with an optional shared store.
func NewBreakerSet(cfg BreakerConfig, shared SharedStore) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &BreakerSet{
		cfg:      cfg,
		shared:   shared,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider and operation class.
func (s *BreakerSet) Get(providerName, class string) *Breaker {
	key := providerName + ":" + class
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(key, s.cfg, s.shared)
		s.breakers[key] = b
	}
	return b
}
