package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
)

func testBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker("memory:read", cfg, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := testBreaker(BreakerConfig{FailureThreshold: 3, OpenDuration: 2 * time.Second, MaxOpenDuration: time.Minute})

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("failure %d: breaker should still be closed: %v", i+1, err)
		}
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold = %s, want open", got)
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("open breaker allowed a call")
	}
	if errclass.KindOf(err) != errclass.KindCircuitOpen {
		t.Fatalf("kind = %s, want circuit_open", errclass.KindOf(err))
	}
}

func TestBreakerSingleHalfOpenTrial(t *testing.T) {
	b, now := testBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 2 * time.Second, MaxOpenDuration: time.Minute})

	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Fatal("expected fail-fast inside open window")
	}

	*now = now.Add(2500 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("first post-window call should be the trial: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want halfOpen", got)
	}
	// A second caller must not sneak through while the trial runs.
	if err := b.Allow(); err == nil {
		t.Fatal("second call allowed during half-open trial")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after trial success = %s, want closed", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker rejected a call: %v", err)
	}
}

func TestBreakerFailedTrialExtendsWindow(t *testing.T) {
	b, now := testBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 2 * time.Second, MaxOpenDuration: time.Minute})

	b.RecordFailure()
	*now = now.Add(3 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call blocked: %v", err)
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed trial = %s, want open", got)
	}
	// The original 2s window must no longer be enough.
	*now = now.Add(2500 * time.Millisecond)
	if err := b.Allow(); err == nil {
		t.Fatal("expected extended open window after failed trial")
	}
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("extended window should have elapsed: %v", err)
	}
}

func TestBreakerSetSharesPerKey(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig(), nil)

	a := set.Get("zephyr", "read")
	b := set.Get("zephyr", "read")
	if a != b {
		t.Fatal("same (provider, class) should share one breaker")
	}
	if c := set.Get("zephyr", "write"); c == a {
		t.Fatal("different classes must not share a breaker")
	}
}

type memStore struct {
	snaps map[string]Snapshot
}

func (m *memStore) Load(_ context.Context, key string) (*Snapshot, bool, error) {
	s, ok := m.snaps[key]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *memStore) Save(_ context.Context, key string, snap Snapshot) error {
	if m.snaps == nil {
		m.snaps = make(map[string]Snapshot)
	}
	m.snaps[key] = snap
	return nil
}

func TestBreakerRestoresFromSharedStore(t *testing.T) {
	store := &memStore{}
	cfg := BreakerConfig{FailureThreshold: 1, OpenDuration: 2 * time.Second, MaxOpenDuration: time.Minute}

	first := newBreaker("memory:write", cfg, store)
	first.RecordFailure()

	second := newBreaker("memory:write", cfg, store)
	if got := second.State(); got != StateOpen {
		t.Fatalf("restored state = %s, want open", got)
	}
	if err := second.Allow(); err == nil {
		t.Fatal("restored open breaker allowed a call")
	}
}

func TestRateBudgetDisabled(t *testing.T) {
	var nilBudget *RateBudget
	if err := nilBudget.Wait(context.Background()); err != nil {
		t.Fatalf("nil budget should not block: %v", err)
	}
	if err := NewRateBudget(0, 10).Wait(context.Background()); err != nil {
		t.Fatalf("zero-rate budget should not block: %v", err)
	}
}

func TestRateBudgetRefills(t *testing.T) {
	rb := NewRateBudget(10, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rb.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := rb.Wait(ctx); err != nil {
			t.Fatalf("burst token %d: %v", i+1, err)
		}
	}

	// Bucket is empty; a cancelled context must not spin forever.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := rb.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("drained budget with cancelled ctx = %v, want context.Canceled", err)
	}

	// 100ms at 10/s refills one token.
	now = now.Add(100 * time.Millisecond)
	if err := rb.Wait(ctx); err != nil {
		t.Fatalf("refilled token: %v", err)
	}
}
