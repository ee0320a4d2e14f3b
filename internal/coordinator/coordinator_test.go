package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/config"
	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/provider/memory"
)

// slowAdapter wraps a memory instance and delays writes so tests can
// observe a job mid-flight.
type slowAdapter struct {
	*memory.Adapter
	delay time.Duration
}

func (s *slowAdapter) CreateTestCase(ctx context.Context, tc *provider.TestCase) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Adapter.CreateTestCase(ctx, tc)
}

var registerSlow sync.Once

func registerSlowProvider() {
	registerSlow.Do(func() {
		provider.Register("slowmem", func(s provider.Settings) (provider.Adapter, error) {
			delayMs, _ := strconv.Atoi(s.Options["delay_ms"])
			if delayMs <= 0 {
				delayMs = 5
			}
			return &slowAdapter{
				Adapter: memory.Shared(s.Options["instance"]),
				delay:   time.Duration(delayMs) * time.Millisecond,
			}, nil
		})
	})
}

// blockingAdapter holds each write until the test sends a token, so a
// test can freeze a job mid-item.
type blockingAdapter struct {
	*memory.Adapter
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAdapter) CreateTestCase(ctx context.Context, tc *provider.TestCase) (string, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.release:
	}
	return b.Adapter.CreateTestCase(ctx, tc)
}

var (
	registerBlocking sync.Once
	blockersMu       sync.Mutex
	blockers         = map[string]*blockingAdapter{}
)

func blockingTarget(name string) *blockingAdapter {
	blockersMu.Lock()
	defer blockersMu.Unlock()
	b, ok := blockers[name]
	if !ok {
		b = &blockingAdapter{
			Adapter: memory.Shared(name),
			entered: make(chan struct{}, 1),
			release: make(chan struct{}, 64),
		}
		blockers[name] = b
	}
	return b
}

func registerBlockingProvider() {
	registerBlocking.Do(func() {
		provider.Register("blockmem", func(s provider.Settings) (provider.Adapter, error) {
			return blockingTarget(s.Options["instance"]), nil
		})
	})
}

func testConfig(t *testing.T, sourceType, targetType string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
source:
  type: %s
  options:
    instance: %s-src
target:
  type: %s
  options:
    instance: %s-dst
migration:
  workers: 4
  required_fields: [title]
mappings:
  - source_id: name
    target_id: title
    required: true
  - source_id: priority
    target_id: priority
`, sourceType, t.Name(), targetType, t.Name())

	cfg, err := config.LoadBytes([]byte(raw))
	require.NoError(t, err)
	cfg.Migration.DataDir = t.TempDir()
	cfg.Resilience.BackoffBaseMs = 1
	cfg.Resilience.BackoffCapMs = 2
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	store, err := checkpoint.New(cfg.Migration.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, nil, nil)
}

func seedCases(a *memory.Adapter, n int) {
	for i := 1; i <= n; i++ {
		a.SeedTestCase(provider.TestCase{
			ID: fmt.Sprintf("TC-%04d", i),
			Fields: map[string]any{
				"name":     fmt.Sprintf("Test case %d", i),
				"priority": "high",
			},
		})
	}
}

func waitForJob(t *testing.T, c *Coordinator, id string) *JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func TestConfigureRejectsEmptyMappings(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	spec := SpecFromConfig(cfg)
	spec.Mappings = nil
	_, err := c.Configure(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, errclass.KindValidation, errclass.KindOf(err))
}

func TestConfigureRejectsUncoveredRequiredField(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	spec := SpecFromConfig(cfg)
	spec.RequiredFields = []string{"title", "component"}
	_, err := c.Configure(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, errclass.KindValidation, errclass.KindOf(err))
}

func TestConfigureRejectsUnreachableProvider(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	memory.Shared(t.Name()+"-src").FailNext("TestConnection",
		&provider.StatusError{StatusCode: 503, Message: "maintenance window"})

	_, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.Error(t, err)
	assert.Equal(t, errclass.KindValidation, errclass.KindOf(err))
	assert.Contains(t, err.Error(), "source provider")

	// Nothing left behind from the failed attempt.
	jobs, err := c.History()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMigrationEndToEnd(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	src := memory.Shared(t.Name() + "-src")
	dst := memory.Shared(t.Name() + "-dst")
	seedCases(src, 1243)

	// Three cases carry four attachments each.
	attN := 0
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("TC-%04d", i)
		tc := provider.TestCase{
			ID: id,
			Fields: map[string]any{
				"name":     fmt.Sprintf("Test case %d", i),
				"priority": "high",
			},
		}
		for k := 0; k < 4; k++ {
			attN++
			attID := fmt.Sprintf("att-%d", attN)
			src.SeedAttachment(provider.Attachment{
				ID:        attID,
				Name:      attID + ".txt",
				MimeType:  "text/plain",
				SizeBytes: 4,
				Content:   []byte("data"),
			})
			tc.AttachmentIDs = append(tc.AttachmentIDs, attID)
		}
		src.SeedTestCase(tc)
	}

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)

	_, err = c.Start(context.Background(), st.ID)
	require.NoError(t, err)

	// Progress must never move backwards while the job runs.
	stop := make(chan struct{})
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		last := -1.0
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			cur, err := c.Status(st.ID)
			if err != nil {
				return
			}
			if cur.Progress < last {
				t.Errorf("progress went backwards: %.2f after %.2f", cur.Progress, last)
				return
			}
			last = cur.Progress
		}
	}()

	final := waitForJob(t, c, st.ID)
	close(stop)
	pollWG.Wait()

	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, 1243, final.TotalItems)
	assert.Equal(t, 1243, final.CompletedItems)
	assert.Zero(t, final.FailedItems)
	assert.Zero(t, final.SkippedItems)
	assert.Equal(t, final.TotalItems, final.CompletedItems+final.FailedItems+final.SkippedItems)
	assert.Nil(t, final.EtaSeconds)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1243, dst.CaseCount())

	results, err := c.Results(st.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1243)
	for _, r := range results {
		assert.Equal(t, "migrated", r.Status)
		assert.NotEmpty(t, r.TargetID)
	}

	stats, err := c.Statistics(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1243, stats.Items.Migrated)
	assert.Equal(t, 12, stats.Attachments.Total)
	assert.Equal(t, 12, stats.Attachments.Uploaded)
	assert.Zero(t, stats.Attachments.Failed)
	assert.Greater(t, stats.ItemsPerSecond, 0.0)

	jobs, err := c.History()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, st.ID, jobs[0].ID)
	assert.Equal(t, string(StateCompleted), jobs[0].Status)
}

func TestMigrationWithItemFailures(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	src := memory.Shared(t.Name() + "-src")
	seedCases(src, 7)
	// Three cases miss the required source field and must fail without
	// sinking the job.
	for i := 8; i <= 10; i++ {
		src.SeedTestCase(provider.TestCase{
			ID:     fmt.Sprintf("TC-%04d", i),
			Fields: map[string]any{"priority": "low"},
		})
	}

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)
	_, err = c.Start(context.Background(), st.ID)
	require.NoError(t, err)

	final := waitForJob(t, c, st.ID)
	assert.Equal(t, StateCompletedWithWarnings, final.State)
	assert.Equal(t, 10, final.TotalItems)
	assert.Equal(t, 7, final.CompletedItems)
	assert.Equal(t, 3, final.FailedItems)
	assert.Equal(t, final.TotalItems, final.CompletedItems+final.FailedItems+final.SkippedItems)

	results, err := c.Results(st.ID)
	require.NoError(t, err)
	failed := 0
	for _, r := range results {
		if r.Status == "failed" {
			failed++
			assert.Contains(t, r.Error, "required")
		}
	}
	assert.Equal(t, 3, failed)
}

func TestPauseAndResume(t *testing.T) {
	registerSlowProvider()
	memory.Reset()
	cfg := testConfig(t, "memory", "slowmem")
	cfg.Target.Options["delay_ms"] = "5"
	c := newTestCoordinator(t, cfg)

	seedCases(memory.Shared(t.Name()+"-src"), 200)

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)
	_, err = c.Start(context.Background(), st.ID)
	require.NoError(t, err)

	// Let some items through, then pause.
	require.Eventually(t, func() bool {
		cur, err := c.Status(st.ID)
		return err == nil && cur.CompletedItems > 5
	}, 10*time.Second, 2*time.Millisecond)

	_, err = c.Pause(st.ID)
	require.NoError(t, err)

	// The flip to paused lands at the next item boundary.
	require.Eventually(t, func() bool {
		cur, err := c.Status(st.ID)
		return err == nil && cur.State == StatePaused
	}, 10*time.Second, 2*time.Millisecond)

	// Once acknowledged nothing is in flight and the counters hold.
	time.Sleep(50 * time.Millisecond)
	before, err := c.Status(st.ID)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	after, err := c.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CompletedItems, after.CompletedItems)
	assert.Equal(t, StatePaused, after.State)

	resumed, err := c.Resume(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, resumed.State)

	final := waitForJob(t, c, st.ID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 200, final.CompletedItems)
	assert.Zero(t, final.FailedItems)
	assert.Zero(t, final.SkippedItems)

	stats, err := c.Statistics(st.ID)
	require.NoError(t, err)
	assert.Greater(t, stats.PausedSeconds, 0.1)
}

func TestPauseWaitsForItemBoundary(t *testing.T) {
	registerBlockingProvider()
	memory.Reset()
	cfg := testConfig(t, "memory", "blockmem")
	c := newTestCoordinator(t, cfg)

	seedCases(memory.Shared(t.Name()+"-src"), 3)
	tgt := blockingTarget(t.Name() + "-dst")

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)
	_, err = c.Start(context.Background(), st.ID)
	require.NoError(t, err)

	select {
	case <-tgt.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("first write never started")
	}

	// The first write is in flight: a pause request must not report
	// paused until that write lands and a worker reaches the boundary.
	requested, err := c.Pause(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, requested.State)

	cur, err := c.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, cur.State)
	assert.Zero(t, cur.CompletedItems)

	tgt.release <- struct{}{}
	require.Eventually(t, func() bool {
		cur, err := c.Status(st.ID)
		return err == nil && cur.State == StatePaused
	}, 10*time.Second, 2*time.Millisecond)

	cur, err = c.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.CompletedItems)

	resumed, err := c.Resume(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, resumed.State)

	tgt.release <- struct{}{}
	tgt.release <- struct{}{}
	final := waitForJob(t, c, st.ID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 3, final.CompletedItems)
}

func TestCancelStopsAtItemBoundary(t *testing.T) {
	registerSlowProvider()
	memory.Reset()
	cfg := testConfig(t, "memory", "slowmem")
	cfg.Target.Options["delay_ms"] = "5"
	c := newTestCoordinator(t, cfg)

	dst := memory.Shared(t.Name() + "-dst")
	seedCases(memory.Shared(t.Name()+"-src"), 200)

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)
	_, err = c.Start(context.Background(), st.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := c.Status(st.ID)
		return err == nil && cur.CompletedItems > 5
	}, 10*time.Second, 2*time.Millisecond)

	_, err = c.Cancel(st.ID, true)
	require.NoError(t, err)

	final := waitForJob(t, c, st.ID)
	assert.Equal(t, StateCancelled, final.State)
	assert.Less(t, final.CompletedItems, 200)
	assert.Greater(t, final.SkippedItems, 0)
	assert.Equal(t, final.TotalItems, final.CompletedItems+final.FailedItems+final.SkippedItems)

	// No further provider calls once the job settled.
	calls := dst.Calls("CreateTestCase")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, dst.Calls("CreateTestCase"))
}

func TestStartIsIdempotent(t *testing.T) {
	registerSlowProvider()
	memory.Reset()
	cfg := testConfig(t, "memory", "slowmem")
	cfg.Target.Options["delay_ms"] = "3"
	c := newTestCoordinator(t, cfg)

	src := memory.Shared(t.Name() + "-src")
	seedCases(src, 50)

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)

	first, err := c.Start(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, first.State)

	second, err := c.Start(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.ID, second.ID)

	final := waitForJob(t, c, st.ID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 50, final.CompletedItems)
	// A single enumeration pass: the second start must not re-run fetch.
	assert.Equal(t, 1, src.Calls("ListTestCases"))
}

func TestCancelBeforeStart(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	st, err := c.Configure(context.Background(), SpecFromConfig(cfg))
	require.NoError(t, err)

	cancelled, err := c.Cancel(st.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	// Cancel is idempotent on a terminal job.
	again, err := c.Cancel(st.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, again.State)

	_, err = c.Start(context.Background(), st.ID)
	require.Error(t, err)
	assert.Equal(t, errclass.KindValidation, errclass.KindOf(err))
}

func TestUnknownJob(t *testing.T) {
	memory.Reset()
	cfg := testConfig(t, "memory", "memory")
	c := newTestCoordinator(t, cfg)

	_, err := c.Status("no-such-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJob)
}
