package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/attachment"
	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/config"
	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/graph"
	"github.com/tcmigrate/tcmigrate/internal/logging"
	"github.com/tcmigrate/tcmigrate/internal/notify"
	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/resilience"
	"github.com/tcmigrate/tcmigrate/internal/transform"
)

// State of a migration job.
type State string

const (
	// StateIdle is the resting state of a configured job that has not
	// been started. The HTTP configure response reports it as such.
	StateIdle                  State = "idle"
	StateRunning               State = "running"
	StatePaused                State = "paused"
	StateCompleted             State = "completed"
	StateCompletedWithWarnings State = "completed_with_warnings"
	StateFailed                State = "failed"
	StateCancelled             State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithWarnings, StateFailed, StateCancelled:
		return true
	}
	return false
}

const listPageSize = 200

// validateSampleSize caps how many migrated items the validate
// operation re-reads from the target.
const validateSampleSize = 25

// opTracker carries one operation's contribution to overall progress.
type opTracker struct {
	name   string
	weight float64
	total  int
	done   int
	failed int
	status graph.Status
	err    error
}

// Job is one migration run. Mutable state is guarded by mu; the
// operation bodies run on executor goroutines and mutate counters
// through the small locked helpers below.
type Job struct {
	id       string
	spec     JobSpec
	cfg      *config.Config
	store    *checkpoint.State
	notifier *notify.Notifier

	source       provider.Adapter
	target       provider.Adapter
	sourceCaller *resilience.Caller
	targetCaller *resilience.Caller

	gate      *graph.Gate
	runCancel context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	state       State
	pausing     bool
	startedAt   time.Time
	completedAt time.Time
	pausedAt    time.Time
	pausedTotal time.Duration

	totalItems int
	completed  int
	failed     int
	skipped    int
	warnings   int

	currentOp    string
	ops          map[string]*opTracker
	opOrder      []string
	lastProgress float64
	runErr       error

	// items fetched by the fetch operation, consumed by migrate
	items []provider.TestCase
	// attachment tasks collected during migrate, keyed by target item
	attachTasks map[string][]attachment.Task
	attachOrder []string
	attachStats attachment.Stats
}

// start is idempotent: a running job returns its current status, a
// paused one resumes, a terminal one is rejected.
func (j *Job) start(ctx context.Context) (*JobStatus, error) {
	j.mu.Lock()
	switch j.state {
	case StateRunning:
		j.mu.Unlock()
		return j.status(), nil
	case StatePaused:
		j.mu.Unlock()
		return j.resume(), nil
	case StateIdle:
	default:
		st := j.state
		j.mu.Unlock()
		return nil, errclass.New(errclass.KindValidation,
			"job %s is %s and cannot be started", j.id, st)
	}

	j.gate = graph.NewGate()
	exec, err := graph.NewExecutor(j.buildOperations(), j.cfg.Migration.Workers, j.gate)
	if err != nil {
		j.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.runCancel = cancel
	j.state = StateRunning
	j.startedAt = time.Now()
	j.mu.Unlock()

	if err := j.store.StartJob(j.id); err != nil {
		logging.Warn("job %s: persisting start: %v", j.id, err)
	}

	go j.consumeEvents(exec.Events())
	go j.run(runCtx, exec)

	logging.Info("job %s started (%d workers)", j.id, j.cfg.Migration.Workers)
	return j.status(), nil
}

// buildOperations assembles the job's operation graph. Weights are the
// rough share of wall time each phase takes on a typical migration.
func (j *Job) buildOperations() []graph.Operation {
	maxAttempts := j.cfg.Resilience.MaxAttempts
	ops := []graph.Operation{
		{
			ID: "fetch", Name: "Fetch test cases",
			Critical: true, Retryable: true, MaxAttempts: maxAttempts,
			Weight: 10,
			Run:    j.opFetch,
		},
		{
			ID: "migrate", Name: "Migrate test cases",
			DependsOn: []string{"fetch"},
			Critical:  true, Retryable: true, MaxAttempts: maxAttempts,
			Weight: 50,
			Run:    j.opMigrate,
		},
		{
			ID: "attach", Name: "Migrate attachments",
			DependsOn: []string{"migrate"},
			Retryable: true, MaxAttempts: maxAttempts,
			Weight: 25,
			Run:    j.opAttach,
		},
		{
			ID: "validate", Name: "Validate target items",
			DependsOn: []string{"migrate"},
			Weight:    10,
			Run:       j.opValidate,
		},
		{
			ID: "report", Name: "Summarize results",
			DependsOn: []string{"attach", "validate"},
			Weight:    5,
			Run:       j.opReport,
		},
	}

	j.opOrder = j.opOrder[:0]
	for _, op := range ops {
		j.ops[op.ID] = &opTracker{name: op.Name, weight: op.Weight, status: graph.StatusPending}
		j.opOrder = append(j.opOrder, op.ID)
	}
	return ops
}

// run drives the executor to completion and settles terminal state.
func (j *Job) run(ctx context.Context, exec *graph.Executor) {
	_, err := exec.Run(ctx)

	j.mu.Lock()
	j.completedAt = time.Now()
	j.pausing = false
	if j.state == StatePaused {
		// Cancellation can land while paused; close out the pause window.
		j.pausedTotal += time.Since(j.pausedAt)
	}

	switch {
	case j.gate.Cancelled() || errclass.KindOf(err) == errclass.KindCancelled:
		j.state = StateCancelled
	case err != nil:
		j.state = StateFailed
		j.runErr = err
	case j.failed > 0:
		j.state = StateCompletedWithWarnings
	default:
		j.state = StateCompleted
	}

	// At a terminal state every known item is accounted for: whatever
	// was neither migrated nor failed counts as skipped.
	if j.totalItems > 0 {
		if rest := j.totalItems - j.completed - j.failed - j.skipped; rest > 0 {
			j.skipped += rest
		}
	}

	state := j.state
	duration := j.completedAt.Sub(j.startedAt) - j.pausedTotal
	migrated, failed, skipped, warnings := j.completed, j.failed, j.skipped, j.warnings
	total := j.totalItems
	uploaded := j.attachStats.Uploaded
	started := j.startedAt
	j.mu.Unlock()

	if perr := j.store.CompleteJob(j.id, string(state)); perr != nil {
		logging.Warn("job %s: persisting completion: %v", j.id, perr)
	}

	throughput := 0.0
	if secs := duration.Seconds(); secs > 0 {
		throughput = float64(migrated) / secs
	}
	switch state {
	case StateCompleted:
		logging.Info("job %s completed: %d items, %d attachments in %s",
			j.id, migrated, uploaded, duration.Round(time.Second))
		j.notifier.JobCompleted(j.id, started, duration, migrated, uploaded, warnings, throughput)
	case StateCompletedWithWarnings:
		logging.Warn("job %s completed with errors: %d migrated, %d failed, %d skipped",
			j.id, migrated, failed, skipped)
		j.notifier.JobCompletedWithErrors(j.id, started, duration, migrated, failed, skipped, warnings)
	case StateFailed:
		logging.Error("job %s failed: %v", j.id, err)
		j.notifier.JobFailed(j.id, err, duration)
	case StateCancelled:
		logging.Info("job %s cancelled after %d of %d items", j.id, migrated, total)
	}

	close(j.done)
}

// consumeEvents mirrors executor events into the trackers and the
// persistent operation table.
func (j *Job) consumeEvents(events <-chan graph.Event) {
	for ev := range events {
		j.mu.Lock()
		t := j.ops[ev.OperationID]
		switch ev.Type {
		case graph.EventOperationStarted:
			t.status = graph.StatusRunning
			j.currentOp = t.name
		case graph.EventItemDone:
			t.done += ev.ItemsDone
			t.failed += ev.ItemsFailed
		case graph.EventOperationCompleted:
			t.status = graph.StatusCompleted
		case graph.EventOperationFailed:
			t.status = graph.StatusFailed
			t.err = ev.Err
		case graph.EventOperationSkipped:
			t.status = graph.StatusSkipped
		}
		status, errMsg := string(t.status), ""
		if t.err != nil {
			errMsg = t.err.Error()
		}
		name := t.name
		j.mu.Unlock()

		if ev.Type != graph.EventItemDone {
			if err := j.store.UpsertOperation(j.id, ev.OperationID, name, status, errMsg); err != nil {
				logging.Warn("job %s: persisting operation %s: %v", j.id, ev.OperationID, err)
			}
		}
	}
}

// opFetch enumerates the scoped source test cases page by page.
func (j *Job) opFetch(ctx context.Context, emit graph.Emit) error {
	j.setOpTotal("fetch", 1)

	scope := j.spec.Scope
	if scope == "" {
		scope = "full"
	}

	var all []provider.TestCase
	offset := 0
	for {
		var page []provider.TestCase
		err := j.sourceCaller.Do(ctx, "read", func(ctx context.Context) error {
			var lerr error
			page, lerr = j.source.ListTestCases(ctx, provider.ListFilter{
				Scope:  scope,
				Limit:  listPageSize,
				Offset: offset,
			})
			return lerr
		})
		if err != nil {
			return err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			break
		}
		offset += len(page)
	}

	j.mu.Lock()
	j.items = all
	j.totalItems = len(all)
	j.mu.Unlock()

	if err := j.store.SetJobTotal(j.id, len(all)); err != nil {
		logging.Warn("job %s: persisting total: %v", j.id, err)
	}
	logging.Info("job %s: fetched %d test cases from %s", j.id, len(all), j.source.Name())
	j.notifier.JobStarted(j.id, j.spec.Source.Type, j.spec.Target.Type, scope, len(all))
	emit(1, 0)
	return nil
}

// opMigrate transforms and creates every fetched test case. Item-level
// failures are recorded and do not fail the operation; on a retry,
// items already migrated are skipped via the checkpoint store.
func (j *Job) opMigrate(ctx context.Context, emit graph.Emit) error {
	j.mu.Lock()
	items := j.items
	j.attachTasks = make(map[string][]attachment.Task)
	j.attachOrder = j.attachOrder[:0]
	j.mu.Unlock()

	j.setOpTotal("migrate", len(items))

	already, err := j.store.MigratedItems(j.id)
	if err != nil {
		return err
	}

	for i := range items {
		if err := j.gate.Checkpoint(ctx); err != nil {
			return err
		}
		tc := &items[i]

		if targetID, ok := already[tc.ID]; ok {
			j.collectAttachTasks(tc, targetID)
			emit(1, 0)
			continue
		}

		fields, messages := transform.Apply(tc.Fields, j.spec.Mappings, j.spec.RequiredFields)
		warnings, hardErr := splitMessages(messages)

		if hardErr != "" {
			j.recordFailure(tc.ID, warnings, hardErr)
			emit(0, 1)
			continue
		}

		var targetID string
		err := j.targetCaller.Do(ctx, "write", func(ctx context.Context) error {
			var cerr error
			targetID, cerr = j.target.CreateTestCase(ctx, &provider.TestCase{Fields: fields})
			return cerr
		})
		if err != nil {
			if errclass.KindOf(err) == errclass.KindCancelled {
				return err
			}
			j.recordFailure(tc.ID, warnings, err.Error())
			emit(0, 1)
			continue
		}

		j.mu.Lock()
		j.completed++
		j.warnings += warnings
		j.mu.Unlock()
		if perr := j.store.RecordItem(j.id, tc.ID, targetID, "migrated", warnings, ""); perr != nil {
			logging.Warn("job %s: persisting item %s: %v", j.id, tc.ID, perr)
		}
		j.collectAttachTasks(tc, targetID)
		emit(1, 0)
	}
	return nil
}

func (j *Job) recordFailure(sourceID string, warnings int, msg string) {
	j.mu.Lock()
	j.failed++
	j.warnings += warnings
	j.mu.Unlock()
	if err := j.store.RecordItem(j.id, sourceID, "", "failed", warnings, msg); err != nil {
		logging.Warn("job %s: persisting item %s: %v", j.id, sourceID, err)
	}
}

func (j *Job) collectAttachTasks(tc *provider.TestCase, targetID string) {
	if len(tc.AttachmentIDs) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := j.attachTasks[targetID]; !seen {
		j.attachOrder = append(j.attachOrder, targetID)
	}
	for _, attID := range tc.AttachmentIDs {
		j.attachTasks[targetID] = append(j.attachTasks[targetID], attachment.Task{
			AttachmentID: attID,
			TargetItemID: targetID,
		})
	}
}

// opAttach pushes attachments through the batch pipeline, one target
// item's group at a time so pause and cancel land between items.
func (j *Job) opAttach(ctx context.Context, emit graph.Emit) error {
	j.mu.Lock()
	order := j.attachOrder
	groups := j.attachTasks
	j.mu.Unlock()

	total := 0
	for _, id := range order {
		total += len(groups[id])
	}
	j.setOpTotal("attach", total)
	if total == 0 {
		return nil
	}

	att := j.cfg.Migration.Attachments
	var converter attachment.Converter
	if att.ConvertCommand != "" {
		converter = attachment.NewCommandConverter(att.ConvertCommand, att.ConvertArgs, att.ConvertMimeTypes)
	}
	pipeline := attachment.NewPipeline(j.source, j.sourceCaller, j.target, j.targetCaller,
		converter, attachment.Options{
			Concurrency:        j.cfg.Migration.ConcurrentAttachments,
			MaxSizeBytes:       att.MaxSizeBytes,
			CompressionEnabled: att.CompressionEnabled,
			CompressOverBytes:  att.CompressOverBytes,
			JPEGQuality:        att.JPEGQuality,
		})

	for _, itemID := range order {
		if err := j.gate.Checkpoint(ctx); err != nil {
			return err
		}
		outcomes, stats := pipeline.Process(ctx, groups[itemID])

		j.mu.Lock()
		j.attachStats.Total += stats.Total
		j.attachStats.Uploaded += stats.Uploaded
		j.attachStats.Failed += stats.Failed
		j.attachStats.Converted += stats.Converted
		j.attachStats.Compressed += stats.Compressed
		j.attachStats.BytesBefore += stats.BytesBefore
		j.attachStats.BytesAfter += stats.BytesAfter
		j.warnings += stats.Failed
		j.mu.Unlock()

		for _, out := range outcomes {
			status := "uploaded"
			if out.Failed() {
				status = "failed"
			}
			rec := checkpoint.AttachmentRecord{
				AttachmentID: out.AttachmentID,
				TargetItemID: out.TargetItemID,
				TargetID:     out.TargetID,
				Name:         out.Name,
				Status:       status,
				Converted:    out.Converted,
				Compressed:   out.Compressed,
				BytesBefore:  out.BytesBefore,
				BytesAfter:   out.BytesAfter,
				Error:        out.Error,
			}
			if err := j.store.RecordAttachment(j.id, rec); err != nil {
				logging.Warn("job %s: persisting attachment %s: %v", j.id, out.AttachmentID, err)
			}
		}
		emit(stats.Uploaded, stats.Failed)

		if ctx.Err() != nil {
			return errclass.Wrap(errclass.KindCancelled, ctx.Err(), "attachment migration cancelled")
		}
	}
	return nil
}

// opValidate spot-checks a sample of migrated items on the target.
func (j *Job) opValidate(ctx context.Context, emit graph.Emit) error {
	migrated, err := j.store.MigratedItems(j.id)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(migrated))
	for _, targetID := range migrated {
		ids = append(ids, targetID)
	}
	sort.Strings(ids)
	if len(ids) > validateSampleSize {
		ids = ids[:validateSampleSize]
	}
	j.setOpTotal("validate", len(ids))

	for _, targetID := range ids {
		if err := j.gate.Checkpoint(ctx); err != nil {
			return err
		}
		verr := j.targetCaller.Do(ctx, "read", func(ctx context.Context) error {
			_, gerr := j.target.GetTestCase(ctx, targetID)
			return gerr
		})
		if verr != nil {
			logging.Warn("job %s: target item %s failed validation: %v", j.id, targetID, verr)
			j.mu.Lock()
			j.warnings++
			j.mu.Unlock()
			emit(0, 1)
			continue
		}
		emit(1, 0)
	}
	return nil
}

// opReport writes the closing summary.
func (j *Job) opReport(ctx context.Context, emit graph.Emit) error {
	j.setOpTotal("report", 1)
	if err := j.gate.Checkpoint(ctx); err != nil {
		return err
	}

	j.mu.Lock()
	total, completed, failed, warnings := j.totalItems, j.completed, j.failed, j.warnings
	atts := j.attachStats
	j.mu.Unlock()

	logging.Info("job %s summary: %d/%d items migrated, %d failed, %d warnings, %d/%d attachments uploaded",
		j.id, completed, total, failed, warnings, atts.Uploaded, atts.Total)
	emit(1, 0)
	return nil
}

func (j *Job) setOpTotal(opID string, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t := j.ops[opID]
	t.total = total
	t.done = 0
	t.failed = 0
}

// pause sets the gate's pause flag; the state flips to paused only
// when a worker acknowledges at the next item boundary, so an
// in-flight write always lands first. No-op unless the job is running.
func (j *Job) pause() *JobStatus {
	j.mu.Lock()
	if j.state == StateRunning && !j.pausing {
		j.pausing = true
		j.gate.Pause(j.pauseAcknowledged)
		logging.Info("job %s pause requested", j.id)
	}
	j.mu.Unlock()
	return j.status()
}

func (j *Job) pauseAcknowledged() {
	j.mu.Lock()
	if !j.pausing || j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.pausing = false
	j.state = StatePaused
	j.pausedAt = time.Now()
	logging.Info("job %s paused", j.id)
	j.mu.Unlock()

	j.persistState()
}

// resume releases a paused job; it also withdraws a pause that no
// worker has acknowledged yet.
func (j *Job) resume() *JobStatus {
	j.mu.Lock()
	switch {
	case j.state == StatePaused:
		j.pausedTotal += time.Since(j.pausedAt)
		j.state = StateRunning
		j.gate.Resume()
		logging.Info("job %s resumed", j.id)
	case j.pausing:
		j.pausing = false
		j.gate.Resume()
		logging.Info("job %s pause withdrawn", j.id)
	}
	j.mu.Unlock()

	j.persistState()
	return j.status()
}

// cancelJob requests cancellation; terminal jobs are unaffected.
func (j *Job) cancelJob(terminateResources bool) *JobStatus {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return j.status()
	}

	if j.state == StateIdle {
		// Never started: settle directly.
		j.state = StateCancelled
		j.completedAt = time.Now()
		close(j.done)
		j.mu.Unlock()
		if err := j.store.CompleteJob(j.id, string(StateCancelled)); err != nil {
			logging.Warn("job %s: persisting cancellation: %v", j.id, err)
		}
		logging.Info("job %s cancelled before start", j.id)
		return j.status()
	}

	gate := j.gate
	cancel := j.runCancel
	j.mu.Unlock()

	gate.Cancel()
	if terminateResources && cancel != nil {
		cancel()
	}
	logging.Info("job %s cancellation requested (terminate=%t)", j.id, terminateResources)
	return j.status()
}

func (j *Job) persistState() {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	if state.Terminal() {
		return
	}
	if err := j.store.SetJobStatus(j.id, string(state)); err != nil {
		logging.Warn("job %s: persisting state: %v", j.id, err)
	}
}

// splitMessages counts warnings and joins error-severity messages into
// one failure string.
func splitMessages(messages []transform.Message) (warnings int, hardErr string) {
	for _, m := range messages {
		if m.Severity == transform.SeverityError {
			if hardErr != "" {
				hardErr += "; "
			}
			hardErr += fmt.Sprintf("%s: %s", m.Field, m.Text)
			continue
		}
		warnings++
	}
	return warnings, hardErr
}
