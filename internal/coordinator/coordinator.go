// Package coordinator owns MigrationJob state machines: it validates
// and configures jobs, builds their operation graphs, drives the
// executor, and aggregates progress for the read-only status surface.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/config"
	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/logging"
	"github.com/tcmigrate/tcmigrate/internal/notify"
	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/resilience"
	"github.com/tcmigrate/tcmigrate/internal/transform"
)

// JobSpec is the configure payload: where to read, where to write,
// what to migrate and how fields map across.
type JobSpec struct {
	Source         config.ProviderConfig    `json:"source"`
	Target         config.ProviderConfig    `json:"target"`
	Scope          string                   `json:"scope,omitempty"`
	RequiredFields []string                 `json:"requiredFields,omitempty"`
	Mappings       []transform.FieldMapping `json:"mappings"`
}

// SpecFromConfig builds the job spec a config file describes.
func SpecFromConfig(cfg *config.Config) JobSpec {
	return JobSpec{
		Source:         cfg.Source,
		Target:         cfg.Target,
		Scope:          cfg.Migration.Scope,
		RequiredFields: cfg.Migration.RequiredFields,
		Mappings:       cfg.Mappings,
	}
}

// Coordinator manages migration jobs. All public methods are safe for
// concurrent use; job state is mutated only here.
type Coordinator struct {
	cfg      *config.Config
	store    *checkpoint.State
	notifier *notify.Notifier
	shared   resilience.SharedStore

	mu   sync.Mutex
	jobs map[string]*Job
}

// New wires a coordinator. shared may be nil for purely in-process
// breaker state.
func New(cfg *config.Config, store *checkpoint.State, notifier *notify.Notifier, shared resilience.SharedStore) *Coordinator {
	if notifier == nil {
		notifier = notify.New(nil)
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		shared:   shared,
		jobs:     make(map[string]*Job),
	}
}

// Configure validates a job spec, checks both providers are reachable,
// and registers a new job. Validation failure leaves no job behind.
func (c *Coordinator) Configure(ctx context.Context, spec JobSpec) (*JobStatus, error) {
	if len(spec.Mappings) == 0 {
		return nil, errclass.New(errclass.KindValidation, "at least one field mapping is required")
	}
	if err := transform.ValidateMappings(spec.Mappings, spec.RequiredFields); err != nil {
		return nil, err
	}

	source, err := provider.Open(spec.Source.Settings())
	if err != nil {
		return nil, errclass.Wrap(errclass.KindValidation, err, "opening source provider")
	}
	target, err := provider.Open(spec.Target.Settings())
	if err != nil {
		return nil, errclass.Wrap(errclass.KindValidation, err, "opening target provider")
	}

	if err := c.healthCheck(ctx, source, target); err != nil {
		return nil, err
	}

	job := c.newJob(spec, source, target)

	if err := c.store.CreateJob(job.id, spec.Source.Type, spec.Target.Type, spec.Scope, sanitizedSpec(spec)); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	c.mu.Lock()
	c.jobs[job.id] = job
	c.mu.Unlock()

	logging.Info("job %s configured: %s -> %s (scope %q)",
		job.id, spec.Source.Type, spec.Target.Type, spec.Scope)
	return job.status(), nil
}

// healthCheck probes both adapters in parallel with independent
// timeouts; either failing blocks configuration.
func (c *Coordinator) healthCheck(ctx context.Context, source, target provider.Adapter) error {
	timeout := c.cfg.Resilience.CallTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	check := func(role string, a provider.Adapter, out chan<- error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := a.TestConnection(cctx); err != nil {
			out <- errclass.Wrap(errclass.KindValidation, err, "%s provider %s unreachable", role, a.Name())
			return
		}
		out <- nil
	}

	errs := make(chan error, 2)
	go check("source", source, errs)
	go check("target", target, errs)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// newJob builds the job's resilience plumbing.
func (c *Coordinator) newJob(spec JobSpec, source, target provider.Adapter) *Job {
	res := c.cfg.Resilience
	breakers := resilience.NewBreakerSet(res.BreakerConfig(), c.shared)

	sourceCaller := resilience.NewCaller(spec.Source.Type, res.RetryPolicy(), res.CallTimeout(),
		breakers, resilience.NewRateBudget(res.RatePerSecond, res.RateBurst))
	if tr, ok := source.(provider.TokenRefresher); ok {
		sourceCaller.Refresher = tr
	}
	targetCaller := resilience.NewCaller(spec.Target.Type, res.RetryPolicy(), res.CallTimeout(),
		breakers, resilience.NewRateBudget(res.RatePerSecond, res.RateBurst))
	if tr, ok := target.(provider.TokenRefresher); ok {
		targetCaller.Refresher = tr
	}

	return &Job{
		id:           uuid.New().String(),
		spec:         spec,
		cfg:          c.cfg,
		store:        c.store,
		notifier:     c.notifier,
		source:       source,
		target:       target,
		sourceCaller: sourceCaller,
		targetCaller: targetCaller,
		state:        StateIdle,
		ops:          make(map[string]*opTracker),
		done:         make(chan struct{}),
	}
}

// ErrUnknownJob is returned for job ids this process does not hold.
var ErrUnknownJob = errors.New("unknown migration job")

func (c *Coordinator) job(id string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJob, id)
	}
	return j, nil
}

// Start transitions a configured or paused job to running. Starting a
// job that is already running is a no-op returning current status.
func (c *Coordinator) Start(ctx context.Context, id string) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	return j.start(ctx)
}

// Pause requests a cooperative pause at the next item boundary.
func (c *Coordinator) Pause(id string) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	return j.pause(), nil
}

// Resume releases a paused job.
func (c *Coordinator) Resume(id string) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	return j.resume(), nil
}

// Cancel stops a job at the next item boundary. terminateResources
// additionally abandons in-flight work beyond the current item.
func (c *Coordinator) Cancel(id string, terminateResources bool) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	return j.cancelJob(terminateResources), nil
}

// Status is the read-only job view, safe concurrently with execution.
func (c *Coordinator) Status(id string) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	return j.status(), nil
}

// ItemReport is one item's outcome with its attachment outcomes.
type ItemReport struct {
	checkpoint.ItemResult
	Attachments []checkpoint.AttachmentRecord `json:"attachments,omitempty"`
}

// Results returns per-item outcomes from the persistent store,
// attachment outcomes folded in by target item.
func (c *Coordinator) Results(id string) ([]ItemReport, error) {
	if _, err := c.job(id); err != nil {
		return nil, err
	}
	items, err := c.store.GetResults(id)
	if err != nil {
		return nil, err
	}
	attRecs, err := c.store.GetAttachmentRecords(id)
	if err != nil {
		return nil, err
	}
	byItem := make(map[string][]checkpoint.AttachmentRecord)
	for _, rec := range attRecs {
		byItem[rec.TargetItemID] = append(byItem[rec.TargetItemID], rec)
	}

	reports := make([]ItemReport, 0, len(items))
	for _, it := range items {
		reports = append(reports, ItemReport{
			ItemResult:  it,
			Attachments: byItem[it.TargetID],
		})
	}
	return reports, nil
}

// Statistics aggregates counters, timings and attachment stats.
func (c *Coordinator) Statistics(id string) (*Statistics, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}

	items, err := c.store.GetJobStats(id)
	if err != nil {
		return nil, err
	}
	atts, err := c.store.GetAttachmentStats(id)
	if err != nil {
		return nil, err
	}
	return j.statistics(items, atts), nil
}

// AttachmentStats returns the job's attachment counters.
func (c *Coordinator) AttachmentStats(id string) (checkpoint.AttachmentStats, error) {
	if _, err := c.job(id); err != nil {
		return checkpoint.AttachmentStats{}, err
	}
	return c.store.GetAttachmentStats(id)
}

// History lists recent jobs, newest first, including jobs from
// previous processes.
func (c *Coordinator) History() ([]checkpoint.Job, error) {
	return c.store.GetAllJobs()
}

// Wait blocks until the job reaches a terminal state.
func (c *Coordinator) Wait(ctx context.Context, id string) (*JobStatus, error) {
	j, err := c.job(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return j.status(), ctx.Err()
	case <-j.done:
		return j.status(), nil
	}
}

// RunError returns the error that failed the job, nil for any other
// state.
func (c *Coordinator) RunError(id string) error {
	j, err := c.job(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runErr
}

// CleanupHistory removes terminal jobs older than the retention window.
func (c *Coordinator) CleanupHistory() (int64, error) {
	retention := time.Duration(c.cfg.Migration.HistoryRetentionDays) * 24 * time.Hour
	return c.store.CleanupOldJobs(retention)
}

// sanitizedSpec strips credentials before the spec is persisted.
func sanitizedSpec(spec JobSpec) JobSpec {
	if spec.Source.APIKey != "" {
		spec.Source.APIKey = "[REDACTED]"
	}
	if spec.Target.APIKey != "" {
		spec.Target.APIKey = "[REDACTED]"
	}
	return spec
}
