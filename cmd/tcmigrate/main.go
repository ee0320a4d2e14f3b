package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/config"
	"github.com/tcmigrate/tcmigrate/internal/coordinator"
	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/httpapi"
	"github.com/tcmigrate/tcmigrate/internal/logging"
	"github.com/tcmigrate/tcmigrate/internal/notify"
	"github.com/tcmigrate/tcmigrate/internal/progress"
	"github.com/tcmigrate/tcmigrate/internal/resilience"

	// Registered provider adapters.
	_ "github.com/tcmigrate/tcmigrate/internal/provider/memory"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tcmigrate",
		Usage:   "Migrate test cases and attachments between test-management platforms",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Configure and run a migration from the config file",
				Action: runMigration,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Override the number of executor workers",
					},
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Override the source scope to migrate",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "Run the HTTP job control API",
				Action: serveAPI,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides server.addr)",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show status of the most recent (or a specific) migration",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "Migration job ID (default: most recent)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "results",
				Usage:  "Show per-item outcomes of a migration",
				Action: showResults,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "Migration job ID (default: most recent)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output results as JSON",
					},
					&cli.BoolFlag{
						Name:  "failed-only",
						Usage: "Only show items that failed",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent migration jobs",
				Action: showHistory,
			},
			{
				Name:   "cleanup",
				Usage:  "Remove terminal jobs older than the retention window",
				Action: cleanupHistory,
			},
			{
				Name:   "validate-config",
				Usage:  "Validate the configuration file without running anything",
				Action: validateConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errclass.ExitCodeFor(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, errclass.NewExitError(
			fmt.Errorf("configuration file not found: %s", configPath), errclass.ExitConfigError)
	}
	return config.Load(configPath)
}

func openStore(cfg *config.Config) (*checkpoint.State, error) {
	dataDir := cfg.Migration.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}
	return checkpoint.New(dataDir)
}

// newCoordinator wires the full stack: checkpoint store, Slack
// notifier and the optional Redis-shared breaker state.
func newCoordinator(cfg *config.Config) (*coordinator.Coordinator, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var shared resilience.SharedStore
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		shared = resilience.NewRedisStore(redisClient, "")
		logging.Info("Sharing circuit breaker state via redis at %s", cfg.Redis.Addr)
	}

	coord := coordinator.New(cfg, store, notify.New(&cfg.Slack), shared)
	cleanup := func() {
		if redisClient != nil {
			redisClient.Close()
		}
		store.Close()
	}
	return coord, cleanup, nil
}

func runMigration(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("workers") {
		cfg.Migration.Workers = c.Int("workers")
	}
	if c.IsSet("scope") {
		cfg.Migration.Scope = c.String("scope")
	}

	coord, cleanup, err := newCoordinator(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := coord.Configure(context.Background(), coordinator.SpecFromConfig(cfg))
	if err != nil {
		return err
	}
	if _, err := coord.Start(context.Background(), st.ID); err != nil {
		return err
	}

	// First signal cancels at the next item boundary; a second one
	// abandons in-flight work.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Cancelling at the next item boundary...")
		coord.Cancel(st.ID, false)
		<-sigCh
		fmt.Fprintln(os.Stderr, "Forcing shutdown...")
		coord.Cancel(st.ID, true)
	}()

	final := watchJob(c, coord, st.ID)

	if c.Bool("output-json") || c.String("output-file") != "" {
		if err := outputJSON(c, coord, final); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	switch final.State {
	case coordinator.StateFailed:
		if runErr := coord.RunError(st.ID); runErr != nil {
			return runErr
		}
		return errors.New(final.Error)
	case coordinator.StateCancelled:
		return errclass.New(errclass.KindCancelled, "migration cancelled")
	}
	return nil
}

// watchJob polls job status, feeding the progress bar and the JSON
// reporter, until the job settles.
func watchJob(c *cli.Context, coord *coordinator.Coordinator, id string) *coordinator.JobStatus {
	jsonOut := c.Bool("output-json") || c.String("output-file") != ""

	var tracker *progress.Tracker
	if !c.Bool("no-progress") && !jsonOut {
		tracker = progress.New()
	}
	var reporter progress.Reporter = &progress.NullReporter{}
	if jsonOut {
		reporter = progress.NewJSONReporter(os.Stderr, 2*time.Second)
	}
	defer reporter.Close()

	done := make(chan *coordinator.JobStatus, 1)
	go func() {
		final, _ := coord.Wait(context.Background(), id)
		done <- final
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	totalSet := false
	update := func(st *coordinator.JobStatus, immediate bool) {
		if st == nil {
			return
		}
		if tracker != nil {
			if !totalSet && st.TotalItems > 0 {
				tracker.SetTotal(int64(st.TotalItems))
				totalSet = true
			}
			tracker.Set(int64(st.CompletedItems + st.FailedItems + st.SkippedItems))
			tracker.Describe(st.CurrentOperation)
		}
		u := progress.Update{
			MigrationID:   st.ID,
			State:         string(st.State),
			Operation:     st.CurrentOperation,
			ItemsComplete: st.CompletedItems,
			ItemsFailed:   st.FailedItems,
			ItemsSkipped:  st.SkippedItems,
			ItemsTotal:    st.TotalItems,
			Warnings:      st.Warnings,
			ProgressPct:   st.Progress,
		}
		if st.EtaSeconds != nil {
			u.EtaSeconds = *st.EtaSeconds
		}
		if immediate {
			reporter.ReportImmediate(u)
		} else {
			reporter.Report(u)
		}
	}

	for {
		select {
		case <-ticker.C:
			st, err := coord.Status(id)
			if err == nil {
				update(st, false)
			}
		case final := <-done:
			update(final, true)
			if tracker != nil {
				tracker.Finish()
			}
			return final
		}
	}
}

func serveAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	coord, cleanup, err := newCoordinator(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	addr := cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(coord)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Job control API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logging.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// resolveJob picks the requested or most recent job from the store.
func resolveJob(c *cli.Context, store *checkpoint.State) (*checkpoint.Job, error) {
	if id := c.String("id"); id != "" {
		job, err := store.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("no migration job with id %s", id)
		}
		return job, nil
	}
	jobs, err := store.GetAllJobs()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.New("no migration jobs recorded")
	}
	return &jobs[0], nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := resolveJob(c, store)
	if err != nil {
		return err
	}
	items, err := store.GetJobStats(job.ID)
	if err != nil {
		return err
	}
	atts, err := store.GetAttachmentStats(job.ID)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(map[string]any{
			"job":         job,
			"items":       items,
			"attachments": atts,
		})
	}

	fmt.Printf("Migration:   %s\n", job.ID)
	fmt.Printf("Status:      %s\n", job.Status)
	fmt.Printf("Route:       %s -> %s\n", job.SourceKind, job.TargetKind)
	if job.Scope != "" {
		fmt.Printf("Scope:       %s\n", job.Scope)
	}
	fmt.Printf("Items:       %d migrated, %d failed, %d skipped of %d\n",
		items.Migrated, items.Failed, items.Skipped, job.TotalItems)
	fmt.Printf("Warnings:    %d\n", items.Warnings)
	fmt.Printf("Attachments: %d uploaded, %d failed of %d\n",
		atts.Uploaded, atts.Failed, atts.Total)
	if job.StartedAt != nil {
		fmt.Printf("Started:     %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showResults(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := resolveJob(c, store)
	if err != nil {
		return err
	}
	results, err := store.GetResults(job.ID)
	if err != nil {
		return err
	}
	if c.Bool("failed-only") {
		kept := results[:0]
		for _, r := range results {
			if r.Status == "failed" {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	if c.Bool("json") {
		return printJSON(results)
	}

	if len(results) == 0 {
		fmt.Println("No items recorded")
		return nil
	}
	fmt.Printf("%-20s %-20s %-10s %-8s %s\n", "Source", "Target", "Status", "Warnings", "Error")
	for _, r := range results {
		errMsg := strings.ReplaceAll(r.Error, "\n", " ")
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Printf("%-20s %-20s %-10s %-8d %s\n", r.SourceID, r.TargetID, r.Status, r.Warnings, errMsg)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.GetAllJobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No migration jobs recorded")
		return nil
	}

	fmt.Printf("%-36s %-24s %-20s %-8s %s\n", "ID", "Status", "Created", "Items", "Route")
	for _, j := range jobs {
		fmt.Printf("%-36s %-24s %-20s %-8d %s -> %s\n",
			j.ID, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"),
			j.TotalItems, j.SourceKind, j.TargetKind)
	}
	return nil
}

func cleanupHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	retention := time.Duration(cfg.Migration.HistoryRetentionDays) * 24 * time.Hour
	removed, err := store.CleanupOldJobs(retention)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d job(s) older than %d days\n", removed, cfg.Migration.HistoryRetentionDays)
	return nil
}

func validateConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return errclass.NewExitError(err, errclass.ExitConfigError)
	}
	fmt.Printf("Configuration OK: %s -> %s, %d mapping(s), %d workers\n",
		cfg.Source.Type, cfg.Target.Type, len(cfg.Mappings), cfg.Migration.Workers)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// outputJSON writes the final job report as JSON to stdout and/or a file.
func outputJSON(c *cli.Context, coord *coordinator.Coordinator, final *coordinator.JobStatus) error {
	report := map[string]any{"job": final}
	if stats, err := coord.Statistics(final.ID); err == nil {
		report["statistics"] = stats
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
