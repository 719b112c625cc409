// Package engine runs processing sessions over a drive root: one-shot batch
// runs and dry runs here, the long-running watch daemon in daemon.go.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/mediaflow/internal/config"
	"github.com/eargollo/mediaflow/internal/discover"
	"github.com/eargollo/mediaflow/internal/enrich"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/pipeline"
	"github.com/eargollo/mediaflow/internal/report"
	"github.com/eargollo/mediaflow/internal/retry"
	"github.com/eargollo/mediaflow/internal/session"
)

// ErrRootUnreachable is returned when the drive root cannot be read.
var ErrRootUnreachable = errors.New("drive root unreachable")

// Engine holds what every session shares: configuration, the ledger, the
// retry policy and the enrichment pipeline.
type Engine struct {
	cfg    *config.Config
	db     *sql.DB
	ledger *ledger.Ledger
	retry  *retry.Manager
	enrich enrich.Pipeline
}

// New creates an Engine over an opened, migrated database.
func New(cfg *config.Config, db *sql.DB, p enrich.Pipeline) *Engine {
	l := ledger.New(db, lifecycle.Policy{MaxRetries: cfg.MaxRetries})
	rm := retry.New(l, retry.Config{
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		JitterPercent: cfg.Retry.JitterPercent,
	})
	return &Engine{cfg: cfg, db: db, ledger: l, retry: rm, enrich: p}
}

// NewPipeline builds the enrichment stages selected in cfg: the built-in
// catalog, then the external command when one is configured.
func NewPipeline(cfg *config.Config, db *sql.DB) enrich.Pipeline {
	var stages []enrich.Pipeline
	if cfg.Enrich.CatalogEnabled() {
		stages = append(stages, enrich.NewCatalog(db))
	}
	if len(cfg.Enrich.Command) > 0 {
		stages = append(stages, enrich.NewCommand(cfg.Enrich.Command...))
	}
	return enrich.Chain(stages...)
}

// Ledger returns the ledger the engine settles files in.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// prepareRoot canonicalizes the configured paths and checks the root.
func (e *Engine) prepareRoot() error {
	if err := e.cfg.ResolvePaths(); err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreachable, err)
	}
	return CheckRoot(e.cfg.DriveRoot)
}

// CheckRoot verifies that root is a readable directory.
func CheckRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreachable, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootUnreachable, root)
	}
	f, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreachable, err)
	}
	return f.Close()
}

// Options selects how a batch run treats the existing ledger.
type Options struct {
	// DryRun discovers and records files as pending without processing.
	DryRun bool `json:"dry_run"`
	// ForceReprocess resets terminal failures to pending before discovery.
	ForceReprocess bool `json:"force_reprocess"`
	// Resume picks up pending and retryable records left by earlier
	// sessions. Without it only new and changed files are processed.
	Resume bool `json:"resume"`
}

// Result describes a finished run.
type Result struct {
	SessionID  string
	Status     session.Status
	Totals     session.Totals
	Discovery  discover.Stats
	Batches    int
	Reset      int64 // orphaned claims returned to pending
	Forced     int64 // terminal records reset by ForceReprocess
	Report     report.Report
	ReportPath string
}

// HasFailures reports whether the ledger holds terminally failed files
// after the run.
func (r Result) HasFailures() bool {
	return r.Report.OverallStats.StatusCounts[string(lifecycle.Failed)] > 0
}

type snapshot struct {
	*config.Config
	Run Options `json:"run"`
}

// Run executes one session: discovery of the drive root feeding the batch
// scheduler and worker pool until every eligible file is settled. The
// session row is closed and the report written on every exit path.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	if err := e.prepareRoot(); err != nil {
		return Result{}, err
	}
	if _, err := session.MarkStale(ctx, e.db, e.cfg.StaleSessionAfter); err != nil {
		return Result{}, err
	}

	mode := session.ModeBatch
	if opts.DryRun {
		mode = session.ModeDryRun
	}
	tracker, err := session.Start(ctx, e.db, mode, snapshot{Config: e.cfg, Run: opts}, 0)
	if err != nil {
		return Result{}, err
	}

	res := Result{SessionID: tracker.ID()}
	runErr := e.execute(ctx, tracker, opts, &res)

	status := session.StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = session.StatusCancelled
		if runErr == nil {
			runErr = ctx.Err()
		}
	case runErr != nil:
		status = session.StatusFailed
	}
	res.Status = status
	runErr = multierr.Append(runErr, tracker.Close(status))
	res.Totals = tracker.Totals()

	r, path, err := e.writeReport(context.WithoutCancel(ctx), tracker.ID(), res.Totals)
	res.Report, res.ReportPath = r, path
	return res, multierr.Append(runErr, err)
}

func (e *Engine) execute(ctx context.Context, t *session.Tracker, opts Options, res *Result) error {
	sid := t.ID()
	if opts.DryRun {
		d := e.discoverer(nil, t, false)
		st, err := d.Run(ctx, sid)
		res.Discovery = st
		t.Counters.Seen.Add(st.Seen)
		return err
	}

	reset, err := e.resetOrphaned(ctx, sid)
	if err != nil {
		return err
	}
	res.Reset = reset
	if opts.ForceReprocess {
		n, err := e.ledger.ForceReprocess(ctx, sid, ledger.ScopeFailed)
		if err != nil {
			return err
		}
		res.Forced = n
		slog.Info("force reprocess", "session", sid, "reset", n)
	}

	intake := pipeline.NewIntake(e.cfg.Watch.QueueSize)
	sched := e.scheduler(intake, t, 0)
	d := e.discoverer(intake, t, !opts.Resume)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		defer intake.Close()
		st, err := d.Run(gctx, sid)
		res.Discovery = st
		t.Counters.Seen.Add(st.Seen)
		return err
	})
	err = g.Wait()
	res.Batches = sched.Batches()
	return err
}

// ── Shared wiring ────────────────────────────────────────────────────────────

func (e *Engine) discoverer(intake discover.Enqueuer, t *session.Tracker, skipBacklog bool) *discover.Discoverer {
	d := discover.New(discover.Options{
		Root:        e.cfg.DriveRoot,
		Incoming:    e.cfg.Incoming(),
		Filter:      e.cfg.Filter(),
		Excludes:    e.cfg.Exclude,
		MaxFiles:    e.cfg.MaxFiles,
		Walkers:     e.cfg.Walkers,
		SkipBacklog: skipBacklog,
	}, e.ledger, intake)
	d.OnError = func(string, error) {
		t.Counters.DiscoveryErrors.Add(1)
	}
	return d
}

func (e *Engine) scheduler(intake *pipeline.Intake, t *session.Tracker, flush time.Duration) *pipeline.Scheduler {
	pool := pipeline.NewPool(pipeline.PoolConfig{
		Workers:       e.cfg.Workers,
		EnrichTimeout: e.cfg.EnrichTimeout,
	}, e.ledger, e.retry, e.enrich, t.ID(), &t.Counters)

	cfg := pipeline.DefaultSchedulerConfig()
	cfg.BatchSize = e.cfg.BatchSize
	cfg.CheckpointInterval = e.cfg.CheckpointInterval
	cfg.FlushInterval = flush
	return pipeline.NewScheduler(cfg, intake, pool, e.checkpointer(t))
}

// checkpointer writes the session's progress marker, including how much
// claimable work the ledger still holds.
func (e *Engine) checkpointer(t *session.Tracker) pipeline.CheckpointFunc {
	return func(ctx context.Context, batchIndex int) error {
		remaining, err := e.ledger.Claimable(ctx)
		if err != nil {
			return err
		}
		c := t.Totals()
		return session.WriteCheckpoint(ctx, e.db, session.Checkpoint{
			SessionID:  t.ID(),
			BatchIndex: batchIndex,
			Seen:       c.Seen,
			Succeeded:  c.Succeeded,
			Failed:     c.Failed,
			Skipped:    c.Skipped,
			Remaining:  remaining,
		})
	}
}

// resetOrphaned returns claims abandoned by dead sessions to pending.
func (e *Engine) resetOrphaned(ctx context.Context, sessionID string) (int64, error) {
	n, err := e.ledger.ResetOrphaned(ctx, sessionID, time.Now().Add(-e.cfg.StaleSessionAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("reset orphaned claims", "session", sessionID, "count", n)
	}
	return n, nil
}

func (e *Engine) writeReport(ctx context.Context, sessionID string, totals session.Totals) (report.Report, string, error) {
	r, err := report.Build(ctx, e.ledger, sessionID, totals)
	if err != nil {
		return r, "", err
	}
	path, err := report.Write(r, e.cfg.ReportDir)
	if err != nil {
		return r, "", err
	}
	slog.Info("report written", "session", sessionID, "path", path)
	return r, path, nil
}
