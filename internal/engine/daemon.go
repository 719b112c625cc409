package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/mediaflow/internal/discover"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/metrics"
	"github.com/eargollo/mediaflow/internal/pipeline"
	"github.com/eargollo/mediaflow/internal/report"
	"github.com/eargollo/mediaflow/internal/scheduler"
	"github.com/eargollo/mediaflow/internal/session"
	"github.com/eargollo/mediaflow/internal/watch"
)

// ErrAlreadyRunning is returned when a rescan is started while one is in
// progress.
var ErrAlreadyRunning = errors.New("a rescan is already in progress")

// ErrNotRunning is returned by daemon operations that need Run to be active.
var ErrNotRunning = errors.New("daemon is not running")

// metricsInterval is how often ledger counts are refreshed for /metrics.
const metricsInterval = 15 * time.Second

// Rescan describes a full discovery pass of the daemon.
type Rescan struct {
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TriggeredBy string     `json:"triggered_by"`
	Seen        int64      `json:"files_seen"`
	Enqueued    int64      `json:"files_enqueued"`
	Errors      int64      `json:"errors"`
	Error       string     `json:"error,omitempty"`
}

// Status is a point-in-time view of the daemon.
type Status struct {
	SessionID      string         `json:"session_id"`
	StartedAt      time.Time      `json:"started_at"`
	Totals         session.Totals `json:"totals"`
	IntakeDepth    int            `json:"intake_depth"`
	WatcherTracked int            `json:"watcher_tracked"`
	WatchedDirs    int64          `json:"watched_dirs"`
	ActiveRescan   *Rescan        `json:"active_rescan,omitempty"`
	LastRescan     *Rescan        `json:"last_rescan,omitempty"`
	Schedule       string         `json:"schedule"`
	NextRescanAt   *time.Time     `json:"next_rescan_at,omitempty"`
}

// Daemon is a watch-mode session: the watcher and periodic rescans feed one
// shared intake, drained by a scheduler that flushes partial batches.
// It is safe for concurrent use once started.
type Daemon struct {
	e       *Engine
	tracker *session.Tracker
	intake  *pipeline.Intake
	disc    *discover.Discoverer
	watcher *watch.Watcher
	cron    *scheduler.Scheduler

	mu     sync.Mutex
	runCtx context.Context
	active *Rescan
	last   *Rescan
	bg     sync.WaitGroup
}

// StartDaemon opens a watch session. Call Run to start processing.
func (e *Engine) StartDaemon(ctx context.Context) (*Daemon, error) {
	if err := e.prepareRoot(); err != nil {
		return nil, err
	}
	if _, err := session.MarkStale(ctx, e.db, e.cfg.StaleSessionAfter); err != nil {
		return nil, err
	}
	tracker, err := session.Start(ctx, e.db, session.ModeWatch, snapshot{Config: e.cfg, Run: Options{Resume: true}}, 0)
	if err != nil {
		return nil, err
	}
	if _, err := e.resetOrphaned(ctx, tracker.ID()); err != nil {
		return nil, multierr.Append(err, tracker.Close(session.StatusFailed))
	}

	intake := pipeline.NewIntake(e.cfg.Watch.QueueSize)
	disc := e.discoverer(intake, tracker, false)
	return &Daemon{
		e:       e,
		tracker: tracker,
		intake:  intake,
		disc:    disc,
		watcher: watch.New(watch.Options{
			Root:           e.cfg.DriveRoot,
			Filter:         e.cfg.Filter(),
			Exclude:        disc.Excluder(),
			SettleInterval: e.cfg.Watch.SettleInterval,
		}, e.ledger, intake),
		cron: scheduler.New(),
	}, nil
}

// SessionID returns the id of the daemon's session.
func (d *Daemon) SessionID() string { return d.tracker.ID() }

// Ledger returns the ledger the daemon settles files in.
func (d *Daemon) Ledger() *ledger.Ledger { return d.e.ledger }

// Run processes until ctx is cancelled or a component fails. The session
// is closed and its report written before Run returns. A cancelled ctx is
// a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) (err error) {
	sid := d.tracker.ID()
	if err := d.cron.SetJob(d.e.cfg.Schedule, "rescan", d.scheduledRescan); err != nil {
		err = fmt.Errorf("set rescan schedule %q: %w", d.e.cfg.Schedule, err)
		return multierr.Append(err, d.tracker.Close(session.StatusFailed))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	d.mu.Lock()
	d.runCtx = gctx
	d.mu.Unlock()

	sched := d.e.scheduler(d.intake, d.tracker, d.e.cfg.Watch.FlushInterval)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return d.watcher.Run(gctx, sid, &d.tracker.Counters)
	})

	collector := metrics.NewCollector(d.e.ledger, metricsInterval)
	collector.Start()
	metrics.SessionRunning.Set(1)

	d.cron.Start()
	if _, err := d.Rescan("startup"); err != nil {
		slog.Error("startup rescan", "error", err)
	}

	err = g.Wait()
	d.cron.Stop()
	d.mu.Lock()
	d.runCtx = nil
	d.mu.Unlock()
	d.bg.Wait()
	collector.Stop()
	metrics.SessionRunning.Set(0)

	status := session.StatusCompleted
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		err = nil
	case err != nil:
		status = session.StatusFailed
	}
	err = multierr.Append(err, d.tracker.Close(status))
	_, _, rerr := d.e.writeReport(context.WithoutCancel(ctx), sid, d.tracker.Totals())
	return multierr.Append(err, rerr)
}

// ── Rescans ──────────────────────────────────────────────────────────────────

// Rescan starts an asynchronous full discovery pass. It returns
// ErrAlreadyRunning while another pass is in progress.
func (d *Daemon) Rescan(triggeredBy string) (Rescan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return Rescan{}, ErrAlreadyRunning
	}
	r := &Rescan{StartedAt: time.Now(), TriggeredBy: triggeredBy}
	err := d.spawnLocked(func(ctx context.Context) {
		d.rescan(ctx, r)
	})
	if err != nil {
		return Rescan{}, err
	}
	d.active = r
	return *r, nil
}

// spawnLocked runs fn in the background on the run context. d.mu must be
// held; runCtx is cleared under d.mu before Run waits for background work.
func (d *Daemon) spawnLocked(fn func(ctx context.Context)) error {
	if d.runCtx == nil || d.runCtx.Err() != nil {
		return ErrNotRunning
	}
	ctx := d.runCtx
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fn(ctx)
	}()
	return nil
}

func (d *Daemon) rescan(ctx context.Context, r *Rescan) {
	slog.Info("rescan started", "session", d.tracker.ID(), "triggered_by", r.TriggeredBy)
	st, err := d.disc.Run(ctx, d.tracker.ID())
	d.tracker.Counters.Seen.Add(st.Seen)

	d.mu.Lock()
	defer d.mu.Unlock()
	done := *r
	now := time.Now()
	done.FinishedAt = &now
	done.Seen, done.Enqueued, done.Errors = st.Seen, st.Enqueued, st.Errors
	if err != nil && ctx.Err() == nil {
		done.Error = err.Error()
		slog.Error("rescan failed", "triggered_by", r.TriggeredBy, "error", err)
	}
	d.active = nil
	d.last = &done
}

func (d *Daemon) scheduledRescan(context.Context) error {
	_, err := d.Rescan("schedule")
	if errors.Is(err, ErrAlreadyRunning) {
		slog.Info("scheduled rescan skipped: previous rescan still running")
		return nil
	}
	return err
}

// ── Operator actions ─────────────────────────────────────────────────────────

// Reprocess resets terminal failures to pending and feeds them to the
// intake. With paths it is limited to those records; all also resets
// completed and skipped records.
func (d *Daemon) Reprocess(ctx context.Context, all bool, paths ...string) (int64, error) {
	d.mu.Lock()
	running := d.runCtx != nil && d.runCtx.Err() == nil
	d.mu.Unlock()
	if !running {
		return 0, ErrNotRunning
	}

	scope := ledger.ScopeFailed
	if all {
		scope = ledger.ScopeSettled
	}
	n, err := d.e.ledger.ForceReprocess(ctx, d.tracker.ID(), scope, paths...)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if len(paths) == 0 {
		if paths, err = d.e.ledger.ClaimablePaths(ctx, -1); err != nil {
			return n, err
		}
	}
	slog.Info("reprocess requested", "session", d.tracker.ID(), "reset", n, "enqueue", len(paths))

	d.mu.Lock()
	defer d.mu.Unlock()
	err = d.spawnLocked(func(ctx context.Context) {
		for _, p := range paths {
			if _, err := d.intake.Enqueue(ctx, p); err != nil {
				return
			}
		}
	})
	return n, err
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	var active, last *Rescan
	if d.active != nil {
		a := *d.active
		active = &a
	}
	if d.last != nil {
		l := *d.last
		last = &l
	}
	d.mu.Unlock()

	return Status{
		SessionID:      d.tracker.ID(),
		StartedAt:      d.tracker.StartedAt(),
		Totals:         d.tracker.Totals(),
		IntakeDepth:    d.intake.Len(),
		WatcherTracked: d.watcher.Tracked(),
		WatchedDirs:    d.watcher.Dirs(),
		ActiveRescan:   active,
		LastRescan:     last,
		Schedule:       d.cron.CronExpr(),
		NextRescanAt:   d.cron.NextRunAt(),
	}
}

// Report builds the live report of the daemon session.
func (d *Daemon) Report(ctx context.Context) (report.Report, error) {
	return report.Build(ctx, d.e.ledger, d.tracker.ID(), d.tracker.Totals())
}
