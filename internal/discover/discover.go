// Package discover enumerates candidate media files under a drive root,
// records them in the ledger and hands eligible ones to the intake.
package discover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/media"
	"github.com/eargollo/mediaflow/internal/metrics"
)

// Upserter records a sighting of a file in the ledger.
type Upserter interface {
	UpsertPending(ctx context.Context, sessionID string, e ledger.Entry) (ledger.Observation, error)
}

// Enqueuer accepts a path for processing. It returns false when the path
// is already queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, path string) (bool, error)
}

// Admit is the shared intake step for every producer: record the sighting
// and, when the ledger says the file is eligible, enqueue it. A nil
// Enqueuer records without enqueueing (dry run).
func Admit(ctx context.Context, l Upserter, in Enqueuer, sessionID string, e ledger.Entry) (ledger.Observation, bool, error) {
	return admit(ctx, l, in, sessionID, e, true)
}

// admit with backlog false leaves unchanged eligible records in the ledger
// and only enqueues new and changed files.
func admit(ctx context.Context, l Upserter, in Enqueuer, sessionID string, e ledger.Entry, backlog bool) (ledger.Observation, bool, error) {
	obs, err := l.UpsertPending(ctx, sessionID, e)
	if err != nil {
		return obs, false, err
	}
	if in == nil || !obs.Enqueue() {
		return obs, false, nil
	}
	if !backlog && obs == ledger.ObservedEligible {
		return obs, false, nil
	}
	queued, err := in.Enqueue(ctx, e.Path)
	return obs, queued, err
}

// Options configures a discovery run.
type Options struct {
	Root     string
	Incoming string // walked before the rest of Root; optional
	Filter   media.Filter
	Excludes []string
	MaxFiles int // cap on enqueued files; 0 means unlimited
	Walkers  int
	// SkipBacklog enqueues only new and changed files, leaving pending and
	// retryable records from earlier sessions untouched.
	SkipBacklog bool
}

// Stats summarises one discovery run.
type Stats struct {
	Seen     int64 // candidates passing the file-type filter
	New      int64
	Changed  int64
	Enqueued int64
	Errors   int64
	Capped   bool
	Duration time.Duration
}

// Discoverer walks the incoming subtree and then the remaining drive root.
type Discoverer struct {
	opts   Options
	ledger Upserter
	intake Enqueuer
	ex     *Excluder

	// OnError is called for every discovery error, possibly concurrently.
	OnError func(path string, err error)
}

// AbsRoot returns root as an absolute, clean path. Records are keyed by the
// paths a walk produces, so they must never be relative.
func AbsRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}

// New creates a Discoverer. intake may be nil for a record-only run.
func New(opts Options, l Upserter, intake Enqueuer) *Discoverer {
	opts.Root = AbsRoot(opts.Root)
	if opts.Incoming != "" {
		opts.Incoming = AbsRoot(opts.Incoming)
	}
	if opts.Walkers < 1 {
		opts.Walkers = 4
	}
	return &Discoverer{
		opts:   opts,
		ledger: l,
		intake: intake,
		ex:     NewExcluder(opts.Root, opts.Excludes...),
	}
}

// Excluder returns the exclusion rules in use, for sharing with the watcher.
func (d *Discoverer) Excluder() *Excluder { return d.ex }

// errCapped stops the walk once MaxFiles files have been enqueued.
var errCapped = errors.New("max files reached")

// Run performs one discovery pass. Incoming files are always enqueued
// before any file from the rest of the root. Directory read errors are
// counted and logged; only ledger or intake failures end the run with an
// error.
func (d *Discoverer) Run(ctx context.Context, sessionID string) (Stats, error) {
	start := time.Now()
	var st Stats

	type phase struct {
		name string
		root string
		ex   *Excluder
	}
	var phases []phase
	remainder := d.ex
	if d.opts.Incoming != "" {
		if fi, err := os.Stat(d.opts.Incoming); err == nil && fi.IsDir() {
			phases = append(phases, phase{"incoming", d.opts.Incoming, d.ex})
			remainder = d.ex.WithoutDir(d.opts.Incoming)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			d.reportError(&st, d.opts.Incoming, err)
		}
	}
	phases = append(phases, phase{"root", d.opts.Root, remainder})

	for _, p := range phases {
		err := d.walkPhase(ctx, sessionID, p.root, p.ex, &st)
		if errors.Is(err, errCapped) {
			st.Capped = true
			break
		}
		if err != nil {
			st.Duration = time.Since(start)
			return st, fmt.Errorf("discover %s: %w", p.name, err)
		}
		slog.Debug("discovery phase done", "phase", p.name, "root", p.root, "enqueued", st.Enqueued)
	}

	st.Duration = time.Since(start)
	slog.Info("discovery complete",
		"seen", st.Seen,
		"new", st.New,
		"changed", st.Changed,
		"enqueued", st.Enqueued,
		"errors", st.Errors,
		"capped", st.Capped,
		"duration", st.Duration.Round(time.Millisecond),
	)
	return st, nil
}

func (d *Discoverer) walkPhase(ctx context.Context, sessionID, root string, ex *Excluder, st *Stats) error {
	walkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan candidate, 256)
	go walk(walkCtx, []string{root}, ex, d.opts.Walkers, out, func(path string, err error) {
		d.reportError(st, path, err)
	})
	// Drain so the walker goroutines can exit on every return path.
	defer func() {
		cancel()
		for range out {
		}
	}()

	for c := range out {
		if !d.opts.Filter.Allows(c.Path) {
			continue
		}
		st.Seen++

		obs, queued, err := admit(ctx, d.ledger, d.intake, sessionID, ledger.Entry{
			Path:      c.Path,
			Size:      c.Size,
			ModTime:   c.ModTime,
			MediaType: media.Detect(c.Path),
		}, !d.opts.SkipBacklog)
		if err != nil {
			return err
		}
		switch obs {
		case ledger.ObservedNew:
			st.New++
		case ledger.ObservedChanged:
			st.Changed++
		}
		if queued {
			st.Enqueued++
			metrics.FilesDiscovered.WithLabelValues("scan").Inc()
			if d.opts.MaxFiles > 0 && st.Enqueued >= int64(d.opts.MaxFiles) {
				return errCapped
			}
		}
	}
	return ctx.Err()
}

// reportError may be called concurrently from walker goroutines.
func (d *Discoverer) reportError(st *Stats, path string, err error) {
	atomic.AddInt64(&st.Errors, 1)
	metrics.DiscoveryErrors.Inc()
	slog.Warn("discovery error", "path", path, "error", err)
	if d.OnError != nil {
		d.OnError(path, err)
	}
}
