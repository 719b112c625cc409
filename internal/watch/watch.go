// Package watch feeds files that appear or change under the drive root into
// the same intake as the discoverer, once they have stopped changing.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eargollo/mediaflow/internal/discover"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/media"
	"github.com/eargollo/mediaflow/internal/metrics"
	"github.com/eargollo/mediaflow/internal/session"
)

// DefaultSettleInterval is how long a file must be quiet before it is
// enqueued.
const DefaultSettleInterval = 5 * time.Second

// Options configures a Watcher.
type Options struct {
	Root           string
	Filter         media.Filter
	Exclude        *discover.Excluder
	SettleInterval time.Duration
}

// Watcher subscribes to every non-excluded directory under Root.
type Watcher struct {
	opts    Options
	ledger  discover.Upserter
	intake  discover.Enqueuer
	settler *Settler
	dirs    atomic.Int64
}

// New creates a Watcher admitting stable files through l into intake.
func New(opts Options, l discover.Upserter, intake discover.Enqueuer) *Watcher {
	opts.Root = discover.AbsRoot(opts.Root)
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = DefaultSettleInterval
	}
	if opts.Exclude == nil {
		opts.Exclude = discover.NewExcluder(opts.Root)
	}
	return &Watcher{
		opts:    opts,
		ledger:  l,
		intake:  intake,
		settler: NewSettler(opts.SettleInterval),
	}
}

// Tracked returns the number of paths currently settling.
func (w *Watcher) Tracked() int { return w.settler.Len() }

// Dirs returns the number of directories being watched.
func (w *Watcher) Dirs() int64 { return w.dirs.Load() }

// Run watches until ctx is cancelled. Stable files are recorded under
// sessionID and counted as seen in counters.
func (w *Watcher) Run(ctx context.Context, sessionID string, counters *session.Counters) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if err := fsw.Close(); err != nil {
			slog.Error("failed to close file watcher", "error", err)
		}
	}()

	w.addTree(fsw, w.opts.Root, false)
	slog.Info("watcher started", "root", w.opts.Root, "dirs", w.dirs.Load(),
		"settle_interval", w.opts.SettleInterval)

	ticker := time.NewTicker(pollEvery(w.opts.SettleInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.WatchTracked.Set(0)
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)

		case <-ticker.C:
			for _, st := range w.settler.Poll() {
				if err := w.admit(ctx, sessionID, counters, st); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			metrics.WatchTracked.Set(float64(w.settler.Len()))
		}
	}
}

func (w *Watcher) admit(ctx context.Context, sessionID string, counters *session.Counters, st Stable) error {
	obs, queued, err := discover.Admit(ctx, w.ledger, w.intake, sessionID, ledger.Entry{
		Path:      st.Path,
		Size:      st.Size,
		ModTime:   st.ModTime,
		MediaType: media.Detect(st.Path),
	})
	if err != nil {
		return fmt.Errorf("admit %s: %w", st.Path, err)
	}
	counters.Seen.Add(1)
	if queued {
		metrics.FilesDiscovered.WithLabelValues("watch").Inc()
	}
	slog.Debug("watched file stable", "path", st.Path, "observation", obs, "enqueued", queued)
	return nil
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	metrics.WatchEvents.WithLabelValues(opName(event.Op)).Inc()
	path := filepath.Clean(event.Name)
	if !w.opts.Exclude.Within(path) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.settler.Forget(path)
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !w.opts.Exclude.SkipDir(path) {
				w.addTree(fsw, path, true)
			}
			return
		}
		w.observeFile(path, info.Mode())
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		w.observeFile(path, 0)
	}
}

func (w *Watcher) observeFile(path string, mode fs.FileMode) {
	if mode&fs.ModeSymlink != 0 {
		return
	}
	if w.opts.Exclude.SkipFile(path) || !w.opts.Filter.Allows(path) {
		return
	}
	w.settler.Observe(path)
}

// addTree subscribes to dir and every non-excluded directory below it. For
// a directory that appeared while watching, files already inside it are
// observed too: they were created before the subscription existed.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, observeFiles bool) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("watcher walk error", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && w.opts.Exclude.SkipDir(path) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				slog.Warn("failed to add path to watcher", "path", path, "error", err)
				return nil
			}
			w.dirs.Add(1)
			return nil
		}
		if observeFiles {
			w.observeFile(path, d.Type())
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to walk directory for watcher", "dir", dir, "error", err)
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "unknown"
	}
}
