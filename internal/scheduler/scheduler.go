// Package scheduler triggers periodic full rescans in the daemon.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a scheduled rescan. Errors are logged; the schedule keeps going.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron and tracks the next scheduled run. A run that
// is still going when the next tick fires is not started twice.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetJob replaces the current job with fn on the given standard cron
// expression. If the scheduler is already running, the new job takes effect
// immediately.
func (s *Scheduler) SetJob(expr string, name string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}

	id, err := s.c.AddFunc(expr, func() {
		start := time.Now()
		err := fn(s.ctx)
		switch {
		case err == nil:
			slog.Info("scheduler: job finished", "job", name, "duration", time.Since(start).Round(time.Millisecond))
		case errors.Is(err, context.Canceled):
			slog.Info("scheduler: job cancelled", "job", name)
		default:
			slog.Error("scheduler: job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cronExpr = expr
	slog.Info("scheduler: job set", "job", name, "cron", expr)
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop, cancels a running job and waits for it to
// return.
func (s *Scheduler) Stop() {
	done := s.c.Stop()
	s.cancel()
	<-done.Done()
}

// NextRunAt returns the next scheduled time, or nil if no job is set or the
// scheduler is not running.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}
