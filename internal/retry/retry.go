// Package retry decides what happens to a failed attempt: another try after
// a backoff, or a terminal failure.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/eargollo/mediaflow/internal/ledger"
)

// Config tunes the backoff curve.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 20,
	}
}

// Recorder is the subset of the ledger the manager writes outcomes to.
type Recorder interface {
	Fail(ctx context.Context, path, sessionID, errMsg string, retryable bool) (ledger.Failure, error)
}

// Outcome is the result of recording a failure.
type Outcome struct {
	Kind       Kind
	Terminal   bool
	ErrorCount int
	// Delay to wait before claiming again; zero when Terminal or Interrupted.
	// An interrupted attempt is left for the next session to claim.
	Delay time.Duration
}

// Manager classifies failures and records them in the ledger.
type Manager struct {
	cfg Config
	rec Recorder
}

// New creates a Manager.
func New(rec Recorder, cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Manager{cfg: cfg, rec: rec}
}

// Backoff returns the delay before attempt number attempt+1, given that
// attempt attempts have failed so far: exponential from BaseDelay, with
// jitter, capped at MaxDelay.
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := goretry.NewExponential(m.cfg.BaseDelay)
	if m.cfg.JitterPercent > 0 {
		b = goretry.WithJitterPercent(m.cfg.JitterPercent, b)
	}
	b = goretry.WithCappedDuration(m.cfg.MaxDelay, b)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Record classifies cause and writes the outcome for a claimed path.
// Ledger writes use a context detached from runCtx so a cancelled run still
// settles its claims.
func (m *Manager) Record(runCtx context.Context, path, sessionID string, cause error) (Outcome, error) {
	kind := Classify(runCtx, cause)
	writeCtx := context.WithoutCancel(runCtx)

	msg := cause.Error()
	if kind == Interrupted {
		msg = "interrupted: " + msg
	}
	// An interrupted attempt is recorded as a retryable failure.
	f, err := m.rec.Fail(writeCtx, path, sessionID, msg, kind != Permanent)
	if err != nil {
		return Outcome{Kind: kind}, fmt.Errorf("record %q: %w", path, err)
	}
	out := Outcome{Kind: kind, Terminal: f.Terminal(), ErrorCount: f.ErrorCount}
	if !out.Terminal && kind != Interrupted {
		out.Delay = m.Backoff(f.ErrorCount)
	}
	slog.Debug("attempt failed", "path", path, "kind", kind, "error_count", f.ErrorCount,
		"terminal", out.Terminal, "retry_in", out.Delay, "error", cause)
	return out, nil
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, retrying up to attempts more times with
// exponential backoff from base. It is used for
// infrastructure writes (checkpoints) that must not be lost to a
// momentarily busy database.
func Do(ctx context.Context, attempts uint64, base time.Duration, fn func(context.Context) error) error {
	b := goretry.WithMaxRetries(attempts, goretry.NewExponential(base))
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return goretry.RetryableError(err)
		}
		return nil
	})
}
