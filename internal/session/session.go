// Package session tracks one processing run (batch, dry run or daemon) in
// the sessions table: live counters, a heartbeat and the final status.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session matches.
var ErrNotFound = errors.New("session not found")

// Mode is how a session was started.
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeWatch  Mode = "watch"
	ModeDryRun Mode = "dry-run"
)

// Status is the lifecycle of a session row.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Counters holds live counters updated by producers and workers.
// All fields are atomic so they can be written from worker goroutines and
// read by the heartbeat and the HTTP handlers without locks.
type Counters struct {
	Seen            atomic.Int64
	Succeeded       atomic.Int64
	Failed          atomic.Int64 // terminal failures only
	Skipped         atomic.Int64
	Conflicts       atomic.Int64
	Retries         atomic.Int64
	Faces           atomic.Int64
	Captions        atomic.Int64
	ProcessingMs    atomic.Int64 // summed enrichment wall time
	DiscoveryErrors atomic.Int64
}

// Totals is a point-in-time copy of Counters.
type Totals struct {
	Seen            int64 `json:"files_seen"`
	Succeeded       int64 `json:"files_succeeded"`
	Failed          int64 `json:"files_failed"`
	Skipped         int64 `json:"files_skipped"`
	Conflicts       int64 `json:"claim_conflicts"`
	Retries         int64 `json:"retries"`
	Faces           int64 `json:"faces_detected"`
	Captions        int64 `json:"captions_generated"`
	ProcessingMs    int64 `json:"processing_ms"`
	DiscoveryErrors int64 `json:"discovery_errors"`
}

// Load returns a snapshot of the counters.
func (c *Counters) Load() Totals {
	return Totals{
		Seen:            c.Seen.Load(),
		Succeeded:       c.Succeeded.Load(),
		Failed:          c.Failed.Load(),
		Skipped:         c.Skipped.Load(),
		Conflicts:       c.Conflicts.Load(),
		Retries:         c.Retries.Load(),
		Faces:           c.Faces.Load(),
		Captions:        c.Captions.Load(),
		ProcessingMs:    c.ProcessingMs.Load(),
		DiscoveryErrors: c.DiscoveryErrors.Load(),
	}
}

// Session is one row of the sessions table.
type Session struct {
	ID             string          `json:"session_id"`
	Mode           Mode            `json:"mode"`
	Status         Status          `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	HeartbeatAt    time.Time       `json:"heartbeat_at"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	Totals
}

// Tracker owns the sessions row of a running session.
type Tracker struct {
	db        *sql.DB
	id        string
	mode      Mode
	startedAt time.Time
	interval  time.Duration

	Counters Counters

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Start inserts a running session with a JSON snapshot of cfg and starts
// its heartbeat, which flushes the counters every interval (1s if zero).
func Start(ctx context.Context, db *sql.DB, mode Mode, cfg any, interval time.Duration) (*Tracker, error) {
	if interval <= 0 {
		interval = time.Second
	}
	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}

	t := &Tracker{
		db:        db,
		id:        uuid.NewString(),
		mode:      mode,
		startedAt: time.Now(),
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	now := t.startedAt.Unix()
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, status, started_at, heartbeat_at, config_snapshot)
		VALUES (?, ?, 'running', ?, ?, ?)`,
		t.id, string(mode), now, now, string(snapshot))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	go t.heartbeat()
	slog.Info("session started", "session", t.id, "mode", mode)
	return t, nil
}

// ID returns the session id.
func (t *Tracker) ID() string { return t.id }

// Mode returns how the session was started.
func (t *Tracker) Mode() Mode { return t.mode }

// StartedAt returns the session start time.
func (t *Tracker) StartedAt() time.Time { return t.startedAt }

// Totals returns a snapshot of the live counters.
func (t *Tracker) Totals() Totals { return t.Counters.Load() }

// heartbeat writes the current counters to the sessions row every interval.
// It runs on its own context: a cancelled run still heartbeats until Close.
func (t *Tracker) heartbeat() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.flush(context.Background(), ""); err != nil {
				slog.Warn("session heartbeat: update failed", "session", t.id, "error", err)
			}
		case <-t.stop:
			return
		}
	}
}

// flush writes counters and heartbeat; a non-empty status also ends the row.
func (t *Tracker) flush(ctx context.Context, status Status) error {
	c := t.Counters.Load()
	now := time.Now().Unix()

	var endedAt any
	st := string(StatusRunning)
	if status != "" {
		endedAt = now
		st = string(status)
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE sessions
		SET heartbeat_at       = ?,
		    status             = ?,
		    ended_at           = COALESCE(?, ended_at),
		    files_seen         = ?,
		    files_succeeded    = ?,
		    files_failed       = ?,
		    files_skipped      = ?,
		    claim_conflicts    = ?,
		    retries            = ?,
		    faces_detected     = ?,
		    captions_generated = ?,
		    processing_ms      = ?,
		    discovery_errors   = ?
		WHERE id = ?`,
		now, st, endedAt,
		c.Seen, c.Succeeded, c.Failed, c.Skipped, c.Conflicts, c.Retries,
		c.Faces, c.Captions, c.ProcessingMs, c.DiscoveryErrors,
		t.id)
	return err
}

// Close stops the heartbeat and writes the final counters with status.
// Only the first call has an effect.
func (t *Tracker) Close(status Status) error {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done
		if err := t.flush(context.Background(), status); err != nil {
			t.closeErr = fmt.Errorf("close session %s: %w", t.id, err)
			return
		}
		c := t.Counters.Load()
		slog.Info("session closed",
			"session", t.id,
			"status", status,
			"seen", c.Seen,
			"succeeded", c.Succeeded,
			"failed", c.Failed,
			"skipped", c.Skipped,
			"conflicts", c.Conflicts,
			"retries", c.Retries,
			"duration", time.Since(t.startedAt).Round(time.Millisecond),
		)
	})
	return t.closeErr
}

// MarkStale marks sessions still 'running' whose heartbeat is older than
// staleAfter as failed. Called once at startup in case a previous process
// crashed mid-run. A session with a fresh heartbeat belongs to a live
// process and is left alone.
func MarkStale(ctx context.Context, db *sql.DB, staleAfter time.Duration) (int64, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'failed', ended_at = ?
		WHERE status = 'running' AND heartbeat_at < ?`,
		now.Unix(), now.Add(-staleAfter).Unix())
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("marked stale sessions as failed", "count", n)
	}
	return n, nil
}
