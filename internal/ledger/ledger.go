// Package ledger is the durable per-file lifecycle store. It is the single
// source of truth for what has been processed and the only component whose
// state is shared between producers and workers.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/media"
)

// ErrNotFound is returned when no record exists for a path.
var ErrNotFound = errors.New("ledger: record not found")

// ErrNotClaimed is returned when an outcome is recorded for a path that is
// not in processing under the given session (the claim was lost, e.g.
// reset by crash recovery).
var ErrNotClaimed = errors.New("ledger: path is not claimed by this session")

// ErrIllegalTransition is returned when an update would take a record along
// an edge the lifecycle does not have.
var ErrIllegalTransition = errors.New("ledger: illegal status transition")

// Record is one row of the files table.
type Record struct {
	Path             string
	ContentHash      string
	Size             int64
	ModTime          time.Time
	MediaType        media.Type
	Status           lifecycle.Status
	ErrorCount       int
	LastError        string
	Retryable        bool
	AssetID          string
	FacesDetected    int
	CaptionGenerated bool
	SessionID        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Entry is what a producer knows about a file before any hashing.
type Entry struct {
	Path      string
	Size      int64
	ModTime   time.Time
	MediaType media.Type
}

// Observation describes what UpsertPending found for a path.
type Observation int

const (
	// ObservedNew: first sighting, inserted as pending.
	ObservedNew Observation = iota
	// ObservedChanged: cheap signals differ from the record; reset to pending.
	ObservedChanged
	// ObservedEligible: unchanged, still claimable (pending or retryable).
	ObservedEligible
	// ObservedDone: unchanged and settled (completed, skipped, terminal failed).
	ObservedDone
	// ObservedInFlight: currently claimed by a worker.
	ObservedInFlight
)

// Enqueue reports whether the observed path should be handed to workers.
func (o Observation) Enqueue() bool {
	return o == ObservedNew || o == ObservedChanged || o == ObservedEligible
}

func (o Observation) String() string {
	switch o {
	case ObservedNew:
		return "new"
	case ObservedChanged:
		return "changed"
	case ObservedEligible:
		return "eligible"
	case ObservedDone:
		return "done"
	case ObservedInFlight:
		return "in_flight"
	}
	return "unknown"
}

// Completion carries the outcome of a successful enrichment.
type Completion struct {
	AssetID          string
	FacesDetected    int
	CaptionGenerated bool
}

// Failure reports where a failed attempt left the record.
type Failure struct {
	Status     lifecycle.Status
	ErrorCount int
}

// Terminal reports whether the failure exhausted the retry budget.
func (f Failure) Terminal() bool { return f.Status == lifecycle.Failed }

// Ledger wraps the files table. It is safe for concurrent use; atomicity of
// each transition comes from single conditional statements.
type Ledger struct {
	db     *sql.DB
	policy lifecycle.Policy
	now    func() time.Time

	// claimable is the policy's claim predicate, rendered once.
	claimable     string
	claimableArgs []any
}

// New creates a Ledger over an opened, migrated database.
func New(db *sql.DB, policy lifecycle.Policy) *Ledger {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	l := &Ledger{db: db, policy: policy, now: time.Now}
	l.claimable, l.claimableArgs = claimableWhere(policy)
	return l
}

// Policy returns the retry policy the ledger applies.
func (l *Ledger) Policy() lifecycle.Policy { return l.policy }

// DB exposes the underlying handle for components sharing the ledger file.
func (l *Ledger) DB() *sql.DB { return l.db }

// UpsertPending records a sighting of a file. A new path is inserted as
// pending; a path whose size or modification time changed (and is not
// currently claimed) goes back to pending with its hash cleared, so the
// worker re-fingerprints it. Its error count is kept: only completion and
// ForceReprocess reset the retry budget. The returned Observation says
// whether the path should be enqueued.
func (l *Ledger) UpsertPending(ctx context.Context, sessionID string, e Entry) (Observation, error) {
	now := l.now().Unix()
	mtime := e.ModTime.UnixNano()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO files (path, size_bytes, modified_at, media_type, status,
		                   session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		e.Path, e.Size, mtime, string(e.MediaType), string(lifecycle.Pending), sessionID, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert %q: %w", e.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ObservedNew, nil
	}

	res, err = l.db.ExecContext(ctx, `
		UPDATE files
		SET status = ?, content_hash = '', size_bytes = ?, modified_at = ?,
		    media_type = ?, session_id = ?, updated_at = ?, retryable = 1
		WHERE path = ? AND status != ?
		  AND (size_bytes != ? OR modified_at != ?)`,
		string(lifecycle.Pending), e.Size, mtime, string(e.MediaType), sessionID, now,
		e.Path, string(lifecycle.Processing), e.Size, mtime)
	if err != nil {
		return 0, fmt.Errorf("mark changed %q: %w", e.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ObservedChanged, nil
	}

	var (
		status     string
		errorCount int
		retryable  bool
	)
	err = l.db.QueryRowContext(ctx,
		`SELECT status, error_count, retryable FROM files WHERE path = ?`, e.Path,
	).Scan(&status, &errorCount, &retryable)
	if err != nil {
		return 0, fmt.Errorf("read %q: %w", e.Path, err)
	}
	st := lifecycle.Status(status)
	switch {
	case st == lifecycle.Processing:
		return ObservedInFlight, nil
	case l.policy.Claimable(st, errorCount, retryable):
		return ObservedEligible, nil
	default:
		return ObservedDone, nil
	}
}

// Claim atomically moves a claimable record to processing for sessionID.
// It returns false when the record does not exist, is already claimed, or
// is not claimable. This is the only way into processing.
func (l *Ledger) Claim(ctx context.Context, path, sessionID string) (bool, error) {
	args := append([]any{string(lifecycle.Processing), sessionID, l.now().Unix(), path}, l.claimableArgs...)
	res, err := l.db.ExecContext(ctx, `
		UPDATE files
		SET status = ?, session_id = ?, updated_at = ?
		WHERE path = ? AND `+l.claimable, args...)
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %q: rows affected: %w", path, err)
	}
	return n == 1, nil
}

// SetFingerprint stores the signals and content hash computed by the
// worker holding the claim.
func (l *Ledger) SetFingerprint(ctx context.Context, path, sessionID string, size int64, modTime time.Time, hash string) error {
	return l.execClaimed(ctx, path, `
		UPDATE files
		SET content_hash = ?, size_bytes = ?, modified_at = ?, updated_at = ?
		WHERE path = ? AND status = ? AND session_id = ?`,
		hash, size, modTime.UnixNano(), l.now().Unix(), path, string(lifecycle.Processing), sessionID)
}

// Complete moves a claimed record to completed and clears its error state.
func (l *Ledger) Complete(ctx context.Context, path, sessionID string, c Completion) error {
	var assetID any
	if c.AssetID != "" {
		assetID = c.AssetID
	}
	return l.settle(ctx, path, sessionID, lifecycle.Completed,
		`asset_id = ?, faces_detected = ?, caption_generated = ?,
		 error_count = 0, last_error = '', retryable = 1`,
		assetID, c.FacesDetected, c.CaptionGenerated)
}

// Fail records a failed attempt. The error count is incremented and the
// policy decides the next status: pending while a retryable failure has
// budget left, terminal failed otherwise. The count is read under the
// claim, and only the claim's owner changes it.
func (l *Ledger) Fail(ctx context.Context, path, sessionID, errMsg string, retryable bool) (Failure, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT error_count FROM files WHERE path = ? AND status = ? AND session_id = ?`,
		path, string(lifecycle.Processing), sessionID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return Failure{}, fmt.Errorf("fail %q: %w", path, ErrNotClaimed)
	}
	if err != nil {
		return Failure{}, fmt.Errorf("fail %q: %w", path, err)
	}

	f := Failure{Status: l.policy.AfterFailure(count, retryable), ErrorCount: count + 1}
	err = l.settle(ctx, path, sessionID, f.Status,
		`error_count = ?, last_error = ?, retryable = ?`,
		f.ErrorCount, truncate(errMsg), retryable)
	if err != nil {
		return Failure{}, err
	}
	return f, nil
}

// Skip settles a claimed record as skipped (vanished or empty file).
func (l *Ledger) Skip(ctx context.Context, path, sessionID, reason string) error {
	return l.settle(ctx, path, sessionID, lifecycle.Skipped, `last_error = ?`, truncate(reason))
}

// settle moves a record claimed by sessionID out of processing into to,
// applying the extra assignments in set. It fails with ErrNotClaimed when
// the claim was lost.
func (l *Ledger) settle(ctx context.Context, path, sessionID string, to lifecycle.Status, set string, args ...any) error {
	if !lifecycle.CanTransition(lifecycle.Processing, to) {
		return fmt.Errorf("settle %q: %w: %s -> %s", path, ErrIllegalTransition, lifecycle.Processing, to)
	}
	q := `UPDATE files SET status = ?, ` + set + `, updated_at = ?
		WHERE path = ? AND status = ? AND session_id = ?`
	all := append([]any{string(to)}, args...)
	all = append(all, l.now().Unix(), path, string(lifecycle.Processing), sessionID)
	return l.execClaimed(ctx, path, q, all...)
}

func (l *Ledger) execClaimed(ctx context.Context, path, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %q: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("update %q: %w", path, ErrNotClaimed)
	}
	return nil
}

// ResetOrphaned returns to pending every processing record left behind by a
// session that is neither sessionID nor still alive. A session is alive when
// it has not ended and its heartbeat is not older than liveSince.
func (l *Ledger) ResetOrphaned(ctx context.Context, sessionID string, liveSince time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE files
		SET status = ?, last_error = 'interrupted: previous session ended while processing',
		    updated_at = ?
		WHERE status = ?
		  AND session_id != ?
		  AND session_id NOT IN (
		      SELECT id FROM sessions
		      WHERE ended_at IS NULL AND heartbeat_at >= ?)`,
		string(lifecycle.Pending), l.now().Unix(), string(lifecycle.Processing), sessionID, liveSince.Unix())
	if err != nil {
		return 0, fmt.Errorf("reset orphaned claims: %w", err)
	}
	return res.RowsAffected()
}

// Scope selects which settled records ForceReprocess resets.
type Scope int

const (
	// ScopeFailed resets terminal failures only.
	ScopeFailed Scope = iota
	// ScopeSettled resets failed, completed and skipped records.
	ScopeSettled
)

// ForceReprocess resets settled records to pending with a fresh retry
// budget. With no paths it applies to every record in scope.
func (l *Ledger) ForceReprocess(ctx context.Context, sessionID string, scope Scope, paths ...string) (int64, error) {
	in, inArgs := statusIn(lifecycle.Resettable(scope == ScopeSettled))
	q := `UPDATE files
		SET status = ?, error_count = 0, last_error = '', retryable = 1,
		    session_id = ?, updated_at = ?
		WHERE ` + in
	args := append([]any{string(lifecycle.Pending), sessionID, l.now().Unix()}, inArgs...)
	if len(paths) > 0 {
		q += ` AND path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
		for _, p := range paths {
			args = append(args, p)
		}
	}
	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("force reprocess: %w", err)
	}
	return res.RowsAffected()
}

// Reset deletes every record. It is the only operation that removes rows.
func (l *Ledger) Reset(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM files`)
	if err != nil {
		return 0, fmt.Errorf("reset ledger: %w", err)
	}
	return res.RowsAffected()
}

// maxErrorLen bounds last_error so a pathological message cannot bloat rows.
const maxErrorLen = 2000

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
