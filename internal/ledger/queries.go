package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/media"
)

// Counts maps each status to the number of records in it.
type Counts map[lifecycle.Status]int64

// Total returns the number of records across all statuses.
func (c Counts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Stats returns record counts by status. Every status is present, zero or not.
func (l *Ledger) Stats(ctx context.Context) (Counts, error) {
	counts := make(Counts, len(lifecycle.All))
	for _, s := range lifecycle.All {
		counts[s] = 0
	}

	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("ledger stats: scan: %w", err)
		}
		counts[lifecycle.Status(status)] = n
	}
	return counts, rows.Err()
}

// Claimable returns how many records a worker could claim right now.
func (l *Ledger) Claimable(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE `+l.claimable, l.claimableArgs...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable: %w", err)
	}
	return n, nil
}

// ClaimablePaths returns up to limit claimable paths, oldest first. Used to
// resume a backlog before the discoverer has re-walked the tree.
func (l *Ledger) ClaimablePaths(ctx context.Context, limit int) ([]string, error) {
	args := append(append([]any{}, l.claimableArgs...), limit)
	rows, err := l.db.QueryContext(ctx, `
		SELECT path FROM files WHERE `+l.claimable+`
		ORDER BY updated_at, path
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list claimable: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("list claimable: scan: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

const recordColumns = `path, content_hash, size_bytes, modified_at, media_type, status,
	error_count, last_error, retryable, asset_id, faces_detected, caption_generated,
	session_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (Record, error) {
	var (
		r                    Record
		mtime                int64
		mediaType, status    string
		assetID              sql.NullString
		createdAt, updatedAt int64
	)
	err := s.Scan(&r.Path, &r.ContentHash, &r.Size, &mtime, &mediaType, &status,
		&r.ErrorCount, &r.LastError, &r.Retryable, &assetID, &r.FacesDetected,
		&r.CaptionGenerated, &r.SessionID, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.ModTime = time.Unix(0, mtime)
	r.MediaType = media.Type(mediaType)
	r.Status = lifecycle.Status(status)
	r.AssetID = assetID.String
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return r, nil
}

// Get returns the record for path or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, path string) (Record, error) {
	r, err := scanRecord(l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get %q: %w", path, err)
	}
	return r, nil
}

// ListByStatus returns records in status ordered by path. limit <= 0 means
// no limit.
func (l *Ledger) ListByStatus(ctx context.Context, status lifecycle.Status, limit int) ([]Record, error) {
	return l.list(ctx, limit, `status = ?`, string(status))
}

// ListBySession returns the records in status last touched by sessionID,
// ordered by path. limit <= 0 means no limit.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string, status lifecycle.Status, limit int) ([]Record, error) {
	return l.list(ctx, limit, `session_id = ? AND status = ?`, sessionID, string(status))
}

func (l *Ledger) list(ctx context.Context, limit int, where string, args ...any) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE `+where+` ORDER BY path LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
