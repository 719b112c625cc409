package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, mode, status, started_at, ended_at, heartbeat_at, config_snapshot,
	files_seen, files_succeeded, files_failed, files_skipped, claim_conflicts, retries,
	faces_detected, captions_generated, processing_ms, discovery_errors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(s rowScanner) (Session, error) {
	var (
		out                  Session
		mode, status, config string
		started, heartbeat   int64
		ended                sql.NullInt64
	)
	err := s.Scan(&out.ID, &mode, &status, &started, &ended, &heartbeat, &config,
		&out.Seen, &out.Succeeded, &out.Failed, &out.Skipped, &out.Conflicts, &out.Retries,
		&out.Faces, &out.Captions, &out.ProcessingMs, &out.DiscoveryErrors)
	if err != nil {
		return Session{}, err
	}
	out.Mode = Mode(mode)
	out.Status = Status(status)
	out.StartedAt = time.Unix(started, 0)
	out.HeartbeatAt = time.Unix(heartbeat, 0)
	out.ConfigSnapshot = []byte(config)
	if ended.Valid {
		t := time.Unix(ended.Int64, 0)
		out.EndedAt = &t
	}
	return out, nil
}

// Get returns the session with id.
func Get(ctx context.Context, db *sql.DB, id string) (Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// List returns up to limit sessions, newest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ── Checkpoints ──────────────────────────────────────────────────────────────

// Checkpoint is the durable progress marker of a session, overwritten in
// place every few batches.
type Checkpoint struct {
	SessionID  string    `json:"session_id"`
	BatchIndex int       `json:"batch_index"`
	Seen       int64     `json:"files_seen"`
	Succeeded  int64     `json:"files_succeeded"`
	Failed     int64     `json:"files_failed"`
	Skipped    int64     `json:"files_skipped"`
	Remaining  int64     `json:"remaining"`
	WrittenAt  time.Time `json:"written_at"`
}

// WriteCheckpoint upserts the checkpoint row of cp.SessionID.
func WriteCheckpoint(ctx context.Context, db *sql.DB, cp Checkpoint) error {
	if cp.WrittenAt.IsZero() {
		cp.WrittenAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, batch_index, files_seen, files_succeeded,
		                         files_failed, files_skipped, remaining, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			batch_index     = excluded.batch_index,
			files_seen      = excluded.files_seen,
			files_succeeded = excluded.files_succeeded,
			files_failed    = excluded.files_failed,
			files_skipped   = excluded.files_skipped,
			remaining       = excluded.remaining,
			written_at      = excluded.written_at`,
		cp.SessionID, cp.BatchIndex, cp.Seen, cp.Succeeded, cp.Failed, cp.Skipped,
		cp.Remaining, cp.WrittenAt.Unix())
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recently written checkpoint of any
// session.
func LatestCheckpoint(ctx context.Context, db *sql.DB) (Checkpoint, error) {
	var (
		cp      Checkpoint
		written int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT session_id, batch_index, files_seen, files_succeeded, files_failed,
		       files_skipped, remaining, written_at
		FROM checkpoints ORDER BY written_at DESC LIMIT 1`,
	).Scan(&cp.SessionID, &cp.BatchIndex, &cp.Seen, &cp.Succeeded, &cp.Failed,
		&cp.Skipped, &cp.Remaining, &written)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp.WrittenAt = time.Unix(written, 0)
	return cp, nil
}
