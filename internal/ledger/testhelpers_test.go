package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/eargollo/mediaflow/internal/db"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/media"
)

// mustOpenLedger opens a temp file SQLite ledger with the full schema applied.
func mustOpenLedger(tb testing.TB, maxRetries int) *Ledger {
	tb.Helper()
	db, err := internaldb.OpenAndMigrate(filepath.Join(tb.TempDir(), "ledger.db"))
	if err != nil {
		tb.Fatalf("open test ledger: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return New(db, lifecycle.Policy{MaxRetries: maxRetries})
}

func entry(path string, size int64) Entry {
	return Entry{Path: path, Size: size, ModTime: time.Unix(1700000000, 0), MediaType: media.TypeImage}
}

// mustPending inserts path as a new pending record.
func mustPending(tb testing.TB, l *Ledger, path string) {
	tb.Helper()
	obs, err := l.UpsertPending(context.Background(), "seed", entry(path, 100))
	if err != nil {
		tb.Fatalf("upsert %q: %v", path, err)
	}
	if obs != ObservedNew {
		tb.Fatalf("upsert %q: observation %s, want new", path, obs)
	}
}

func mustClaim(tb testing.TB, l *Ledger, path, session string) {
	tb.Helper()
	ok, err := l.Claim(context.Background(), path, session)
	if err != nil {
		tb.Fatalf("claim %q: %v", path, err)
	}
	if !ok {
		tb.Fatalf("claim %q: not claimable", path)
	}
}

func mustStatus(tb testing.TB, l *Ledger, path string) Record {
	tb.Helper()
	r, err := l.Get(context.Background(), path)
	if err != nil {
		tb.Fatalf("get %q: %v", path, err)
	}
	return r
}

// insertSession writes a minimal sessions row.
func insertSession(tb testing.TB, l *Ledger, id string, heartbeat time.Time, ended bool) {
	tb.Helper()
	var endedAt any
	if ended {
		endedAt = heartbeat.Unix()
	}
	_, err := l.DB().Exec(`
		INSERT INTO sessions (id, mode, started_at, heartbeat_at, ended_at)
		VALUES (?, 'batch', ?, ?, ?)`,
		id, heartbeat.Unix(), heartbeat.Unix(), endedAt)
	if err != nil {
		tb.Fatalf("insert session %q: %v", id, err)
	}
}
