package engine

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/mediaflow/internal/config"
	internaldb "github.com/eargollo/mediaflow/internal/db"
	"github.com/eargollo/mediaflow/internal/enrich"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/report"
	"github.com/eargollo/mediaflow/internal/session"
)

func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.OpenAndMigrate(filepath.Join(tb.TempDir(), "mediaflow.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })
	return db
}

func testConfig(tb testing.TB) *config.Config {
	tb.Helper()
	cfg := config.Default()
	cfg.DriveRoot = tb.TempDir()
	cfg.ReportDir = tb.TempDir()
	cfg.Workers = 2
	cfg.BatchSize = 2
	cfg.CheckpointInterval = 1
	cfg.MaxRetries = 2
	cfg.EnrichTimeout = 5 * time.Second
	cfg.Retry = config.Retry{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func mustWrite(tb testing.TB, path, content string) {
	tb.Helper()
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tb, os.WriteFile(path, []byte(content), 0o644))
}

// stub is an enrichment pipeline that counts calls per file name and fails
// the names in failing while their budget lasts.
type stub struct {
	mu      sync.Mutex
	calls   map[string]int
	failing map[string]int // name -> remaining transient failures; <0 means always
}

func newStub() *stub {
	return &stub{calls: make(map[string]int), failing: make(map[string]int)}
}

func (s *stub) Enrich(_ context.Context, req enrich.Request) (enrich.Result, error) {
	name := filepath.Base(req.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if left, ok := s.failing[name]; ok && left != 0 {
		s.failing[name] = left - 1
		return enrich.Result{Error: "service unavailable", Retryable: true}, nil
	}
	return enrich.Result{Success: true, AssetID: "asset-" + name, FacesDetected: 1}, nil
}

func (s *stub) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func mustRecord(tb testing.TB, e *Engine, path string) ledger.Record {
	tb.Helper()
	r, err := e.Ledger().Get(context.Background(), path)
	require.NoError(tb, err)
	return r
}

func TestRunScenarioTransientFailureExhaustsBudget(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		mustWrite(t, filepath.Join(cfg.DriveRoot, name), name)
	}
	p := newStub()
	p.failing["b.jpg"] = -1
	e := New(cfg, mustOpenDB(t), p)

	res, err := e.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, res.Status)

	for _, name := range []string{"a.jpg", "c.jpg"} {
		assert.Equal(t, lifecycle.Completed, mustRecord(t, e, filepath.Join(cfg.DriveRoot, name)).Status, name)
	}
	b := mustRecord(t, e, filepath.Join(cfg.DriveRoot, "b.jpg"))
	assert.Equal(t, lifecycle.Failed, b.Status)
	assert.Equal(t, 2, b.ErrorCount)
	assert.Equal(t, 2, p.count("b.jpg"), "b.jpg must not be tried beyond max_retries")

	assert.EqualValues(t, 2, res.Report.BatchStats.Successful)
	assert.EqualValues(t, 1, res.Report.BatchStats.Failed)
	assert.EqualValues(t, 1, res.Totals.Retries)
	require.Len(t, res.Report.FailedFiles, 1)
	assert.Equal(t, b.Path, res.Report.FailedFiles[0].Path)
	assert.True(t, res.HasFailures())

	assert.FileExists(t, res.ReportPath)
	assert.Equal(t, report.FileName(res.SessionID), filepath.Base(res.ReportPath))
}

func TestRunIdempotentRerun(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"a.jpg", "b.mp4", "incoming/c.jpg"} {
		mustWrite(t, filepath.Join(cfg.DriveRoot, name), name)
	}
	p := newStub()
	db := mustOpenDB(t)

	first, err := New(cfg, db, p).Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, first.Totals.Succeeded)

	second, err := New(cfg, db, p).Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, second.Totals.Seen)
	assert.EqualValues(t, 0, second.Discovery.Enqueued)
	assert.EqualValues(t, 0, second.Totals.Succeeded)
	assert.EqualValues(t, 0, second.Totals.Conflicts)
	assert.Equal(t, 0, second.Batches)
	for _, name := range []string{"a.jpg", "b.mp4", "c.jpg"} {
		assert.Equal(t, 1, p.count(name), name)
	}
	assert.False(t, second.HasFailures())
}

func TestRunChangedFileIsReprocessed(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DriveRoot, "a.jpg")
	mustWrite(t, path, "v1")
	p := newStub()
	db := mustOpenDB(t)

	_, err := New(cfg, db, p).Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	e := New(cfg, db, p)
	before := mustRecord(t, e, path)

	mustWrite(t, path, "version two")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	res, err := e.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Discovery.Changed)
	assert.Equal(t, 2, p.count("a.jpg"))

	after := mustRecord(t, e, path)
	assert.Equal(t, lifecycle.Completed, after.Status)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, res.SessionID, after.SessionID)
}

func TestRunRecoversOrphanedClaim(t *testing.T) {
	cfg := testConfig(t)
	done := filepath.Join(cfg.DriveRoot, "done.jpg")
	stuck := filepath.Join(cfg.DriveRoot, "stuck.jpg")
	mustWrite(t, done, "done")
	p := newStub()
	db := mustOpenDB(t)
	ctx := context.Background()

	_, err := New(cfg, db, p).Run(ctx, Options{Resume: true})
	require.NoError(t, err)

	// A crashed session left stuck.jpg in processing.
	old := time.Now().Add(-time.Hour).Unix()
	_, err = db.Exec(`INSERT INTO sessions (id, mode, status, started_at, heartbeat_at)
		VALUES ('crashed', 'batch', 'running', ?, ?)`, old, old)
	require.NoError(t, err)
	mustWrite(t, stuck, "stuck")
	e := New(cfg, db, p)
	_, err = e.Ledger().UpsertPending(ctx, "crashed", ledger.Entry{Path: stuck, Size: 5, ModTime: time.Now()})
	require.NoError(t, err)
	ok, err := e.Ledger().Claim(ctx, stuck, "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := e.Run(ctx, Options{Resume: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Reset)
	assert.Equal(t, lifecycle.Completed, mustRecord(t, e, stuck).Status)

	r := mustRecord(t, e, done)
	assert.Equal(t, "asset-done.jpg", r.AssetID)
	assert.Equal(t, 1, p.count("done.jpg"), "completed file must not be processed again")

	crashed, err := session.Get(ctx, db, "crashed")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, crashed.Status)
}

func TestRunDryRunOnlyRecordsPending(t *testing.T) {
	cfg := testConfig(t)
	mustWrite(t, filepath.Join(cfg.DriveRoot, "a.jpg"), "a")
	mustWrite(t, filepath.Join(cfg.DriveRoot, "b.jpg"), "b")
	p := newStub()
	db := mustOpenDB(t)
	e := New(cfg, db, p)

	res, err := e.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Totals.Seen)
	assert.EqualValues(t, 2, res.Discovery.New)
	assert.Equal(t, 0, p.count("a.jpg")+p.count("b.jpg"))

	counts, err := e.Ledger().Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[lifecycle.Pending])

	s, err := session.Get(context.Background(), db, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.ModeDryRun, s.Mode)
	assert.Equal(t, session.StatusCompleted, s.Status)
}

func TestRunWithoutResumeLeavesBacklog(t *testing.T) {
	cfg := testConfig(t)
	old := filepath.Join(cfg.DriveRoot, "old.jpg")
	mustWrite(t, old, "old")
	p := newStub()
	db := mustOpenDB(t)
	e := New(cfg, db, p)
	ctx := context.Background()

	_, err := e.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	fresh := filepath.Join(cfg.DriveRoot, "fresh.jpg")
	mustWrite(t, fresh, "fresh")

	_, err = e.Run(ctx, Options{Resume: false})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Pending, mustRecord(t, e, old).Status)
	assert.Equal(t, lifecycle.Completed, mustRecord(t, e, fresh).Status)

	_, err = e.Run(ctx, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Completed, mustRecord(t, e, old).Status)
}

func TestRunForceReprocessRetriesTerminalFailures(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DriveRoot, "b.jpg")
	mustWrite(t, path, "b")
	p := newStub()
	p.failing["b.jpg"] = 2
	e := New(cfg, mustOpenDB(t), p)
	ctx := context.Background()

	res, err := e.Run(ctx, Options{Resume: true})
	require.NoError(t, err)
	require.True(t, res.HasFailures())

	again, err := e.Run(ctx, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, p.count("b.jpg"), "terminal failure is not retried without force")
	assert.True(t, again.HasFailures())

	forced, err := e.Run(ctx, Options{Resume: true, ForceReprocess: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, forced.Forced)
	assert.Equal(t, lifecycle.Completed, mustRecord(t, e, path).Status)
	assert.False(t, forced.HasFailures())
}

func TestRunCancelledLeavesClaimsRetryable(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		mustWrite(t, filepath.Join(cfg.DriveRoot, name), name)
	}
	started := make(chan struct{}, 3)
	blocking := enrich.Func(func(ctx context.Context, _ enrich.Request) (enrich.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return enrich.Result{}, ctx.Err()
	})
	db := mustOpenDB(t)
	e := New(cfg, db, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := e.Run(ctx, Options{Resume: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, session.StatusCancelled, res.Status)

	counts, err := e.Ledger().Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[lifecycle.Processing], "no record may stay claimed")
	assert.Zero(t, counts[lifecycle.Failed])
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		r := mustRecord(t, e, filepath.Join(cfg.DriveRoot, name))
		assert.LessOrEqual(t, r.ErrorCount, 1, name)
		assert.True(t, r.Retryable, name)
	}
	assert.FileExists(t, res.ReportPath, "report is written on cancel too")

	s, err := session.Get(context.Background(), db, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, s.Status)
}

func TestRunUnreachableRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.DriveRoot = filepath.Join(cfg.DriveRoot, "missing")
	db := mustOpenDB(t)

	_, err := New(cfg, db, newStub()).Run(context.Background(), Options{Resume: true})
	require.True(t, errors.Is(err, ErrRootUnreachable), "err = %v", err)

	sessions, err := session.List(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session is opened for an unreachable root")
}

func TestRunWritesCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		mustWrite(t, filepath.Join(cfg.DriveRoot, name), name)
	}
	db := mustOpenDB(t)

	res, err := New(cfg, db, newStub()).Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)

	cp, err := session.LatestCheckpoint(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, cp.SessionID)
	assert.Equal(t, 2, cp.BatchIndex)
	assert.EqualValues(t, 3, cp.Succeeded)
	assert.EqualValues(t, 0, cp.Remaining)
}

func TestNewPipelineStages(t *testing.T) {
	cfg := testConfig(t)
	db := mustOpenDB(t)
	path := filepath.Join(cfg.DriveRoot, "clip.mp4")
	mustWrite(t, path, "not really a video")

	res, err := NewPipeline(cfg, db).Enrich(context.Background(), enrich.Request{
		Path: path, ContentHash: "abc", MediaType: "video",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.AssetID, "catalog stage assigns an asset id")

	off := false
	cfg.Enrich.Catalog = &off
	res, err = NewPipeline(cfg, db).Enrich(context.Background(), enrich.Request{Path: path})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.AssetID)
}

func TestRunRelativeRootKeysByCanonicalPath(t *testing.T) {
	base := t.TempDir()
	photos := filepath.Join(base, "library", "photos")
	mustWrite(t, filepath.Join(photos, "a.jpg"), "a")
	db := mustOpenDB(t)
	p := newStub()

	// The same folder reached through two different relative roots.
	for _, run := range []struct{ wd, root string }{
		{filepath.Join(base, "library"), "photos"},
		{base, filepath.Join("library", "photos")},
	} {
		t.Chdir(run.wd)
		cfg := testConfig(t)
		cfg.DriveRoot = run.root
		e := New(cfg, db, p)
		res, err := e.Run(context.Background(), Options{Resume: true})
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(cfg.DriveRoot), "drive root resolved to %q", cfg.DriveRoot)
		assert.False(t, res.HasFailures())
	}

	canonical, err := config.CanonicalPath(filepath.Join(photos, "a.jpg"))
	require.NoError(t, err)
	l := ledger.New(db, lifecycle.Policy{MaxRetries: 2})
	counts, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Total(), "one physical file, one record")
	r, err := l.Get(context.Background(), canonical)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Completed, r.Status)
	assert.Equal(t, 1, p.count("a.jpg"), "the file is enriched once")
}

func TestRerunReportListsFailuresFromEarlierSessions(t *testing.T) {
	cfg := testConfig(t)
	mustWrite(t, filepath.Join(cfg.DriveRoot, "a.jpg"), "a")
	mustWrite(t, filepath.Join(cfg.DriveRoot, "b.jpg"), "b")
	p := newStub()
	p.failing["b.jpg"] = -1
	e := New(cfg, mustOpenDB(t), p)

	first, err := e.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	require.True(t, first.HasFailures())

	second, err := e.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.True(t, second.HasFailures())
	assert.EqualValues(t, 0, second.Report.BatchStats.Failed, "nothing failed in this session")
	require.Len(t, second.Report.FailedFiles, 1, "failed_files must match the exit code")
	assert.Equal(t, filepath.Join(cfg.DriveRoot, "b.jpg"), second.Report.FailedFiles[0].Path)
	assert.Contains(t, second.Report.FailedFiles[0].LastError, "service unavailable")
	assert.Equal(t, 2, p.count("b.jpg"), "a terminal failure is not retried by a rerun")
}
