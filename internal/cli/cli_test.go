package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/mediaflow/internal/db"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/report"
)

type fixture struct {
	root    string
	config  string
	dbPath  string
	reports string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		root:    filepath.Join(dir, "drive"),
		config:  filepath.Join(dir, "config.yaml"),
		dbPath:  filepath.Join(dir, "ledger.db"),
		reports: filepath.Join(dir, "reports"),
	}
	require.NoError(t, os.MkdirAll(f.root, 0o755))
	yaml := fmt.Sprintf(`drive_root: %s
db_path: %s
report_dir: %s
workers: 2
batch_size: 2
max_retries: 2
retry:
  base_delay: 1ms
  max_delay: 5ms
`, f.root, f.dbPath, f.reports)
	require.NoError(t, os.WriteFile(f.config, []byte(yaml), 0o644))
	return f
}

func (f fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// status opens the ledger after a command has closed it.
func (f fixture) status(t *testing.T, path string) lifecycle.Status {
	t.Helper()
	database, err := db.OpenAndMigrate(f.dbPath)
	require.NoError(t, err)
	defer database.Close()
	r, err := ledger.New(database, lifecycle.Policy{MaxRetries: 2}).Get(context.Background(), path)
	require.NoError(t, err)
	return r.Status
}

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between tests.
func resetFlags(cmd *cobra.Command) {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
		fs.VisitAll(func(fl *pflag.Flag) {
			_ = fl.Value.Set(fl.DefValue)
			fl.Changed = false
		})
	}
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the command tree with args and returns its stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

func TestRunExitCodeReflectsFailedFiles(t *testing.T) {
	f := newFixture(t)
	clip := f.write(t, "clip.mp4", "video bytes")
	broken := f.write(t, "broken.jpg", "definitely not a jpeg")

	out, err := execute(t, "", "run", "--config", f.config)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, out, "Session")

	assert.Equal(t, lifecycle.Completed, f.status(t, clip))
	assert.Equal(t, lifecycle.Failed, f.status(t, broken))

	entries, err := os.ReadDir(f.reports)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunSuccessPrintsReport(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.mp4", "a")
	f.write(t, "b.mp4", "b")

	out, err := execute(t, "", "run", "--config", f.config, "--report")
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))

	var r report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.EqualValues(t, 2, r.BatchStats.Successful)
	assert.EqualValues(t, 0, r.BatchStats.Failed)
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	clip := filepath.Join(other, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("x"), 0o644))
	photo := filepath.Join(other, "photo.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("not decoded"), 0o644))

	_, err := execute(t, "", "run", "--config", f.config,
		"--drive-root", other, "--file-types", "videos", "--workers", "1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Completed, f.status(t, clip))

	database, err := db.OpenAndMigrate(f.dbPath)
	require.NoError(t, err)
	defer database.Close()
	_, err = ledger.New(database, lifecycle.Policy{MaxRetries: 2}).Get(context.Background(), photo)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "images are filtered out")
}

func TestRunUnreachableRootExitsOne(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, "", "run", "--config", f.config,
		"--drive-root", filepath.Join(f.root, "missing"))
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}

func TestRunInvalidFlagValue(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, "", "run", "--config", f.config, "--file-types", "documents")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestRunRejectsDryRunWithForce(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, "", "run", "--config", f.config, "--dry-run", "--force-reprocess")
	require.Error(t, err)
}

func TestDryRunThenStats(t *testing.T) {
	f := newFixture(t)
	clip := f.write(t, "clip.mp4", "x")

	_, err := execute(t, "", "run", "--config", f.config, "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Pending, f.status(t, clip))

	out, err := execute(t, "", "run", "--config", f.config, "--show-stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "dry-run")
	assert.Equal(t, lifecycle.Pending, f.status(t, clip), "--show-stats must not process")

	out, err = execute(t, "", "stats", "--config", f.config, "--sessions", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Claimable")
	assert.Contains(t, out, "version 2")
	assert.NotContains(t, out, "SESSION")
}

func TestReprocessResetsFailures(t *testing.T) {
	f := newFixture(t)
	broken := f.write(t, "broken.jpg", "definitely not a jpeg")
	_, err := execute(t, "", "run", "--config", f.config)
	require.Equal(t, 2, ExitCode(err))

	out, err := execute(t, "", "reprocess", "--config", f.config, broken)
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 1 files")
	assert.Equal(t, lifecycle.Pending, f.status(t, broken))

	_, err = execute(t, "", "reprocess", "--config", f.config, filepath.Join(f.root, "nope.jpg"))
	assert.Error(t, err)
}

func TestResetRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	clip := f.write(t, "clip.mp4", "x")
	_, err := execute(t, "", "run", "--config", f.config)
	require.NoError(t, err)

	out, err := execute(t, "n\n", "reset", "--config", f.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")
	assert.Equal(t, lifecycle.Completed, f.status(t, clip))

	out, err = execute(t, "", "reset", "--config", f.config, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 records.")

	database, err := db.OpenAndMigrate(f.dbPath)
	require.NoError(t, err)
	defer database.Close()
	_, err = ledger.New(database, lifecycle.Policy{MaxRetries: 2}).Get(context.Background(), clip)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(assert.AnError))
	wrapped := fmt.Errorf("outer: %w", &ExitError{Code: 2, Err: assert.AnError})
	assert.Equal(t, 2, ExitCode(wrapped))
}

func TestRelativeDriveRootAndReprocessArgsShareKeys(t *testing.T) {
	f := newFixture(t)
	broken := f.write(t, "broken.jpg", "definitely not a jpeg")
	t.Chdir(filepath.Dir(f.root))

	_, err := execute(t, "", "run", "--config", f.config, "--drive-root", filepath.Base(f.root))
	require.Equal(t, 2, ExitCode(err))
	assert.Equal(t, lifecycle.Failed, f.status(t, broken), "records are keyed by absolute path")

	t.Chdir(f.root)
	out, err := execute(t, "", "reprocess", "--config", f.config, "broken.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 1 files")
	assert.Equal(t, lifecycle.Pending, f.status(t, broken))
}
