package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/eargollo/mediaflow/internal/config"
	"github.com/eargollo/mediaflow/internal/engine"
	"github.com/eargollo/mediaflow/internal/report"
)

var (
	runDryRun         bool
	runForceReprocess bool
	runResume         bool
	runShowStats      bool
	runPrintReport    bool

	// Config overrides; applied only when set on the command line.
	runDriveRoot          string
	runIncoming           string
	runMaxFiles           int
	runFileTypes          string
	runWorkers            int
	runBatchSize          int
	runCheckpointInterval int
	runMaxRetries         int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every new, changed or failed file once and exit",
	Long: `Process the drive root once.

Files already completed with an unchanged fingerprint are skipped. Files left
pending or retryable by an interrupted run are picked up again unless
--resume=false is given. The JSON report is written to report_dir.

Exit code 2 means the run finished but the ledger holds failed files.

Examples:
  mediaflow run --drive-root /mnt/photos
  mediaflow run --dry-run --file-types images
  mediaflow run --show-stats`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runDriveRoot, "drive-root", "", "folder to process (overrides drive_root)")
	f.StringVar(&runIncoming, "incoming", "", "incoming folder, relative to the drive root or absolute")
	f.IntVar(&runMaxFiles, "max-files", 0, "stop discovery after this many files (0 = no limit)")
	f.StringVar(&runFileTypes, "file-types", "", "file types to process: images, videos or all")
	f.IntVar(&runWorkers, "workers", 0, "concurrent workers")
	f.IntVar(&runBatchSize, "batch-size", 0, "files per batch")
	f.IntVar(&runCheckpointInterval, "checkpoint-interval", 0, "batches between checkpoints")
	f.IntVar(&runMaxRetries, "max-retries", 0, "attempts before a transient failure becomes terminal")
	f.BoolVar(&runDryRun, "dry-run", false, "discover and record files as pending without processing")
	f.BoolVar(&runForceReprocess, "force-reprocess", false, "reset terminally failed files to pending first")
	f.BoolVar(&runResume, "resume", true, "continue pending and retryable work from earlier sessions")
	f.BoolVar(&runShowStats, "show-stats", false, "print ledger counts and exit")
	f.BoolVar(&runPrintReport, "report", false, "print the JSON report to stdout")
}

// applyRunFlags copies the config overrides set on cmd into c. Commands that
// do not define them are left untouched.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	fl := cmd.Flags()
	changed := func(name string) bool {
		return fl.Lookup(name) != nil && fl.Changed(name)
	}
	if changed("drive-root") {
		c.DriveRoot = runDriveRoot
	}
	if changed("incoming") {
		c.IncomingDir = runIncoming
	}
	if changed("max-files") {
		c.MaxFiles = runMaxFiles
	}
	if changed("file-types") {
		c.FileTypes = runFileTypes
	}
	if changed("workers") {
		c.Workers = runWorkers
	}
	if changed("batch-size") {
		c.BatchSize = runBatchSize
	}
	if changed("checkpoint-interval") {
		c.CheckpointInterval = runCheckpointInterval
	}
	if changed("max-retries") {
		c.MaxRetries = runMaxRetries
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if runShowStats {
		return printStats(ctx, cmd.OutOrStdout())
	}
	if runDryRun && runForceReprocess {
		return errors.New("--dry-run and --force-reprocess cannot be combined")
	}

	e := engine.New(cfg, database, engine.NewPipeline(cfg, database))
	res, err := e.Run(ctx, engine.Options{
		DryRun:         runDryRun,
		ForceReprocess: runForceReprocess,
		Resume:         runResume,
	})
	if res.SessionID == "" {
		// No session was opened: the root or the ledger is unusable.
		return err
	}

	slog.Info("run finished",
		"session", res.SessionID,
		"status", res.Status,
		"seen", res.Totals.Seen,
		"succeeded", res.Totals.Succeeded,
		"failed", res.Totals.Failed,
		"skipped", res.Totals.Skipped,
		"batches", res.Batches,
		"report", res.ReportPath)

	out := cmd.OutOrStdout()
	if runPrintReport {
		if perr := report.Encode(out, res.Report); perr != nil {
			slog.Warn("print report", "error", perr)
		}
	} else if perr := report.WriteSummary(out, res.Report); perr != nil {
		slog.Warn("print summary", "error", perr)
	}

	if err != nil {
		return fmt.Errorf("session %s %s: %w", res.SessionID, res.Status, err)
	}
	if res.HasFailures() {
		return &ExitError{Code: 2, Err: fmt.Errorf("session %s: %d files failed",
			res.SessionID, res.Report.OverallStats.StatusCounts["failed"])}
	}
	return nil
}
