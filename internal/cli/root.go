// Package cli provides the command-line interface for mediaflow.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/eargollo/mediaflow/internal/config"
	"github.com/eargollo/mediaflow/internal/db"
	"github.com/eargollo/mediaflow/internal/logging"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags
	configPath string
	logLevel   string

	// Loaded by PersistentPreRunE for every subcommand.
	cfg      *config.Config
	database *sql.DB
	closeLog func() error
)

// ExitError carries a process exit code other than 1 out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps the error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mediaflow",
	Short: "Incremental media processing for a drive folder",
	Long: `mediaflow walks a drive folder of photos and videos, fingerprints every file
and runs it through the enrichment pipeline exactly once. A SQLite ledger
remembers what was processed, so reruns only touch new, changed or failed files.

Run once with "mediaflow run", or keep processing arrivals with "mediaflow watch".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		// Log at the requested level until the config file is read.
		logging.Setup(logLevel, "")

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		applyRunFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := loaded.ResolvePaths(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded
		closeLog = logging.Setup(cfg.LogLevel, cfg.LogFile)

		database, err = db.OpenAndMigrate(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		slog.Debug("ledger opened", "db_path", cfg.DBPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeResources()
	},
}

// closeResources releases what PersistentPreRunE opened. It runs on error
// paths too, where cobra skips PersistentPostRun.
func closeResources() {
	if database != nil {
		if err := database.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
		database = nil
	}
	if closeLog != nil {
		_ = closeLog()
		closeLog = nil
	}
}

// Execute runs the command tree. ctx is cancelled on SIGINT/SIGTERM by the
// caller; long-running commands shut down cleanly when it is.
func Execute(ctx context.Context) error {
	defer closeResources()
	rootCmd.Version = Version
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(resetCmd)
}
