package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/mediaflow/internal/api"
	"github.com/eargollo/mediaflow/internal/engine"
)

var watchHTTPAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run as a daemon: watch for new files and rescan on a schedule",
	Long: `Run as a long-lived daemon.

New and modified files are picked up by the file watcher once their size has
settled. A full rescan runs at startup and on the configured cron schedule.
The status API and Prometheus metrics are served on http_addr.

Stop with SIGINT or SIGTERM; in-flight files are failed as retryable
and picked up again by the next session.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&runDriveRoot, "drive-root", "", "folder to watch (overrides drive_root)")
	f.IntVar(&runWorkers, "workers", 0, "concurrent workers")
	f.StringVar(&watchHTTPAddr, "http-addr", "", "status API listen address (overrides http_addr)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = watchHTTPAddr
	}
	slog.Info("mediaflow starting",
		"version", Version,
		"drive_root", cfg.DriveRoot,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"schedule", cfg.Schedule)

	e := engine.New(cfg, database, engine.NewPipeline(cfg, database))
	d, err := e.StartDaemon(cmd.Context())
	if err != nil {
		return err
	}
	srv := api.New(cfg.HTTPAddr, database, cfg, d, d.Ledger(), Version)

	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("mediaflow stopped", "session", d.SessionID())
	return nil
}
