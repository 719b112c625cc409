package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/eargollo/mediaflow/internal/config"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
)

var reprocessAll bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [paths...]",
	Short: "Reset failed files to pending so the next run processes them again",
	Long: `Reset files to pending with a fresh retry budget.

Without paths every terminally failed file is reset. With --all completed and
skipped files are reset too, forcing a full reprocess on the next run.

Examples:
  mediaflow reprocess
  mediaflow reprocess /mnt/photos/2019/img_0042.jpg
  mediaflow reprocess --all`,
	RunE: runReprocess,
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessAll, "all", false, "also reset completed and skipped files")
}

func runReprocess(cmd *cobra.Command, args []string) error {
	if reprocessAll && len(args) == 0 {
		slog.Warn("resetting every settled file; the next run reprocesses the whole ledger")
	}
	paths := make([]string, 0, len(args))
	for _, a := range args {
		p, err := config.CanonicalFile(a)
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}

	scope := ledger.ScopeFailed
	if reprocessAll {
		scope = ledger.ScopeSettled
	}
	l := ledger.New(database, lifecycle.Policy{MaxRetries: cfg.MaxRetries})
	n, err := l.ForceReprocess(cmd.Context(), "", scope, paths...)
	if err != nil {
		return err
	}
	if n == 0 && len(paths) > 0 {
		return errors.New("no matching settled files in the ledger")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d files to pending.\n", n)
	return nil
}
