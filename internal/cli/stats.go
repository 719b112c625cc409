package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eargollo/mediaflow/internal/db"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/session"
)

var statsSessions int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger counts, the last checkpoint and recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStats(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	statsCmd.Flags().IntVarP(&statsSessions, "sessions", "n", 5, "number of recent sessions to list")
}

func printStats(ctx context.Context, w io.Writer) error {
	l := ledger.New(database, lifecycle.Policy{MaxRetries: cfg.MaxRetries})
	counts, err := l.Stats(ctx)
	if err != nil {
		return err
	}
	claimable, err := l.Claimable(ctx)
	if err != nil {
		return err
	}
	version, err := db.SchemaVersion(ctx, database)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Ledger\t%d files\n", counts.Total())
	for _, s := range lifecycle.All {
		fmt.Fprintf(tw, "  %s\t%d\n", s, counts[s])
	}
	fmt.Fprintf(tw, "Claimable\t%d\n", claimable)
	fmt.Fprintf(tw, "Schema\tversion %d\n", version)

	cp, err := session.LatestCheckpoint(ctx, database)
	switch {
	case err == nil:
		fmt.Fprintf(tw, "Last checkpoint\tbatch %d of %s, %d remaining (%s)\n",
			cp.BatchIndex, cp.SessionID, cp.Remaining, cp.WrittenAt.Format("2006-01-02 15:04:05"))
	case errors.Is(err, session.ErrNotFound):
		fmt.Fprintf(tw, "Last checkpoint\tnone\n")
	default:
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if statsSessions <= 0 {
		return nil
	}
	sessions, err := session.List(ctx, database, statsSessions)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMODE\tSTATUS\tSTARTED\tOK\tFAILED\tSKIPPED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Mode, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Succeeded, s.Failed, s.Skipped)
	}
	return tw.Flush()
}
