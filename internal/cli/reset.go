package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every ledger record",
	Long: `Delete every file record from the ledger. The next run treats every file
as new. Session history and checkpoints are kept.

Requires confirmation unless --yes is used.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	l := ledger.New(database, lifecycle.Policy{MaxRetries: cfg.MaxRetries})
	out := cmd.OutOrStdout()

	// Confirm deletion
	if !resetYes {
		counts, err := l.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "About to delete %d ledger records from %s\n", counts.Total(), cfg.DBPath)
		fmt.Fprint(out, "\nContinue? [y/N]: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		response, err := reader.ReadString('\n')
		if err != nil && response == "" {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	n, err := l.Reset(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d records.\n", n)
	return nil
}
