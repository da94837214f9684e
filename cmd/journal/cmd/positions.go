package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Show per-instrument open quantity, average entry and realized P&L",
	Args:  cobra.NoArgs,
	RunE:  runPositions,
}

var unmatchedCmd = &cobra.Command{
	Use:   "unmatched",
	Short: "List CLOSE executions with no open inventory to consume",
	Args:  cobra.NoArgs,
	RunE:  runUnmatched,
}

func init() {
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(unmatchedCmd)
}

func runPositions(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	positions, err := svc.Positions(cmd.Context())
	if err != nil {
		return fmt.Errorf("project positions: %w", err)
	}
	if len(positions) == 0 {
		fmt.Println("no positions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TICKER\tDIRECTION\tOPEN QTY\tAVG ENTRY\tREALIZED PNL\tFEES")
	for _, pos := range positions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			pos.Ticker, pos.Direction, pos.OpenQuantity, pos.AvgEntryPrice, pos.RealizedPnL, pos.Fees)
	}
	return w.Flush()
}

func runUnmatched(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	closes, err := svc.UnmatchedCloses(cmd.Context())
	if err != nil {
		return fmt.Errorf("list unmatched closes: %w", err)
	}
	if len(closes) == 0 {
		fmt.Println("no unmatched closes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTICKER\tDIRECTION\tRESIDUAL QTY\tPRICE\tOCCURRED AT")
	for _, exec := range closes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			exec.ID, exec.Ticker, exec.Direction, exec.RemainingQty, exec.Price,
			exec.OccurredAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
