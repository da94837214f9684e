package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan <close-execution-id>",
	Short: "Preview FIFO allocations for a CLOSE without committing",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	execID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", args[0], err)
	}

	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	plan, err := svc.PlanMatch(cmd.Context(), execID)
	if err != nil {
		return fmt.Errorf("plan match: %w", err)
	}
	if plan.IsNoop() {
		fmt.Printf("close %d: nothing to match (residual %s)\n", execID, plan.Leftover)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPEN EXEC\tOPEN PRICE\tQUANTITY")
	for _, alloc := range plan.Allocations {
		fmt.Fprintf(w, "%d\t%s\t%s\n", alloc.OpenExecutionID, alloc.OpenPrice, alloc.Quantity)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if plan.Leftover.IsPositive() {
		fmt.Printf("unmatched residual: %s\n", plan.Leftover)
	}
	return nil
}
