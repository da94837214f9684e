package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptoJournal/internal/utils"
)

var exportCmd = &cobra.Command{
	Use:   "export <file.csv>",
	Short: "Export the execution log as an ingestable CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	execs, err := svc.Executions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if err := utils.WriteExecutionsToCSV(execs, args[0]); err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}
	fmt.Printf("exported %d executions to %s\n", len(execs), args[0])
	return nil
}
