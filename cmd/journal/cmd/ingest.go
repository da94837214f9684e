package cmd

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cryptoJournal/internal/domain"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.csv>",
	Short: "Ingest normalized execution tuples from a CSV file",
	Long: `Ingest a CSV of normalized execution tuples and run the FIFO matcher
on each CLOSE as it lands.

Expected columns (header required):
  ticker,direction,side,quantity,price,fee,occurred_at[,source_execution_id]

direction is LONG or SHORT, side is OPEN or CLOSE, occurred_at is RFC3339.
The file hash and a per-row hash act as dedupe keys: re-running the same
file is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var ingestSource string

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVarP(&ingestSource, "source", "s", "csv", "source tag recorded on each execution")
}

func runIngest(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := cmd.Context()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	fileHash := sha256.Sum256(data)
	filename := filepath.Base(path)

	batchID, existed, err := svc.RegisterImport(ctx, filename, hex.EncodeToString(fileHash[:]))
	if err != nil {
		return fmt.Errorf("register import: %w", err)
	}
	if existed {
		fmt.Printf("%s already imported, skipping\n", filename)
		return nil
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"ticker", "direction", "side", "quantity", "price", "occurred_at"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("missing column %q in %s", required, filename)
		}
	}

	var ingested, matched, rejected int
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row %d: %w", line, err)
		}

		exec, err := parseRow(record, col, filename)
		if err != nil {
			fmt.Printf("row %d rejected: %v\n", line, err)
			rejected++
			continue
		}

		_, ms, err := svc.IngestAndMatch(ctx, exec)
		if err != nil {
			fmt.Printf("row %d rejected: %v\n", line, err)
			rejected++
			continue
		}
		ingested++
		matched += len(ms)
	}

	fmt.Printf("batch %s: %d rows ingested, %d matches, %d rejected\n",
		batchID, ingested, matched, rejected)
	return nil
}

func parseRow(record []string, col map[string]int, filename string) (*domain.Execution, error) {
	field := func(name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	quantity, err := decimal.NewFromString(field("quantity"))
	if err != nil {
		return nil, fmt.Errorf("bad quantity %q: %w", field("quantity"), err)
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", field("price"), err)
	}
	fee := decimal.Zero
	if raw := field("fee"); raw != "" {
		if fee, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("bad fee %q: %w", raw, err)
		}
	}
	occurredAt, err := time.Parse(time.RFC3339, field("occurred_at"))
	if err != nil {
		return nil, fmt.Errorf("bad occurred_at %q: %w", field("occurred_at"), err)
	}

	rowSig := sha256.Sum256([]byte(strings.Join(record, "|")))
	return &domain.Execution{
		Source:            ingestSource,
		SourceFilename:    filename,
		SourceRowHash:     hex.EncodeToString(rowSig[:]),
		SourceExecutionID: field("source_execution_id"),
		Ticker:            strings.ToUpper(field("ticker")),
		Direction:         domain.Direction(strings.ToUpper(field("direction"))),
		Side:              domain.Side(strings.ToUpper(field("side"))),
		Quantity:          quantity,
		Price:             price,
		Fee:               fee,
		OccurredAt:        occurredAt,
	}, nil
}
