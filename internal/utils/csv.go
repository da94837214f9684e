package utils

import (
	"encoding/csv"
	"os"
	"time"

	"cryptoJournal/internal/domain"
)

// WriteExecutionsToCSV dumps the execution log in the same column layout the
// ingest command accepts, so an export can be re-imported elsewhere.
func WriteExecutionsToCSV(execs []*domain.Execution, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"ticker", "direction", "side", "quantity", "price", "fee", "occurred_at", "source_execution_id"})

	for _, e := range execs {
		writer.Write([]string{
			e.Ticker,
			string(e.Direction),
			string(e.Side),
			e.Quantity.String(),
			e.Price.String(),
			e.Fee.String(),
			e.OccurredAt.Format(time.RFC3339),
			e.SourceExecutionID,
		})
	}
	return writer.Error()
}
