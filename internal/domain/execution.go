package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Execution represents one immutable fill. An OPEN adds inventory for its
// (ticker, direction) group; a CLOSE consumes it. Rows are created once at
// ingestion and only RemainingQty is ever mutated, by the matching engine.
type Execution struct {
	ID                int64           // Unique identifier (assigned by the store)
	Source            string          // Importer identifier (e.g. "blofin")
	SourceFilename    string          // File the row came from, if any
	SourceRowHash     string          // Stable hash of the raw row, used for dedupe
	SourceExecutionID string          // Exchange-assigned execution id, alternative dedupe key
	Ticker            string          // Instrument symbol (e.g. "BTC")
	Direction         Direction       // LONG or SHORT
	Side              Side            // OPEN or CLOSE
	Quantity          decimal.Decimal // Filled quantity, always > 0
	RemainingQty      decimal.Decimal // Unmatched portion, 0 <= RemainingQty <= Quantity
	Price             decimal.Decimal // Fill price
	Fee               decimal.Decimal // Fee charged for the fill
	OccurredAt        time.Time       // When the fill happened at the venue
	CreatedAt         time.Time       // When the row was ingested
}

// Validate checks the fields an importer must supply before the execution may
// be inserted. Violations are terminal: the record is rejected, not retried.
func (e *Execution) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("source must be set")
	}
	if strings.TrimSpace(e.Ticker) == "" {
		return fmt.Errorf("ticker must be set")
	}
	if !e.Direction.IsValid() {
		return fmt.Errorf("invalid direction %q", e.Direction)
	}
	if !e.Side.IsValid() {
		return fmt.Errorf("invalid side %q", e.Side)
	}
	if !e.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", e.Quantity)
	}
	if !e.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", e.Price)
	}
	if e.Fee.IsNegative() {
		return fmt.Errorf("fee cannot be negative, got %s", e.Fee)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at must be set")
	}
	return nil
}

// NaturalKey derives a stable dedupe hash from the row signature. It is used
// when the importer supplies neither a row hash nor a source execution id, so
// that re-importing the same rows can never create duplicate ledger entries.
func (e *Execution) NaturalKey() string {
	sig := strings.Join([]string{
		e.Source,
		e.Ticker,
		string(e.Direction),
		string(e.Side),
		e.Quantity.String(),
		e.Price.String(),
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:])
}

// IsUnmatchedClose reports whether this is a CLOSE with residual quantity that
// found no OPEN inventory to consume. This is a recorded condition, not an error.
func (e *Execution) IsUnmatchedClose() bool {
	return e.Side == SideClose && e.RemainingQty.IsPositive()
}
