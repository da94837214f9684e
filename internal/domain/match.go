package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Match links a CLOSE execution to the OPEN inventory it consumed. Matches are
// entirely derived: the matching engine creates them and a rebuild deletes and
// regenerates them wholesale. They are never hand-edited.
type Match struct {
	ID               int64
	OpenExecutionID  int64
	CloseExecutionID int64
	MatchedQuantity  decimal.Decimal // Always > 0
	Price            decimal.Decimal // Close price at match time
	CreatedAt        time.Time       // Close execution's occurred_at; lifecycle ordering key
}
