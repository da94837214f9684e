package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade aggregates the lifetime of one OPEN execution: how much of it has been
// closed out, at what realized P&L, and when it terminally closed. A trade is
// created when its OPEN execution is ingested, mutated by every match touching
// it, and reaches the closed state exactly once.
type Trade struct {
	ID               int64
	OpenExecutionID  int64
	Ticker           string
	Direction        Direction
	OriginalQuantity decimal.Decimal
	OpenQuantity     decimal.Decimal // Unclosed quantity; zero once the trade terminally closes
	AvgEntryPrice    decimal.Decimal
	RealizedPnL      decimal.Decimal // Locked in once OpenQuantity reaches zero
	ExitPrice        decimal.Decimal // Quantity-weighted close price; zero while open
	OrphanClose      bool            // Set when a summary-only close was recorded without executions
	OpenedAt         time.Time
	ClosedAt         time.Time // Zero while the trade still has open quantity
	CreatedAt        time.Time
}

// IsClosed reports whether the trade has reached its terminal state.
func (t *Trade) IsClosed() bool {
	return !t.ClosedAt.IsZero()
}

// HasRecordedExit reports whether a summary-level exit price is known. Trades
// with no matches but a recorded exit fall back to summary-driven lifecycle
// events.
func (t *Trade) HasRecordedExit() bool {
	return t.ExitPrice.IsPositive()
}
