// Package projection derives per-instrument position snapshots from the
// execution log and its matches. It is a pure read-side fold: no writes, no
// failure modes. Insufficient data simply yields empty aggregates.
package projection

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/matching"
)

// Position is one per-(ticker, direction) aggregate.
type Position struct {
	Ticker        string
	Direction     domain.Direction
	OpenQuantity  decimal.Decimal // Sum of remaining OPEN inventory
	AvgEntryPrice decimal.Decimal // Quantity-weighted over the remaining inventory
	RealizedPnL   decimal.Decimal // Direction-adjusted, locked in by matches
	Fees          decimal.Decimal // Total fees across all executions in the group
}

type groupKey struct {
	ticker    string
	direction domain.Direction
}

// Project folds executions and matches into position snapshots, sorted by
// (ticker, direction) for stable output. Matches referencing unknown
// executions are skipped; the rebuild path is responsible for treating those
// as fatal, a read-side projection just reports what it can prove.
func Project(execs []*domain.Execution, matches []*domain.Match) []Position {
	byID := make(map[int64]*domain.Execution, len(execs))
	acc := make(map[groupKey]*Position)

	group := func(ticker string, direction domain.Direction) *Position {
		key := groupKey{ticker: ticker, direction: direction}
		pos, ok := acc[key]
		if !ok {
			pos = &Position{Ticker: ticker, Direction: direction}
			acc[key] = pos
		}
		return pos
	}

	for _, e := range execs {
		byID[e.ID] = e
		pos := group(e.Ticker, e.Direction)
		pos.Fees = pos.Fees.Add(e.Fee)
		if e.Side == domain.SideOpen {
			pos.OpenQuantity = pos.OpenQuantity.Add(e.RemainingQty)
		}
	}

	for _, m := range matches {
		open, okOpen := byID[m.OpenExecutionID]
		closeExec, okClose := byID[m.CloseExecutionID]
		if !okOpen || !okClose {
			continue
		}
		pos := group(open.Ticker, open.Direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(
			matching.RealizedDelta(open.Direction, m.MatchedQuantity, open.Price, closeExec.Price))
	}

	// Average entry over what is still open, weighted by remaining quantity.
	for key, pos := range acc {
		var weighted decimal.Decimal
		for _, e := range execs {
			if e.Ticker != key.ticker || e.Direction != key.direction || e.Side != domain.SideOpen {
				continue
			}
			weighted = weighted.Add(e.RemainingQty.Mul(e.Price))
		}
		if pos.OpenQuantity.IsPositive() {
			pos.AvgEntryPrice = weighted.Div(pos.OpenQuantity)
		}
	}

	out := make([]Position, 0, len(acc))
	for _, pos := range acc {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}
