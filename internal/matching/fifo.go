// Package matching implements the FIFO planning half of the matching engine.
// Planning is pure: it reads a CLOSE execution and an ordered snapshot of OPEN
// candidates and produces the allocations that would consume them, without
// touching storage. The transactional application of a plan lives in the
// sqlite adapter.
package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/ports"
)

// Plan is the outcome of FIFO-walking the open inventory for one CLOSE.
type Plan struct {
	CloseExecutionID int64
	CloseRemaining   decimal.Decimal // Close remainder before matching
	Leftover         decimal.Decimal // Residual that found no inventory (unmatched close)
	Allocations      []ports.MatchAllocation
}

// IsNoop reports whether the plan would change nothing.
func (p *Plan) IsNoop() bool {
	return len(p.Allocations) == 0
}

// PlanClose walks the candidate OPEN executions oldest-first and allocates
// min(candidate remaining, close remaining) from each until the close is fully
// consumed or inventory runs out. Candidates are re-sorted by
// (occurred_at, id); the id tie-break is required for determinism because
// timestamps are not unique.
//
// The caller supplies the close's reconciled remaining quantity rather than
// trusting the value cached on the row, so replaying an already matched close
// yields an empty plan.
func PlanClose(close *domain.Execution, closeRemaining decimal.Decimal, candidates []*domain.Execution) *Plan {
	plan := &Plan{
		CloseExecutionID: close.ID,
		CloseRemaining:   closeRemaining,
		Leftover:         closeRemaining,
	}
	if !closeRemaining.IsPositive() {
		plan.Leftover = decimal.Zero
		return plan
	}

	ordered := OrderCandidates(candidates)

	remaining := closeRemaining
	for _, open := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if open.Side != domain.SideOpen || !open.RemainingQty.IsPositive() {
			continue
		}
		if open.Ticker != close.Ticker || open.Direction != close.Direction {
			continue
		}

		qty := decimal.Min(open.RemainingQty, remaining)
		plan.Allocations = append(plan.Allocations, ports.MatchAllocation{
			OpenExecutionID: open.ID,
			OpenRemaining:   open.RemainingQty,
			OpenPrice:       open.Price,
			Quantity:        qty,
		})
		remaining = remaining.Sub(qty)
	}

	plan.Leftover = remaining
	return plan
}

// OrderCandidates returns the candidates sorted by (occurred_at ASC, id ASC)
// without mutating the input slice.
func OrderCandidates(candidates []*domain.Execution) []*domain.Execution {
	ordered := make([]*domain.Execution, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// RealizedDelta computes the P&L locked in by consuming qty of an OPEN at
// openPrice against a close at closePrice, adjusted for direction: a SHORT
// profits when the close price is below the open.
func RealizedDelta(direction domain.Direction, qty, openPrice, closePrice decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(openPrice)
	if direction == domain.Short {
		diff = openPrice.Sub(closePrice)
	}
	return qty.Mul(diff)
}
