package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoJournal/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func open(id int64, ticker string, direction domain.Direction, qty, remaining, price string, at time.Time) *domain.Execution {
	return &domain.Execution{
		ID:           id,
		Ticker:       ticker,
		Direction:    direction,
		Side:         domain.SideOpen,
		Quantity:     dec(qty),
		RemainingQty: dec(remaining),
		Price:        dec(price),
		OccurredAt:   at,
	}
}

func closeExec(id int64, ticker string, direction domain.Direction, qty, price string, at time.Time) *domain.Execution {
	return &domain.Execution{
		ID:           id,
		Ticker:       ticker,
		Direction:    direction,
		Side:         domain.SideClose,
		Quantity:     dec(qty),
		RemainingQty: dec(qty),
		Price:        dec(price),
		OccurredAt:   at,
	}
}

func TestPlanClose_FIFOOrdering(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Oldest inventory must be consumed first: 1.0 from the first open,
	// 0.5 from the second, never the reverse.
	candidates := []*domain.Execution{
		open(2, "BTC", domain.Long, "1", "1", "40100", base.Add(time.Hour)),
		open(1, "BTC", domain.Long, "1", "1", "40000", base),
	}
	cl := closeExec(3, "BTC", domain.Long, "1.5", "41000", base.Add(2*time.Hour))

	plan := PlanClose(cl, cl.RemainingQty, candidates)

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, int64(1), plan.Allocations[0].OpenExecutionID)
	assert.True(t, plan.Allocations[0].Quantity.Equal(dec("1")), "got %s", plan.Allocations[0].Quantity)
	assert.Equal(t, int64(2), plan.Allocations[1].OpenExecutionID)
	assert.True(t, plan.Allocations[1].Quantity.Equal(dec("0.5")), "got %s", plan.Allocations[1].Quantity)
	assert.True(t, plan.Leftover.IsZero())
}

func TestPlanClose_IDTieBreak(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Identical timestamps: the lower id wins.
	candidates := []*domain.Execution{
		open(7, "ETH", domain.Long, "1", "1", "2000", at),
		open(4, "ETH", domain.Long, "1", "1", "1990", at),
	}
	cl := closeExec(9, "ETH", domain.Long, "1", "2100", at.Add(time.Minute))

	plan := PlanClose(cl, cl.RemainingQty, candidates)

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, int64(4), plan.Allocations[0].OpenExecutionID)
}

func TestPlanClose_Leftover(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	candidates := []*domain.Execution{
		open(1, "BTC", domain.Long, "0.4", "0.4", "40000", at),
	}
	cl := closeExec(2, "BTC", domain.Long, "1", "41000", at.Add(time.Minute))

	plan := PlanClose(cl, cl.RemainingQty, candidates)

	require.Len(t, plan.Allocations, 1)
	assert.True(t, plan.Allocations[0].Quantity.Equal(dec("0.4")))
	assert.True(t, plan.Leftover.Equal(dec("0.6")), "got %s", plan.Leftover)
}

func TestPlanClose_NoInventory(t *testing.T) {
	cl := closeExec(1, "ETH", domain.Long, "1", "2000", time.Now())

	plan := PlanClose(cl, cl.RemainingQty, nil)

	assert.True(t, plan.IsNoop())
	assert.True(t, plan.Leftover.Equal(dec("1")))
}

func TestPlanClose_AlreadyMatchedIsNoop(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	candidates := []*domain.Execution{
		open(1, "BTC", domain.Long, "1", "1", "40000", at),
	}
	cl := closeExec(2, "BTC", domain.Long, "1", "41000", at.Add(time.Minute))

	// Reconciled remaining of zero: replaying a fully matched close.
	plan := PlanClose(cl, decimal.Zero, candidates)

	assert.True(t, plan.IsNoop())
	assert.True(t, plan.Leftover.IsZero())
}

func TestPlanClose_SkipsWrongGroupAndExhausted(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	candidates := []*domain.Execution{
		open(1, "BTC", domain.Short, "1", "1", "40000", at),             // wrong direction
		open(2, "ETH", domain.Long, "1", "1", "2000", at),               // wrong ticker
		open(3, "BTC", domain.Long, "1", "0", "40000", at),              // exhausted
		open(4, "BTC", domain.Long, "2", "1.5", "40500", at.Add(time.Minute)), // partially consumed, still valid
	}
	cl := closeExec(5, "BTC", domain.Long, "1", "41000", at.Add(time.Hour))

	plan := PlanClose(cl, cl.RemainingQty, candidates)

	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, int64(4), plan.Allocations[0].OpenExecutionID)
	assert.True(t, plan.Allocations[0].OpenRemaining.Equal(dec("1.5")))
	assert.True(t, plan.Allocations[0].Quantity.Equal(dec("1")))
}

func TestPlanClose_ExactConsumptionClosesOpen(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	candidates := []*domain.Execution{
		open(1, "BTC", domain.Long, "0.75", "0.75", "40000", at),
	}
	cl := closeExec(2, "BTC", domain.Long, "0.75", "41000", at.Add(time.Minute))

	plan := PlanClose(cl, cl.RemainingQty, candidates)

	require.Len(t, plan.Allocations, 1)
	// Exactly the remaining inventory: the open reaches exactly zero.
	assert.True(t, plan.Allocations[0].OpenRemaining.Sub(plan.Allocations[0].Quantity).IsZero())
	assert.True(t, plan.Leftover.IsZero())
}

func TestRealizedDelta(t *testing.T) {
	tests := []struct {
		name      string
		direction domain.Direction
		qty       string
		openPrice string
		closePx   string
		want      string
	}{
		{name: "long profit", direction: domain.Long, qty: "0.5", openPrice: "40000", closePx: "41000", want: "500"},
		{name: "long loss", direction: domain.Long, qty: "1", openPrice: "40000", closePx: "39000", want: "-1000"},
		{name: "short profit", direction: domain.Short, qty: "2", openPrice: "2000", closePx: "1900", want: "200"},
		{name: "short loss", direction: domain.Short, qty: "1", openPrice: "2000", closePx: "2100", want: "-100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RealizedDelta(tt.direction, dec(tt.qty), dec(tt.openPrice), dec(tt.closePx))
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}
