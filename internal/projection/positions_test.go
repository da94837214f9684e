package projection

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

func exec(id int64, ticker string, direction domain.Direction, side domain.Side, qty, remaining, price, fee string) *domain.Execution {
	return &domain.Execution{
		ID:           id,
		Ticker:       ticker,
		Direction:    direction,
		Side:         side,
		Quantity:     dec(qty),
		RemainingQty: dec(remaining),
		Price:        dec(price),
		Fee:          dec(fee),
		OccurredAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestProject_Empty(t *testing.T) {
	assert.Empty(t, Project(nil, nil))
}

func TestProject_OpenInventoryAndRealized(t *testing.T) {
	execs := []*domain.Execution{
		exec(1, "BTC", domain.Long, domain.SideOpen, "2", "1.5", "40000", "10"),
		exec(2, "BTC", domain.Long, domain.SideClose, "0.5", "0", "41000", "2"),
	}
	matches := []*domain.Match{
		{ID: 1, OpenExecutionID: 1, CloseExecutionID: 2, MatchedQuantity: dec("0.5"), Price: dec("41000")},
	}

	positions := Project(execs, matches)
	require.Len(t, positions, 1)

	pos := positions[0]
	assert.Equal(t, "BTC", pos.Ticker)
	assert.Equal(t, domain.Long, pos.Direction)
	assert.True(t, pos.OpenQuantity.Equal(dec("1.5")), "got %s", pos.OpenQuantity)
	assert.True(t, pos.AvgEntryPrice.Equal(dec("40000")), "got %s", pos.AvgEntryPrice)
	assert.True(t, pos.RealizedPnL.Equal(dec("500")), "got %s", pos.RealizedPnL)
	assert.True(t, pos.Fees.Equal(dec("12")), "got %s", pos.Fees)
}

func TestProject_ShortDirectionAdjusted(t *testing.T) {
	execs := []*domain.Execution{
		exec(1, "ETH", domain.Short, domain.SideOpen, "2", "0", "2000", "0"),
		exec(2, "ETH", domain.Short, domain.SideClose, "2", "0", "1900", "0"),
	}
	matches := []*domain.Match{
		{ID: 1, OpenExecutionID: 1, CloseExecutionID: 2, MatchedQuantity: dec("2"), Price: dec("1900")},
	}

	positions := Project(execs, matches)
	require.Len(t, positions, 1)

	// Short: profit when price falls.
	assert.True(t, positions[0].RealizedPnL.Equal(dec("200")), "got %s", positions[0].RealizedPnL)
	assert.True(t, positions[0].OpenQuantity.IsZero())
	assert.True(t, positions[0].AvgEntryPrice.IsZero())
}

func TestProject_WeightedAvgEntry(t *testing.T) {
	execs := []*domain.Execution{
		exec(1, "BTC", domain.Long, domain.SideOpen, "1", "1", "40000", "0"),
		exec(2, "BTC", domain.Long, domain.SideOpen, "3", "3", "44000", "0"),
	}

	positions := Project(execs, nil)
	require.Len(t, positions, 1)

	// (1*40000 + 3*44000) / 4 = 43000
	assert.True(t, positions[0].AvgEntryPrice.Equal(dec("43000")), "got %s", positions[0].AvgEntryPrice)
	assert.True(t, positions[0].OpenQuantity.Equal(dec("4")))
}

func TestProject_GroupsByTickerAndDirection(t *testing.T) {
	execs := []*domain.Execution{
		exec(1, "ETH", domain.Long, domain.SideOpen, "1", "1", "2000", "0"),
		exec(2, "BTC", domain.Short, domain.SideOpen, "1", "1", "40000", "0"),
		exec(3, "BTC", domain.Long, domain.SideOpen, "1", "1", "41000", "0"),
	}

	positions := Project(execs, nil)
	require.Len(t, positions, 3)

	// Sorted by ticker then direction.
	assert.Equal(t, "BTC", positions[0].Ticker)
	assert.Equal(t, domain.Long, positions[0].Direction)
	assert.Equal(t, "BTC", positions[1].Ticker)
	assert.Equal(t, domain.Short, positions[1].Direction)
	assert.Equal(t, "ETH", positions[2].Ticker)
}

func TestProject_SkipsDanglingMatchRefs(t *testing.T) {
	execs := []*domain.Execution{
		exec(1, "BTC", domain.Long, domain.SideOpen, "1", "1", "40000", "0"),
	}
	matches := []*domain.Match{
		{ID: 1, OpenExecutionID: 1, CloseExecutionID: 99, MatchedQuantity: dec("1"), Price: dec("41000")},
	}

	positions := Project(execs, matches)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].RealizedPnL.IsZero())
}
