package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "journal-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newExecution(ticker string, side domain.Side, qty, price string, at time.Time) *domain.Execution {
	return &domain.Execution{
		Source:       "manual",
		Ticker:       ticker,
		Direction:    domain.Long,
		Side:         side,
		Quantity:     dec(qty),
		RemainingQty: dec(qty),
		Price:        dec(price),
		Fee:          decimal.Zero,
		OccurredAt:   at,
		CreatedAt:    at,
	}
}

func TestRepository_InsertExecution(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	exec := newExecution("BTC", domain.SideOpen, "2", "40000", at)
	exec.SourceRowHash = "hash-1"

	id, existed, err := repo.InsertExecution(ctx, exec)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Positive(t, id)

	found, err := repo.FindExecutionByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "BTC", found.Ticker)
	assert.True(t, found.Quantity.Equal(dec("2")))
	assert.True(t, found.RemainingQty.Equal(dec("2")), "remaining must start at full quantity")
}

func TestRepository_InsertExecution_DuplicateRowHash(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := newExecution("BTC", domain.SideOpen, "2", "40000", at)
	first.SourceFilename = "trades.csv"
	first.SourceRowHash = "row-abc"

	firstID, existed, err := repo.InsertExecution(ctx, first)
	require.NoError(t, err)
	require.False(t, existed)

	replay := newExecution("BTC", domain.SideOpen, "2", "40000", at)
	replay.SourceFilename = "trades.csv"
	replay.SourceRowHash = "row-abc"

	replayID, existed, err := repo.InsertExecution(ctx, replay)
	require.NoError(t, err)
	assert.True(t, existed, "duplicate key must be reported, not inserted")
	assert.Equal(t, firstID, replayID)
	assert.Equal(t, firstID, replay.ID, "replayed struct is backfilled from the stored row")

	all, err := repo.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRepository_InsertExecution_DuplicateSourceExecutionID(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := newExecution("ETH", domain.SideOpen, "1", "2000", at)
	first.SourceExecutionID = "broker-42"

	firstID, _, err := repo.InsertExecution(ctx, first)
	require.NoError(t, err)

	replay := newExecution("ETH", domain.SideOpen, "1", "2000", at)
	replay.SourceExecutionID = "broker-42"

	replayID, existed, err := repo.InsertExecution(ctx, replay)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, firstID, replayID)
}

func TestRepository_FindOpenCandidatesOrdering(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Insert out of chronological order; candidates must come back FIFO.
	later := newExecution("BTC", domain.SideOpen, "1", "40100", base.Add(time.Hour))
	later.SourceRowHash = "h-later"
	_, _, err := repo.InsertExecution(ctx, later)
	require.NoError(t, err)

	earlier := newExecution("BTC", domain.SideOpen, "1", "40000", base)
	earlier.SourceRowHash = "h-earlier"
	_, _, err = repo.InsertExecution(ctx, earlier)
	require.NoError(t, err)

	other := newExecution("ETH", domain.SideOpen, "1", "2000", base)
	other.SourceRowHash = "h-other"
	_, _, err = repo.InsertExecution(ctx, other)
	require.NoError(t, err)

	candidates, err := repo.FindOpenCandidates(ctx, "BTC", domain.Long)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, earlier.ID, candidates[0].ID)
	assert.Equal(t, later.ID, candidates[1].ID)
}

func TestRepository_ApplyMatchPlan(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	open := newExecution("BTC", domain.SideOpen, "2", "40000", base)
	open.SourceRowHash = "h-open"
	openID, _, err := repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	trade := &domain.Trade{
		OpenExecutionID:  openID,
		Ticker:           "BTC",
		Direction:        domain.Long,
		OriginalQuantity: dec("2"),
		OpenQuantity:     dec("2"),
		AvgEntryPrice:    dec("40000"),
		RealizedPnL:      decimal.Zero,
		ExitPrice:        decimal.Zero,
		OpenedAt:         base,
		CreatedAt:        base,
	}
	tradeID, err := repo.CreateTrade(ctx, trade)
	require.NoError(t, err)

	closeAt := base.Add(time.Hour)
	cl := newExecution("BTC", domain.SideClose, "0.5", "41000", closeAt)
	cl.SourceRowHash = "h-close"
	closeID, _, err := repo.InsertExecution(ctx, cl)
	require.NoError(t, err)

	plan := &ports.MatchPlan{
		CloseExecutionID: closeID,
		CloseRemaining:   dec("0.5"),
		CloseLeftover:    decimal.Zero,
		ClosePrice:       dec("41000"),
		MatchedAt:        closeAt,
		Allocations: []ports.MatchAllocation{
			{OpenExecutionID: openID, OpenRemaining: dec("2"), OpenPrice: dec("40000"), Quantity: dec("0.5")},
		},
		TradeUpdates: []ports.TradeUpdate{
			{OpenExecutionID: openID, OpenQuantity: dec("1.5"), RealizedPnL: dec("500"), ExitPrice: dec("41000")},
		},
		Events: []*domain.LifecycleEvent{
			{TradeID: tradeID, Type: domain.EventPartialClose, CreatedAt: closeAt},
		},
	}

	matches, err := repo.ApplyMatchPlan(ctx, plan)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].MatchedQuantity.Equal(dec("0.5")))

	// Inventory decremented on both sides.
	gotOpen, err := repo.FindExecutionByID(ctx, openID)
	require.NoError(t, err)
	assert.True(t, gotOpen.RemainingQty.Equal(dec("1.5")), "got %s", gotOpen.RemainingQty)
	gotClose, err := repo.FindExecutionByID(ctx, closeID)
	require.NoError(t, err)
	assert.True(t, gotClose.RemainingQty.IsZero())

	// Trade aggregate folded in.
	gotTrade, err := repo.FindTradeByOpenExecution(ctx, openID)
	require.NoError(t, err)
	require.NotNil(t, gotTrade)
	assert.True(t, gotTrade.OpenQuantity.Equal(dec("1.5")))
	assert.True(t, gotTrade.RealizedPnL.Equal(dec("500")))
	assert.False(t, gotTrade.IsClosed())

	events, err := repo.ListLifecycleEventsForTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPartialClose, events[0].Type)
}

func TestRepository_ApplyMatchPlan_StaleGuard(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	open := newExecution("BTC", domain.SideOpen, "2", "40000", base)
	open.SourceRowHash = "h-open"
	openID, _, err := repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	cl := newExecution("BTC", domain.SideClose, "1", "41000", base.Add(time.Hour))
	cl.SourceRowHash = "h-close"
	closeID, _, err := repo.InsertExecution(ctx, cl)
	require.NoError(t, err)

	// Guard captured from a stale snapshot: the stored row says 2.
	plan := &ports.MatchPlan{
		CloseExecutionID: closeID,
		CloseRemaining:   dec("1"),
		CloseLeftover:    decimal.Zero,
		ClosePrice:       dec("41000"),
		MatchedAt:        base.Add(time.Hour),
		Allocations: []ports.MatchAllocation{
			{OpenExecutionID: openID, OpenRemaining: dec("1.7"), OpenPrice: dec("40000"), Quantity: dec("1")},
		},
	}

	_, err = repo.ApplyMatchPlan(ctx, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrStaleInventory)

	// Nothing committed: inventory and matches untouched.
	gotOpen, err := repo.FindExecutionByID(ctx, openID)
	require.NoError(t, err)
	assert.True(t, gotOpen.RemainingQty.Equal(dec("2")))
	matches, err := repo.ListMatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRepository_RecordSummaryExit(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	open := newExecution("BTC", domain.SideOpen, "1", "40000", base)
	open.SourceRowHash = "h-open"
	openID, _, err := repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	trade := &domain.Trade{
		OpenExecutionID:  openID,
		Ticker:           "BTC",
		Direction:        domain.Long,
		OriginalQuantity: dec("1"),
		OpenQuantity:     dec("1"),
		AvgEntryPrice:    dec("40000"),
		RealizedPnL:      decimal.Zero,
		ExitPrice:        decimal.Zero,
		OpenedAt:         base,
		CreatedAt:        base,
	}
	tradeID, err := repo.CreateTrade(ctx, trade)
	require.NoError(t, err)

	closedAt := base.Add(24 * time.Hour)
	require.NoError(t, repo.RecordSummaryExit(ctx, tradeID, dec("45000"), closedAt))

	got, err := repo.FindTradeByOpenExecution(ctx, openID)
	require.NoError(t, err)
	assert.True(t, got.ExitPrice.Equal(dec("45000")))
	assert.True(t, got.OrphanClose)
	assert.True(t, got.IsClosed())
	assert.True(t, got.OpenQuantity.IsZero())

	// The open's inventory is released in the same transaction, so later
	// closes in the group never see it as a candidate.
	gotOpen, err := repo.FindExecutionByID(ctx, openID)
	require.NoError(t, err)
	assert.True(t, gotOpen.RemainingQty.IsZero())
	candidates, err := repo.FindOpenCandidates(ctx, "BTC", domain.Long)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// Recording again on a closed trade fails.
	err = repo.RecordSummaryExit(ctx, tradeID, dec("46000"), closedAt.Add(time.Hour))
	assert.ErrorIs(t, err, ports.ErrUpdateFailed)
}

func TestRepository_ReplaceLifecycleEvents(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AppendLifecycleEvents(ctx, []*domain.LifecycleEvent{
		{TradeID: 1, Type: domain.EventOpened, CreatedAt: at},
		{TradeID: 1, Type: domain.EventPartialClose, CreatedAt: at.Add(time.Hour)},
	}))

	require.NoError(t, repo.ReplaceLifecycleEvents(ctx, []*domain.LifecycleEvent{
		{TradeID: 1, Type: domain.EventOpened, CreatedAt: at},
		{TradeID: 1, Type: domain.EventClosed, CreatedAt: at.Add(2 * time.Hour)},
	}))

	events, err := repo.ListLifecycleEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOpened, events[0].Type)
	assert.Equal(t, domain.EventClosed, events[1].Type)
	// Regenerated ids restart at 1 after the wholesale delete.
	assert.Equal(t, int64(1), events[0].ID)
}

func TestRepository_SwapDerivedState(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	open := newExecution("BTC", domain.SideOpen, "2", "40000", base)
	open.SourceRowHash = "h-open"
	openID, _, err := repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	cl := newExecution("BTC", domain.SideClose, "0.5", "41000", base.Add(time.Hour))
	cl.SourceRowHash = "h-close"
	closeID, _, err := repo.InsertExecution(ctx, cl)
	require.NoError(t, err)

	trade := &domain.Trade{
		OpenExecutionID:  openID,
		Ticker:           "BTC",
		Direction:        domain.Long,
		OriginalQuantity: dec("2"),
		OpenQuantity:     dec("2"),
		AvgEntryPrice:    dec("40000"),
		RealizedPnL:      decimal.Zero,
		ExitPrice:        decimal.Zero,
		OpenedAt:         base,
		CreatedAt:        base,
	}
	tradeID, err := repo.CreateTrade(ctx, trade)
	require.NoError(t, err)

	trade.OpenQuantity = dec("1.5")
	trade.RealizedPnL = dec("500")
	trade.ExitPrice = dec("41000")

	remaining := map[int64]decimal.Decimal{openID: dec("1.5"), closeID: decimal.Zero}
	matches := []*domain.Match{
		{OpenExecutionID: openID, CloseExecutionID: closeID, MatchedQuantity: dec("0.5"),
			Price: dec("41000"), CreatedAt: base.Add(time.Hour)},
	}
	events := []*domain.LifecycleEvent{
		{TradeID: tradeID, Type: domain.EventOpened, CreatedAt: base},
		{TradeID: tradeID, Type: domain.EventPartialClose, CreatedAt: base.Add(time.Hour)},
	}

	require.NoError(t, repo.SwapDerivedState(ctx, remaining, matches, []*domain.Trade{trade}, events))

	gotOpen, err := repo.FindExecutionByID(ctx, openID)
	require.NoError(t, err)
	assert.True(t, gotOpen.RemainingQty.Equal(dec("1.5")))

	gotMatches, err := repo.ListMatches(ctx)
	require.NoError(t, err)
	require.Len(t, gotMatches, 1)
	assert.Equal(t, int64(1), gotMatches[0].ID, "regenerated match ids restart at 1")

	gotTrade, err := repo.FindTradeByOpenExecution(ctx, openID)
	require.NoError(t, err)
	assert.True(t, gotTrade.RealizedPnL.Equal(dec("500")))

	gotEvents, err := repo.ListLifecycleEventsForTrade(ctx, tradeID)
	require.NoError(t, err)
	assert.Len(t, gotEvents, 2)

	// Swapping the same state again reproduces identical ids.
	require.NoError(t, repo.SwapDerivedState(ctx, remaining, matches, []*domain.Trade{trade}, events))
	again, err := repo.ListMatches(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, gotMatches[0].ID, again[0].ID)
}

func TestRepository_SwapDerivedState_PersistsOrphanFlag(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	open := newExecution("BTC", domain.SideOpen, "1", "40000", base)
	open.SourceRowHash = "h-open"
	openID, _, err := repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	trade := &domain.Trade{
		OpenExecutionID:  openID,
		Ticker:           "BTC",
		Direction:        domain.Long,
		OriginalQuantity: dec("1"),
		OpenQuantity:     dec("1"),
		AvgEntryPrice:    dec("40000"),
		RealizedPnL:      decimal.Zero,
		ExitPrice:        decimal.Zero,
		OpenedAt:         base,
		CreatedAt:        base,
	}
	tradeID, err := repo.CreateTrade(ctx, trade)
	require.NoError(t, err)
	require.NoError(t, repo.RecordSummaryExit(ctx, tradeID, dec("45000"), base.Add(time.Hour)))

	// A rebuild clearing the flag must write it through.
	trade.OrphanClose = false
	trade.ExitPrice = decimal.Zero
	trade.ClosedAt = time.Time{}
	remaining := map[int64]decimal.Decimal{openID: dec("1")}
	require.NoError(t, repo.SwapDerivedState(ctx, remaining, nil, []*domain.Trade{trade}, nil))

	got, err := repo.FindTradeByOpenExecution(ctx, openID)
	require.NoError(t, err)
	assert.False(t, got.OrphanClose)
	assert.False(t, got.IsClosed())
}

func TestNewRepository_InvalidConfig(t *testing.T) {
	_, err := NewRepository(Config{DBPath: "x.db"})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	// Data directory cannot be created when its parent is a regular file.
	tmpDir, err := os.MkdirTemp("", "journal-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)
	blocker := filepath.Join(tmpDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err = NewRepository(Config{
		DBPath: filepath.Join(blocker, "sub", "test.db"),
		Logger: &mockLogger{},
	})
	assert.ErrorIs(t, err, ports.ErrDBConnection)
}

func TestRepository_ImportedFiles(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	file := &domain.ImportedFile{
		BatchID:    "01HV0000000000000000000000",
		Filename:   "trades.csv",
		FileHash:   "sha-1",
		ImportedAt: at,
	}
	id, existed, err := repo.RecordImportedFile(ctx, file)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Positive(t, id)

	again := &domain.ImportedFile{
		BatchID:    "01HV0000000000000000000001",
		Filename:   "trades-renamed.csv",
		FileHash:   "sha-1",
		ImportedAt: at.Add(time.Hour),
	}
	againID, existed, err := repo.RecordImportedFile(ctx, again)
	require.NoError(t, err)
	assert.True(t, existed, "same content hash is already imported regardless of filename")
	assert.Equal(t, id, againID)
	assert.Equal(t, "trades.csv", again.Filename, "backfilled from the original registration")

	missing, err := repo.FindImportedFileByHash(ctx, "sha-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_ListUnmatchedCloses(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	orphan := newExecution("ETH", domain.SideClose, "1", "2000", base)
	orphan.SourceRowHash = "h-orphan"
	_, _, err := repo.InsertExecution(ctx, orphan)
	require.NoError(t, err)

	open := newExecution("BTC", domain.SideOpen, "1", "40000", base)
	open.SourceRowHash = "h-open"
	_, _, err = repo.InsertExecution(ctx, open)
	require.NoError(t, err)

	unmatched, err := repo.ListUnmatchedCloses(ctx)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, orphan.ID, unmatched[0].ID)
	assert.True(t, unmatched[0].RemainingQty.Equal(dec("1")))
}
