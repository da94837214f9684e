package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptoJournal/internal/domain"
)

// MatchAllocation describes one planned consumption of OPEN inventory. The
// OpenRemaining field carries the remaining quantity observed at planning time
// and acts as a compare-and-swap guard when the plan is applied: if a
// concurrent matcher consumed the row in between, the application fails with
// ErrStaleInventory instead of blocking.
type MatchAllocation struct {
	OpenExecutionID int64
	OpenRemaining   decimal.Decimal // Remaining before consumption (CAS guard)
	OpenPrice       decimal.Decimal
	Quantity        decimal.Decimal // Consumed from this OPEN, always > 0
}

// TradeUpdate carries the new aggregate values for one trade touched by a
// match plan. Values are absolute, computed by the caller from the planned
// allocations.
type TradeUpdate struct {
	OpenExecutionID int64
	OpenQuantity    decimal.Decimal
	RealizedPnL     decimal.Decimal
	ExitPrice       decimal.Decimal
	ClosedAt        time.Time // Zero unless the trade reaches zero open quantity
}

// MatchPlan is the full, atomic unit of work produced for one CLOSE execution:
// match inserts, remaining_qty decrements on both sides, trade aggregate
// updates, and the lifecycle events those updates imply. The repository must
// commit all of it in one transaction or none of it.
type MatchPlan struct {
	CloseExecutionID int64
	CloseRemaining   decimal.Decimal // Remaining before matching (CAS guard)
	CloseLeftover    decimal.Decimal // Unmatched residual after all allocations
	ClosePrice       decimal.Decimal // Recorded on each match row
	MatchedAt        time.Time       // created_at for the new match rows
	Allocations      []MatchAllocation
	TradeUpdates     []TradeUpdate
	Events           []*domain.LifecycleEvent
}

// ExecutionRepository stores and retrieves the immutable execution log.
type ExecutionRepository interface {
	// InsertExecution inserts a new execution with RemainingQty = Quantity.
	// If a row with the same dedupe key already exists, the existing row is
	// returned with existed=true and nothing is written.
	InsertExecution(ctx context.Context, exec *domain.Execution) (id int64, existed bool, err error)
	// FindExecutionByID retrieves one execution. Returns nil, nil if not found.
	FindExecutionByID(ctx context.Context, id int64) (*domain.Execution, error)
	// FindOpenCandidates retrieves OPEN executions with remaining quantity for
	// the given (ticker, direction), ordered by (occurred_at ASC, id ASC).
	FindOpenCandidates(ctx context.Context, ticker string, direction domain.Direction) ([]*domain.Execution, error)
	// SumMatchedForClose sums matched_quantity over matches consuming the
	// given CLOSE execution, used to reconcile a stale RemainingQty.
	SumMatchedForClose(ctx context.Context, closeExecutionID int64) (decimal.Decimal, error)
	// ListExecutions retrieves the full log ordered by (occurred_at, id).
	ListExecutions(ctx context.Context) ([]*domain.Execution, error)
	// ListUnmatchedCloses retrieves CLOSE executions with residual quantity.
	ListUnmatchedCloses(ctx context.Context) ([]*domain.Execution, error)
}

// MatchRepository stores derived match rows and applies match plans.
type MatchRepository interface {
	// ApplyMatchPlan commits one plan atomically. Returns the created matches.
	// Fails with ErrStaleInventory (nothing committed) when any CAS guard in
	// the plan no longer holds.
	ApplyMatchPlan(ctx context.Context, plan *MatchPlan) ([]*domain.Match, error)
	// ListMatches retrieves all matches ordered by (created_at, id).
	ListMatches(ctx context.Context) ([]*domain.Match, error)
	// ListMatchesForOpen retrieves matches consuming one OPEN execution,
	// ordered by (created_at, id).
	ListMatchesForOpen(ctx context.Context, openExecutionID int64) ([]*domain.Match, error)
}

// TradeRepository stores per-OPEN trade aggregates.
type TradeRepository interface {
	// CreateTrade saves a new trade and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindTradeByOpenExecution retrieves the trade for an OPEN execution.
	// Returns nil, nil if not found.
	FindTradeByOpenExecution(ctx context.Context, openExecutionID int64) (*domain.Trade, error)
	// ListTrades retrieves all trades ordered by id ascending.
	ListTrades(ctx context.Context) ([]*domain.Trade, error)
	// RecordSummaryExit records an external, summary-only exit on a trade that
	// has no execution-level close detail.
	RecordSummaryExit(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, closedAt time.Time) error
}

// LifecycleRepository stores the derived lifecycle event stream.
type LifecycleRepository interface {
	// AppendLifecycleEvents appends events emitted during ingestion.
	AppendLifecycleEvents(ctx context.Context, events []*domain.LifecycleEvent) error
	// ReplaceLifecycleEvents atomically swaps the entire derived event set.
	ReplaceLifecycleEvents(ctx context.Context, events []*domain.LifecycleEvent) error
	// ListLifecycleEvents retrieves all events ordered by (trade_id, created_at, id).
	ListLifecycleEvents(ctx context.Context) ([]*domain.LifecycleEvent, error)
	// ListLifecycleEventsForTrade retrieves one trade's stream in order.
	ListLifecycleEventsForTrade(ctx context.Context, tradeID int64) ([]*domain.LifecycleEvent, error)
}

// RebuildRepository supports full derived-state regeneration.
type RebuildRepository interface {
	// SwapDerivedState atomically replaces all matches, trade aggregates and
	// lifecycle events, and resets every execution's remaining quantity to the
	// supplied values. Either everything commits or nothing does.
	SwapDerivedState(ctx context.Context, remaining map[int64]decimal.Decimal, matches []*domain.Match, trades []*domain.Trade, events []*domain.LifecycleEvent) error
}

// ImportRepository tracks source files accepted by importers.
type ImportRepository interface {
	// RecordImportedFile registers a file. Returns existed=true when the hash
	// was already imported; the registration is then a no-op.
	RecordImportedFile(ctx context.Context, file *domain.ImportedFile) (id int64, existed bool, err error)
	// FindImportedFileByHash retrieves a registration. Returns nil, nil if not found.
	FindImportedFileByHash(ctx context.Context, fileHash string) (*domain.ImportedFile, error)
}
