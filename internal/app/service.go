package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoJournal/config"
	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/lifecycle"
	"cryptoJournal/internal/matching"
	"cryptoJournal/internal/ports"
	"cryptoJournal/internal/projection"
	"cryptoJournal/pkg/id"
)

// LedgerRepository is the full storage surface the service needs.
type LedgerRepository interface {
	ports.ExecutionRepository
	ports.MatchRepository
	ports.TradeRepository
	ports.LifecycleRepository
	ports.RebuildRepository
	ports.ImportRepository
}

// LedgerService orchestrates the execution ledger: ingestion through the
// dedup gate, FIFO matching, lifecycle materialization and rebuilds.
//
// Concurrency: ingestion holds the read lock so multiple importers may run at
// once; shared inventory is protected by the per-plan guards in the
// repository. Rebuilds hold the write lock and therefore run exclusively, so
// no ingestion interleaves with a rebuild.
type LedgerService struct {
	cfg    *config.Config
	logger ports.Logger
	repo   LedgerRepository

	mu sync.RWMutex
}

// NewLedgerService creates a new application service instance.
func NewLedgerService(cfg *config.Config, logger ports.Logger, repo LedgerRepository) (*LedgerService, error) {
	if cfg == nil || logger == nil || repo == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for LedgerService", ports.ErrConfigurationError)
	}
	if cfg.MatchMaxRetries <= 0 {
		return nil, fmt.Errorf("%w: MatchMaxRetries must be positive", ports.ErrConfigurationError)
	}
	return &LedgerService{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
	}, nil
}

// Ingest passes one execution record through the dedup gate. A duplicate
// dedupe key is not an error: the existing id is returned with existed=true.
// Validation failures are rejected before any insert and never retried.
func (s *LedgerService) Ingest(ctx context.Context, exec *domain.Execution) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ingest(ctx, exec)
}

func (s *LedgerService) ingest(ctx context.Context, exec *domain.Execution) (int64, bool, error) {
	if exec.Source == "" {
		exec.Source = s.cfg.DefaultSource
	}
	if err := exec.Validate(); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ports.ErrValidation, err)
	}
	if exec.SourceRowHash == "" && exec.SourceExecutionID == "" {
		exec.SourceRowHash = exec.NaturalKey()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	execID, existed, err := s.repo.InsertExecution(ctx, exec)
	if err != nil {
		return 0, false, err
	}
	if existed {
		return execID, true, nil
	}

	// An OPEN starts a logical trade and emits its opened event immediately.
	if exec.Side == domain.SideOpen {
		trade := &domain.Trade{
			OpenExecutionID:  execID,
			Ticker:           exec.Ticker,
			Direction:        exec.Direction,
			OriginalQuantity: exec.Quantity,
			OpenQuantity:     exec.Quantity,
			AvgEntryPrice:    exec.Price,
			RealizedPnL:      decimal.Zero,
			ExitPrice:        decimal.Zero,
			OpenedAt:         exec.OccurredAt,
			CreatedAt:        exec.CreatedAt,
		}
		if _, err := s.repo.CreateTrade(ctx, trade); err != nil {
			return 0, false, err
		}
		err = s.repo.AppendLifecycleEvents(ctx, []*domain.LifecycleEvent{{
			TradeID:   trade.ID,
			Type:      domain.EventOpened,
			CreatedAt: trade.OpenedAt,
		}})
		if err != nil {
			return 0, false, err
		}
	}
	return execID, false, nil
}

// IngestAndMatch ingests one execution and, for a CLOSE, immediately runs the
// FIFO matcher against the open inventory of its (ticker, direction) group.
// Matching is driven from the CLOSE side only. An unmatched residual is a
// recorded condition, not an error.
func (s *LedgerService) IngestAndMatch(ctx context.Context, exec *domain.Execution) (int64, []*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execID, _, err := s.ingest(ctx, exec)
	if err != nil {
		return 0, nil, err
	}
	if exec.Side != domain.SideClose {
		return execID, nil, nil
	}

	// Re-matching a duplicate close is safe: the remaining quantity is
	// reconciled against stored matches before planning, so a fully matched
	// close yields an empty plan.
	matches, err := s.matchClose(ctx, exec)
	if err != nil {
		return 0, nil, err
	}
	return execID, matches, nil
}

// matchClose plans and applies FIFO matches for one CLOSE execution. When a
// concurrent matcher consumes planned inventory first the plan aborts with
// ErrStaleInventory and we re-plan from a fresh snapshot, bounded by
// MatchMaxRetries, instead of blocking on the contended rows.
func (s *LedgerService) matchClose(ctx context.Context, closeExec *domain.Execution) ([]*domain.Match, error) {
	for attempt := 0; attempt < s.cfg.MatchMaxRetries; attempt++ {
		matchedSoFar, err := s.repo.SumMatchedForClose(ctx, closeExec.ID)
		if err != nil {
			return nil, err
		}
		remaining := closeExec.Quantity.Sub(matchedSoFar)
		if !remaining.IsPositive() {
			return nil, nil // already fully matched; replay is a no-op
		}

		candidates, err := s.repo.FindOpenCandidates(ctx, closeExec.Ticker, closeExec.Direction)
		if err != nil {
			return nil, err
		}

		plan := matching.PlanClose(closeExec, remaining, candidates)
		if plan.IsNoop() {
			s.logger.Warn(ctx, "Unmatched close: no open inventory", map[string]interface{}{
				"executionID": closeExec.ID, "ticker": closeExec.Ticker,
				"direction": closeExec.Direction, "residual": plan.Leftover.String(),
			})
			return nil, nil
		}

		fullPlan, err := s.buildMatchPlan(ctx, closeExec, plan, candidates)
		if err != nil {
			return nil, err
		}

		matches, err := s.repo.ApplyMatchPlan(ctx, fullPlan)
		if errors.Is(err, ports.ErrStaleInventory) {
			s.logger.Debug(ctx, "Match plan went stale, re-planning", map[string]interface{}{
				"executionID": closeExec.ID, "attempt": attempt + 1,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		if plan.Leftover.IsPositive() {
			s.logger.Warn(ctx, "Unmatched close: inventory exhausted", map[string]interface{}{
				"executionID": closeExec.ID, "ticker": closeExec.Ticker, "residual": plan.Leftover.String(),
			})
		}
		return matches, nil
	}
	return nil, fmt.Errorf("matching close %d gave up after %d attempts: %w",
		closeExec.ID, s.cfg.MatchMaxRetries, ports.ErrStaleInventory)
}

// buildMatchPlan folds the planned allocations into trade aggregate updates
// and the lifecycle events they imply.
func (s *LedgerService) buildMatchPlan(ctx context.Context, closeExec *domain.Execution, plan *matching.Plan, candidates []*domain.Execution) (*ports.MatchPlan, error) {
	matchedAt := closeExec.OccurredAt // deterministic: rebuilds regenerate identical timestamps

	byID := make(map[int64]*domain.Execution, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	full := &ports.MatchPlan{
		CloseExecutionID: closeExec.ID,
		CloseRemaining:   plan.CloseRemaining,
		CloseLeftover:    plan.Leftover,
		ClosePrice:       closeExec.Price,
		MatchedAt:        matchedAt,
		Allocations:      plan.Allocations,
	}

	for _, alloc := range plan.Allocations {
		trade, err := s.repo.FindTradeByOpenExecution(ctx, alloc.OpenExecutionID)
		if err != nil {
			return nil, err
		}
		if trade == nil {
			// The OPEN predates trade tracking (or a crash split ingestion);
			// backfill the aggregate so the lifecycle stream stays complete.
			open, ok := byID[alloc.OpenExecutionID]
			if !ok {
				return nil, fmt.Errorf("open execution %d missing from candidates: %w",
					alloc.OpenExecutionID, ports.ErrReplayInconsistency)
			}
			trade = &domain.Trade{
				OpenExecutionID:  open.ID,
				Ticker:           open.Ticker,
				Direction:        open.Direction,
				OriginalQuantity: open.Quantity,
				OpenQuantity:     open.RemainingQty,
				AvgEntryPrice:    open.Price,
				RealizedPnL:      decimal.Zero,
				ExitPrice:        decimal.Zero,
				OpenedAt:         open.OccurredAt,
				CreatedAt:        time.Now().UTC(),
			}
			if _, err := s.repo.CreateTrade(ctx, trade); err != nil {
				return nil, err
			}
			if err := s.repo.AppendLifecycleEvents(ctx, []*domain.LifecycleEvent{{
				TradeID: trade.ID, Type: domain.EventOpened, CreatedAt: trade.OpenedAt,
			}}); err != nil {
				return nil, err
			}
		}
		if trade.IsClosed() {
			return nil, fmt.Errorf("trade %d already closed but open execution %d still has inventory: %w",
				trade.ID, alloc.OpenExecutionID, ports.ErrReplayInconsistency)
		}

		newOpenQty := trade.OpenQuantity.Sub(alloc.Quantity)
		if newOpenQty.IsNegative() {
			return nil, fmt.Errorf("allocation drives trade %d open quantity negative: %w",
				trade.ID, ports.ErrReplayInconsistency)
		}

		pnl := trade.RealizedPnL.Add(
			matching.RealizedDelta(trade.Direction, alloc.Quantity, alloc.OpenPrice, closeExec.Price))

		// Exit price is the quantity-weighted average of all closes so far.
		closedBefore := trade.OriginalQuantity.Sub(trade.OpenQuantity)
		closedNow := closedBefore.Add(alloc.Quantity)
		exit := trade.ExitPrice.Mul(closedBefore).Add(closeExec.Price.Mul(alloc.Quantity)).Div(closedNow)

		upd := ports.TradeUpdate{
			OpenExecutionID: alloc.OpenExecutionID,
			OpenQuantity:    newOpenQty,
			RealizedPnL:     pnl,
			ExitPrice:       exit,
		}
		event := &domain.LifecycleEvent{
			TradeID:   trade.ID,
			Type:      domain.EventPartialClose,
			CreatedAt: matchedAt,
		}
		if newOpenQty.IsZero() {
			upd.ClosedAt = matchedAt
			event.Type = domain.EventClosed
		}
		full.TradeUpdates = append(full.TradeUpdates, upd)
		full.Events = append(full.Events, event)
	}

	return full, nil
}

// PlanMatch previews the FIFO allocations a CLOSE execution would receive
// against the current open inventory, without committing anything. The close's
// remaining quantity is reconciled against stored matches first, so a fully
// matched close previews as a no-op.
func (s *LedgerService) PlanMatch(ctx context.Context, closeExecutionID int64) (*matching.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closeExec, err := s.repo.FindExecutionByID(ctx, closeExecutionID)
	if err != nil {
		return nil, err
	}
	if closeExec == nil {
		return nil, fmt.Errorf("execution %d: %w", closeExecutionID, ports.ErrNotFound)
	}
	if closeExec.Side != domain.SideClose {
		return nil, fmt.Errorf("%w: execution %d is not a CLOSE", ports.ErrValidation, closeExecutionID)
	}

	matchedSoFar, err := s.repo.SumMatchedForClose(ctx, closeExec.ID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.repo.FindOpenCandidates(ctx, closeExec.Ticker, closeExec.Direction)
	if err != nil {
		return nil, err
	}
	return matching.PlanClose(closeExec, closeExec.Quantity.Sub(matchedSoFar), candidates), nil
}

// RecordSummaryExit records a summary-only close on a trade with no
// execution-level detail, enabling the lifecycle fallback path. It is refused
// when the trade already has matches, since the match path always wins. The
// trade's OPEN inventory is released along with the exit, so later closes in
// the group match against fresh inventory only.
func (s *LedgerService) RecordSummaryExit(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, closedAt time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !exitPrice.IsPositive() {
		return fmt.Errorf("%w: exit price must be positive", ports.ErrValidation)
	}
	trades, err := s.repo.ListTrades(ctx)
	if err != nil {
		return err
	}
	var trade *domain.Trade
	for _, t := range trades {
		if t.ID == tradeID {
			trade = t
			break
		}
	}
	if trade == nil {
		return fmt.Errorf("trade %d: %w", tradeID, ports.ErrNotFound)
	}
	matches, err := s.repo.ListMatchesForOpen(ctx, trade.OpenExecutionID)
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return fmt.Errorf("trade %d has execution-level matches, summary exit refused: %w",
			tradeID, ports.ErrReplayInconsistency)
	}
	if err := s.repo.RecordSummaryExit(ctx, tradeID, exitPrice, closedAt); err != nil {
		return err
	}
	return s.repo.AppendLifecycleEvents(ctx, []*domain.LifecycleEvent{{
		TradeID: tradeID, Type: domain.EventClosed, CreatedAt: closedAt,
	}})
}

// RebuildLifecycle deterministically regenerates the lifecycle event stream
// from stored trades and matches. Runs exclusively. A match that would drive
// a trade's open quantity negative aborts the rebuild with nothing committed.
func (s *LedgerService) RebuildLifecycle(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades, err := s.repo.ListTrades(ctx)
	if err != nil {
		return 0, err
	}
	matches, err := s.repo.ListMatches(ctx)
	if err != nil {
		return 0, err
	}

	res, err := lifecycle.Materialize(trades, groupMatchesByOpen(matches))
	if err != nil {
		s.logger.Error(ctx, err, "Lifecycle rebuild aborted, derived state untouched")
		return 0, err
	}
	if err := s.repo.ReplaceLifecycleEvents(ctx, res.Events); err != nil {
		return 0, err
	}

	// Persist closures discovered during replay for summary fallback trades
	// whose closed_at was never written. Match-path trades are left to
	// RebuildAll, which regenerates their aggregates wholesale.
	for _, t := range trades {
		closedAt, ok := res.Closures[t.ID]
		if !ok || !t.ClosedAt.IsZero() || !t.HasRecordedExit() {
			continue
		}
		if err := s.repo.RecordSummaryExit(ctx, t.ID, t.ExitPrice, closedAt); err != nil {
			return 0, err
		}
	}

	s.logger.Info(ctx, "Lifecycle rebuilt", map[string]interface{}{"events": len(res.Events)})
	return len(res.Events), nil
}

// RebuildAll regenerates every piece of derived state (matches, trade
// aggregates and lifecycle events) from the immutable execution log, then
// swaps it in atomically. Replays are deterministic: running it twice with no
// new ingestion produces identical derived sets.
func (s *LedgerService) RebuildAll(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs, err := s.repo.ListExecutions(ctx)
	if err != nil {
		return 0, 0, err
	}
	trades, err := s.repo.ListTrades(ctx)
	if err != nil {
		return 0, 0, err
	}
	tradeByOpen := make(map[int64]*domain.Trade, len(trades))
	for _, t := range trades {
		tradeByOpen[t.OpenExecutionID] = t
	}

	// In-memory FIFO replay over copies; storage is untouched until the swap.
	type group struct{ opens []*domain.Execution }
	groups := make(map[string]*group)
	key := func(ticker string, d domain.Direction) string { return ticker + "|" + string(d) }

	remaining := make(map[int64]decimal.Decimal, len(execs))
	var rebuiltMatches []*domain.Match

	for _, e := range execs {
		replay := *e
		replay.RemainingQty = replay.Quantity
		remaining[e.ID] = replay.Quantity

		if replay.Side == domain.SideOpen {
			// Every OPEN must have a trade aggregate; backfill missing ones
			// before the swap so events have a trade to reference.
			if _, ok := tradeByOpen[e.ID]; !ok {
				trade := &domain.Trade{
					OpenExecutionID:  e.ID,
					Ticker:           e.Ticker,
					Direction:        e.Direction,
					OriginalQuantity: e.Quantity,
					OpenQuantity:     e.Quantity,
					AvgEntryPrice:    e.Price,
					RealizedPnL:      decimal.Zero,
					ExitPrice:        decimal.Zero,
					OpenedAt:         e.OccurredAt,
					CreatedAt:        time.Now().UTC(),
				}
				if _, err := s.repo.CreateTrade(ctx, trade); err != nil {
					return 0, 0, err
				}
				trades = append(trades, trade)
				tradeByOpen[e.ID] = trade
			}
			// A summary-closed trade's inventory is spoken for: keep it out of
			// the replay queue and its remaining quantity at zero.
			if tradeByOpen[e.ID].OrphanClose {
				remaining[e.ID] = decimal.Zero
				continue
			}
			g, ok := groups[key(e.Ticker, e.Direction)]
			if !ok {
				g = &group{}
				groups[key(e.Ticker, e.Direction)] = g
			}
			g.opens = append(g.opens, &replay)
			continue
		}

		g := groups[key(e.Ticker, e.Direction)]
		var candidates []*domain.Execution
		if g != nil {
			candidates = g.opens
		}
		plan := matching.PlanClose(&replay, replay.Quantity, candidates)
		for _, alloc := range plan.Allocations {
			for _, open := range candidates {
				if open.ID == alloc.OpenExecutionID {
					open.RemainingQty = open.RemainingQty.Sub(alloc.Quantity)
					remaining[open.ID] = open.RemainingQty
					break
				}
			}
			rebuiltMatches = append(rebuiltMatches, &domain.Match{
				OpenExecutionID:  alloc.OpenExecutionID,
				CloseExecutionID: replay.ID,
				MatchedQuantity:  alloc.Quantity,
				Price:            replay.Price,
				CreatedAt:        replay.OccurredAt,
			})
		}
		remaining[e.ID] = plan.Leftover
	}

	matchesByOpen := groupMatchesByOpen(rebuiltMatches)

	// Recompute trade aggregates from the regenerated matches.
	execByID := make(map[int64]*domain.Execution, len(execs))
	for _, e := range execs {
		execByID[e.ID] = e
	}
	for _, trade := range trades {
		ms := matchesByOpen[trade.OpenExecutionID]
		if len(ms) == 0 {
			// Summary-only trades keep their recorded exit; everything else
			// resets to fully open.
			if !trade.OrphanClose {
				trade.OpenQuantity = trade.OriginalQuantity
				trade.RealizedPnL = decimal.Zero
				trade.ExitPrice = decimal.Zero
				trade.ClosedAt = time.Time{}
			}
			continue
		}
		open := execByID[trade.OpenExecutionID]
		if open == nil {
			return 0, 0, fmt.Errorf("trade %d references missing execution %d: %w",
				trade.ID, trade.OpenExecutionID, ports.ErrReplayInconsistency)
		}
		openQty := trade.OriginalQuantity
		pnl := decimal.Zero
		closedQty := decimal.Zero
		weightedExit := decimal.Zero
		var closedAt time.Time
		for _, m := range ms {
			openQty = openQty.Sub(m.MatchedQuantity)
			if openQty.IsNegative() {
				return 0, 0, fmt.Errorf("rebuilt match overconsumes trade %d: %w",
					trade.ID, ports.ErrReplayInconsistency)
			}
			pnl = pnl.Add(matching.RealizedDelta(trade.Direction, m.MatchedQuantity, open.Price, m.Price))
			closedQty = closedQty.Add(m.MatchedQuantity)
			weightedExit = weightedExit.Add(m.Price.Mul(m.MatchedQuantity))
			if openQty.IsZero() && closedAt.IsZero() {
				closedAt = m.CreatedAt
			}
		}
		trade.OpenQuantity = openQty
		trade.RealizedPnL = pnl
		trade.ExitPrice = weightedExit.Div(closedQty)
		trade.ClosedAt = closedAt
		trade.OrphanClose = false
	}

	res, err := lifecycle.Materialize(trades, matchesByOpen)
	if err != nil {
		s.logger.Error(ctx, err, "Full rebuild aborted, derived state untouched")
		return 0, 0, err
	}

	if err := s.repo.SwapDerivedState(ctx, remaining, rebuiltMatches, trades, res.Events); err != nil {
		return 0, 0, err
	}
	return len(rebuiltMatches), len(res.Events), nil
}

// --- Read-side queries ---

// Positions projects per-(ticker, direction) open quantity, average entry and
// realized P&L from the current executions and matches.
func (s *LedgerService) Positions(ctx context.Context) ([]projection.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execs, err := s.repo.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := s.repo.ListMatches(ctx)
	if err != nil {
		return nil, err
	}
	return projection.Project(execs, matches), nil
}

// Executions lists the full execution log in (occurred_at, id) order.
func (s *LedgerService) Executions(ctx context.Context) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo.ListExecutions(ctx)
}

// UnmatchedCloses lists CLOSE executions with residual unmatched quantity.
func (s *LedgerService) UnmatchedCloses(ctx context.Context) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo.ListUnmatchedCloses(ctx)
}

// Trades lists all trade aggregates.
func (s *LedgerService) Trades(ctx context.Context) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo.ListTrades(ctx)
}

// LifecycleEvents lists one trade's event stream in order.
func (s *LedgerService) LifecycleEvents(ctx context.Context, tradeID int64) ([]*domain.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo.ListLifecycleEventsForTrade(ctx, tradeID)
}

// ValidateLifecycles checks every trade's stream against the grammar
// opened (partial_close)* closed?.
func (s *LedgerService) ValidateLifecycles(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, err := s.repo.ListLifecycleEvents(ctx)
	if err != nil {
		return err
	}
	byTrade := make(map[int64][]*domain.LifecycleEvent)
	var order []int64
	for _, ev := range events {
		if _, ok := byTrade[ev.TradeID]; !ok {
			order = append(order, ev.TradeID)
		}
		byTrade[ev.TradeID] = append(byTrade[ev.TradeID], ev)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, tradeID := range order {
		if err := lifecycle.ValidateStream(byTrade[tradeID]); err != nil {
			return err
		}
	}
	return nil
}

// RegisterImport registers a source file before row ingestion. Returns the
// batch id to tag the session with; existed=true means the file hash was
// already imported and the caller should skip it.
func (s *LedgerService) RegisterImport(ctx context.Context, filename, fileHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file := &domain.ImportedFile{
		BatchID:    id.New(),
		Filename:   filename,
		FileHash:   fileHash,
		ImportedAt: time.Now().UTC(),
	}
	_, existed, err := s.repo.RecordImportedFile(ctx, file)
	if err != nil {
		return "", false, err
	}
	return file.BatchID, existed, nil
}

func groupMatchesByOpen(matches []*domain.Match) map[int64][]*domain.Match {
	byOpen := make(map[int64][]*domain.Match)
	for _, m := range matches {
		byOpen[m.OpenExecutionID] = append(byOpen[m.OpenExecutionID], m)
	}
	return byOpen
}
