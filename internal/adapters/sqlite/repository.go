package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/ports"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ledger repository ports using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for SQLite repository", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/journal.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("%w: failed to create data directory '%s': %v", ports.ErrDBConnection, filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL for concurrent readers; immediate transactions so writers take the
	// write lock up front instead of deadlocking on upgrade mid-transaction.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Ledger schema initialized", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
//
// Quantities and prices are stored as canonical decimal strings and all
// arithmetic and comparisons happen in Go; SQL never does float math on them.
// matches and lifecycle_events deliberately use plain INTEGER PRIMARY KEY
// (no AUTOINCREMENT): both tables are deleted and regenerated wholesale by
// rebuilds, and without AUTOINCREMENT SQLite restarts ids after a full delete,
// which keeps consecutive rebuilds byte-identical.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		source_filename TEXT DEFAULT NULL,
		source_rowhash TEXT DEFAULT NULL,
		source_execution_id TEXT DEFAULT NULL,
		ticker TEXT NOT NULL,
		direction TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		remaining_qty TEXT NOT NULL,
		price TEXT NOT NULL,
		fee TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS matches (
		id INTEGER PRIMARY KEY,
		open_execution_id INTEGER NOT NULL,
		close_execution_id INTEGER NOT NULL,
		matched_quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		open_execution_id INTEGER NOT NULL UNIQUE,
		ticker TEXT NOT NULL,
		direction TEXT NOT NULL,
		original_quantity TEXT NOT NULL,
		open_quantity TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		orphan_close INTEGER NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY,
		trade_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_hash TEXT NOT NULL UNIQUE,
		imported_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uniq_executions_rowhash
		ON executions (source, source_filename, source_rowhash)
		WHERE source_rowhash IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_executions_source_exec
		ON executions (source, source_execution_id)
		WHERE source_execution_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_executions_group ON executions (ticker, direction, side);
	CREATE INDEX IF NOT EXISTS idx_matches_open ON matches (open_execution_id);
	CREATE INDEX IF NOT EXISTS idx_matches_close ON matches (close_execution_id);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_trade ON lifecycle_events (trade_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- ExecutionRepository Implementation ---

// InsertExecution inserts a new execution with remaining_qty = quantity.
// Re-ingesting a row with a dedupe key that already exists returns the
// existing id with existed=true and writes nothing.
func (r *Repository) InsertExecution(ctx context.Context, exec *domain.Execution) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := findDuplicate(ctx, tx, exec)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		r.logger.Debug(ctx, "Duplicate execution ignored", map[string]interface{}{
			"executionID": existing.ID, "ticker": existing.Ticker, "rowhash": existing.SourceRowHash,
		})
		*exec = *existing
		return existing.ID, true, nil
	}

	const query = `
	INSERT INTO executions (source, source_filename, source_rowhash, source_execution_id,
	                        ticker, direction, side, quantity, remaining_qty, price, fee,
	                        occurred_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := tx.ExecContext(ctx, query,
		exec.Source, nullString(exec.SourceFilename), nullString(exec.SourceRowHash),
		nullString(exec.SourceExecutionID), exec.Ticker, string(exec.Direction), string(exec.Side),
		exec.Quantity.String(), exec.Quantity.String(), exec.Price.String(), exec.Fee.String(),
		exec.OccurredAt, exec.CreatedAt)
	if err != nil {
		// A unique-index hit here means another writer inserted the same dedupe
		// key after our lookup; surface it as the duplicate it is.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, false, fmt.Errorf("execution with dedupe key already inserted: %w", ports.ErrDuplicateEntry)
		}
		return 0, false, fmt.Errorf("failed to insert execution for ticker %s: %w", exec.Ticker, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last insert ID for execution %s: %w", exec.Ticker, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit execution insert: %w", err)
	}

	exec.ID = id
	exec.RemainingQty = exec.Quantity
	r.logger.Debug(ctx, "Execution ingested", map[string]interface{}{
		"executionID": id, "ticker": exec.Ticker, "side": exec.Side, "quantity": exec.Quantity.String(),
	})
	return id, false, nil
}

// findDuplicate looks up an existing row by either dedupe key. The row hash
// key takes precedence, mirroring the ingestion contract.
func findDuplicate(ctx context.Context, tx *sql.Tx, exec *domain.Execution) (*domain.Execution, error) {
	if exec.SourceRowHash != "" {
		row := tx.QueryRowContext(ctx, selectExecution+`
			WHERE source = ? AND COALESCE(source_filename, '') = ? AND source_rowhash = ?`,
			exec.Source, exec.SourceFilename, exec.SourceRowHash)
		existing, err := scanExecution(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query execution by rowhash: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	if exec.SourceExecutionID != "" {
		row := tx.QueryRowContext(ctx, selectExecution+`
			WHERE source = ? AND source_execution_id = ?`,
			exec.Source, exec.SourceExecutionID)
		existing, err := scanExecution(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query execution by source execution id: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, nil
}

// FindExecutionByID retrieves an execution by its unique ID.
func (r *Repository) FindExecutionByID(ctx context.Context, id int64) (*domain.Execution, error) {
	row := r.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query execution by ID %d: %w", id, err)
	}
	return exec, nil
}

// FindOpenCandidates retrieves OPEN executions with remaining inventory for
// the given group, ordered by (occurred_at ASC, id ASC). The remaining_qty
// filter happens in Go so the comparison stays exact.
func (r *Repository) FindOpenCandidates(ctx context.Context, ticker string, direction domain.Direction) ([]*domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, selectExecution+`
		WHERE ticker = ? AND direction = ? AND side = ?
		ORDER BY occurred_at ASC, id ASC`,
		ticker, string(direction), string(domain.SideOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open candidates for %s %s: %w", ticker, direction, err)
	}
	defer rows.Close()

	candidates := make([]*domain.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan open candidate: %w", err)
		}
		if exec.RemainingQty.IsPositive() {
			candidates = append(candidates, exec)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open candidates: %w", err)
	}
	return candidates, nil
}

// SumMatchedForClose sums matched quantity over all matches consuming the
// given CLOSE execution. Summation happens in Go over exact decimals.
func (r *Repository) SumMatchedForClose(ctx context.Context, closeExecutionID int64) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT matched_quantity FROM matches WHERE close_execution_id = ?`, closeExecutionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query matches for close %d: %w", closeExecutionID, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan matched quantity: %w", err)
		}
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt matched_quantity %q: %w", raw, err)
		}
		total = total.Add(qty)
	}
	if err = rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating matched quantities: %w", err)
	}
	return total, nil
}

// ListExecutions retrieves the full log ordered by (occurred_at, id).
func (r *Repository) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, selectExecution+` ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListUnmatchedCloses retrieves CLOSE executions that still carry residual
// quantity: the recorded "orphan close" condition.
func (r *Repository) ListUnmatchedCloses(ctx context.Context) ([]*domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, selectExecution+`
		WHERE side = ? ORDER BY occurred_at ASC, id ASC`, string(domain.SideClose))
	if err != nil {
		return nil, fmt.Errorf("failed to query close executions: %w", err)
	}
	defer rows.Close()

	all, err := collectExecutions(rows)
	if err != nil {
		return nil, err
	}
	unmatched := make([]*domain.Execution, 0)
	for _, exec := range all {
		if exec.RemainingQty.IsPositive() {
			unmatched = append(unmatched, exec)
		}
	}
	return unmatched, nil
}

// --- MatchRepository Implementation ---

// ApplyMatchPlan commits one match plan as a single transaction: match
// inserts, remaining_qty decrements on both sides, trade aggregate updates and
// lifecycle appends. Each decrement re-reads the row inside the write
// transaction and compares it against the guard captured at planning time; a
// mismatch means a concurrent matcher consumed the inventory first, and the
// whole plan aborts with ErrStaleInventory so the caller can re-plan instead
// of blocking.
func (r *Repository) ApplyMatchPlan(ctx context.Context, plan *ports.MatchPlan) ([]*domain.Match, error) {
	if len(plan.Allocations) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin match transaction: %w", err)
	}
	defer tx.Rollback()

	// Consume the OPEN side.
	for _, alloc := range plan.Allocations {
		newRemaining := alloc.OpenRemaining.Sub(alloc.Quantity)
		if newRemaining.IsNegative() {
			return nil, fmt.Errorf("%w: allocation of %s exceeds open %d remaining %s",
				ports.ErrReplayInconsistency, alloc.Quantity, alloc.OpenExecutionID, alloc.OpenRemaining)
		}
		if err := decrementRemaining(ctx, tx, alloc.OpenExecutionID, alloc.OpenRemaining, newRemaining); err != nil {
			return nil, err
		}
	}

	// Consume the CLOSE side.
	if err := decrementRemaining(ctx, tx, plan.CloseExecutionID, plan.CloseRemaining, plan.CloseLeftover); err != nil {
		return nil, err
	}

	// Record the matches.
	matches := make([]*domain.Match, 0, len(plan.Allocations))
	for _, alloc := range plan.Allocations {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO matches (open_execution_id, close_execution_id, matched_quantity, price, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			alloc.OpenExecutionID, plan.CloseExecutionID, alloc.Quantity.String(),
			plan.ClosePrice.String(), plan.MatchedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert match for close %d: %w", plan.CloseExecutionID, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get match insert ID: %w", err)
		}
		matches = append(matches, &domain.Match{
			ID:               id,
			OpenExecutionID:  alloc.OpenExecutionID,
			CloseExecutionID: plan.CloseExecutionID,
			MatchedQuantity:  alloc.Quantity,
			Price:            plan.ClosePrice,
			CreatedAt:        plan.MatchedAt,
		})
	}

	// Fold the consumption into the touched trade aggregates.
	for _, upd := range plan.TradeUpdates {
		var closedAt sql.NullTime
		if !upd.ClosedAt.IsZero() {
			closedAt = sql.NullTime{Time: upd.ClosedAt, Valid: true}
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE trades SET open_quantity = ?, realized_pnl = ?, exit_price = ?, closed_at = ?
			WHERE open_execution_id = ?`,
			upd.OpenQuantity.String(), upd.RealizedPnL.String(), upd.ExitPrice.String(),
			closedAt, upd.OpenExecutionID)
		if err != nil {
			return nil, fmt.Errorf("failed to update trade for open %d: %w", upd.OpenExecutionID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected for trade update: %w", err)
		}
		if affected == 0 {
			return nil, fmt.Errorf("trade for open execution %d not found: %w", upd.OpenExecutionID, ports.ErrNotFound)
		}
	}

	if err := insertEvents(ctx, tx, plan.Events); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit match plan for close %d: %w", plan.CloseExecutionID, err)
	}
	r.logger.Debug(ctx, "Match plan applied", map[string]interface{}{
		"closeExecutionID": plan.CloseExecutionID, "matches": len(matches), "leftover": plan.CloseLeftover.String(),
	})
	return matches, nil
}

// decrementRemaining writes the new remaining quantity after verifying the
// row still holds the value observed at planning time.
func decrementRemaining(ctx context.Context, tx *sql.Tx, executionID int64, expected, newValue decimal.Decimal) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT remaining_qty FROM executions WHERE id = ?`, executionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %d vanished during match: %w", executionID, ports.ErrNotFound)
		}
		return fmt.Errorf("failed to read remaining_qty for execution %d: %w", executionID, err)
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("corrupt remaining_qty %q on execution %d: %w", raw, executionID, err)
	}
	if !current.Equal(expected) {
		return fmt.Errorf("execution %d remaining %s, expected %s: %w",
			executionID, current, expected, ports.ErrStaleInventory)
	}
	_, err = tx.ExecContext(ctx, `UPDATE executions SET remaining_qty = ? WHERE id = ?`,
		newValue.String(), executionID)
	if err != nil {
		return fmt.Errorf("failed to decrement remaining_qty for execution %d: %w", executionID, err)
	}
	return nil
}

// ListMatches retrieves all matches ordered by (created_at, id).
func (r *Repository) ListMatches(ctx context.Context) ([]*domain.Match, error) {
	rows, err := r.db.QueryContext(ctx, selectMatch+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// ListMatchesForOpen retrieves the matches consuming one OPEN execution.
func (r *Repository) ListMatchesForOpen(ctx context.Context, openExecutionID int64) ([]*domain.Match, error) {
	rows, err := r.db.QueryContext(ctx, selectMatch+`
		WHERE open_execution_id = ? ORDER BY created_at ASC, id ASC`, openExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches for open %d: %w", openExecutionID, err)
	}
	defer rows.Close()
	return collectMatches(rows)
}

// --- TradeRepository Implementation ---

// CreateTrade saves a new trade aggregate and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (open_execution_id, ticker, direction, original_quantity, open_quantity,
	                    avg_entry_price, realized_pnl, exit_price, orphan_close, opened_at, closed_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var closedAt sql.NullTime
	if !trade.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: trade.ClosedAt, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.OpenExecutionID, trade.Ticker, string(trade.Direction),
		trade.OriginalQuantity.String(), trade.OpenQuantity.String(), trade.AvgEntryPrice.String(),
		trade.RealizedPnL.String(), trade.ExitPrice.String(), trade.OrphanClose,
		trade.OpenedAt, closedAt, trade.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for open %d: %w", trade.OpenExecutionID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade: %w", err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "ticker": trade.Ticker})
	return id, nil
}

// FindTradeByOpenExecution retrieves the trade keyed by an OPEN execution.
func (r *Repository) FindTradeByOpenExecution(ctx context.Context, openExecutionID int64) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, selectTrade+` WHERE open_execution_id = ?`, openExecutionID)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade for open %d: %w", openExecutionID, err)
	}
	return trade, nil
}

// ListTrades retrieves all trades ordered by id ascending (rebuild order).
func (r *Repository) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, selectTrade+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// RecordSummaryExit records an external, summary-only exit on a trade. Used
// when a close is known only at summary level, with no execution detail; the
// lifecycle fallback path then emits opened/closed from these fields.
//
// The trade's OPEN execution has its remaining quantity zeroed in the same
// transaction: the summary close accounts for that inventory, so the FIFO
// queue must never offer it to later closes.
func (r *Repository) RecordSummaryExit(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, closedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin summary exit transaction: %w", err)
	}
	defer tx.Rollback()

	var openExecID int64
	err = tx.QueryRowContext(ctx,
		`SELECT open_execution_id FROM trades WHERE id = ? AND closed_at IS NULL`, tradeID).Scan(&openExecID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trade %d not found or already closed: %w", tradeID, ports.ErrUpdateFailed)
		}
		return fmt.Errorf("failed to query trade %d for summary exit: %w", tradeID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, closed_at = ?, orphan_close = 1, open_quantity = '0'
		WHERE id = ?`,
		exitPrice.String(), closedAt, tradeID)
	if err != nil {
		return fmt.Errorf("failed to record summary exit for trade %d: %w", tradeID, err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE executions SET remaining_qty = '0' WHERE id = ?`, openExecID)
	if err != nil {
		return fmt.Errorf("failed to release inventory for execution %d: %w", openExecID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary exit for trade %d: %w", tradeID, err)
	}
	return nil
}

// --- LifecycleRepository Implementation ---

// AppendLifecycleEvents appends events emitted during ingestion.
func (r *Repository) AppendLifecycleEvents(ctx context.Context, events []*domain.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event append transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceLifecycleEvents atomically swaps the entire derived event set. The
// delete and the inserts share one transaction, so concurrent readers never
// observe an empty stream.
func (r *Repository) ReplaceLifecycleEvents(ctx context.Context, events []*domain.LifecycleEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event swap transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lifecycle_events`); err != nil {
		return fmt.Errorf("failed to clear lifecycle events: %w", err)
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lifecycle swap: %w", err)
	}
	r.logger.Debug(ctx, "Lifecycle events replaced", map[string]interface{}{"count": len(events)})
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*domain.LifecycleEvent) error {
	for _, ev := range events {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_events (trade_id, event_type, created_at) VALUES (?, ?, ?)`,
			ev.TradeID, string(ev.Type), ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert lifecycle event for trade %d: %w", ev.TradeID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			ev.ID = id
		}
	}
	return nil
}

// ListLifecycleEvents retrieves all events in stream order.
func (r *Repository) ListLifecycleEvents(ctx context.Context) ([]*domain.LifecycleEvent, error) {
	rows, err := r.db.QueryContext(ctx, selectEvent+` ORDER BY trade_id ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListLifecycleEventsForTrade retrieves one trade's stream in order.
func (r *Repository) ListLifecycleEventsForTrade(ctx context.Context, tradeID int64) ([]*domain.LifecycleEvent, error) {
	rows, err := r.db.QueryContext(ctx, selectEvent+`
		WHERE trade_id = ? ORDER BY created_at ASC, id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events for trade %d: %w", tradeID, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// --- RebuildRepository Implementation ---

// SwapDerivedState atomically replaces all derived state: matches, trade
// aggregates and lifecycle events, plus every execution's remaining quantity.
// A crash mid-rebuild leaves the previous derived state fully intact.
func (r *Repository) SwapDerivedState(ctx context.Context, remaining map[int64]decimal.Decimal, matches []*domain.Match, trades []*domain.Trade, events []*domain.LifecycleEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches`); err != nil {
		return fmt.Errorf("failed to clear matches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lifecycle_events`); err != nil {
		return fmt.Errorf("failed to clear lifecycle events: %w", err)
	}

	for id, qty := range remaining {
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET remaining_qty = ? WHERE id = ?`,
			qty.String(), id); err != nil {
			return fmt.Errorf("failed to reset remaining_qty for execution %d: %w", id, err)
		}
	}

	for _, m := range matches {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO matches (open_execution_id, close_execution_id, matched_quantity, price, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			m.OpenExecutionID, m.CloseExecutionID, m.MatchedQuantity.String(), m.Price.String(), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert rebuilt match: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			m.ID = id
		}
	}

	for _, trade := range trades {
		var closedAt sql.NullTime
		if !trade.ClosedAt.IsZero() {
			closedAt = sql.NullTime{Time: trade.ClosedAt, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE trades SET open_quantity = ?, avg_entry_price = ?, realized_pnl = ?, exit_price = ?, orphan_close = ?, closed_at = ?
			WHERE id = ?`,
			trade.OpenQuantity.String(), trade.AvgEntryPrice.String(), trade.RealizedPnL.String(),
			trade.ExitPrice.String(), trade.OrphanClose, closedAt, trade.ID)
		if err != nil {
			return fmt.Errorf("failed to update rebuilt trade %d: %w", trade.ID, err)
		}
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	r.logger.Info(ctx, "Derived state rebuilt", map[string]interface{}{
		"matches": len(matches), "events": len(events), "trades": len(trades),
	})
	return nil
}

// --- ImportRepository Implementation ---

// RecordImportedFile registers a source file. An already imported hash is a
// no-op returning the prior registration's id.
func (r *Repository) RecordImportedFile(ctx context.Context, file *domain.ImportedFile) (int64, bool, error) {
	existing, err := r.FindImportedFileByHash(ctx, file.FileHash)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		*file = *existing
		return existing.ID, true, nil
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO imported_files (batch_id, filename, file_hash, imported_at) VALUES (?, ?, ?, ?)`,
		file.BatchID, file.Filename, file.FileHash, file.ImportedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, false, fmt.Errorf("file %s already registered: %w", file.Filename, ports.ErrDuplicateEntry)
		}
		return 0, false, fmt.Errorf("failed to record imported file %s: %w", file.Filename, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last insert ID for imported file: %w", err)
	}
	file.ID = id
	return id, false, nil
}

// FindImportedFileByHash retrieves a registration by file hash.
func (r *Repository) FindImportedFileByHash(ctx context.Context, fileHash string) (*domain.ImportedFile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, batch_id, filename, file_hash, imported_at FROM imported_files WHERE file_hash = ?`,
		fileHash)
	file := &domain.ImportedFile{}
	err := row.Scan(&file.ID, &file.BatchID, &file.Filename, &file.FileHash, &file.ImportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query imported file by hash: %w", err)
	}
	return file, nil
}

// --- Helper Scan Functions ---

const selectExecution = `
	SELECT id, source, COALESCE(source_filename, ''), COALESCE(source_rowhash, ''),
	       COALESCE(source_execution_id, ''), ticker, direction, side, quantity,
	       remaining_qty, price, fee, occurred_at, created_at
	FROM executions`

const selectMatch = `
	SELECT id, open_execution_id, close_execution_id, matched_quantity, price, created_at
	FROM matches`

const selectTrade = `
	SELECT id, open_execution_id, ticker, direction, original_quantity, open_quantity,
	       avg_entry_price, realized_pnl, exit_price, orphan_close, opened_at, closed_at, created_at
	FROM trades`

const selectEvent = `
	SELECT id, trade_id, event_type, created_at
	FROM lifecycle_events`

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(s scanner) (*domain.Execution, error) {
	e := &domain.Execution{}
	var direction, side, quantity, remaining, price, fee string
	err := s.Scan(
		&e.ID, &e.Source, &e.SourceFilename, &e.SourceRowHash, &e.SourceExecutionID,
		&e.Ticker, &direction, &side, &quantity, &remaining, &price, &fee,
		&e.OccurredAt, &e.CreatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	e.Direction = domain.Direction(direction)
	e.Side = domain.Side(side)
	if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantity, err)
	}
	if e.RemainingQty, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("corrupt remaining_qty %q: %w", remaining, err)
	}
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price %q: %w", price, err)
	}
	if e.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("corrupt fee %q: %w", fee, err)
	}
	return e, nil
}

func scanMatch(s scanner) (*domain.Match, error) {
	m := &domain.Match{}
	var quantity, price string
	err := s.Scan(&m.ID, &m.OpenExecutionID, &m.CloseExecutionID, &quantity, &price, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if m.MatchedQuantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt matched_quantity %q: %w", quantity, err)
	}
	if m.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt match price %q: %w", price, err)
	}
	return m, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var direction, original, open, avgEntry, pnl, exit string
	var closedAt sql.NullTime
	err := s.Scan(
		&t.ID, &t.OpenExecutionID, &t.Ticker, &direction, &original, &open,
		&avgEntry, &pnl, &exit, &t.OrphanClose, &t.OpenedAt, &closedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	if t.OriginalQuantity, err = decimal.NewFromString(original); err != nil {
		return nil, fmt.Errorf("corrupt original_quantity %q: %w", original, err)
	}
	if t.OpenQuantity, err = decimal.NewFromString(open); err != nil {
		return nil, fmt.Errorf("corrupt open_quantity %q: %w", open, err)
	}
	if t.AvgEntryPrice, err = decimal.NewFromString(avgEntry); err != nil {
		return nil, fmt.Errorf("corrupt avg_entry_price %q: %w", avgEntry, err)
	}
	if t.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("corrupt realized_pnl %q: %w", pnl, err)
	}
	if t.ExitPrice, err = decimal.NewFromString(exit); err != nil {
		return nil, fmt.Errorf("corrupt exit_price %q: %w", exit, err)
	}
	return t, nil
}

func collectExecutions(rows *sql.Rows) ([]*domain.Execution, error) {
	execs := make([]*domain.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

func collectMatches(rows *sql.Rows) ([]*domain.Match, error) {
	matches := make([]*domain.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	return matches, nil
}

func collectEvents(rows *sql.Rows) ([]*domain.LifecycleEvent, error) {
	events := make([]*domain.LifecycleEvent, 0)
	for rows.Next() {
		ev := &domain.LifecycleEvent{}
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.TradeID, &eventType, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		ev.Type = domain.EventType(eventType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lifecycle events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
