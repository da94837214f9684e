// Package lifecycle rebuilds the derived trade event stream. The replay is
// deterministic and idempotent: given the same trades and matches it always
// produces the same events, so a rebuild can atomically replace the stored
// stream at any time.
package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"cryptoJournal/internal/domain"
	"cryptoJournal/internal/ports"
)

// Result carries the full regenerated event stream plus the trade closures
// discovered while replaying, keyed by trade id.
type Result struct {
	Events   []*domain.LifecycleEvent
	Closures map[int64]time.Time
}

// Materialize replays every trade's matches in creation order and emits
// opened, partial_close and closed events.
//
// Two paths exist and are mutually exclusive per trade:
//   - Match-driven: walk the matches consuming the trade's OPEN execution,
//     emit partial_close while quantity remains and closed exactly once when
//     it first reaches zero.
//   - Summary fallback: a trade with no matches but a recorded exit price
//     emits opened then closed directly from its summary fields.
//
// The match path always wins when any match exists. A match that would drive
// remaining quantity below zero is a fatal inconsistency: the replay aborts
// and nothing may be committed.
func Materialize(trades []*domain.Trade, matchesByOpen map[int64][]*domain.Match) (*Result, error) {
	ordered := make([]*domain.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	res := &Result{Closures: make(map[int64]time.Time)}

	for _, trade := range ordered {
		res.Events = append(res.Events, &domain.LifecycleEvent{
			TradeID:   trade.ID,
			Type:      domain.EventOpened,
			CreatedAt: trade.OpenedAt,
		})

		matches := orderMatches(matchesByOpen[trade.OpenExecutionID])

		if len(matches) == 0 {
			// Summary fallback: no execution-level detail, but an exit was
			// recorded externally.
			if trade.HasRecordedExit() {
				closedAt := trade.ClosedAt
				if closedAt.IsZero() {
					closedAt = trade.OpenedAt
				}
				res.Events = append(res.Events, &domain.LifecycleEvent{
					TradeID:   trade.ID,
					Type:      domain.EventClosed,
					CreatedAt: closedAt,
				})
				res.Closures[trade.ID] = closedAt
			}
			continue
		}

		remaining := trade.OriginalQuantity
		closed := false

		for _, m := range matches {
			if !m.MatchedQuantity.IsPositive() {
				continue
			}
			if closed {
				return nil, fmt.Errorf("%w: trade %d has match %d after terminal close",
					ports.ErrLifecycleOutOfOrder, trade.ID, m.ID)
			}
			if m.MatchedQuantity.GreaterThan(remaining) {
				return nil, fmt.Errorf("%w: match %d consumes %s but trade %d has only %s open",
					ports.ErrReplayInconsistency, m.ID, m.MatchedQuantity, trade.ID, remaining)
			}

			remaining = remaining.Sub(m.MatchedQuantity)

			if remaining.IsPositive() {
				res.Events = append(res.Events, &domain.LifecycleEvent{
					TradeID:   trade.ID,
					Type:      domain.EventPartialClose,
					CreatedAt: m.CreatedAt,
				})
				continue
			}

			res.Events = append(res.Events, &domain.LifecycleEvent{
				TradeID:   trade.ID,
				Type:      domain.EventClosed,
				CreatedAt: m.CreatedAt,
			})
			res.Closures[trade.ID] = m.CreatedAt
			closed = true
		}
	}

	return res, nil
}

// ValidateStream checks one trade's event sequence against the grammar
// opened (partial_close)* closed?. The events must already be in stream order.
func ValidateStream(events []*domain.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}
	if events[0].Type != domain.EventOpened {
		return fmt.Errorf("%w: stream for trade %d does not start with opened",
			ports.ErrLifecycleOutOfOrder, events[0].TradeID)
	}
	closed := false
	for _, ev := range events[1:] {
		switch {
		case closed:
			return fmt.Errorf("%w: trade %d emits %s after closed",
				ports.ErrLifecycleOutOfOrder, ev.TradeID, ev.Type)
		case ev.Type == domain.EventOpened:
			return fmt.Errorf("%w: trade %d opened twice", ports.ErrLifecycleOutOfOrder, ev.TradeID)
		case ev.Type == domain.EventClosed:
			closed = true
		}
	}
	return nil
}

// orderMatches sorts by (created_at ASC, id ASC); the id tie-break keeps the
// replay stable when several matches share a timestamp.
func orderMatches(matches []*domain.Match) []*domain.Match {
	ordered := make([]*domain.Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
