// Package ledger aggregates broker-confirmed fills into per-symbol position
// records: signed quantity, weighted average cost basis, and realized P&L.
// Position state is derived exclusively from the ordered fill sequence, so
// replaying the journal always reproduces it exactly.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

// Ledger owns all Position mutation. Fills for the same symbol are applied
// strictly in arrival order under a per-symbol lock; different symbols
// proceed in parallel.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	applied   map[string]bool // fill IDs already applied

	symLocks *util.KeyMutex

	persist store.PositionStore // nil disables persistence
	journal store.FillStore     // nil disables restore
	log     *slog.Logger
}

// New creates a Ledger. persist and journal may be nil for a purely
// in-memory ledger (tests, simulator runs without a database).
func New(persist store.PositionStore, journal store.FillStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		positions: make(map[string]*domain.Position),
		applied:   make(map[string]bool),
		symLocks:  util.NewKeyMutex(64),
		persist:   persist,
		journal:   journal,
		log:       log.With("component", "ledger"),
	}
}

// Restore rebuilds all positions by replaying the fill journal in sequence
// order. Call once at startup before applying live fills.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	fills, err := l.journal.ListFills(ctx)
	if err != nil {
		return fmt.Errorf("reading fill journal: %w", err)
	}

	l.mu.Lock()
	for _, af := range fills {
		l.applyLocked(af.Fill.ID, af.Fill.Symbol, af.SignedQty, af.Fill.Price, af.Fill.Timestamp)
	}
	n := len(l.positions)
	l.mu.Unlock()

	l.log.Info("positions restored from fill journal", "fills", len(fills), "symbols", n)
	return nil
}

// Apply applies one fill as a signed quantity delta at the given price.
// Applying the same fill ID twice is a no-op returning the current
// snapshot, which makes at-least-once event delivery safe.
func (l *Ledger) Apply(ctx context.Context, fillID, symbol string, delta int64, price decimal.Decimal, ts time.Time) (*domain.Position, error) {
	if delta == 0 {
		return nil, fmt.Errorf("fill %s: zero quantity delta", fillID)
	}

	l.symLocks.Lock(symbol)
	defer l.symLocks.Unlock(symbol)

	l.mu.Lock()
	pos := l.applyLocked(fillID, symbol, delta, price, ts)
	snap := pos.Clone()
	l.mu.Unlock()

	if l.persist != nil {
		if err := l.persist.SavePosition(ctx, snap); err != nil {
			// The in-memory position is already correct and the fill is
			// journaled; restart replay repairs the snapshot table.
			l.log.Warn("persisting position snapshot", "symbol", symbol, "error", err)
		}
	}
	return snap, nil
}

// applyLocked runs the cost-basis algorithm. Caller holds l.mu.
func (l *Ledger) applyLocked(fillID, symbol string, delta int64, price decimal.Decimal, ts time.Time) *domain.Position {
	if l.applied[fillID] {
		return l.positions[symbol]
	}
	l.applied[fillID] = true

	pos, ok := l.positions[symbol]
	if !ok {
		pos = &domain.Position{
			Symbol:       symbol,
			AvgCostBasis: decimal.Zero,
			RealizedPnL:  decimal.Zero,
			OpenedAt:     ts,
		}
		l.positions[symbol] = pos
	}

	cur := pos.Qty
	switch {
	case cur == 0 || sameSign(cur, delta):
		// Exposure increases in the current direction: weighted average.
		if cur == 0 {
			pos.AvgCostBasis = price
			pos.OpenedAt = ts
		} else {
			curAbs := decimal.NewFromInt(abs(cur))
			deltaAbs := decimal.NewFromInt(abs(delta))
			total := pos.AvgCostBasis.Mul(curAbs).Add(price.Mul(deltaAbs))
			pos.AvgCostBasis = total.Div(curAbs.Add(deltaAbs))
		}
		pos.Qty = cur + delta

	default:
		// Exposure reduced or reversed: realize P&L on the closed portion.
		closed := min64(abs(delta), abs(cur))
		closedDec := decimal.NewFromInt(closed)
		var pnl decimal.Decimal
		if cur > 0 {
			pnl = price.Sub(pos.AvgCostBasis).Mul(closedDec)
		} else {
			pnl = pos.AvgCostBasis.Sub(price).Mul(closedDec)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

		pos.Qty = cur + delta
		switch {
		case pos.Qty == 0:
			// Flat: logically closed, record retained for history.
			pos.AvgCostBasis = decimal.Zero
		case !sameSign(cur, pos.Qty):
			// Reversed: the excess starts a new leg at the fill's price.
			pos.AvgCostBasis = price
			pos.OpenedAt = ts
		}
	}
	pos.UpdatedAt = ts
	return pos
}

// ForceSet overrides a position's quantity and cost basis to broker truth
// during reconciliation. Realized P&L is preserved: it is local bookkeeping
// the broker does not track.
func (l *Ledger) ForceSet(ctx context.Context, symbol string, qty int64, avgCost decimal.Decimal) (*domain.Position, error) {
	l.symLocks.Lock(symbol)
	defer l.symLocks.Unlock(symbol)

	now := time.Now().UTC()
	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &domain.Position{
			Symbol:      symbol,
			RealizedPnL: decimal.Zero,
			OpenedAt:    now,
		}
		l.positions[symbol] = pos
	}
	pos.Qty = qty
	pos.AvgCostBasis = avgCost
	pos.UpdatedAt = now
	snap := pos.Clone()
	l.mu.Unlock()

	if l.persist != nil {
		if err := l.persist.SavePosition(ctx, snap); err != nil {
			l.log.Warn("persisting corrected position", "symbol", symbol, "error", err)
		}
	}
	return snap, nil
}

// SetLastPrice records an advisory market price for unrealized P&L
// display. It never affects quantity, cost basis, or realized P&L.
func (l *Ledger) SetLastPrice(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	if pos, ok := l.positions[symbol]; ok {
		pos.LastPrice = price
	}
	l.mu.Unlock()
}

// Snapshot returns a copy of the position for one symbol.
func (l *Ledger) Snapshot(symbol string) (*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", symbol, domain.ErrNotFound)
	}
	return pos.Clone(), nil
}

// Snapshots returns copies of all positions, sorted by symbol.
func (l *Ledger) Snapshots() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Open returns snapshots of the non-flat positions, sorted by symbol.
func (l *Ledger) Open() []domain.Position {
	all := l.Snapshots()
	open := all[:0]
	for _, p := range all {
		if p.Qty != 0 {
			open = append(open, p)
		}
	}
	return open
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
