package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the aggregate holding for one symbol, derived exclusively
// from the ordered sequence of applied fills. Qty is signed: positive long,
// negative short, zero flat. A flat position is retained for history so
// cumulative realized P&L survives closing.
type Position struct {
	Symbol       string          `json:"symbol"`
	Qty          int64           `json:"quantity"`
	AvgCostBasis decimal.Decimal `json:"average_cost_basis"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	LastPrice    decimal.Decimal `json:"last_price"` // advisory, display only
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// UnrealizedPnL computes the mark-to-market P&L of the open quantity
// against LastPrice. Zero when flat or when no advisory price is known.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.Qty == 0 || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Sub(p.AvgCostBasis).Mul(decimal.NewFromInt(p.Qty))
}

// IsFlat reports whether the position is logically closed.
func (p *Position) IsFlat() bool {
	return p.Qty == 0
}

// Clone returns a copy safe to hand outside the ledger's locks.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}
