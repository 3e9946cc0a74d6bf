// Package httpapi exposes the order engine, batch orchestrator, and
// position ledger over a JSON REST API, plus a websocket feed that pushes
// order and position updates to dashboard clients.
package httpapi

import (
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// batchRequest is the body of POST /api/orders/batch.
type batchRequest struct {
	Orders []domain.OrderSpec `json:"orders"`
}

// modifyRequest is the body of PATCH /api/orders/{order_id}. Nil fields are
// left unchanged.
type modifyRequest struct {
	Qty        *int64           `json:"quantity,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
}

// positionJSON decorates a position snapshot with its mark-to-market P&L.
type positionJSON struct {
	domain.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// errorResponse is the uniform error body. Kind carries the taxonomy label
// (validation, broker_rejected, ...) so clients can branch without parsing
// the message. Order is present when a failed submission still produced a
// tracked order, as with broker rejections.
type errorResponse struct {
	Error string        `json:"error"`
	Kind  string        `json:"kind,omitempty"`
	Order *domain.Order `json:"order,omitempty"`
}

// updateMessage is one websocket push frame.
type updateMessage struct {
	Type string `json:"type"` // "order" or "position"
	Data any    `json:"data"`
}
