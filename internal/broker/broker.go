// Package broker defines the Broker interface and provides implementations
// for routing orders to a brokerage. Adapters translate between the
// engine's representations and broker wire formats; they never mutate
// order or position state themselves.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// Trade-update event names, shared by all adapters.
const (
	EventNew         = "new"
	EventFill        = "fill"
	EventPartialFill = "partial_fill"
	EventCanceled    = "canceled"
	EventExpired     = "expired"
	EventRejected    = "rejected"
	EventReplaced    = "replaced"
)

// TradeUpdate is a normalized push event from the broker about one order.
// OrderID is the engine's order ID (carried as the broker-side client order
// id), so events map back without a lookup table.
type TradeUpdate struct {
	Event         string
	OrderID       string
	BrokerOrderID string
	FillID        string
	FillQty       int64
	FillPrice     decimal.Decimal
	Timestamp     time.Time
	Reason        string
}

// OrderSnapshot is the broker's current view of one order, used by polling
// and reconciliation.
type OrderSnapshot struct {
	BrokerOrderID string
	OrderID       string // engine order ID (broker client order id)
	Symbol        string
	Status        domain.OrderStatus
	Qty           int64
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	Reason        string
}

// PositionSnapshot is the broker's view of one position.
type PositionSnapshot struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
}

// ReplaceRequest carries the mutable fields of an order modification. Nil
// fields are left unchanged.
type ReplaceRequest struct {
	Qty        *int64
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
}

// Broker abstracts brokerage operations for order routing and account
// queries. All errors returned by implementations are *domain.BrokerError
// so callers never depend on broker-specific vocabulary.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage and returns the
	// broker-side order ID.
	SubmitOrder(ctx context.Context, order *domain.Order) (string, error)

	// CancelOrder requests cancellation of an open order. Cancellation is
	// a request, not a guarantee: the broker may have already filled it.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ReplaceOrder modifies an open order broker-side and returns the
	// (possibly new) broker order ID. Adapters without native replace
	// return a rejected BrokerError; see SupportsReplace.
	ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (string, error)

	// SupportsReplace reports whether ReplaceOrder is available, so the
	// engine can fall back to cancel-then-resubmit.
	SupportsReplace() bool

	// GetOrder returns the broker's current view of an order.
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error)

	// GetOrderByClientID looks an order up by its client order ID (the
	// engine's order ID). Wraps domain.ErrNotFound when the broker has no
	// such order, which tells the reconciler a submission never landed.
	GetOrderByClientID(ctx context.Context, orderID string) (*OrderSnapshot, error)

	// ListOpenOrders returns all orders the broker still considers open.
	ListOpenOrders(ctx context.Context) ([]OrderSnapshot, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// StreamTradeUpdates delivers push events to handler until the
	// context is cancelled. Delivery is at-least-once; consumers dedup
	// by fill ID.
	StreamTradeUpdates(ctx context.Context, handler func(TradeUpdate)) error
}
