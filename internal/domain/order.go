// Package domain defines the core types shared across the order engine:
// orders, fills, positions, batch operations, and the error taxonomy.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is legal from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderSpec is a validated user intent to trade, before an Order exists.
// ClientRequestID is the caller-supplied idempotency key.
type OrderSpec struct {
	ClientRequestID string           `json:"client_request_id"`
	Symbol          string           `json:"symbol"`
	Side            OrderSide        `json:"side"`
	Qty             int64            `json:"quantity"`
	Type            OrderType        `json:"order_type"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce     TimeInForce      `json:"time_in_force"`
}

// Validate checks structural requirements for the spec's order type.
// lastPrice is the advisory market price used to verify stop placement;
// a zero lastPrice skips the positional check (price feed unavailable).
func (s *OrderSpec) Validate(lastPrice decimal.Decimal) error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if s.Side != OrderSideBuy && s.Side != OrderSideSell {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s.Side)}
	}
	if s.Qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "quantity must be a positive integer"}
	}
	switch s.Type {
	case OrderTypeMarket:
		// No price fields.
	case OrderTypeLimit:
		if s.LimitPrice == nil || !s.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "limit orders require a positive limit_price"}
		}
	case OrderTypeStop:
		if err := s.validateStopPrice(lastPrice); err != nil {
			return err
		}
	case OrderTypeStopLimit:
		if s.LimitPrice == nil || !s.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "stop_limit orders require a positive limit_price"}
		}
		if err := s.validateStopPrice(lastPrice); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown order_type %q", s.Type)}
	}
	switch s.TimeInForce {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	case "":
		return &ValidationError{Field: "time_in_force", Reason: "time_in_force is required"}
	default:
		return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unknown time_in_force %q", s.TimeInForce)}
	}
	return nil
}

// validateStopPrice requires a positive stop price placed on the triggering
// side of the current market: above for buy stops, below for sell stops.
func (s *OrderSpec) validateStopPrice(lastPrice decimal.Decimal) error {
	if s.StopPrice == nil || !s.StopPrice.IsPositive() {
		return &ValidationError{Field: "stop_price", Reason: "stop orders require a positive stop_price"}
	}
	if lastPrice.IsZero() {
		return nil
	}
	if s.Side == OrderSideBuy && s.StopPrice.LessThanOrEqual(lastPrice) {
		return &ValidationError{Field: "stop_price", Reason: "buy stop_price must be above the current price"}
	}
	if s.Side == OrderSideSell && s.StopPrice.GreaterThanOrEqual(lastPrice) {
		return &ValidationError{Field: "stop_price", Reason: "sell stop_price must be below the current price"}
	}
	return nil
}

// Order is one trading intent tracked through its lifecycle. The ID is
// system-generated and stable for the order's entire life; BrokerOrderID is
// the broker's identifier and may change if a modification re-issues the
// order broker-side.
type Order struct {
	ID              string           `json:"order_id"`
	ClientRequestID string           `json:"client_request_id"`
	BrokerOrderID   string           `json:"-"`
	Symbol          string           `json:"symbol"`
	Side            OrderSide        `json:"side"`
	Type            OrderType        `json:"order_type"`
	Qty             int64            `json:"quantity"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce     TimeInForce      `json:"time_in_force"`
	Status          OrderStatus      `json:"status"`
	FilledQty       int64            `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal  `json:"average_fill_price"`
	Reason          string           `json:"reason,omitempty"` // reject/cancel detail
	CreatedAt       time.Time        `json:"created_at"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	TerminalAt      *time.Time       `json:"terminal_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`

	// NeedsReconcile marks an order whose last broker call timed out, so
	// the reconciliation loop re-polls it before the regular sweep.
	NeedsReconcile bool `json:"-"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() int64 {
	return o.Qty - o.FilledQty
}

// Clone returns a deep copy safe to hand outside the engine's locks.
func (o *Order) Clone() *Order {
	c := *o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		c.LimitPrice = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		c.StopPrice = &p
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		c.SubmittedAt = &t
	}
	if o.TerminalAt != nil {
		t := *o.TerminalAt
		c.TerminalAt = &t
	}
	return &c
}

// Fill is an immutable record of a broker-confirmed execution against one
// order. Qty is always positive; the owning order's side gives direction.
type Fill struct {
	ID        string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Qty       int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignedQty returns the position delta this fill contributes: positive for
// buys, negative for sells.
func (f *Fill) SignedQty(side OrderSide) int64 {
	if side == OrderSideSell {
		return -f.Qty
	}
	return f.Qty
}

// AccountInfo is a snapshot of the brokerage account's financial metrics.
type AccountInfo struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}
