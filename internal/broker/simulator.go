package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading without
// credentials and for tests. It tracks orders and positions in memory and
// emits trade updates through the same push channel a live broker would,
// so the engine exercises identical code paths.
type SimulatorBroker struct {
	mu        sync.Mutex
	orders    map[string]*simOrder            // by broker order ID
	positions map[string]*PositionSnapshot
	prices    map[string]decimal.Decimal
	account   domain.AccountInfo

	autoFill     bool
	replaceable  bool
	failSymbols  map[string]*domain.BrokerError // forced submit failures
	failNext     *domain.BrokerError

	updates chan TradeUpdate
}

type simOrder struct {
	brokerID  string
	orderID   string // engine order ID
	symbol    string
	side      domain.OrderSide
	qty       int64
	filledQty int64
	limit     *decimal.Decimal
	status    domain.OrderStatus
	avgPrice  decimal.Decimal
}

// NewSimulatorBroker creates a SimulatorBroker. With autoFill enabled every
// accepted order fills immediately and in full at the symbol's set price
// (or its limit price); with it disabled, tests script fills explicitly.
func NewSimulatorBroker(autoFill bool) *SimulatorBroker {
	return &SimulatorBroker{
		orders:      make(map[string]*simOrder),
		positions:   make(map[string]*PositionSnapshot),
		prices:      make(map[string]decimal.Decimal),
		failSymbols: make(map[string]*domain.BrokerError),
		autoFill:    autoFill,
		replaceable: true,
		account: domain.AccountInfo{
			Equity:      decimal.NewFromInt(100000),
			Cash:        decimal.NewFromInt(100000),
			BuyingPower: decimal.NewFromInt(200000),
		},
		updates: make(chan TradeUpdate, 256),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the execution price used for market fills of a symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	b.prices[symbol] = price
	b.mu.Unlock()
}

// SetAccount overrides the simulated account metrics.
func (b *SimulatorBroker) SetAccount(info domain.AccountInfo) {
	b.mu.Lock()
	b.account = info
	b.mu.Unlock()
}

// SetReplaceSupported toggles native-replace capability, letting tests
// exercise the engine's cancel-then-resubmit fallback.
func (b *SimulatorBroker) SetReplaceSupported(ok bool) {
	b.mu.Lock()
	b.replaceable = ok
	b.mu.Unlock()
}

// FailSubmit forces every submission for symbol to fail with the given
// error until cleared with ClearFailures.
func (b *SimulatorBroker) FailSubmit(symbol string, kind domain.BrokerErrorKind, reason string) {
	b.mu.Lock()
	b.failSymbols[symbol] = &domain.BrokerError{Kind: kind, Reason: reason}
	b.mu.Unlock()
}

// FailNextSubmit forces only the next submission to fail.
func (b *SimulatorBroker) FailNextSubmit(kind domain.BrokerErrorKind, reason string) {
	b.mu.Lock()
	b.failNext = &domain.BrokerError{Kind: kind, Reason: reason}
	b.mu.Unlock()
}

// ClearFailures removes all forced failures.
func (b *SimulatorBroker) ClearFailures() {
	b.mu.Lock()
	b.failSymbols = make(map[string]*domain.BrokerError)
	b.failNext = nil
	b.mu.Unlock()
}

// SubmitOrder records the order and, in auto-fill mode, executes it
// immediately at the symbol's price.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.BrokerError{Kind: domain.BrokerUnavailable, Reason: "context cancelled", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return "", err
	}
	if err, ok := b.failSymbols[order.Symbol]; ok {
		return "", err
	}

	o := &simOrder{
		brokerID: uuid.NewString(),
		orderID:  order.ID,
		symbol:   order.Symbol,
		side:     order.Side,
		qty:      order.Qty,
		limit:    order.LimitPrice,
		status:   domain.OrderStatusSubmitted,
	}
	b.orders[o.brokerID] = o
	b.emit(TradeUpdate{
		Event:         EventNew,
		OrderID:       o.orderID,
		BrokerOrderID: o.brokerID,
		Timestamp:     time.Now().UTC(),
	})

	if b.autoFill {
		b.fillLocked(o, o.qty, b.execPrice(o))
	}
	return o.brokerID, nil
}

// Fill executes qty of an open order at price, emitting the corresponding
// trade update. Used by tests to script partial fills and races.
func (b *SimulatorBroker) Fill(brokerOrderID string, qty int64, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: unknown order %s", brokerOrderID)
	}
	if o.status.IsTerminal() {
		return fmt.Errorf("simulator: order %s already %s", brokerOrderID, o.status)
	}
	if qty > o.qty-o.filledQty {
		return fmt.Errorf("simulator: fill %d exceeds remaining %d", qty, o.qty-o.filledQty)
	}
	b.fillLocked(o, qty, price)
	return nil
}

// fillLocked applies an execution and updates the simulated position.
// Caller holds b.mu.
func (b *SimulatorBroker) fillLocked(o *simOrder, qty int64, price decimal.Decimal) {
	prevNotional := o.avgPrice.Mul(decimal.NewFromInt(o.filledQty))
	o.filledQty += qty
	o.avgPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(o.filledQty))

	event := EventPartialFill
	if o.filledQty == o.qty {
		event = EventFill
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartiallyFilled
	}

	delta := qty
	if o.side == domain.OrderSideSell {
		delta = -qty
	}
	pos, ok := b.positions[o.symbol]
	if !ok {
		pos = &PositionSnapshot{Symbol: o.symbol}
		b.positions[o.symbol] = pos
	}
	if pos.Qty == 0 || (pos.Qty > 0) == (delta > 0) {
		total := pos.AvgEntryPrice.Mul(decimal.NewFromInt(absInt(pos.Qty))).
			Add(price.Mul(decimal.NewFromInt(absInt(delta))))
		pos.AvgEntryPrice = total.Div(decimal.NewFromInt(absInt(pos.Qty) + absInt(delta)))
	} else if absInt(delta) > absInt(pos.Qty) {
		pos.AvgEntryPrice = price
	}
	pos.Qty += delta

	b.emit(TradeUpdate{
		Event:         event,
		OrderID:       o.orderID,
		BrokerOrderID: o.brokerID,
		FillID:        uuid.NewString(),
		FillQty:       qty,
		FillPrice:     price,
		Timestamp:     time.Now().UTC(),
	})
}

func (b *SimulatorBroker) execPrice(o *simOrder) decimal.Decimal {
	if p, ok := b.prices[o.symbol]; ok {
		return p
	}
	if o.limit != nil {
		return *o.limit
	}
	return decimal.NewFromInt(100)
}

// CancelOrder cancels the unfilled remainder of an open order. A fully
// filled order cannot be cancelled; that race is exactly the late-fill
// case the engine must tolerate.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return &domain.BrokerError{Kind: domain.BrokerUnavailable, Reason: "context cancelled", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return &domain.BrokerError{Kind: domain.BrokerRejected, Reason: "unknown order"}
	}
	if o.status.IsTerminal() {
		return &domain.BrokerError{Kind: domain.BrokerRejected, Reason: fmt.Sprintf("order already %s", o.status)}
	}

	o.status = domain.OrderStatusCancelled
	b.emit(TradeUpdate{
		Event:         EventCanceled,
		OrderID:       o.orderID,
		BrokerOrderID: o.brokerID,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// ReplaceOrder re-issues an open order with modified parameters under a
// new broker ID, matching Alpaca's replace semantics.
func (b *SimulatorBroker) ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.BrokerError{Kind: domain.BrokerUnavailable, Reason: "context cancelled", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.replaceable {
		return "", &domain.BrokerError{Kind: domain.BrokerRejected, Reason: "replace not supported"}
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return "", &domain.BrokerError{Kind: domain.BrokerRejected, Reason: "unknown order"}
	}
	if o.status.IsTerminal() || o.filledQty > 0 {
		return "", &domain.BrokerError{Kind: domain.BrokerRejected, Reason: "order not replaceable"}
	}

	o.status = domain.OrderStatusCancelled
	replaced := &simOrder{
		brokerID: uuid.NewString(),
		orderID:  o.orderID,
		symbol:   o.symbol,
		side:     o.side,
		qty:      o.qty,
		limit:    o.limit,
		status:   domain.OrderStatusSubmitted,
	}
	if req.Qty != nil {
		replaced.qty = *req.Qty
	}
	if req.LimitPrice != nil {
		replaced.limit = req.LimitPrice
	}
	b.orders[replaced.brokerID] = replaced

	b.emit(TradeUpdate{
		Event:         EventReplaced,
		OrderID:       o.orderID,
		BrokerOrderID: replaced.brokerID,
		Timestamp:     time.Now().UTC(),
	})
	return replaced.brokerID, nil
}

// SupportsReplace reports the configured replace capability.
func (b *SimulatorBroker) SupportsReplace() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaceable
}

// GetOrder returns the simulator's view of an order.
func (b *SimulatorBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, &domain.BrokerError{Kind: domain.BrokerRejected, Reason: "unknown order"}
	}
	snap := o.snapshot()
	return &snap, nil
}

// GetOrderByClientID looks an order up by the engine order ID it was
// submitted with.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.orders {
		if o.orderID == orderID {
			snap := o.snapshot()
			return &snap, nil
		}
	}
	return nil, fmt.Errorf("order with client id %s: %w", orderID, domain.ErrNotFound)
}

// ListOpenOrders returns all non-terminal simulated orders.
func (b *SimulatorBroker) ListOpenOrders(ctx context.Context) ([]OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var snaps []OrderSnapshot
	for _, o := range b.orders {
		if !o.status.IsTerminal() {
			snaps = append(snaps, o.snapshot())
		}
	}
	return snaps, nil
}

func (o *simOrder) snapshot() OrderSnapshot {
	return OrderSnapshot{
		BrokerOrderID: o.brokerID,
		OrderID:       o.orderID,
		Symbol:        o.symbol,
		Status:        o.status,
		Qty:           o.qty,
		FilledQty:     o.filledQty,
		AvgFillPrice:  o.avgPrice,
	}
}

// GetPositions returns all simulated positions with non-zero quantity.
func (b *SimulatorBroker) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var snaps []PositionSnapshot
	for _, p := range b.positions {
		if p.Qty != 0 {
			snaps = append(snaps, *p)
		}
	}
	return snaps, nil
}

// GetAccount returns the simulated account metrics.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.account
	return &info, nil
}

// StreamTradeUpdates delivers queued updates to handler until the context
// is cancelled.
func (b *SimulatorBroker) StreamTradeUpdates(ctx context.Context, handler func(TradeUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-b.updates:
			handler(u)
		}
	}
}

// NextUpdate pops the next queued trade update, or ok=false if none is
// pending. Tests use this to drive the engine deterministically without a
// stream goroutine.
func (b *SimulatorBroker) NextUpdate() (TradeUpdate, bool) {
	select {
	case u := <-b.updates:
		return u, true
	default:
		return TradeUpdate{}, false
	}
}

func (b *SimulatorBroker) emit(u TradeUpdate) {
	select {
	case b.updates <- u:
	default:
		// Queue full; reconciliation repairs anything dropped.
	}
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
