package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface over the Alpaca trading API.
// The engine's order ID travels as Alpaca's client_order_id, which makes
// submission idempotent broker-side and lets push events map back to the
// owning order without a lookup table.
type AlpacaBroker struct {
	client  *alpacaapi.Client
	limiter *util.RateLimiter
}

// NewAlpacaBroker creates an AlpacaBroker. timeout bounds every REST call;
// ratePerMin throttles them (0 disables throttling).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, timeout time.Duration, ratePerMin int) *AlpacaBroker {
	opts := alpacaapi.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}

	b := &AlpacaBroker{client: alpacaapi.NewClient(opts)}
	if ratePerMin > 0 {
		b.limiter = util.NewRateLimiter(ratePerMin)
	}
	return b
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

func (b *AlpacaBroker) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return &domain.BrokerError{Kind: domain.BrokerUnavailable, Reason: "rate limit wait cancelled", Err: err}
	}
	return nil
}

// SubmitOrder places the order with Alpaca and returns the broker order ID.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(order.Qty)
	req := alpacaapi.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          toAlpacaSide(order.Side),
		Type:          toAlpacaType(order.Type),
		TimeInForce:   toAlpacaTIF(order.TimeInForce),
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		ClientOrderID: order.ID,
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return "", normalizeError("submit", err)
	}
	return placed.ID, nil
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return normalizeError("cancel", err)
	}
	return nil
}

// ReplaceOrder modifies an open order via Alpaca's native replace. Alpaca
// re-issues the order under a new broker ID.
func (b *AlpacaBroker) ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}

	areq := alpacaapi.ReplaceOrderRequest{
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
	}
	if req.Qty != nil {
		qty := decimal.NewFromInt(*req.Qty)
		areq.Qty = &qty
	}

	replaced, err := b.client.ReplaceOrder(brokerOrderID, areq)
	if err != nil {
		return "", normalizeError("replace", err)
	}
	return replaced.ID, nil
}

// SupportsReplace returns true: Alpaca has native order replacement.
func (b *AlpacaBroker) SupportsReplace() bool {
	return true
}

// GetOrder returns the broker's current view of an order.
func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return nil, normalizeError("get order", err)
	}
	snap := toSnapshot(o)
	return &snap, nil
}

// GetOrderByClientID looks an order up by the engine order ID it was
// submitted with. A 404 maps to domain.ErrNotFound so the reconciler can
// tell a lost submission from a transient failure.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrderByClientOrderID(orderID)
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, fmt.Errorf("order with client id %s: %w", orderID, domain.ErrNotFound)
		}
		return nil, normalizeError("get order by client id", err)
	}
	snap := toSnapshot(o)
	return &snap, nil
}

// ListOpenOrders returns all orders Alpaca still considers open.
func (b *AlpacaBroker) ListOpenOrders(ctx context.Context) ([]OrderSnapshot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.GetOrders(alpacaapi.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, normalizeError("list orders", err)
	}

	snaps := make([]OrderSnapshot, len(orders))
	for i := range orders {
		snaps[i] = toSnapshot(&orders[i])
	}
	return snaps, nil
}

// GetPositions returns all current positions in the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, normalizeError("get positions", err)
	}

	snaps := make([]PositionSnapshot, len(positions))
	for i, p := range positions {
		snaps[i] = PositionSnapshot{
			Symbol:        p.Symbol,
			Qty:           p.Qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice,
		}
	}
	return snaps, nil
}

// GetAccount returns the current account metrics.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, normalizeError("get account", err)
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// StreamTradeUpdates consumes Alpaca's trade-update stream, translating
// each event into the normalized TradeUpdate form. Blocks until the
// context is cancelled or the stream fails.
func (b *AlpacaBroker) StreamTradeUpdates(ctx context.Context, handler func(TradeUpdate)) error {
	err := b.client.StreamTradeUpdates(ctx, func(tu alpacaapi.TradeUpdate) {
		handler(fromAlpacaUpdate(tu))
	}, alpacaapi.StreamTradeUpdatesRequest{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return normalizeError("trade update stream", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Translation helpers
// ---------------------------------------------------------------------------

func toAlpacaSide(s domain.OrderSide) alpacaapi.Side {
	if s == domain.OrderSideSell {
		return alpacaapi.Sell
	}
	return alpacaapi.Buy
}

func toAlpacaType(t domain.OrderType) alpacaapi.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpacaapi.Limit
	case domain.OrderTypeStop:
		return alpacaapi.Stop
	case domain.OrderTypeStopLimit:
		return alpacaapi.StopLimit
	default:
		return alpacaapi.Market
	}
}

func toAlpacaTIF(tif domain.TimeInForce) alpacaapi.TimeInForce {
	switch tif {
	case domain.TimeInForceGTC:
		return alpacaapi.GTC
	case domain.TimeInForceIOC:
		return alpacaapi.IOC
	case domain.TimeInForceFOK:
		return alpacaapi.FOK
	default:
		return alpacaapi.Day
	}
}

// fromAlpacaStatus maps Alpaca order statuses onto the engine's lifecycle.
func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, pending_cancel, pending_replace,
		// replaced, done_for_day, stopped: still working broker-side.
		return domain.OrderStatusSubmitted
	}
}

func toSnapshot(o *alpacaapi.Order) OrderSnapshot {
	snap := OrderSnapshot{
		BrokerOrderID: o.ID,
		OrderID:       o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        fromAlpacaStatus(string(o.Status)),
		FilledQty:     o.FilledQty.IntPart(),
	}
	if o.Qty != nil {
		snap.Qty = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		snap.AvgFillPrice = *o.FilledAvgPrice
	}
	return snap
}

func fromAlpacaUpdate(tu alpacaapi.TradeUpdate) TradeUpdate {
	u := TradeUpdate{
		Event:         tu.Event,
		OrderID:       tu.Order.ClientOrderID,
		BrokerOrderID: tu.Order.ID,
		FillID:        tu.ExecutionID,
		Timestamp:     tu.At,
	}
	if tu.Timestamp != nil {
		u.Timestamp = *tu.Timestamp
	}
	if tu.Qty != nil {
		u.FillQty = tu.Qty.IntPart()
	}
	if tu.Price != nil {
		u.FillPrice = *tu.Price
	}
	return u
}

// normalizeError translates SDK and transport errors into the engine's
// BrokerError taxonomy.
func normalizeError(op string, err error) error {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "buying power") || strings.Contains(msg, "insufficient"):
			return &domain.BrokerError{
				Kind:   domain.BrokerInsufficientFunds,
				Reason: apiErr.Message,
				Err:    err,
			}
		case apiErr.StatusCode >= 500:
			return &domain.BrokerError{
				Kind:   domain.BrokerUnavailable,
				Reason: fmt.Sprintf("%s: %s", op, apiErr.Message),
				Err:    err,
			}
		default:
			return &domain.BrokerError{
				Kind:   domain.BrokerRejected,
				Reason: apiErr.Message,
				Err:    err,
			}
		}
	}
	// Transport failure or timeout: unknown outcome, retry is safe since
	// submissions carry a client order id.
	return &domain.BrokerError{
		Kind:   domain.BrokerUnavailable,
		Reason: fmt.Sprintf("%s: %v", op, err),
		Err:    err,
	}
}
