// Package tradedesk provides a Go client for the tradedesk-server API.
// Types mirror the server's JSON wire format so the package has no
// dependency on server internals.
package tradedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client provides a Go SDK for interacting with the tradedesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradedesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---- wire types ----

// OrderRequest is the body of an order submission. ClientRequestID is the
// caller's idempotency key; reusing one returns the original order.
type OrderRequest struct {
	ClientRequestID string           `json:"client_request_id"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Qty             int64            `json:"quantity"`
	Type            string           `json:"order_type"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce     string           `json:"time_in_force"`
}

// ModifyRequest carries the changes for an order modification. Nil fields
// are left unchanged.
type ModifyRequest struct {
	Qty        *int64           `json:"quantity,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
}

// Order is the server's representation of an order.
type Order struct {
	ID              string           `json:"order_id"`
	ClientRequestID string           `json:"client_request_id"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Type            string           `json:"order_type"`
	Qty             int64            `json:"quantity"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce     string           `json:"time_in_force"`
	Status          string           `json:"status"`
	FilledQty       int64            `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal  `json:"average_fill_price"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	TerminalAt      *time.Time       `json:"terminal_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BatchChild is one child order of a batch and its outcome.
type BatchChild struct {
	OrderID string `json:"order_id,omitempty"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Batch is a compound operation spanning multiple child orders.
type Batch struct {
	ID          string       `json:"batch_id"`
	Kind        string       `json:"kind"`
	Children    []BatchChild `json:"children"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Position is one symbol's holding.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"quantity"`
	AvgCostBasis  decimal.Decimal `json:"average_cost_basis"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Account is a snapshot of the brokerage account.
type Account struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// APIError is a non-2xx response from the server. Kind carries the server's
// error taxonomy label; Order is set when a rejected submission still
// produced a tracked order.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Order      *Order
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// ---- operations ----

// PlaceOrder submits a new order. A duplicate client_request_id returns the
// previously created order without placing a new one.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder requests cancellation. The returned order reflects the state
// at request time; cancellation completes only on broker confirmation.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodDelete, "/api/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ModifyOrder changes the price or quantity of a working, unfilled order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, req ModifyRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPatch, "/api/orders/"+orderID, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// SubmitBatch submits multiple orders as one compound operation.
func (c *Client) SubmitBatch(ctx context.Context, orders []OrderRequest) (*Batch, error) {
	var b Batch
	body := map[string]any{"orders": orders}
	if err := c.do(ctx, http.MethodPost, "/api/orders/batch", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatch fetches a batch and its per-child progress.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	if err := c.do(ctx, http.MethodGet, "/api/batches/"+batchID, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// RetryBatch resubmits only the failed children of a batch.
func (c *Client) RetryBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	if err := c.do(ctx, http.MethodPost, "/api/batches/"+batchID+"/retry", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CloseAll submits opposite-side market orders for every open position.
func (c *Client) CloseAll(ctx context.Context) (*Batch, error) {
	var b Batch
	if err := c.do(ctx, http.MethodPost, "/api/positions/close-all", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetPositions retrieves current position snapshots.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetAccount retrieves account information.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/api/account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// do performs one request and decodes the response into out. Non-2xx
// responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var wire struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
			Order *Order `json:"order"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err == nil {
			apiErr.Message = wire.Error
			apiErr.Kind = wire.Kind
			apiErr.Order = wire.Order
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
