package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradedesk/internal/batch"
	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/idempotency"
	"tradedesk/internal/ledger"
	"tradedesk/internal/store"
)

type fixture struct {
	srv       *Server
	mgr       *engine.Manager
	sim       *broker.SimulatorBroker
	positions *ledger.Ledger
	handler   http.Handler
}

func newFixture(t *testing.T, autoFill bool) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulatorBroker(autoFill)
	positions := ledger.New(st, st, nil)
	idem := idempotency.NewLedger(24*time.Hour, st, nil)
	cfg := engine.Config{SubmitAttempts: 2, SubmitBackoff: time.Millisecond, BrokerTimeout: time.Second}
	mgr := engine.NewManager(cfg, sim, st, st, positions, idem, nil, nil, nil)
	orch := batch.New(mgr, positions, st, 2, nil)
	srv := NewServer(mgr, orch, sim, positions, nil, nil)
	return &fixture{srv: srv, mgr: mgr, sim: sim, positions: positions, handler: srv.Handler()}
}

// pump feeds queued simulator updates through the manager, standing in for
// the stream consumer goroutine.
func (f *fixture) pump(t *testing.T) {
	t.Helper()
	for {
		u, ok := f.sim.NextUpdate()
		if !ok {
			return
		}
		f.mgr.HandleTradeUpdate(context.Background(), u)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func marketOrder(reqID, symbol string, qty int64) domain.OrderSpec {
	return domain.OrderSpec{
		ClientRequestID: reqID,
		Symbol:          symbol,
		Side:            domain.OrderSideBuy,
		Qty:             qty,
		Type:            domain.OrderTypeMarket,
		TimeInForce:     domain.TimeInForceDay,
	}
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	order := decode[domain.Order](t, rec)
	if order.Status != domain.OrderStatusSubmitted || order.Symbol != "SPY" {
		t.Errorf("order = %s %s, want submitted SPY", order.Status, order.Symbol)
	}

	// Same client_request_id: 200 with the existing order, no new order.
	dup := f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100))
	if dup.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200: %s", dup.Code, dup.Body)
	}
	if got := decode[domain.Order](t, dup); got.ID != order.ID {
		t.Errorf("duplicate returned order %s, want %s", got.ID, order.ID)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, false)

	spec := marketOrder("req-1", "SPY", -5)
	rec := f.do(t, "POST", "/api/orders", spec)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
	body := decode[errorResponse](t, rec)
	if body.Kind != "validation" {
		t.Errorf("kind = %q, want validation", body.Kind)
	}
}

func TestPlaceOrderBrokerRejected(t *testing.T) {
	f := newFixture(t, false)
	f.sim.FailSubmit("GME", domain.BrokerRejected, "symbol halted")

	rec := f.do(t, "POST", "/api/orders", marketOrder("req-1", "GME", 10))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body)
	}
	body := decode[errorResponse](t, rec)
	if body.Kind != string(domain.BrokerRejected) {
		t.Errorf("kind = %q, want broker_rejected", body.Kind)
	}
	if body.Order == nil || body.Order.Status != domain.OrderStatusRejected {
		t.Errorf("embedded order = %+v, want rejected order", body.Order)
	}
	if !strings.Contains(body.Order.Reason, "symbol halted") {
		t.Errorf("reason = %q, want the broker's verbatim reason", body.Order.Reason)
	}
}

func TestPlaceOrderBrokerUnavailable(t *testing.T) {
	f := newFixture(t, false)
	f.sim.FailSubmit("SPY", domain.BrokerUnavailable, "gateway timeout")

	rec := f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body)
	}
	body := decode[errorResponse](t, rec)
	if body.Order == nil || body.Order.Status != domain.OrderStatusCreated {
		t.Errorf("embedded order = %+v, want created order for safe retry", body.Order)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "GET", "/api/orders/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, false)

	created := decode[domain.Order](t, f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100)))

	rec := f.do(t, "DELETE", "/api/orders/"+created.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	// Still submitted until the broker confirms.
	if got := decode[domain.Order](t, rec); got.Status != domain.OrderStatusSubmitted {
		t.Errorf("status = %s, want submitted pending confirmation", got.Status)
	}

	f.pump(t)
	if got := decode[domain.Order](t, f.do(t, "GET", "/api/orders/"+created.ID, nil)); got.Status != domain.OrderStatusCancelled {
		t.Errorf("status after confirmation = %s, want cancelled", got.Status)
	}

	// Terminal: further cancels conflict.
	if rec := f.do(t, "DELETE", "/api/orders/"+created.ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("cancel of terminal order = %d, want 409", rec.Code)
	}
}

func TestModifyTerminalOrderConflicts(t *testing.T) {
	f := newFixture(t, true)

	created := decode[domain.Order](t, f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100)))
	f.pump(t)

	qty := int64(50)
	rec := f.do(t, "PATCH", "/api/orders/"+created.ID, modifyRequest{Qty: &qty})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body)
	}
}

func TestModifyOrder(t *testing.T) {
	f := newFixture(t, false)

	limit := decimal.RequireFromString("170")
	spec := marketOrder("req-1", "AAPL", 100)
	spec.Type = domain.OrderTypeLimit
	spec.LimitPrice = &limit
	created := decode[domain.Order](t, f.do(t, "POST", "/api/orders", spec))

	newLimit := decimal.RequireFromString("171.50")
	rec := f.do(t, "PATCH", "/api/orders/"+created.ID, modifyRequest{LimitPrice: &newLimit})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	got := decode[domain.Order](t, rec)
	if got.LimitPrice == nil || !got.LimitPrice.Equal(newLimit) {
		t.Errorf("limit price = %v, want 171.50", got.LimitPrice)
	}
	if got.ID != created.ID {
		t.Errorf("order ID changed across modify: %s -> %s", created.ID, got.ID)
	}
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, true)

	req := batchRequest{Orders: []domain.OrderSpec{
		marketOrder("", "SPY", 10),
		marketOrder("", "AAPL", 20),
	}}
	rec := f.do(t, "POST", "/api/orders/batch", req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	b := decode[domain.BatchOperation](t, rec)
	if len(b.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(b.Children))
	}

	f.pump(t)
	got := decode[domain.BatchOperation](t, f.do(t, "GET", "/api/batches/"+b.ID, nil))
	if got.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", got.Status)
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "POST", "/api/orders/batch", batchRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
}

func TestRetryUnknownBatch(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "POST", "/api/batches/nope/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body)
	}
}

func TestCloseAllWithoutPositions(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "POST", "/api/positions/close-all", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
}

func TestGetPositions(t *testing.T) {
	f := newFixture(t, true)
	f.sim.SetPrice("SPY", decimal.RequireFromString("450.05"))

	f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100))
	f.pump(t)

	rec := f.do(t, "GET", "/api/positions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	positions := decode[[]positionJSON](t, rec)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Qty != 100 || !positions[0].AvgCostBasis.Equal(decimal.RequireFromString("450.05")) {
		t.Errorf("position = %d @ %s, want 100 @ 450.05", positions[0].Qty, positions[0].AvgCostBasis)
	}
}

func TestGetAccount(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "GET", "/api/account", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	acct := decode[domain.AccountInfo](t, rec)
	if !acct.BuyingPower.IsPositive() {
		t.Errorf("buying power = %s, want positive", acct.BuyingPower)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest("OPTIONS", "/api/orders", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestWebsocketPushesOrderUpdates(t *testing.T) {
	f := newFixture(t, false)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/updates"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the hub register the client

	f.do(t, "POST", "/api/orders", marketOrder("req-1", "SPY", 100))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading push frame: %v", err)
	}
	var msg updateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding push frame: %v", err)
	}
	if msg.Type != "order" {
		t.Errorf("frame type = %q, want order", msg.Type)
	}
}
