package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/idempotency"
	"tradedesk/internal/ledger"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

// Config bounds the Manager's broker interaction.
type Config struct {
	SubmitAttempts int           // retry cap for retryable broker failures
	SubmitBackoff  time.Duration // initial backoff, doubled per attempt
	BrokerTimeout  time.Duration // per-call deadline on broker requests
}

func (c Config) withDefaults() Config {
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = 500 * time.Millisecond
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
	return c
}

// Manager is the single writer for order state. Every mutation of an order
// acquires that order's key lock, so transitions for one order are strictly
// serialized while unrelated orders proceed in parallel.
type Manager struct {
	cfg       Config
	broker    broker.Broker
	orders    store.OrderStore
	fills     store.FillStore
	positions *ledger.Ledger
	idem      *idempotency.Ledger
	risk      *RiskManager
	prices    PriceSource
	locks     *util.KeyMutex
	log       *slog.Logger

	mu    sync.RWMutex
	index map[string]*domain.Order // open + recent orders by ID
	subs  []func(domain.Order)
}

// NewManager wires the order manager. prices and risk may be nil; price
// dependent validation and the pre-trade check are skipped without them.
func NewManager(cfg Config, b broker.Broker, orders store.OrderStore, fills store.FillStore, positions *ledger.Ledger, idem *idempotency.Ledger, risk *RiskManager, prices PriceSource, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		broker:    b,
		orders:    orders,
		fills:     fills,
		positions: positions,
		idem:      idem,
		risk:      risk,
		prices:    prices,
		locks:     util.NewKeyMutex(64),
		log:       log.With("component", "engine"),
		index:     make(map[string]*domain.Order),
	}
}

// Load restores open orders from the store into the in-memory index.
// Called once at startup, before the trade-update stream starts.
func (m *Manager) Load(ctx context.Context) error {
	open, err := m.orders.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	m.mu.Lock()
	for i := range open {
		o := open[i]
		m.index[o.ID] = &o
	}
	m.mu.Unlock()
	m.log.Info("order index restored", "open_orders", len(open))
	return nil
}

// Subscribe registers fn to receive a copy of every order after each
// persisted change. Callbacks run outside the order's lock.
func (m *Manager) Subscribe(fn func(domain.Order)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

func (m *Manager) publish(order *domain.Order) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(*order.Clone())
	}
}

// ---- placement ----

// PlaceOrder validates the spec, admits it through the idempotency ledger,
// creates the order and submits it to the broker. For a duplicate
// client_request_id the existing order is returned with isNew=false and no
// broker call is made. When submission fails the order (rejected, or still
// created and retryable) is returned along with the error.
func (m *Manager) PlaceOrder(ctx context.Context, spec *domain.OrderSpec) (*domain.Order, bool, error) {
	if err := spec.Validate(m.lastPrice(ctx, spec.Symbol)); err != nil {
		return nil, false, err
	}

	orderID := uuid.NewString()
	admittedID, isNew, err := m.idem.Admit(ctx, spec.ClientRequestID, orderID)
	if err != nil {
		return nil, false, err
	}
	if !isNew {
		return m.resumeAdmitted(ctx, spec.ClientRequestID, admittedID)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:              orderID,
		ClientRequestID: spec.ClientRequestID,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Type:            spec.Type,
		Qty:             spec.Qty,
		LimitPrice:      spec.LimitPrice,
		StopPrice:       spec.StopPrice,
		TimeInForce:     spec.TimeInForce,
		Status:          domain.OrderStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.locks.Lock(orderID)
	m.mu.Lock()
	m.index[orderID] = order
	m.mu.Unlock()

	if err := m.orders.SaveOrder(ctx, order); err != nil {
		m.mu.Lock()
		delete(m.index, orderID)
		m.mu.Unlock()
		m.idem.Forget(ctx, spec.ClientRequestID)
		m.locks.Unlock(orderID)
		return nil, false, fmt.Errorf("persist order %s: %w", orderID, err)
	}
	// Only now may duplicate callers resume against this order.
	m.idem.Resolve(spec.ClientRequestID)

	if m.risk != nil {
		if rerr := m.risk.CheckOrder(ctx, spec); rerr != nil {
			// Reject before the broker sees it; the idempotency key keeps
			// mapping to this rejected order so retries observe the outcome.
			m.finalizeLocked(ctx, order, domain.OrderStatusRejected, rerr.Error())
			m.locks.Unlock(orderID)
			m.publish(order)
			return order.Clone(), true, rerr
		}
	}

	serr := m.submitLocked(ctx, order)
	m.locks.Unlock(orderID)
	m.publish(order)
	return order.Clone(), true, serr
}

// resumeAdmitted handles a duplicate client_request_id. Usually the
// existing order's state is returned as-is, but if the earlier attempt
// never got through to the broker the retry re-submits it. The broker
// dedups on the order ID (its client_order_id) so a submit that silently
// landed is not doubled.
func (m *Manager) resumeAdmitted(ctx context.Context, clientRequestID, orderID string) (*domain.Order, bool, error) {
	m.locks.Lock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return nil, false, fmt.Errorf("duplicate request %s maps to unknown order %s: %w", clientRequestID, orderID, err)
	}
	if order.Status != domain.OrderStatusCreated {
		m.locks.Unlock(orderID)
		return order.Clone(), false, nil
	}
	serr := m.submitLocked(ctx, order)
	m.locks.Unlock(orderID)
	m.publish(order)
	return order.Clone(), false, serr
}

// submitLocked sends the order to the broker with bounded retry. Caller
// holds the order's key lock. Retryable failures leave the order Created so
// the same client_request_id can be retried safely; non-retryable broker
// errors finalize it as Rejected.
func (m *Manager) submitLocked(ctx context.Context, order *domain.Order) error {
	var permErr error
	var brokerID string
	err := util.Retry(ctx, m.cfg.SubmitAttempts, m.cfg.SubmitBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		defer cancel()
		id, serr := m.broker.SubmitOrder(callCtx, order)
		if serr != nil {
			if be := domain.AsBrokerError(serr); be != nil && !be.Retryable() {
				permErr = serr
				return nil
			}
			return serr
		}
		brokerID = id
		return nil
	})

	switch {
	case permErr != nil:
		be := domain.AsBrokerError(permErr)
		m.finalizeLocked(ctx, order, domain.OrderStatusRejected, be.Reason)
		m.log.Warn("order rejected by broker", "order_id", order.ID, "reason", be.Reason)
		return permErr
	case err != nil:
		// Broker unreachable or timed out: the submit may or may not have
		// landed, so stay Created and let the reconciler find out.
		order.NeedsReconcile = true
		order.UpdatedAt = time.Now().UTC()
		m.persistLocked(ctx, order)
		m.log.Error("order submit failed, flagged for reconciliation", "order_id", order.ID, "error", err)
		return err
	}

	to, terr := Next(order.ID, order.Status, EventBrokerAccepted)
	if terr != nil {
		// The trade stream can beat the HTTP response; the order already
		// advanced, just record the broker ID.
		order.BrokerOrderID = brokerID
		m.persistLocked(ctx, order)
		return nil
	}
	now := time.Now().UTC()
	order.Status = to
	order.BrokerOrderID = brokerID
	order.SubmittedAt = &now
	order.UpdatedAt = now
	m.persistLocked(ctx, order)
	m.log.Info("order submitted", "order_id", order.ID, "symbol", order.Symbol, "broker_order_id", brokerID)
	return nil
}

// ---- fills ----

// ApplyFill applies one execution to an order and forwards it to the
// position ledger. Idempotent on fillID: a replayed fill returns the
// current order unchanged. Fills on terminal orders return
// ErrInvalidTransition.
func (m *Manager) ApplyFill(ctx context.Context, orderID, fillID string, qty int64, price decimal.Decimal, ts time.Time) (*domain.Order, error) {
	m.locks.Lock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return nil, err
	}
	changed, err := m.applyFillLocked(ctx, order, fillID, qty, price, ts)
	m.locks.Unlock(orderID)
	if changed {
		m.publish(order)
	}
	if err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

func (m *Manager) applyFillLocked(ctx context.Context, order *domain.Order, fillID string, qty int64, price decimal.Decimal, ts time.Time) (bool, error) {
	if order.Status.IsTerminal() {
		terr := &domain.TransitionError{OrderID: order.ID, From: order.Status, Event: string(EventPartialFill)}
		m.log.Error("fill for terminal order dropped", "order_id", order.ID, "fill_id", fillID, "status", order.Status)
		return false, terr
	}

	dup, err := m.fills.HasFill(ctx, fillID)
	if err != nil {
		return false, fmt.Errorf("fill dedup check %s: %w", fillID, err)
	}
	if dup {
		return false, nil
	}

	if qty <= 0 || qty > order.RemainingQty() {
		return false, fmt.Errorf("fill %s: qty %d invalid for order %s with %d remaining", fillID, qty, order.ID, order.RemainingQty())
	}

	event := EventPartialFill
	if order.FilledQty+qty == order.Qty {
		event = EventFullFill
	}
	to, terr := Next(order.ID, order.Status, event)
	if terr != nil {
		return false, terr
	}

	delta := qty
	if order.Side == domain.OrderSideSell {
		delta = -qty
	}
	fill := &domain.Fill{ID: fillID, OrderID: order.ID, Symbol: order.Symbol, Qty: qty, Price: price, Timestamp: ts}
	if err := m.fills.SaveFill(ctx, fill, delta); err != nil {
		return false, fmt.Errorf("journal fill %s: %w", fillID, err)
	}

	prevNotional := order.AvgFillPrice.Mul(decimal.NewFromInt(order.FilledQty))
	order.FilledQty += qty
	order.AvgFillPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(order.FilledQty))
	now := time.Now().UTC()
	order.Status = to
	order.UpdatedAt = now
	if to.IsTerminal() {
		order.TerminalAt = &now
	}
	m.persistLocked(ctx, order)

	if _, err := m.positions.Apply(ctx, fillID, order.Symbol, delta, price, ts); err != nil {
		m.log.Error("position ledger apply failed", "fill_id", fillID, "symbol", order.Symbol, "error", err)
	}

	m.log.Info("fill applied", "order_id", order.ID, "fill_id", fillID,
		"qty", qty, "price", price.String(), "filled", order.FilledQty, "status", order.Status)
	return true, nil
}

// ---- cancel / modify / expire ----

// Cancel requests cancellation of a non-terminal order. It is a request,
// not a guarantee: the order stays in its current state until the broker
// confirms, and a fill racing the cancel wins. Terminal orders return
// ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.locks.Lock(orderID)

	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return err
	}
	if order.Status.IsTerminal() {
		m.locks.Unlock(orderID)
		return &domain.TransitionError{OrderID: orderID, From: order.Status, Event: string(EventCancelConfirm)}
	}

	if order.BrokerOrderID == "" {
		// Never reached the broker; cancel is purely local.
		m.finalizeLocked(ctx, order, domain.OrderStatusCancelled, "cancelled before submission")
		m.locks.Unlock(orderID)
		m.publish(order)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(callCtx, order.BrokerOrderID); err != nil {
		if be := domain.AsBrokerError(err); be != nil && be.Retryable() {
			order.NeedsReconcile = true
			order.UpdatedAt = time.Now().UTC()
			m.persistLocked(ctx, order)
		}
		m.locks.Unlock(orderID)
		return err
	}
	m.locks.Unlock(orderID)
	m.log.Info("cancel requested", "order_id", orderID)
	return nil
}

// Modify changes quantity and/or prices of an order that has no fills yet.
// The broker-native replace is used when available, otherwise the order is
// cancelled and re-submitted; either way the external order ID is stable
// and only BrokerOrderID changes.
func (m *Manager) Modify(ctx context.Context, orderID string, req broker.ReplaceRequest) (*domain.Order, error) {
	m.locks.Lock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return nil, err
	}
	if order.Status != domain.OrderStatusSubmitted || order.FilledQty > 0 {
		m.locks.Unlock(orderID)
		return nil, &domain.TransitionError{OrderID: orderID, From: order.Status, Event: "modify"}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()

	var newBrokerID string
	if m.broker.SupportsReplace() {
		newBrokerID, err = m.broker.ReplaceOrder(callCtx, order.BrokerOrderID, req)
	} else {
		newBrokerID, err = m.cancelResubmitLocked(callCtx, order, req)
	}
	if err != nil {
		if be := domain.AsBrokerError(err); be != nil && be.Retryable() {
			order.NeedsReconcile = true
			order.UpdatedAt = time.Now().UTC()
			m.persistLocked(ctx, order)
		}
		m.locks.Unlock(orderID)
		return nil, err
	}

	order.BrokerOrderID = newBrokerID
	if req.Qty != nil {
		order.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		order.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil {
		order.StopPrice = req.StopPrice
	}
	order.UpdatedAt = time.Now().UTC()
	m.persistLocked(ctx, order)
	m.locks.Unlock(orderID)
	m.publish(order)
	m.log.Info("order modified", "order_id", orderID, "broker_order_id", newBrokerID)
	return order.Clone(), nil
}

// cancelResubmitLocked is the modify fallback for brokers without native
// replace. The stale broker ID's cancel confirmation is ignored later
// because it no longer matches order.BrokerOrderID.
func (m *Manager) cancelResubmitLocked(ctx context.Context, order *domain.Order, req broker.ReplaceRequest) (string, error) {
	if err := m.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		return "", err
	}
	resub := order.Clone()
	if req.Qty != nil {
		resub.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		resub.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil {
		resub.StopPrice = req.StopPrice
	}
	return m.broker.SubmitOrder(ctx, resub)
}

// Expire moves a submitted order to Expired when its time in force lapsed.
func (m *Manager) Expire(ctx context.Context, orderID, reason string) error {
	m.locks.Lock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return err
	}
	_, terr := Next(orderID, order.Status, EventTIFExpired)
	if terr != nil {
		m.locks.Unlock(orderID)
		return terr
	}
	m.finalizeLocked(ctx, order, domain.OrderStatusExpired, reason)
	m.locks.Unlock(orderID)
	m.publish(order)
	return nil
}

// ---- trade-update stream ----

// HandleTradeUpdate applies one broker push event. Duplicate and stale
// events are tolerated: fills dedup on fill_id, cancel confirmations for a
// superseded broker ID are dropped, and a cancel arriving after a full fill
// loses to the fill.
func (m *Manager) HandleTradeUpdate(ctx context.Context, u broker.TradeUpdate) {
	if u.OrderID == "" {
		m.log.Warn("trade update without order id dropped", "event", u.Event, "broker_order_id", u.BrokerOrderID)
		return
	}

	m.locks.Lock(u.OrderID)
	order, err := m.loadLocked(ctx, u.OrderID)
	if err != nil {
		m.locks.Unlock(u.OrderID)
		m.log.Warn("trade update for unknown order", "order_id", u.OrderID, "event", u.Event)
		return
	}

	changed := false
	switch u.Event {
	case broker.EventNew:
		if order.Status == domain.OrderStatusCreated {
			// Submit timed out locally but landed broker-side.
			now := time.Now().UTC()
			order.Status = domain.OrderStatusSubmitted
			order.SubmittedAt = &now
			order.UpdatedAt = now
			if u.BrokerOrderID != "" {
				order.BrokerOrderID = u.BrokerOrderID
			}
			order.NeedsReconcile = false
			m.persistLocked(ctx, order)
			changed = true
		}

	case broker.EventFill, broker.EventPartialFill:
		changed, err = m.applyFillLocked(ctx, order, u.FillID, u.FillQty, u.FillPrice, u.Timestamp)
		if err != nil {
			m.log.Warn("stream fill not applied", "order_id", u.OrderID, "fill_id", u.FillID, "error", err)
		}

	case broker.EventCanceled:
		changed = m.confirmCancelLocked(ctx, order, u)

	case broker.EventExpired:
		changed = m.confirmExpireLocked(ctx, order, u)

	case broker.EventRejected:
		if _, terr := Next(order.ID, order.Status, EventBrokerRejected); terr != nil {
			m.log.Error("reject event illegal for order state", "order_id", order.ID, "status", order.Status)
		} else {
			m.finalizeLocked(ctx, order, domain.OrderStatusRejected, u.Reason)
			changed = true
		}

	case broker.EventReplaced:
		if u.BrokerOrderID != "" && u.BrokerOrderID != order.BrokerOrderID {
			order.BrokerOrderID = u.BrokerOrderID
			order.UpdatedAt = time.Now().UTC()
			m.persistLocked(ctx, order)
			changed = true
		}

	default:
		m.log.Debug("unhandled trade update event", "event", u.Event, "order_id", u.OrderID)
	}

	m.locks.Unlock(u.OrderID)
	if changed {
		m.publish(order)
	}
}

func (m *Manager) confirmCancelLocked(ctx context.Context, order *domain.Order, u broker.TradeUpdate) bool {
	if u.BrokerOrderID != "" && order.BrokerOrderID != "" && u.BrokerOrderID != order.BrokerOrderID {
		// Confirmation for a broker ID superseded by a modify.
		return false
	}
	if order.Status == domain.OrderStatusFilled {
		// A fill raced the cancel and won.
		m.log.Info("cancel confirmation after full fill ignored", "order_id", order.ID)
		return false
	}
	if _, terr := Next(order.ID, order.Status, EventCancelConfirm); terr != nil {
		m.log.Error("cancel confirmation illegal for order state", "order_id", order.ID, "status", order.Status)
		return false
	}
	reason := u.Reason
	if reason == "" {
		reason = "cancelled at broker"
	}
	m.finalizeLocked(ctx, order, domain.OrderStatusCancelled, reason)
	return true
}

func (m *Manager) confirmExpireLocked(ctx context.Context, order *domain.Order, u broker.TradeUpdate) bool {
	if _, terr := Next(order.ID, order.Status, EventTIFExpired); terr == nil {
		m.finalizeLocked(ctx, order, domain.OrderStatusExpired, "time in force elapsed")
		return true
	}
	// A partially filled order expires by cancelling its remainder.
	if _, terr := Next(order.ID, order.Status, EventCancelConfirm); terr == nil {
		m.finalizeLocked(ctx, order, domain.OrderStatusCancelled, "time in force elapsed, remainder cancelled")
		return true
	}
	m.log.Error("expire event illegal for order state", "order_id", order.ID, "status", order.Status)
	return false
}

// ---- reconciliation hooks ----

// ForceStatus overwrites an order's status with broker-reported truth,
// bypassing the transition table. Reconciliation only; the broker is the
// system of record when local and broker state disagree.
func (m *Manager) ForceStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string) (*domain.Order, error) {
	m.locks.Lock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		m.locks.Unlock(orderID)
		return nil, err
	}
	if order.Status == status {
		order.NeedsReconcile = false
		m.persistLocked(ctx, order)
		m.locks.Unlock(orderID)
		return order.Clone(), nil
	}

	m.log.Warn("order status corrected to broker truth",
		"order_id", orderID, "local", order.Status, "broker", status)
	now := time.Now().UTC()
	order.Status = status
	if reason != "" {
		order.Reason = reason
	}
	order.UpdatedAt = now
	if status.IsTerminal() && order.TerminalAt == nil {
		order.TerminalAt = &now
	}
	order.NeedsReconcile = false
	m.persistLocked(ctx, order)
	m.locks.Unlock(orderID)
	m.publish(order)
	return order.Clone(), nil
}

// AdoptBrokerOrderID records the broker's ID for an order whose submission
// outcome was unknown until reconciliation located it by client order ID.
func (m *Manager) AdoptBrokerOrderID(ctx context.Context, orderID, brokerOrderID string) error {
	m.locks.Lock(orderID)
	defer m.locks.Unlock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BrokerOrderID == brokerOrderID {
		return nil
	}
	m.log.Info("broker order id adopted", "order_id", orderID, "broker_order_id", brokerOrderID)
	order.BrokerOrderID = brokerOrderID
	order.UpdatedAt = time.Now().UTC()
	m.persistLocked(ctx, order)
	return nil
}

// ClearReconcileFlag unmarks an order the reconciler has verified.
func (m *Manager) ClearReconcileFlag(ctx context.Context, orderID string) error {
	m.locks.Lock(orderID)
	defer m.locks.Unlock(orderID)
	order, err := m.loadLocked(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.NeedsReconcile {
		return nil
	}
	order.NeedsReconcile = false
	m.persistLocked(ctx, order)
	return nil
}

// ---- accessors ----

// GetOrder returns a copy of an order, falling back to the store for
// terminal orders evicted from the index.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	order, ok := m.index[orderID]
	m.mu.RUnlock()
	if ok {
		return order.Clone(), nil
	}
	return m.orders.GetOrder(ctx, orderID)
}

// OpenOrders returns copies of all non-terminal orders, oldest first.
func (m *Manager) OpenOrders() []domain.Order {
	m.mu.RLock()
	out := make([]domain.Order, 0, len(m.index))
	for _, o := range m.index {
		if !o.Status.IsTerminal() {
			out = append(out, *o.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FlaggedForReconcile returns orders awaiting reconciliation follow-up.
func (m *Manager) FlaggedForReconcile() []domain.Order {
	m.mu.RLock()
	var out []domain.Order
	for _, o := range m.index {
		if o.NeedsReconcile {
			out = append(out, *o.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---- internals ----

// loadLocked resolves an order while its key lock is held, consulting the
// store when the index misses.
func (m *Manager) loadLocked(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	order, ok := m.index[orderID]
	m.mu.RUnlock()
	if ok {
		return order, nil
	}
	stored, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !stored.Status.IsTerminal() {
		m.mu.Lock()
		m.index[orderID] = stored
		m.mu.Unlock()
	}
	return stored, nil
}

// finalizeLocked moves an order to a terminal status with a reason.
// Caller holds the order's key lock.
func (m *Manager) finalizeLocked(ctx context.Context, order *domain.Order, status domain.OrderStatus, reason string) {
	now := time.Now().UTC()
	order.Status = status
	order.Reason = reason
	order.TerminalAt = &now
	order.UpdatedAt = now
	order.NeedsReconcile = false
	m.persistLocked(ctx, order)
}

// persistLocked writes the order through to the store. Persistence failure
// is logged, not propagated: the in-memory order remains authoritative and
// the reconciler repairs the store on the next pass.
func (m *Manager) persistLocked(ctx context.Context, order *domain.Order) {
	if err := m.orders.UpdateOrder(ctx, order); err != nil {
		m.log.Error("order persist failed", "order_id", order.ID, "error", err)
		return
	}
	// Durable terminal orders are served from the store; dropping them
	// keeps the index bounded by open orders.
	if order.Status.IsTerminal() {
		m.mu.Lock()
		delete(m.index, order.ID)
		m.mu.Unlock()
	}
}

func (m *Manager) lastPrice(ctx context.Context, symbol string) decimal.Decimal {
	if m.prices == nil {
		return decimal.Zero
	}
	price, err := m.prices.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero
	}
	return price
}
