// Package reconcile periodically compares local order and position state
// against the broker and corrects local state when they disagree. The
// broker is the system of record: divergences are logged, repaired locally,
// and recorded for audit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/ledger"
	"tradedesk/internal/store"
)

// OrderEngine is the slice of the order manager the reconciler drives. All
// corrections go through it so per-order single-writer discipline holds.
type OrderEngine interface {
	FlaggedForReconcile() []domain.Order
	OpenOrders() []domain.Order
	ApplyFill(ctx context.Context, orderID, fillID string, qty int64, price decimal.Decimal, ts time.Time) (*domain.Order, error)
	ForceStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string) (*domain.Order, error)
	AdoptBrokerOrderID(ctx context.Context, orderID, brokerOrderID string) error
	ClearReconcileFlag(ctx context.Context, orderID string) error
}

// Reconciler runs the periodic truth sweep. Orders flagged after broker
// timeouts are checked first, then all open orders, then positions.
type Reconciler struct {
	engine    OrderEngine
	broker    broker.Broker
	positions *ledger.Ledger
	audit     store.AuditStore
	interval  time.Duration
	log       *slog.Logger
}

func New(engine OrderEngine, b broker.Broker, positions *ledger.Ledger, audit store.AuditStore, interval time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		engine:    engine,
		broker:    b,
		positions: positions,
		audit:     audit,
		interval:  interval,
		log:       log.With("component", "reconcile"),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one full reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	r.sweepFlagged(ctx)
	if err := r.sweepOpenOrders(ctx); err != nil {
		return err
	}
	return r.sweepPositions(ctx)
}

// sweepFlagged resolves orders whose last broker call timed out, so their
// true state is unknown.
func (r *Reconciler) sweepFlagged(ctx context.Context) {
	for _, order := range r.engine.FlaggedForReconcile() {
		snap, err := r.lookup(ctx, &order)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if order.BrokerOrderID == "" {
				// The submit never landed. The order stays created; a retry
				// with the same client_request_id re-submits it.
				if cerr := r.engine.ClearReconcileFlag(ctx, order.ID); cerr != nil {
					r.log.Error("clearing reconcile flag failed", "order_id", order.ID, "error", cerr)
				}
				r.log.Info("flagged order unknown to broker, submit never landed", "order_id", order.ID)
			} else {
				r.recordDivergence(ctx, "order", order.ID, "existence", string(order.Status), "not found")
				r.log.Error("broker lost a submitted order", "order_id", order.ID, "broker_order_id", order.BrokerOrderID)
			}
		case err != nil:
			r.log.Warn("flagged order poll failed", "order_id", order.ID, "error", err)
		default:
			r.syncOrder(ctx, &order, snap)
		}
	}
}

// sweepOpenOrders polls every locally open order against the broker.
func (r *Reconciler) sweepOpenOrders(ctx context.Context) error {
	for _, order := range r.engine.OpenOrders() {
		if order.BrokerOrderID == "" {
			// Created and never submitted; nothing broker-side to compare.
			continue
		}
		snap, err := r.broker.GetOrder(ctx, order.BrokerOrderID)
		if err != nil {
			if be := domain.AsBrokerError(err); be != nil && be.Retryable() {
				return fmt.Errorf("broker unavailable during order sweep: %w", err)
			}
			r.log.Warn("order poll failed", "order_id", order.ID, "error", err)
			continue
		}
		r.syncOrder(ctx, &order, snap)
	}
	return nil
}

// lookup fetches the broker's view of an order, falling back to the client
// order ID for orders whose submission outcome is unknown.
func (r *Reconciler) lookup(ctx context.Context, order *domain.Order) (*broker.OrderSnapshot, error) {
	if order.BrokerOrderID != "" {
		return r.broker.GetOrder(ctx, order.BrokerOrderID)
	}
	return r.broker.GetOrderByClientID(ctx, order.ID)
}

// syncOrder corrects one order to broker truth: missed fills first, then
// status. Synthetic fill IDs are deterministic in the broker's cumulative
// filled quantity, so re-running a sweep never double-applies.
func (r *Reconciler) syncOrder(ctx context.Context, local *domain.Order, snap *broker.OrderSnapshot) {
	current := local
	if local.BrokerOrderID == "" && snap.BrokerOrderID != "" {
		if err := r.engine.AdoptBrokerOrderID(ctx, local.ID, snap.BrokerOrderID); err != nil {
			r.log.Error("adopting broker order id failed", "order_id", local.ID, "error", err)
		}
	}
	if gap := snap.FilledQty - local.FilledQty; gap > 0 {
		fillID := fmt.Sprintf("recon-%s-%d", local.ID, snap.FilledQty)
		price := r.gapPrice(local, snap, gap)
		r.recordDivergence(ctx, "order", local.ID, "filled_qty",
			fmt.Sprintf("%d", local.FilledQty), fmt.Sprintf("%d", snap.FilledQty))
		updated, err := r.engine.ApplyFill(ctx, local.ID, fillID, gap, price, time.Now().UTC())
		if err != nil {
			r.log.Error("synthetic fill failed", "order_id", local.ID, "fill_id", fillID, "error", err)
		} else {
			current = updated
			r.log.Warn("missed fills recovered from broker", "order_id", local.ID, "qty", gap, "price", price.String())
		}
	}

	if current.Status != snap.Status {
		r.recordDivergence(ctx, "order", local.ID, "status", string(current.Status), string(snap.Status))
		if _, err := r.engine.ForceStatus(ctx, local.ID, snap.Status, snap.Reason); err != nil {
			r.log.Error("status correction failed", "order_id", local.ID, "error", err)
		}
		return
	}
	if current.NeedsReconcile {
		if err := r.engine.ClearReconcileFlag(ctx, local.ID); err != nil {
			r.log.Error("clearing reconcile flag failed", "order_id", local.ID, "error", err)
		}
	}
}

// gapPrice solves for the price of the missed quantity so the local average
// fill price lands on the broker's. Falls back to the broker average when
// the arithmetic degenerates.
func (r *Reconciler) gapPrice(local *domain.Order, snap *broker.OrderSnapshot, gap int64) decimal.Decimal {
	if snap.AvgFillPrice.IsZero() {
		return local.AvgFillPrice
	}
	brokerNotional := snap.AvgFillPrice.Mul(decimal.NewFromInt(snap.FilledQty))
	localNotional := local.AvgFillPrice.Mul(decimal.NewFromInt(local.FilledQty))
	price := brokerNotional.Sub(localNotional).Div(decimal.NewFromInt(gap))
	if !price.IsPositive() {
		return snap.AvgFillPrice
	}
	return price
}

// sweepPositions corrects the position ledger to the broker's holdings.
func (r *Reconciler) sweepPositions(ctx context.Context) error {
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}

	bySymbol := make(map[string]broker.PositionSnapshot, len(brokerPositions))
	for _, p := range brokerPositions {
		bySymbol[p.Symbol] = p
	}

	seen := make(map[string]bool)
	for _, local := range r.positions.Open() {
		seen[local.Symbol] = true
		bp, ok := bySymbol[local.Symbol]
		if !ok {
			r.recordDivergence(ctx, "position", local.Symbol, "quantity",
				fmt.Sprintf("%d", local.Qty), "0")
			r.log.Warn("position flat at broker, correcting", "symbol", local.Symbol, "local_qty", local.Qty)
			if _, err := r.positions.ForceSet(ctx, local.Symbol, 0, decimal.Zero); err != nil {
				r.log.Error("position correction failed", "symbol", local.Symbol, "error", err)
			}
			continue
		}
		if bp.Qty != local.Qty {
			r.recordDivergence(ctx, "position", local.Symbol, "quantity",
				fmt.Sprintf("%d", local.Qty), fmt.Sprintf("%d", bp.Qty))
			r.log.Warn("position quantity divergence, correcting",
				"symbol", local.Symbol, "local_qty", local.Qty, "broker_qty", bp.Qty)
			if _, err := r.positions.ForceSet(ctx, local.Symbol, bp.Qty, bp.AvgEntryPrice); err != nil {
				r.log.Error("position correction failed", "symbol", local.Symbol, "error", err)
			}
		}
	}

	for _, bp := range brokerPositions {
		if seen[bp.Symbol] {
			continue
		}
		r.recordDivergence(ctx, "position", bp.Symbol, "quantity", "0", fmt.Sprintf("%d", bp.Qty))
		r.log.Warn("position held at broker but not locally, adopting",
			"symbol", bp.Symbol, "broker_qty", bp.Qty)
		if _, err := r.positions.ForceSet(ctx, bp.Symbol, bp.Qty, bp.AvgEntryPrice); err != nil {
			r.log.Error("position adoption failed", "symbol", bp.Symbol, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) recordDivergence(ctx context.Context, entity, entityID, field, localValue, brokerValue string) {
	if r.audit == nil {
		return
	}
	d := &store.Divergence{
		Entity:      entity,
		EntityID:    entityID,
		Field:       field,
		LocalValue:  localValue,
		BrokerValue: brokerValue,
		ObservedAt:  time.Now().UTC(),
	}
	if err := r.audit.SaveDivergence(ctx, d); err != nil {
		r.log.Error("recording divergence failed", "entity", entity, "id", entityID, "error", err)
	}
}
