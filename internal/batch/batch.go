// Package batch runs compound order operations: multi-order submission and
// close-all. Children are independent; a failed child never rolls back its
// siblings, and failed children can be retried without touching the ones
// that succeeded.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
	"tradedesk/internal/store"
)

// OrderPlacer is the slice of the order manager the orchestrator needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, spec *domain.OrderSpec) (*domain.Order, bool, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	Subscribe(fn func(domain.Order))
}

// PositionSource supplies the open positions snapshot for close-all.
type PositionSource interface {
	Open() []domain.Position
}

// Orchestrator owns BatchOperation records. Child orders are submitted
// through a bounded worker pool; outcomes are collected from the order
// manager's update feed as children reach terminal states.
type Orchestrator struct {
	placer    OrderPlacer
	positions PositionSource
	persist   store.BatchStore
	workers   int
	log       *slog.Logger

	mu      sync.Mutex
	batches map[string]*domain.BatchOperation
	// orderBatch maps a child order ID to its batch for outcome collection.
	orderBatch map[string]string
}

// New wires the orchestrator and subscribes it to order updates.
func New(placer OrderPlacer, positions PositionSource, persist store.BatchStore, workers int, log *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		placer:     placer,
		positions:  positions,
		persist:    persist,
		workers:    workers,
		log:        log.With("component", "batch"),
		batches:    make(map[string]*domain.BatchOperation),
		orderBatch: make(map[string]string),
	}
	placer.Subscribe(o.onOrderUpdate)
	return o
}

// Load restores unfinished batches from the store after a restart.
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.persist == nil {
		return nil
	}
	batches, err := o.persist.ListBatches(ctx)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	o.mu.Lock()
	for i := range batches {
		b := batches[i]
		o.batches[b.ID] = &b
		if b.Status == domain.BatchStatusInProgress {
			for _, c := range b.Children {
				if c.OrderID != "" && c.Status == domain.BatchChildPending {
					o.orderBatch[c.OrderID] = b.ID
				}
			}
		}
	}
	o.mu.Unlock()
	o.log.Info("batches restored", "count", len(batches))
	return nil
}

// SubmitBatch creates a batch from specs and submits every child through
// the worker pool. The returned batch is typically still in_progress;
// callers poll Get or watch the update feed for completion.
func (o *Orchestrator) SubmitBatch(ctx context.Context, specs []domain.OrderSpec) (*domain.BatchOperation, error) {
	if len(specs) == 0 {
		return nil, &domain.ValidationError{Field: "orders", Reason: "batch requires at least one order"}
	}
	return o.run(ctx, domain.BatchKindSubmit, specs)
}

// CloseAll snapshots open positions and submits one opposite-side market
// order per non-zero position as a batch.
func (o *Orchestrator) CloseAll(ctx context.Context) (*domain.BatchOperation, error) {
	open := o.positions.Open()
	if len(open) == 0 {
		return nil, &domain.ValidationError{Field: "positions", Reason: "no open positions to close"}
	}

	specs := make([]domain.OrderSpec, 0, len(open))
	for _, p := range open {
		side := domain.OrderSideSell
		qty := p.Qty
		if qty < 0 {
			side = domain.OrderSideBuy
			qty = -qty
		}
		specs = append(specs, domain.OrderSpec{
			Symbol:      p.Symbol,
			Side:        side,
			Qty:         qty,
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceDay,
		})
	}
	return o.run(ctx, domain.BatchKindCloseAll, specs)
}

// Retry re-submits only the failed children of a batch, reusing their
// original specs and idempotency keys. Succeeded and pending children are
// untouched.
func (o *Orchestrator) Retry(ctx context.Context, batchID string) (*domain.BatchOperation, error) {
	o.mu.Lock()
	b, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}
	var failed []int
	for i := range b.Children {
		if b.Children[i].Status == domain.BatchChildFailed {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		snap := b.Clone()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	// Children whose previous attempt ended in a terminal order need a fresh
	// idempotency key: the old key maps to that dead order and would
	// short-circuit the resubmission. A child whose order never got through
	// (still created, or none at all) keeps its key so the retry resumes the
	// same order instead of double-submitting.
	freshKey := make(map[int]bool, len(failed))
	for _, i := range failed {
		o.mu.Lock()
		orderID := b.Children[i].OrderID
		o.mu.Unlock()
		if orderID == "" {
			continue
		}
		if order, err := o.placer.GetOrder(ctx, orderID); err == nil && order.Status.IsTerminal() {
			freshKey[i] = true
		}
	}

	o.mu.Lock()
	var retry []int
	for _, i := range failed {
		if b.Children[i].Status != domain.BatchChildFailed {
			continue
		}
		b.Children[i].Status = domain.BatchChildPending
		b.Children[i].Reason = ""
		if freshKey[i] {
			b.Children[i].OrderID = ""
			b.Children[i].Spec.ClientRequestID = fmt.Sprintf("batch-%s-%d-%s", b.ID, i, uuid.NewString()[:8])
		}
		retry = append(retry, i)
	}
	b.Status = domain.BatchStatusInProgress
	b.CompletedAt = nil
	o.persistLocked(ctx, b)
	o.mu.Unlock()

	o.log.Info("retrying failed batch children", "batch_id", batchID, "children", len(retry))
	o.submit(ctx, batchID, retry)

	o.mu.Lock()
	snap := b.Clone()
	o.mu.Unlock()
	return snap, nil
}

// Get returns a copy of a batch's current state.
func (o *Orchestrator) Get(batchID string) (*domain.BatchOperation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}
	return b.Clone(), nil
}

// run creates the batch record and submits all children.
func (o *Orchestrator) run(ctx context.Context, kind domain.BatchKind, specs []domain.OrderSpec) (*domain.BatchOperation, error) {
	b := &domain.BatchOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    domain.BatchStatusInProgress,
		CreatedAt: time.Now().UTC(),
		Children:  make([]domain.BatchChild, len(specs)),
	}
	idxs := make([]int, len(specs))
	for i, spec := range specs {
		// Deterministic per-child idempotency key: a crashed or retried
		// batch never double-submits a child.
		spec.ClientRequestID = fmt.Sprintf("batch-%s-%d", b.ID, i)
		b.Children[i] = domain.BatchChild{
			Symbol: spec.Symbol,
			Status: domain.BatchChildPending,
			Spec:   spec,
		}
		idxs[i] = i
	}

	o.mu.Lock()
	o.batches[b.ID] = b
	if o.persist != nil {
		if err := o.persist.SaveBatch(ctx, b); err != nil {
			delete(o.batches, b.ID)
			o.mu.Unlock()
			return nil, fmt.Errorf("persist batch: %w", err)
		}
	}
	o.mu.Unlock()

	o.log.Info("batch started", "batch_id", b.ID, "kind", kind, "children", len(specs))
	o.submit(ctx, b.ID, idxs)

	o.mu.Lock()
	snap := b.Clone()
	o.mu.Unlock()
	return snap, nil
}

// submit pushes the given child indexes through the worker pool and waits
// for the placement calls to finish. Terminal outcomes may arrive later via
// the update feed.
func (o *Orchestrator) submit(ctx context.Context, batchID string, idxs []int) {
	childCh := make(chan int, len(idxs))
	for _, i := range idxs {
		childCh <- i
	}
	close(childCh)

	var wg sync.WaitGroup
	workers := o.workers
	if workers > len(idxs) {
		workers = len(idxs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range childCh {
				if ctx.Err() != nil {
					return
				}
				o.submitChild(ctx, batchID, i)
			}
		}()
	}
	wg.Wait()

	o.mu.Lock()
	if b, ok := o.batches[batchID]; ok {
		o.finalizeLocked(ctx, b)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) submitChild(ctx context.Context, batchID string, i int) {
	o.mu.Lock()
	b, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return
	}
	spec := b.Children[i].Spec
	o.mu.Unlock()

	order, _, err := o.placer.PlaceOrder(ctx, &spec)

	o.mu.Lock()
	b, ok = o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return
	}
	child := &b.Children[i]
	if order != nil {
		child.OrderID = order.ID
	}
	pending := false
	switch {
	case err != nil:
		child.Status = domain.BatchChildFailed
		child.Reason = err.Error()
		o.log.Warn("batch child failed", "batch_id", batchID, "symbol", child.Symbol, "error", err)
	case order.Status.IsTerminal():
		o.resolveChildLocked(child, order.Status, order.Reason)
	default:
		// Still working at the broker; collect the outcome from the feed.
		o.orderBatch[order.ID] = batchID
		pending = true
	}
	o.persistLocked(ctx, b)
	o.mu.Unlock()

	// The order can reach a terminal state between PlaceOrder returning and
	// the feed registration above; re-check so the child never hangs.
	if pending {
		if current, gerr := o.placer.GetOrder(ctx, order.ID); gerr == nil && current.Status.IsTerminal() {
			o.onOrderUpdate(*current)
		}
	}
}

// onOrderUpdate collects terminal child outcomes from the order manager's
// update feed.
func (o *Orchestrator) onOrderUpdate(order domain.Order) {
	if !order.Status.IsTerminal() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	batchID, ok := o.orderBatch[order.ID]
	if !ok {
		return
	}
	delete(o.orderBatch, order.ID)
	b, ok := o.batches[batchID]
	if !ok {
		return
	}
	for i := range b.Children {
		if b.Children[i].OrderID == order.ID && b.Children[i].Status == domain.BatchChildPending {
			o.resolveChildLocked(&b.Children[i], order.Status, order.Reason)
			break
		}
	}
	o.finalizeLocked(context.Background(), b)
	o.persistLocked(context.Background(), b)
}

// resolveChildLocked maps an order's terminal status to a child outcome.
// Filled counts as success; cancelled, rejected and expired are failures
// the caller may retry.
func (o *Orchestrator) resolveChildLocked(child *domain.BatchChild, status domain.OrderStatus, reason string) {
	if status == domain.OrderStatusFilled {
		child.Status = domain.BatchChildSucceeded
		return
	}
	child.Status = domain.BatchChildFailed
	if reason == "" {
		reason = fmt.Sprintf("order %s", status)
	}
	child.Reason = reason
}

// finalizeLocked recomputes the aggregate status once no child is pending.
func (o *Orchestrator) finalizeLocked(ctx context.Context, b *domain.BatchOperation) {
	done, total := b.Progress()
	if done < total {
		return
	}
	status := domain.BatchStatusCompleted
	if len(b.FailedChildren()) > 0 {
		status = domain.BatchStatusCompletedWithErrors
	}
	if b.Status == status && b.CompletedAt != nil {
		return
	}
	now := time.Now().UTC()
	b.Status = status
	b.CompletedAt = &now
	o.log.Info("batch finished", "batch_id", b.ID, "status", status, "children", total)
}

func (o *Orchestrator) persistLocked(ctx context.Context, b *domain.BatchOperation) {
	if o.persist == nil {
		return
	}
	if err := o.persist.SaveBatch(ctx, b); err != nil {
		o.log.Error("batch persist failed", "batch_id", b.ID, "error", err)
	}
}
