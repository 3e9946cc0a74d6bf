// Package store defines storage interfaces for persisting and retrieving
// engine state: orders, fills, positions, batches, idempotency keys, and
// reconciliation audit records.
package store

import (
	"context"
	"time"

	"tradedesk/internal/domain"
)

// AppliedFill is a fill as recorded in the journal: the immutable fill plus
// the signed position delta it contributed and its application sequence.
// Replaying AppliedFills in Seq order reproduces every position exactly.
type AppliedFill struct {
	Fill      domain.Fill
	SignedQty int64
	Seq       int64
}

// IdempotencyKey is a persisted admission: the caller-supplied request id
// and the order it resolved to.
type IdempotencyKey struct {
	Key        string
	OrderID    string
	AdmittedAt time.Time
}

// Divergence records one reconciliation correction: a field where local
// state disagreed with broker truth, and what it was corrected to.
type Divergence struct {
	ID          int64
	Entity      string // "order" or "position"
	EntityID    string
	Field       string
	LocalValue  string
	BrokerValue string
	ObservedAt  time.Time
}

// OrderStore persists and retrieves order records. Terminal orders are
// never deleted; they are immutable history.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status, or all
	// orders when status is empty.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListOpenOrders returns all orders in a non-terminal status.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// FillStore persists the append-only fill journal.
type FillStore interface {
	// SaveFill appends a fill with its signed position delta. Saving the
	// same fill ID twice is an error.
	SaveFill(ctx context.Context, fill *domain.Fill, signedQty int64) error

	// HasFill reports whether a fill ID has already been journaled.
	HasFill(ctx context.Context, fillID string) (bool, error)

	// ListFills returns all journaled fills in application order.
	ListFills(ctx context.Context) ([]AppliedFill, error)

	// ListFillsForOrder returns the fills applied to one order, in
	// application order.
	ListFillsForOrder(ctx context.Context, orderID string) ([]AppliedFill, error)
}

// PositionStore persists position snapshots for operational queries. The
// fill journal, not this table, is the source of truth on restart.
type PositionStore interface {
	// SavePosition inserts or updates the position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all recorded positions, including flat ones.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// BatchStore persists batch operations and their child outcomes.
type BatchStore interface {
	// SaveBatch inserts or updates a batch operation.
	SaveBatch(ctx context.Context, batch *domain.BatchOperation) error

	// GetBatch retrieves a batch by its ID.
	GetBatch(ctx context.Context, id string) (*domain.BatchOperation, error)

	// ListBatches returns all batch operations, oldest first.
	ListBatches(ctx context.Context) ([]domain.BatchOperation, error)
}

// IdempotencyStore persists admission keys so duplicate detection survives
// a restart within the retention window.
type IdempotencyStore interface {
	// SaveKey records an admission.
	SaveKey(ctx context.Context, key IdempotencyKey) error

	// ListKeys returns all admissions at or after notBefore.
	ListKeys(ctx context.Context, notBefore time.Time) ([]IdempotencyKey, error)

	// DeleteKey removes a single admission.
	DeleteKey(ctx context.Context, key string) error

	// DeleteKeysBefore removes admissions older than cutoff.
	DeleteKeysBefore(ctx context.Context, cutoff time.Time) error
}

// AuditStore records reconciliation divergence corrections.
type AuditStore interface {
	// SaveDivergence appends a divergence record.
	SaveDivergence(ctx context.Context, d *Divergence) error

	// ListDivergences returns the most recent divergences, newest first.
	ListDivergences(ctx context.Context, limit int) ([]Divergence, error)
}
