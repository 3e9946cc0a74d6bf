package domain

import "time"

// BatchKind distinguishes the compound operations the orchestrator runs.
type BatchKind string

const (
	BatchKindSubmit   BatchKind = "submit"
	BatchKindCloseAll BatchKind = "close_all"
)

// BatchStatus is the aggregate state of a compound operation.
type BatchStatus string

const (
	BatchStatusInProgress          BatchStatus = "in_progress"
	BatchStatusCompleted           BatchStatus = "completed"
	BatchStatusCompletedWithErrors BatchStatus = "completed_with_errors"
)

// BatchChildStatus is the outcome of a single child order within a batch.
type BatchChildStatus string

const (
	BatchChildPending   BatchChildStatus = "pending"
	BatchChildSucceeded BatchChildStatus = "succeeded"
	BatchChildFailed    BatchChildStatus = "failed"
)

// BatchChild records one child order of a batch and its outcome. OrderID is
// empty when the child failed before an order could be created.
type BatchChild struct {
	OrderID string           `json:"order_id,omitempty"`
	Symbol  string           `json:"symbol"`
	Status  BatchChildStatus `json:"status"`
	Reason  string           `json:"reason,omitempty"`

	// Spec retains the original request so failed children can be retried.
	Spec OrderSpec `json:"-"`
}

// BatchOperation is a compound request spanning multiple independent child
// orders. Children are fire-and-collect: one child's failure never rolls
// back its siblings.
type BatchOperation struct {
	ID          string       `json:"batch_id"`
	Kind        BatchKind    `json:"kind"`
	Children    []BatchChild `json:"children"`
	Status      BatchStatus  `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Progress returns how many children have reached a terminal outcome and
// the total child count, for "3/5 complete" style indicators.
func (b *BatchOperation) Progress() (done, total int) {
	for i := range b.Children {
		if b.Children[i].Status != BatchChildPending {
			done++
		}
	}
	return done, len(b.Children)
}

// FailedChildren returns the children that failed, with their reasons.
func (b *BatchOperation) FailedChildren() []BatchChild {
	var failed []BatchChild
	for i := range b.Children {
		if b.Children[i].Status == BatchChildFailed {
			failed = append(failed, b.Children[i])
		}
	}
	return failed
}

// Clone returns a deep copy safe to hand outside the orchestrator's locks.
func (b *BatchOperation) Clone() *BatchOperation {
	c := *b
	c.Children = make([]BatchChild, len(b.Children))
	copy(c.Children, b.Children)
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
