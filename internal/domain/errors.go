package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used with errors.Is across package boundaries.
var (
	// ErrInvalidTransition marks an attempted mutation that the order
	// state machine forbids, most often a write to a terminal order.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrNotFound is returned by stores and ledgers for unknown IDs.
	ErrNotFound = errors.New("not found")

	// ErrLedgerSealed is returned by the idempotency ledger when it has
	// failed closed and is rejecting new admissions.
	ErrLedgerSealed = errors.New("idempotency ledger sealed: new submissions rejected")
)

// ValidationError reports a malformed or incomplete order spec. It is
// raised before any broker call and is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransitionError reports an illegal state-machine transition. It unwraps
// to ErrInvalidTransition and leaves the order unchanged.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	Event   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: event %q illegal in state %q", e.OrderID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// BrokerErrorKind classifies broker failures into the normalized taxonomy
// the engine acts on, independent of broker vocabulary.
type BrokerErrorKind string

const (
	// BrokerRejected: the broker refused the request. Terminal, surfaced
	// verbatim, never retried.
	BrokerRejected BrokerErrorKind = "broker_rejected"

	// BrokerInsufficientFunds: refused for lack of buying power. Terminal
	// like BrokerRejected but surfaced distinctly, since the corrective
	// action differs.
	BrokerInsufficientFunds BrokerErrorKind = "insufficient_buying_power"

	// BrokerUnavailable: network failure or timeout. Retryable with
	// backoff; on exhaustion the order stays in its last known state.
	BrokerUnavailable BrokerErrorKind = "broker_unavailable"
)

// BrokerError is the normalized form of any failure returned by a broker
// adapter. Err retains the underlying cause for logging.
type BrokerError struct {
	Kind   BrokerErrorKind
	Reason string
	Err    error
}

func (e *BrokerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// Retryable reports whether the engine may retry the failed call.
func (e *BrokerError) Retryable() bool {
	return e.Kind == BrokerUnavailable
}

// AsBrokerError extracts a *BrokerError from err's chain, or nil.
func AsBrokerError(err error) *BrokerError {
	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}
	return nil
}
