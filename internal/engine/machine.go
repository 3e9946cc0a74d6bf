// Package engine owns the canonical order lifecycle: the transition table,
// the OrderManager that serializes per-order mutation, and the pre-trade
// risk check. All order state changes in the system flow through here.
package engine

import (
	"tradedesk/internal/domain"
)

// Event is a lifecycle event that may move an order between statuses.
type Event string

const (
	EventBrokerAccepted Event = "broker_accepted"
	EventPartialFill    Event = "partial_fill"
	EventFullFill       Event = "full_fill"
	EventCancelConfirm  Event = "cancel_confirmed"
	EventBrokerRejected Event = "broker_rejected"
	EventTIFExpired     Event = "tif_expired"
)

// transitions is the full legality table. PartiallyFilled never reverts to
// Submitted, and no event leaves a terminal status.
var transitions = map[domain.OrderStatus]map[Event]domain.OrderStatus{
	domain.OrderStatusCreated: {
		EventBrokerAccepted: domain.OrderStatusSubmitted,
		EventBrokerRejected: domain.OrderStatusRejected,
		// An order that never reached the broker can be cancelled locally.
		EventCancelConfirm: domain.OrderStatusCancelled,
	},
	domain.OrderStatusSubmitted: {
		EventPartialFill:    domain.OrderStatusPartiallyFilled,
		EventFullFill:       domain.OrderStatusFilled,
		EventCancelConfirm:  domain.OrderStatusCancelled,
		EventBrokerRejected: domain.OrderStatusRejected,
		EventTIFExpired:     domain.OrderStatusExpired,
	},
	domain.OrderStatusPartiallyFilled: {
		EventPartialFill:   domain.OrderStatusPartiallyFilled,
		EventFullFill:      domain.OrderStatusFilled,
		EventCancelConfirm: domain.OrderStatusCancelled,
	},
}

// Next returns the status an order in `from` moves to on `event`, or a
// TransitionError when the table has no such edge.
func Next(orderID string, from domain.OrderStatus, event Event) (domain.OrderStatus, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, &domain.TransitionError{OrderID: orderID, From: from, Event: string(event)}
}

// CanTransition reports whether the table has an edge for (from, event).
func CanTransition(from domain.OrderStatus, event Event) bool {
	_, ok := transitions[from][event]
	return ok
}
