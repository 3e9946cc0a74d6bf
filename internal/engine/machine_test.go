package engine

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"tradedesk/internal/domain"
)

var allStatuses = []domain.OrderStatus{
	domain.OrderStatusCreated,
	domain.OrderStatusSubmitted,
	domain.OrderStatusPartiallyFilled,
	domain.OrderStatusFilled,
	domain.OrderStatusCancelled,
	domain.OrderStatusRejected,
	domain.OrderStatusExpired,
}

var allEvents = []Event{
	EventBrokerAccepted,
	EventPartialFill,
	EventFullFill,
	EventCancelConfirm,
	EventBrokerRejected,
	EventTIFExpired,
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  domain.OrderStatus
		event Event
		to    domain.OrderStatus
	}{
		{domain.OrderStatusCreated, EventBrokerAccepted, domain.OrderStatusSubmitted},
		{domain.OrderStatusCreated, EventBrokerRejected, domain.OrderStatusRejected},
		{domain.OrderStatusCreated, EventCancelConfirm, domain.OrderStatusCancelled},
		{domain.OrderStatusSubmitted, EventPartialFill, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusSubmitted, EventFullFill, domain.OrderStatusFilled},
		{domain.OrderStatusSubmitted, EventCancelConfirm, domain.OrderStatusCancelled},
		{domain.OrderStatusSubmitted, EventBrokerRejected, domain.OrderStatusRejected},
		{domain.OrderStatusSubmitted, EventTIFExpired, domain.OrderStatusExpired},
		{domain.OrderStatusPartiallyFilled, EventPartialFill, domain.OrderStatusPartiallyFilled},
		{domain.OrderStatusPartiallyFilled, EventFullFill, domain.OrderStatusFilled},
		{domain.OrderStatusPartiallyFilled, EventCancelConfirm, domain.OrderStatusCancelled},
	}
	for _, tt := range tests {
		got, err := Next("ord-1", tt.from, tt.event)
		if err != nil {
			t.Errorf("Next(%s, %s) unexpected error: %v", tt.from, tt.event, err)
			continue
		}
		if got != tt.to {
			t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.to)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		from  domain.OrderStatus
		event Event
	}{
		{domain.OrderStatusCreated, EventFullFill},      // cannot fill before submit
		{domain.OrderStatusCreated, EventTIFExpired},
		{domain.OrderStatusSubmitted, EventBrokerAccepted},
		{domain.OrderStatusPartiallyFilled, EventBrokerRejected},
		{domain.OrderStatusPartiallyFilled, EventBrokerAccepted}, // no revert to submitted
		{domain.OrderStatusFilled, EventCancelConfirm},
		{domain.OrderStatusCancelled, EventFullFill},
		{domain.OrderStatusRejected, EventBrokerAccepted},
		{domain.OrderStatusExpired, EventPartialFill},
	}
	for _, tt := range tests {
		got, err := Next("ord-1", tt.from, tt.event)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("Next(%s, %s) error = %v, want ErrInvalidTransition", tt.from, tt.event, err)
		}
		if got != tt.from {
			t.Errorf("Next(%s, %s) changed state to %s on illegal event", tt.from, tt.event, got)
		}
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, ev := range allEvents {
			if CanTransition(s, ev) {
				t.Errorf("terminal status %s has an outgoing edge on %s", s, ev)
			}
		}
	}
}

// Any event sequence applied through the table only ever yields legal
// states, never revisits Submitted after a partial fill, and stops changing
// once a terminal state is reached.
func TestTransitionSequences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := domain.OrderStatusCreated
		sawPartial := false
		for i := 0; i < 30; i++ {
			ev := allEvents[rapid.IntRange(0, len(allEvents)-1).Draw(t, "event")]
			next, err := Next("ord-1", state, ev)
			if err != nil {
				if next != state {
					t.Fatalf("illegal event %s mutated state %s -> %s", ev, state, next)
				}
				continue
			}
			if state.IsTerminal() {
				t.Fatalf("transition %s -> %s out of terminal state", state, next)
			}
			if sawPartial && next == domain.OrderStatusSubmitted {
				t.Fatalf("re-entered submitted after a partial fill")
			}
			if next == domain.OrderStatusPartiallyFilled {
				sawPartial = true
			}
			state = next
		}
	})
}
