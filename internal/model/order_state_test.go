package model

import "testing"

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{OrderRiskRejected, OrderFilled, OrderCancelled, OrderRejectedByExchange}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []OrderState{OrderCreated, OrderRiskPending, OrderSubmitted, OrderSubmissionUncertain, OrderAcknowledged, OrderPartiallyFilled}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderState
		ok       bool
	}{
		{OrderCreated, OrderRiskPending, true},
		{OrderRiskPending, OrderSubmitted, true},
		{OrderRiskPending, OrderRiskRejected, true},
		{OrderSubmitted, OrderAcknowledged, true},
		{OrderSubmitted, OrderSubmitted, true}, // transient retry
		{OrderSubmitted, OrderSubmissionUncertain, true},
		{OrderSubmissionUncertain, OrderRejectedByExchange, true},
		{OrderAcknowledged, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},

		// No re-running risk after submission.
		{OrderSubmitted, OrderRiskPending, false},
		// No exits from terminal states.
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderFilled, false},
		{OrderRiskRejected, OrderSubmitted, false},
		{OrderRejectedByExchange, OrderAcknowledged, false},
		// No skipping intake.
		{OrderCreated, OrderSubmitted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []OrderState{
		OrderCreated, OrderRiskPending, OrderRiskRejected, OrderSubmitted,
		OrderSubmissionUncertain, OrderAcknowledged, OrderPartiallyFilled,
		OrderFilled, OrderCancelled, OrderRejectedByExchange,
	}

	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s allows transition to %s", from, to)
			}
		}
	}
}
