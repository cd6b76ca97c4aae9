package model

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderCreated             OrderState = "created"
	OrderRiskPending         OrderState = "risk_pending"
	OrderRiskRejected        OrderState = "risk_rejected"
	OrderSubmitted           OrderState = "submitted"
	OrderSubmissionUncertain OrderState = "submission_uncertain"
	OrderAcknowledged        OrderState = "acknowledged"
	OrderPartiallyFilled     OrderState = "partially_filled"
	OrderFilled              OrderState = "filled"
	OrderCancelled           OrderState = "cancelled"
	OrderRejectedByExchange  OrderState = "rejected_by_exchange"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderRiskRejected, OrderFilled, OrderCancelled, OrderRejectedByExchange:
		return true
	default:
		return false
	}
}

// transitions is the closed set of legal state changes. Anything not listed
// is rejected at the boundary.
var transitions = map[OrderState][]OrderState{
	OrderCreated:     {OrderRiskPending},
	OrderRiskPending: {OrderRiskRejected, OrderSubmitted},
	OrderSubmitted: {
		OrderSubmitted, // transient submission retry re-enters here
		OrderAcknowledged,
		OrderSubmissionUncertain,
		OrderRejectedByExchange,
	},
	OrderSubmissionUncertain: {
		OrderAcknowledged,
		OrderPartiallyFilled,
		OrderFilled,
		OrderCancelled,
		OrderRejectedByExchange,
	},
	OrderAcknowledged: {
		OrderPartiallyFilled,
		OrderFilled,
		OrderCancelled,
	},
	OrderPartiallyFilled: {
		OrderPartiallyFilled,
		OrderFilled,
		OrderCancelled,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
