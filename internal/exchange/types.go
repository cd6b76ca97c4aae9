package exchange

import "encoding/json"

// StatusResponse from GET /exchange/status.
type StatusResponse struct {
	ExchangeActive      bool   `json:"exchange_active"`
	TradingActive       bool   `json:"trading_active"`
	EstimatedResumeTime string `json:"exchange_estimated_resume_time,omitempty"`
}

// MarketsPage is one page of raw market records. Records stay opaque bytes so
// a single malformed record cannot poison the rest of the page; the
// normalizer decodes them one by one.
type MarketsPage struct {
	Markets []json.RawMessage `json:"markets"`
	Cursor  string            `json:"cursor"`
}

// EventsPage is one page of raw event records.
type EventsPage struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor"`
}

// ListMarketsOptions configures a ListMarkets request. Cursor is opaque:
// whatever the previous page returned is passed back verbatim.
type ListMarketsOptions struct {
	Limit        int
	Cursor       string
	Status       string
	EventTicker  string
	MinCreatedTS string // RFC 3339; server-side incremental window
}

// ListEventsOptions configures a ListEvents request.
type ListEventsOptions struct {
	Limit  int
	Cursor string
	Status string
}

// OrderRequest is the payload for order submission. ClientOrderID is the
// locally generated id the exchange echoes back, which lets an ambiguous
// submission be reconciled later. The limit price goes in the field matching
// the order's side.
type OrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Side          string `json:"side"`   // "yes" or "no"
	Action        string `json:"action"` // "buy" or "sell"
	Type          string `json:"type"`   // "limit"
	Count         int64  `json:"count"`
	YesPriceCents int64  `json:"yes_price,omitempty"`
	NoPriceCents  int64  `json:"no_price,omitempty"`
}

// OrderStatus is the exchange's view of an order. All fields are untrusted
// input and validated by the order manager before use.
type OrderStatus struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // e.g. "resting", "executed", "canceled"
	FilledQuantity int64  `json:"filled_count"`
	RemainingCount int64  `json:"remaining_count"`
	AvgFillCents   int64  `json:"avg_fill_price"`
}

// orderEnvelope wraps single-order responses.
type orderEnvelope struct {
	Order OrderStatus `json:"order"`
}

// ordersEnvelope wraps order-list responses.
type ordersEnvelope struct {
	Orders []OrderStatus `json:"orders"`
	Cursor string        `json:"cursor"`
}
