// Package store is the durable owner of canonical Market, Event, Order and
// Position records. All components read and mutate them through it.
//
// Writes are serialized per entity key: concurrent upserts to different keys
// proceed independently, concurrent writers to the same key are serialized
// and always re-read state inside that serialization.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

var (
	// ErrDuplicateOrder is returned when creating an order whose id exists.
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
)

// MarketChange describes an observable change produced by a market upsert.
type MarketChange struct {
	Ticker    string
	Kind      ChangeKind
	OldStatus model.MarketStatus
	NewStatus model.MarketStatus
	Market    model.Market
}

// ChangeKind classifies a market change.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangeStatusChange ChangeKind = "status_change"
	ChangeUpdated      ChangeKind = "updated"
)

// MarketFilter narrows ListMarkets results.
type MarketFilter struct {
	Status      model.MarketStatus
	EventTicker string
	Limit       int
}

// Store is the keyed reconciliation store shared by ingestion and execution.
type Store interface {
	// UpsertMarkets applies a batch of normalized markets keyed by ticker.
	// Re-applying an identical record is a no-op and emits no change.
	UpsertMarkets(ctx context.Context, markets []model.Market) ([]MarketChange, error)
	// UpsertEvents applies a batch of normalized events keyed by event
	// ticker, returning the number that actually changed.
	UpsertEvents(ctx context.Context, events []model.Event) (int, error)

	GetMarket(ctx context.Context, ticker string) (model.Market, bool, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)
	GetEvent(ctx context.Context, eventTicker string) (model.Event, bool, error)
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
	HasEvent(ctx context.Context, eventTicker string) (bool, error)

	// CreateOrder inserts a new order; the id must be unused.
	CreateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (model.Order, bool, error)
	// ListOpenOrders returns orders not yet in a terminal state.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)
	// UpdateOrder mutates one order under its key lock. fn receives the
	// freshly re-read order; returning an error aborts the write.
	UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*model.Order) error) (model.Order, error)
	// UpdateOrderWithPosition mutates an order and the position of its
	// market in one atomic step, so no observer sees a filled order with a
	// stale position.
	UpdateOrderWithPosition(ctx context.Context, id uuid.UUID, fn func(*model.Order, *model.Position) error) (model.Order, model.Position, error)

	GetPosition(ctx context.Context, ticker string) (model.Position, bool, error)
	ListPositions(ctx context.Context) ([]model.Position, error)
}

// mergeMarket folds an incoming snapshot into an existing record, keeping the
// status monotonic. Returns the merged record and the change it represents;
// ok is false when nothing observable changed.
func mergeMarket(existing model.Market, exists bool, incoming model.Market) (model.Market, MarketChange, bool) {
	if !exists {
		return incoming, MarketChange{
			Ticker:    incoming.Ticker,
			Kind:      ChangeCreated,
			NewStatus: incoming.Status,
			Market:    incoming,
		}, true
	}

	merged := incoming
	// Status never regresses: a stale poll cannot un-settle a market.
	if incoming.Status.Rank() < existing.Status.Rank() {
		merged.Status = existing.Status
	}

	if marketsEqual(existing, merged) {
		return existing, MarketChange{}, false
	}

	change := MarketChange{
		Ticker:    merged.Ticker,
		Kind:      ChangeUpdated,
		OldStatus: existing.Status,
		NewStatus: merged.Status,
		Market:    merged,
	}
	if existing.Status != merged.Status {
		change.Kind = ChangeStatusChange
	}
	return merged, change, true
}

// marketsEqual compares everything except the observation stamp, so that
// re-observing an unchanged market leaves the store untouched.
func marketsEqual(a, b model.Market) bool {
	a.ObservedAt = 0
	b.ObservedAt = 0
	return a == b
}

// eventsEqual compares events modulo the observation stamp.
func eventsEqual(a, b model.Event) bool {
	if a.EventTicker != b.EventTicker ||
		a.SeriesTicker != b.SeriesTicker ||
		a.Title != b.Title ||
		a.Subtitle != b.Subtitle ||
		a.Category != b.Category ||
		a.Status != b.Status ||
		len(a.MarketTickers) != len(b.MarketTickers) {
		return false
	}
	for i := range a.MarketTickers {
		if a.MarketTickers[i] != b.MarketTickers[i] {
			return false
		}
	}
	return true
}
