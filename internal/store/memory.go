package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

// Memory is an in-memory Store. Orders and positions carry a per-key mutex;
// a writer holds only the locks for the keys it touches, always order before
// position, so writers to different keys never contend.
type Memory struct {
	mu      sync.RWMutex
	markets map[string]model.Market
	events  map[string]model.Event

	ordersMu sync.RWMutex
	orders   map[uuid.UUID]*orderEntry

	positionsMu sync.RWMutex
	positions   map[string]*positionEntry
}

type orderEntry struct {
	mu    sync.Mutex
	order model.Order
}

type positionEntry struct {
	mu       sync.Mutex
	position model.Position
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		markets:   make(map[string]model.Market),
		events:    make(map[string]model.Event),
		orders:    make(map[uuid.UUID]*orderEntry),
		positions: make(map[string]*positionEntry),
	}
}

func (s *Memory) UpsertMarkets(ctx context.Context, markets []model.Market) ([]MarketChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []MarketChange
	for _, m := range markets {
		existing, exists := s.markets[m.Ticker]
		merged, change, changed := mergeMarket(existing, exists, m)
		if !changed {
			continue
		}
		s.markets[m.Ticker] = merged
		changes = append(changes, change)
	}
	return changes, nil
}

func (s *Memory) UpsertEvents(ctx context.Context, events []model.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, e := range events {
		existing, exists := s.events[e.EventTicker]
		if exists && eventsEqual(existing, e) {
			continue
		}
		s.events[e.EventTicker] = e
		changed++
	}
	return changed, nil
}

func (s *Memory) GetMarket(ctx context.Context, ticker string) (model.Market, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[ticker]
	return m, ok, nil
}

func (s *Memory) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.EventTicker != "" && m.EventTicker != f.EventTicker {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) GetEvent(ctx context.Context, eventTicker string) (model.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventTicker]
	return e, ok, nil
}

func (s *Memory) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTicker < out[j].EventTicker })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) HasEvent(ctx context.Context, eventTicker string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventTicker]
	return ok, nil
}

func (s *Memory) CreateOrder(ctx context.Context, o model.Order) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("create order %s: %w", o.ID, ErrDuplicateOrder)
	}
	s.orders[o.ID] = &orderEntry{order: o}
	return nil
}

func (s *Memory) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, bool, error) {
	s.ordersMu.RLock()
	entry, ok := s.orders[id]
	s.ordersMu.RUnlock()
	if !ok {
		return model.Order{}, false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order, true, nil
}

func (s *Memory) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	s.ordersMu.RLock()
	entries := make([]*orderEntry, 0, len(s.orders))
	for _, e := range s.orders {
		entries = append(entries, e)
	}
	s.ordersMu.RUnlock()

	var out []model.Order
	for _, e := range entries {
		e.mu.Lock()
		o := e.order
		e.mu.Unlock()
		if !o.State.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*model.Order) error) (model.Order, error) {
	entry, err := s.orderEntry(id)
	if err != nil {
		return model.Order{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Work on a copy: fn failing must leave the stored order untouched.
	o := entry.order
	if err := fn(&o); err != nil {
		return entry.order, err
	}
	entry.order = o
	return o, nil
}

func (s *Memory) UpdateOrderWithPosition(ctx context.Context, id uuid.UUID, fn func(*model.Order, *model.Position) error) (model.Order, model.Position, error) {
	entry, err := s.orderEntry(id)
	if err != nil {
		return model.Order{}, model.Position{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	pos := s.positionEntry(entry.order.Ticker)
	pos.mu.Lock()
	defer pos.mu.Unlock()

	o := entry.order
	p := pos.position
	if err := fn(&o, &p); err != nil {
		return entry.order, pos.position, err
	}
	entry.order = o
	pos.position = p
	return o, p, nil
}

func (s *Memory) GetPosition(ctx context.Context, ticker string) (model.Position, bool, error) {
	s.positionsMu.RLock()
	entry, ok := s.positions[ticker]
	s.positionsMu.RUnlock()
	if !ok {
		return model.Position{}, false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.position, true, nil
}

func (s *Memory) ListPositions(ctx context.Context) ([]model.Position, error) {
	s.positionsMu.RLock()
	entries := make([]*positionEntry, 0, len(s.positions))
	for _, e := range s.positions {
		entries = append(entries, e)
	}
	s.positionsMu.RUnlock()

	out := make([]model.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.position)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Memory) orderEntry(id uuid.UUID) (*orderEntry, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	entry, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	return entry, nil
}

func (s *Memory) positionEntry(ticker string) *positionEntry {
	s.positionsMu.Lock()
	defer s.positionsMu.Unlock()
	entry, ok := s.positions[ticker]
	if !ok {
		entry = &positionEntry{position: model.Position{Ticker: ticker}}
		s.positions[ticker] = entry
	}
	return entry
}
