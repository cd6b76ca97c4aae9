package facade

import (
	"context"
	"sync"

	"github.com/james-s-roche/prediction-markets/internal/store"
)

// subscriberBufferSize is the initial per-subscriber buffer capacity.
const subscriberBufferSize = 64

// Feed fans market changes out to websocket subscribers. Each subscriber
// gets its own buffer, so one slow connection never delays the ingestion
// cycle or other subscribers.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*ChangeBuffer[store.MarketChange]
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]*ChangeBuffer[store.MarketChange])}
}

// MarketChanged delivers a change to every subscriber.
func (f *Feed) MarketChanged(_ context.Context, ch store.MarketChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, buf := range f.subs {
		buf.Send(ch)
	}
}

// Subscribe registers a new subscriber and returns its id and buffer.
func (f *Feed) Subscribe() (int, *ChangeBuffer[store.MarketChange]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := NewChangeBuffer[store.MarketChange](subscriberBufferSize)
	if f.closed {
		buf.Close()
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = buf
	return id, buf
}

// Unsubscribe drops a subscriber and closes its buffer.
func (f *Feed) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if buf, ok := f.subs[id]; ok {
		buf.Close()
		delete(f.subs, id)
	}
}

// Close terminates all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, buf := range f.subs {
		buf.Close()
		delete(f.subs, id)
	}
}
