package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/james-s-roche/prediction-markets/internal/exchange"
	"github.com/james-s-roche/prediction-markets/internal/store"
)

func rawMarket(ticker, eventTicker, status string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"ticker":%q,"event_ticker":%q,"status":%q,"yes_bid":50,"created_time":"2026-08-01T00:00:00Z"}`,
		ticker, eventTicker, status))
}

func rawMarketAt(ticker, eventTicker, status, created string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"ticker":%q,"event_ticker":%q,"status":%q,"yes_bid":50,"created_time":%q}`,
		ticker, eventTicker, status, created))
}

func rawEvent(eventTicker string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"event_ticker":%q,"title":"Event"}`, eventTicker))
}

// fakeLister serves scripted pages. Cursors are "p1", "p2", ... so page
// selection is stateless across cycles.
type fakeLister struct {
	mu          sync.Mutex
	calls       []string
	eventPages  [][]json.RawMessage
	marketPages [][]json.RawMessage
	marketErrAt int // page index that fails, -1 for none
	marketOpts  []exchange.ListMarketsOptions
	block       chan struct{} // non-nil: ListEvents waits until closed
}

func pageIndex(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, _ := strconv.Atoi(cursor[1:])
	return n
}

func nextCursor(idx, total int) string {
	if idx+1 >= total {
		return ""
	}
	return "p" + strconv.Itoa(idx+1)
}

func (f *fakeLister) ListEvents(_ context.Context, opts exchange.ListEventsOptions) (*exchange.EventsPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "events")
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	idx := pageIndex(opts.Cursor)
	if idx >= len(f.eventPages) {
		return &exchange.EventsPage{}, nil
	}
	return &exchange.EventsPage{
		Events: f.eventPages[idx],
		Cursor: nextCursor(idx, len(f.eventPages)),
	}, nil
}

func (f *fakeLister) ListMarkets(_ context.Context, opts exchange.ListMarketsOptions) (*exchange.MarketsPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "markets")
	f.marketOpts = append(f.marketOpts, opts)
	f.mu.Unlock()

	idx := pageIndex(opts.Cursor)
	if f.marketErrAt >= 0 && idx == f.marketErrAt {
		return nil, &exchange.APIError{StatusCode: 503, Message: "Service Unavailable"}
	}
	if idx >= len(f.marketPages) {
		return &exchange.MarketsPage{}, nil
	}
	return &exchange.MarketsPage{
		Markets: f.marketPages[idx],
		Cursor:  nextCursor(idx, len(f.marketPages)),
	}, nil
}

func newTestScheduler(f *fakeLister, opts ...Option) (*Scheduler, *store.Memory) {
	s := store.NewMemory()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewScheduler(f, s, opts...), s
}

// A paginated fetch applies every page, and re-running the identical cycle
// changes nothing.
func TestRunCycle_PaginatesAndIsIdempotent(t *testing.T) {
	page1 := make([]json.RawMessage, 0, 50)
	for i := 0; i < 50; i++ {
		page1 = append(page1, rawMarket(fmt.Sprintf("M-%02d", i), "E-1", "active"))
	}
	page2 := make([]json.RawMessage, 0, 10)
	for i := 50; i < 60; i++ {
		page2 = append(page2, rawMarket(fmt.Sprintf("M-%02d", i), "E-1", "active"))
	}

	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{page1, page2},
		marketErrAt: -1,
	}
	sched, s := newTestScheduler(f)
	ctx := context.Background()

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	markets, _ := s.ListMarkets(ctx, store.MarketFilter{})
	if len(markets) != 60 {
		t.Fatalf("markets in store = %d, want 60", len(markets))
	}
	if got := sched.Stats().MarketsApplied; got != 60 {
		t.Errorf("MarketsApplied = %d, want 60", got)
	}

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sched.Stats().MarketsApplied; got != 60 {
		t.Errorf("MarketsApplied after identical re-run = %d, want still 60", got)
	}
}

func TestRunCycle_EventsBeforeMarkets(t *testing.T) {
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{{rawMarket("M-1", "E-1", "active")}},
		marketErrAt: -1,
	}
	sched, _ := newTestScheduler(f)

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.calls) < 2 || f.calls[0] != "events" {
		t.Errorf("call order = %v, want events fetched first", f.calls)
	}
}

// A market arriving before its event waits in the pending buffer and is
// applied once the event shows up.
func TestRunCycle_PendingMarketBuffer(t *testing.T) {
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{}},
		marketPages: [][]json.RawMessage{{rawMarket("M-1", "E-LATE", "active")}},
		marketErrAt: -1,
	}
	sched, s := newTestScheduler(f)
	ctx := context.Background()

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetMarket(ctx, "M-1"); ok {
		t.Fatal("market applied before its event exists")
	}
	if got := sched.Stats().PendingMarkets; got != 1 {
		t.Fatalf("PendingMarkets = %d, want 1", got)
	}

	f.eventPages = [][]json.RawMessage{{rawEvent("E-LATE")}}
	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.GetMarket(ctx, "M-1"); !ok {
		t.Error("buffered market not applied after its event arrived")
	}
	if got := sched.Stats().PendingMarkets; got != 0 {
		t.Errorf("PendingMarkets = %d, want 0 after flush", got)
	}
}

// A page that fails mid-pagination does not roll back pages already applied.
func TestRunCycle_PartialFailureKeepsAppliedPages(t *testing.T) {
	f := &fakeLister{
		eventPages: [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{
			{rawMarket("M-1", "E-1", "active"), rawMarket("M-2", "E-1", "active")},
			{rawMarket("M-3", "E-1", "active")},
		},
		marketErrAt: 1,
	}
	sched, s := newTestScheduler(f)
	ctx := context.Background()

	err := sched.RunCycle(ctx)
	if err == nil {
		t.Fatal("RunCycle() err = nil, want page fetch error")
	}

	markets, _ := s.ListMarkets(ctx, store.MarketFilter{})
	if len(markets) != 2 {
		t.Errorf("markets in store = %d, want the 2 from the applied page", len(markets))
	}
	if sched.Stats().LastError == "" {
		t.Error("LastError empty after failed cycle")
	}

	// Next cycle succeeds and picks up the remainder.
	f.marketErrAt = -1
	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	markets, _ = s.ListMarkets(ctx, store.MarketFilter{})
	if len(markets) != 3 {
		t.Errorf("markets after retry = %d, want 3", len(markets))
	}
}

// One malformed record fails alone; the rest of the page lands.
func TestRunCycle_RecordFailureIsolation(t *testing.T) {
	page := make([]json.RawMessage, 0, 10)
	for i := 0; i < 10; i++ {
		if i == 4 {
			page = append(page, json.RawMessage(`{"ticker":"M-BAD","status":"weird"}`))
			continue
		}
		page = append(page, rawMarket(fmt.Sprintf("M-%d", i), "E-1", "active"))
	}

	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{page},
		marketErrAt: -1,
	}
	sched, s := newTestScheduler(f)
	ctx := context.Background()

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	markets, _ := s.ListMarkets(ctx, store.MarketFilter{})
	if len(markets) != 9 {
		t.Errorf("markets in store = %d, want 9", len(markets))
	}
	if got := sched.Stats().RecordFailures; got != 1 {
		t.Errorf("RecordFailures = %d, want 1", got)
	}
}

// A tick that lands while a cycle is running is skipped and recorded, not
// queued.
func TestRunCycle_OverrunSkipsTick(t *testing.T) {
	block := make(chan struct{})
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{}},
		marketPages: [][]json.RawMessage{{}},
		marketErrAt: -1,
		block:       block,
	}
	sched, _ := newTestScheduler(f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sched.RunCycle(ctx) }()

	// Wait for the first cycle to be inside the fetch.
	for {
		f.mu.Lock()
		started := len(f.calls) > 0
		f.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := sched.RunCycle(ctx); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping RunCycle err = %v, want ErrCycleRunning", err)
	}
	if got := sched.Stats().Overruns; got != 1 {
		t.Errorf("Overruns = %d, want 1", got)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// The incremental window advances only after a fully successful pass.
func TestRunCycle_WatermarkAdvances(t *testing.T) {
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{{rawMarket("M-1", "E-1", "active")}},
		marketErrAt: -1,
	}
	sched, _ := newTestScheduler(f)
	ctx := context.Background()

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.marketOpts[0].MinCreatedTS; got != "" {
		t.Errorf("first cycle MinCreatedTS = %q, want empty", got)
	}

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.marketOpts[1].MinCreatedTS; got != "2026-08-01T00:00:00Z" {
		t.Errorf("second cycle MinCreatedTS = %q, want watermark from first", got)
	}
}

// Every market seen counts toward the watermark, including ones routed to
// the pending buffer instead of the store.
func TestRunCycle_WatermarkCoversBufferedMarkets(t *testing.T) {
	f := &fakeLister{
		eventPages: [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{{
			rawMarketAt("M-OLD", "E-1", "active", "2026-08-01T00:00:00Z"),
			rawMarketAt("M-NEW", "E-LATE", "active", "2026-08-02T00:00:00Z"),
		}},
		marketErrAt: -1,
	}
	sched, _ := newTestScheduler(f)
	ctx := context.Background()

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sched.Stats().PendingMarkets; got != 1 {
		t.Fatalf("PendingMarkets = %d, want 1", got)
	}

	if err := sched.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.marketOpts[1].MinCreatedTS; got != "2026-08-02T00:00:00Z" {
		t.Errorf("second cycle MinCreatedTS = %q, want the buffered market's created time", got)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	changes []store.MarketChange
}

func (r *recordingSink) MarketChanged(_ context.Context, ch store.MarketChange) {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
}

func TestRunCycle_NotifiesSinks(t *testing.T) {
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{rawEvent("E-1")}},
		marketPages: [][]json.RawMessage{{rawMarket("M-1", "E-1", "active")}},
		marketErrAt: -1,
	}
	sink := &recordingSink{}
	sched, _ := newTestScheduler(f, WithSinks(sink))

	if err := sched.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.changes) != 1 || sink.changes[0].Kind != store.ChangeCreated {
		t.Errorf("sink changes = %+v, want one created change for M-1", sink.changes)
	}
}

func TestStartStop(t *testing.T) {
	f := &fakeLister{
		eventPages:  [][]json.RawMessage{{}},
		marketPages: [][]json.RawMessage{{}},
		marketErrAt: -1,
	}
	sched, _ := newTestScheduler(f, WithInterval(time.Hour))

	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
