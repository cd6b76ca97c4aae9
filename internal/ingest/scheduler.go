// Package ingest drives the periodic fetch, normalize, reconcile cycle that
// keeps the local market catalog in sync with the exchange.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/james-s-roche/prediction-markets/internal/exchange"
	"github.com/james-s-roche/prediction-markets/internal/model"
	"github.com/james-s-roche/prediction-markets/internal/normalize"
	"github.com/james-s-roche/prediction-markets/internal/store"
)

const (
	// DefaultInterval is the cycle period.
	DefaultInterval = 60 * time.Second
	// DefaultPageSize is the page size requested from the exchange.
	DefaultPageSize = 200
)

// ErrCycleRunning is returned when a cycle is requested while the previous
// one is still in flight. The tick is skipped, never queued.
var ErrCycleRunning = errors.New("ingestion cycle already running")

// Lister is the slice of the exchange client the scheduler fetches through.
type Lister interface {
	ListEvents(ctx context.Context, opts exchange.ListEventsOptions) (*exchange.EventsPage, error)
	ListMarkets(ctx context.Context, opts exchange.ListMarketsOptions) (*exchange.MarketsPage, error)
}

// Sink receives market changes produced by reconciliation.
type Sink interface {
	MarketChanged(ctx context.Context, ch store.MarketChange)
}

// Phase is the observable stage of the current cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseNormalizing Phase = "normalizing"
	PhaseReconciling Phase = "reconciling"
)

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Phase          Phase
	Cycles         int64
	Overruns       int64
	MarketsApplied int64
	EventsApplied  int64
	RecordFailures int64
	PendingMarkets int
	LastCycleStart time.Time
	LastCycleEnd   time.Time
	LastError      string
}

// Scheduler runs the ingestion cycle on a fixed interval. A cycle fetches
// events before markets so that market records can resolve their parent
// event; markets arriving ahead of their event are buffered and retried on
// later cycles.
type Scheduler struct {
	client Lister
	store  store.Store
	logger *slog.Logger

	interval time.Duration
	pageSize int
	sinks    []Sink

	running atomic.Bool

	mu        sync.Mutex
	stats     Stats
	pending   map[string]model.Market
	watermark time.Time // newest market created_time fully applied

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInterval sets the cycle period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithPageSize sets the exchange page size.
func WithPageSize(n int) Option {
	return func(s *Scheduler) { s.pageSize = n }
}

// WithSinks registers change sinks.
func WithSinks(sinks ...Sink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

// WithMinCreated seeds the incremental fetch window. Markets created before
// this time are never fetched.
func WithMinCreated(t time.Time) Option {
	return func(s *Scheduler) { s.watermark = t }
}

// NewScheduler creates a scheduler over the given exchange client and store.
func NewScheduler(client Lister, st store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:   client,
		store:    st,
		logger:   slog.Default(),
		interval: DefaultInterval,
		pageSize: DefaultPageSize,
		pending:  make(map[string]model.Market),
	}
	s.stats.Phase = PhaseIdle
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PendingMarkets = len(s.pending)
	return st
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.stats.Phase = p
	s.mu.Unlock()
}

// Start launches the cycle loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("ingestion scheduler started", "interval", s.interval, "page_size", s.pageSize)
	return nil
}

// Stop shuts the cycle loop down, waiting up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("ingestion cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.RunCycle(ctx)
			switch {
			case errors.Is(err, ErrCycleRunning):
				// Counted inside RunCycle.
			case errors.Is(err, context.Canceled):
				return
			case err != nil:
				s.logger.Error("ingestion cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one ingestion cycle. If a cycle is already running the
// call returns ErrCycleRunning and the overrun is recorded. A page that was
// applied stays applied even if a later page fails; the failed remainder is
// retried on the next cycle.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Overruns++
		s.mu.Unlock()
		s.logger.Warn("previous ingestion cycle still running, skipping tick")
		return ErrCycleRunning
	}
	defer func() {
		s.running.Store(false)
		s.setPhase(PhaseIdle)
	}()

	start := time.Now()
	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastCycleStart = start
	s.mu.Unlock()

	err := s.runPhases(ctx)

	s.mu.Lock()
	s.stats.LastCycleEnd = time.Now()
	if err != nil {
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
	s.mu.Unlock()

	s.logger.Info("ingestion cycle finished",
		"duration", time.Since(start).Round(time.Millisecond), "error", err != nil)
	return err
}

func (s *Scheduler) runPhases(ctx context.Context) error {
	// Events first: markets reference their parent event.
	if err := s.syncEvents(ctx); err != nil {
		return fmt.Errorf("sync events: %w", err)
	}
	if err := s.flushPending(ctx); err != nil {
		return fmt.Errorf("flush pending markets: %w", err)
	}
	if err := s.syncMarkets(ctx); err != nil {
		return fmt.Errorf("sync markets: %w", err)
	}
	return nil
}

// syncEvents pages through the event listing, normalizing and applying each
// page before fetching the next.
func (s *Scheduler) syncEvents(ctx context.Context) error {
	cursor := ""
	for {
		s.setPhase(PhaseFetching)
		page, err := s.client.ListEvents(ctx, exchange.ListEventsOptions{
			Limit:  s.pageSize,
			Cursor: cursor,
		})
		if err != nil {
			return err
		}

		s.setPhase(PhaseNormalizing)
		observed := time.Now()
		events, failures := normalize.Events(page.Events, observed)
		s.recordFailures("event", failures)

		s.setPhase(PhaseReconciling)
		changed, err := s.store.UpsertEvents(ctx, events)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.stats.EventsApplied += int64(changed)
		s.mu.Unlock()

		if page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}

// syncMarkets pages through the market listing. Markets whose parent event
// has not been seen yet go to the pending buffer instead of the store. The
// incremental watermark only advances after a fully successful pass, so a
// partial failure leaves the window wide enough to refetch what was missed.
func (s *Scheduler) syncMarkets(ctx context.Context) error {
	minCreated := ""
	s.mu.Lock()
	if !s.watermark.IsZero() {
		minCreated = s.watermark.UTC().Format(time.RFC3339)
	}
	s.mu.Unlock()

	var maxCreated time.Time
	cursor := ""
	for {
		s.setPhase(PhaseFetching)
		page, err := s.client.ListMarkets(ctx, exchange.ListMarketsOptions{
			Limit:        s.pageSize,
			Cursor:       cursor,
			MinCreatedTS: minCreated,
		})
		if err != nil {
			return err
		}

		s.setPhase(PhaseNormalizing)
		observed := time.Now()
		markets, failures := normalize.Markets(page.Markets, observed)
		s.recordFailures("market", failures)

		for _, m := range markets {
			if created := time.UnixMicro(m.CreatedTS); created.After(maxCreated) {
				maxCreated = created
			}
		}

		s.setPhase(PhaseReconciling)
		ready, err := s.partitionPending(ctx, markets)
		if err != nil {
			return err
		}
		if err := s.applyMarkets(ctx, ready); err != nil {
			return err
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	if !maxCreated.IsZero() {
		s.mu.Lock()
		if maxCreated.After(s.watermark) {
			s.watermark = maxCreated
		}
		s.mu.Unlock()
	}
	return nil
}

// partitionPending routes markets without a known parent event into the
// pending buffer and returns the rest.
func (s *Scheduler) partitionPending(ctx context.Context, markets []model.Market) ([]model.Market, error) {
	ready := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.EventTicker == "" {
			ready = append(ready, m)
			continue
		}
		ok, err := s.store.HasEvent(ctx, m.EventTicker)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.mu.Lock()
			s.pending[m.Ticker] = m
			s.mu.Unlock()
			s.logger.Debug("market buffered until its event arrives",
				"ticker", m.Ticker, "event_ticker", m.EventTicker)
			continue
		}
		ready = append(ready, m)
	}
	return ready, nil
}

// flushPending retries buffered markets whose event may have arrived since.
func (s *Scheduler) flushPending(ctx context.Context) error {
	s.mu.Lock()
	buffered := make([]model.Market, 0, len(s.pending))
	for _, m := range s.pending {
		buffered = append(buffered, m)
	}
	s.mu.Unlock()

	var ready []model.Market
	for _, m := range buffered {
		ok, err := s.store.HasEvent(ctx, m.EventTicker)
		if err != nil {
			return err
		}
		if ok {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	if err := s.applyMarkets(ctx, ready); err != nil {
		return err
	}
	s.mu.Lock()
	for _, m := range ready {
		delete(s.pending, m.Ticker)
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) applyMarkets(ctx context.Context, markets []model.Market) error {
	if len(markets) == 0 {
		return nil
	}
	changes, err := s.store.UpsertMarkets(ctx, markets)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.MarketsApplied += int64(len(changes))
	s.mu.Unlock()

	for _, ch := range changes {
		for _, sink := range s.sinks {
			sink.MarketChanged(ctx, ch)
		}
	}
	return nil
}

func (s *Scheduler) recordFailures(kind string, failures []normalize.RecordError) {
	if len(failures) == 0 {
		return
	}
	s.mu.Lock()
	s.stats.RecordFailures += int64(len(failures))
	s.mu.Unlock()
	for _, f := range failures {
		s.logger.Warn("record failed normalization", "kind", kind, "error", f.Error())
	}
}
