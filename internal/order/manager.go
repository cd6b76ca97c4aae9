// Package order owns the order lifecycle: risk gating, submission to the
// exchange, fill application and reconciliation of uncertain submissions.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/james-s-roche/prediction-markets/internal/exchange"
	"github.com/james-s-roche/prediction-markets/internal/model"
	"github.com/james-s-roche/prediction-markets/internal/risk"
	"github.com/james-s-roche/prediction-markets/internal/store"
)

const (
	// DefaultPollInterval is how often open orders are reconciled against
	// the exchange.
	DefaultPollInterval = 15 * time.Second
	// DefaultSubmitAttempts bounds transient submission retries.
	DefaultSubmitAttempts = 3
	// DefaultRetryBackoff is the base delay between submission attempts.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// ErrTerminalOrder is returned for operations on an order that has already
// reached a terminal state.
var ErrTerminalOrder = errors.New("order is in a terminal state")

// Exchange is the slice of the exchange client the manager needs.
type Exchange interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderStatus, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (*exchange.OrderStatus, error)
	LookupOrder(ctx context.Context, clientOrderID string) (*exchange.OrderStatus, error)
}

// PlaceRequest describes a proposed order.
type PlaceRequest struct {
	Ticker     string
	Side       model.Side
	Quantity   int64
	LimitPrice int64 // cents
}

// Manager drives orders through their lifecycle. All state lives in the
// store; the manager holds only transient bookkeeping.
type Manager struct {
	store    store.Store
	exchange Exchange
	risk     *risk.Manager
	logger   *slog.Logger

	pollInterval   time.Duration
	submitAttempts int
	retryBackoff   time.Duration

	subMu       sync.Mutex
	submissions []time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPollInterval sets the reconciliation poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithSubmitAttempts bounds retries of transient submission failures.
func WithSubmitAttempts(n int) Option {
	return func(m *Manager) { m.submitAttempts = n }
}

// WithRetryBackoff sets the base delay between submission attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.retryBackoff = d }
}

// NewManager creates an order manager.
func NewManager(s store.Store, ex Exchange, r *risk.Manager, opts ...Option) *Manager {
	m := &Manager{
		store:          s,
		exchange:       ex,
		risk:           r,
		logger:         slog.Default(),
		pollInterval:   DefaultPollInterval,
		submitAttempts: DefaultSubmitAttempts,
		retryBackoff:   DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Place runs a proposed order through risk and, if approved, submits it.
// A risk rejection is a normal outcome: the returned order carries the
// rejection reason and err is nil. Exactly one risk evaluation happens per
// order, before any exchange call.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (model.Order, error) {
	if err := validatePlace(req); err != nil {
		return model.Order{}, err
	}

	now := time.Now()
	o := model.Order{
		ID:         uuid.New(),
		Ticker:     req.Ticker,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		State:      model.OrderCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}

	o, err := m.transition(ctx, o.ID, model.OrderRiskPending, "")
	if err != nil {
		return o, err
	}

	snap, err := m.riskSnapshot(ctx)
	if err != nil {
		return o, fmt.Errorf("build risk snapshot: %w", err)
	}
	decision := m.risk.Evaluate(o, snap)
	if !decision.Approved {
		o, err = m.transition(ctx, o.ID, model.OrderRiskRejected, string(decision.Reason))
		if err != nil {
			return o, err
		}
		m.logger.Info("order rejected by risk",
			"order_id", o.ID, "ticker", o.Ticker, "reason", decision.Reason)
		return o, nil
	}

	return m.submit(ctx, o.ID)
}

func validatePlace(req PlaceRequest) error {
	if req.Ticker == "" {
		return errors.New("ticker is required")
	}
	if !req.Side.Valid() {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}
	if req.LimitPrice <= 0 || req.LimitPrice >= 100 {
		return fmt.Errorf("limit price must be within 1..99 cents, got %d", req.LimitPrice)
	}
	return nil
}

// riskSnapshot gathers the state risk evaluation reads: current positions and
// recent submission times.
func (m *Manager) riskSnapshot(ctx context.Context) (risk.Snapshot, error) {
	positions, err := m.store.ListPositions(ctx)
	if err != nil {
		return risk.Snapshot{}, err
	}
	byTicker := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		byTicker[p.Ticker] = p
	}
	return risk.Snapshot{
		Positions:   byTicker,
		Submissions: m.recentSubmissions(),
		Now:         time.Now(),
	}, nil
}

func (m *Manager) recordSubmission(t time.Time) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	cutoff := t.Add(-risk.SubmissionWindow)
	kept := m.submissions[:0]
	for _, s := range m.submissions {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.submissions = append(kept, t)
}

func (m *Manager) recentSubmissions() []time.Time {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]time.Time, len(m.submissions))
	copy(out, m.submissions)
	return out
}

// submit drives the submission attempt loop. Each attempt is exactly one
// wire call; a response the client never decoded leaves the order in
// submission_uncertain, to be resolved only by looking the order up by
// client order id. The order is never blindly resubmitted after an
// ambiguous failure.
func (m *Manager) submit(ctx context.Context, id uuid.UUID) (model.Order, error) {
	for attempt := 1; ; attempt++ {
		o, err := m.store.UpdateOrder(ctx, id, func(o *model.Order) error {
			if !model.CanTransition(o.State, model.OrderSubmitted) {
				return fmt.Errorf("cannot submit order in state %q", o.State)
			}
			o.State = model.OrderSubmitted
			o.SubmitAttempts++
			o.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return o, err
		}

		m.recordSubmission(time.Now())
		st, submitErr := m.exchange.SubmitOrder(ctx, submitRequest(o))
		if submitErr == nil {
			return m.adopt(ctx, id, st)
		}

		apiErr, ok := exchange.AsAPIError(submitErr)
		if !ok {
			if !exchange.IsUncertain(submitErr) {
				// Deliberate caller cancellation: the order stays in
				// submitted and the reconciliation loop resolves it by
				// client order id.
				return o, submitErr
			}
			o, err = m.transition(ctx, id, model.OrderSubmissionUncertain, "")
			if err != nil {
				return o, err
			}
			m.logger.Warn("order submission uncertain",
				"order_id", id, "attempt", attempt, "error", submitErr)
			return o, nil
		}

		if apiErr.IsRetryable() && attempt < m.submitAttempts {
			m.logger.Warn("order submission failed, retrying",
				"order_id", id, "attempt", attempt, "status", apiErr.StatusCode)
			if err := sleepCtx(ctx, time.Duration(attempt)*m.retryBackoff); err != nil {
				return o, err
			}
			continue
		}

		reason := apiErr.Message
		if apiErr.IsRetryable() {
			reason = "submission retry budget exhausted"
		}
		o, err = m.transition(ctx, id, model.OrderRejectedByExchange, reason)
		if err != nil {
			return o, err
		}
		m.logger.Info("order rejected by exchange",
			"order_id", id, "status", apiErr.StatusCode, "reason", reason)
		return o, nil
	}
}

// submitRequest builds the wire payload, placing the limit price in the
// field matching the order's side.
func submitRequest(o model.Order) exchange.OrderRequest {
	req := exchange.OrderRequest{
		ClientOrderID: o.ID.String(),
		Ticker:        o.Ticker,
		Side:          string(o.Side),
		Action:        "buy",
		Type:          "limit",
		Count:         o.Quantity,
	}
	if o.Side == model.SideNo {
		req.NoPriceCents = o.LimitPrice
	} else {
		req.YesPriceCents = o.LimitPrice
	}
	return req
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transition moves an order to a new state under its key lock, enforcing the
// state machine.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, to model.OrderState, reason string) (model.Order, error) {
	return m.store.UpdateOrder(ctx, id, func(o *model.Order) error {
		if o.State.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalOrder, o.State)
		}
		if !model.CanTransition(o.State, to) {
			return fmt.Errorf("illegal order transition %s -> %s", o.State, to)
		}
		o.State = to
		if reason != "" {
			o.Reason = reason
		}
		o.UpdatedAt = time.Now()
		return nil
	})
}

// adopt folds the exchange's view of an order into the local record,
// applying any fills to the position in the same atomic step.
func (m *Manager) adopt(ctx context.Context, id uuid.UUID, st *exchange.OrderStatus) (model.Order, error) {
	now := time.Now()
	o, _, err := m.store.UpdateOrderWithPosition(ctx, id, func(o *model.Order, p *model.Position) error {
		return applyExchangeStatus(o, p, st, now)
	})
	if err != nil {
		return o, fmt.Errorf("adopt exchange status: %w", err)
	}
	m.logger.Info("order state updated",
		"order_id", o.ID, "exchange_id", o.ExchangeID, "state", o.State,
		"filled", o.FilledQuantity)
	return o, nil
}

// applyExchangeStatus merges an exchange status report into the order and
// position. Fill counts from the exchange are cumulative; only the delta is
// applied. A report that moves nothing is a no-op.
func applyExchangeStatus(o *model.Order, p *model.Position, st *exchange.OrderStatus, now time.Time) error {
	if st.OrderID != "" {
		o.ExchangeID = st.OrderID
	}

	delta := st.FilledQuantity - o.FilledQuantity
	if delta < 0 {
		return fmt.Errorf("exchange fill count regressed: have %d, reported %d",
			o.FilledQuantity, st.FilledQuantity)
	}
	if st.FilledQuantity > o.Quantity {
		return fmt.Errorf("exchange fill count %d exceeds order quantity %d",
			st.FilledQuantity, o.Quantity)
	}
	if delta > 0 {
		if st.AvgFillCents > 0 {
			o.AvgFillPrice = decimal.New(st.AvgFillCents, -2)
		}
		fillCents := st.AvgFillCents
		if fillCents <= 0 {
			fillCents = o.LimitPrice
		}
		p.ApplyFill(o.Side, delta, fillCents, now)
		o.FilledQuantity = st.FilledQuantity
	}

	target := stateForStatus(st.Status, o)
	if err := advance(o, target); err != nil {
		return err
	}
	o.UpdatedAt = now
	return nil
}

// stateForStatus maps an exchange status string plus fill progress onto the
// local state machine.
func stateForStatus(status string, o *model.Order) model.OrderState {
	switch status {
	case "executed":
		return model.OrderFilled
	case "canceled", "cancelled":
		return model.OrderCancelled
	}
	switch {
	case o.FilledQuantity >= o.Quantity:
		return model.OrderFilled
	case o.FilledQuantity > 0:
		return model.OrderPartiallyFilled
	default:
		return model.OrderAcknowledged
	}
}

// advance moves the order to target, routing through acknowledged when the
// exchange reports fills before we ever saw the acknowledgement.
func advance(o *model.Order, target model.OrderState) error {
	if o.State == target {
		return nil
	}
	if model.CanTransition(o.State, target) {
		o.State = target
		return nil
	}
	if model.CanTransition(o.State, model.OrderAcknowledged) &&
		model.CanTransition(model.OrderAcknowledged, target) {
		o.State = target
		return nil
	}
	if o.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalOrder, o.State)
	}
	return fmt.Errorf("illegal order transition %s -> %s", o.State, target)
}

// ApplyFill records a fill observed outside the status poll, updating the
// order and its market position atomically.
func (m *Manager) ApplyFill(ctx context.Context, id uuid.UUID, qty, priceCents int64) (model.Order, model.Position, error) {
	if qty <= 0 {
		return model.Order{}, model.Position{}, fmt.Errorf("fill quantity must be positive, got %d", qty)
	}
	now := time.Now()
	return m.store.UpdateOrderWithPosition(ctx, id, func(o *model.Order, p *model.Position) error {
		if o.State.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalOrder, o.State)
		}
		if qty > o.Remaining() {
			return fmt.Errorf("fill of %d exceeds remaining %d", qty, o.Remaining())
		}

		filled := decimal.NewFromInt(o.FilledQuantity)
		add := decimal.NewFromInt(qty)
		price := decimal.New(priceCents, -2)
		o.AvgFillPrice = o.AvgFillPrice.Mul(filled).Add(price.Mul(add)).Div(filled.Add(add))
		o.FilledQuantity += qty
		p.ApplyFill(o.Side, qty, priceCents, now)

		target := model.OrderPartiallyFilled
		if o.FilledQuantity >= o.Quantity {
			target = model.OrderFilled
		}
		if err := advance(o, target); err != nil {
			return err
		}
		o.UpdatedAt = now
		return nil
	})
}

// Cancel requests cancellation of a resting order. Orders in
// submission_uncertain must be resolved first so we know whether there is
// anything to cancel.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (model.Order, error) {
	o, ok, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if !ok {
		return model.Order{}, store.ErrOrderNotFound
	}
	if o.State.Terminal() {
		return o, fmt.Errorf("%w: %s", ErrTerminalOrder, o.State)
	}
	if o.State == model.OrderSubmissionUncertain {
		o, err = m.ResolveUncertain(ctx, id)
		if err != nil {
			return o, err
		}
		if o.State.Terminal() {
			return o, nil
		}
	}
	if o.ExchangeID == "" {
		return o, fmt.Errorf("order %s has no exchange id to cancel", id)
	}

	if err := m.exchange.CancelOrder(ctx, o.ExchangeID); err != nil {
		return o, fmt.Errorf("cancel: %w", err)
	}
	return m.transition(ctx, id, model.OrderCancelled, "cancelled by user")
}

// ResolveUncertain settles an order stuck in submission_uncertain by asking
// the exchange for its view, keyed by the client order id. Absence on the
// exchange proves the submission never landed.
func (m *Manager) ResolveUncertain(ctx context.Context, id uuid.UUID) (model.Order, error) {
	o, ok, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if !ok {
		return model.Order{}, store.ErrOrderNotFound
	}
	if o.State != model.OrderSubmissionUncertain {
		return o, nil
	}
	return m.resolveByLookup(ctx, o)
}

// resolveByLookup settles an order whose exchange outcome is unknown by
// asking for its view, keyed by the client order id. Absence on the exchange
// proves the submission never landed.
func (m *Manager) resolveByLookup(ctx context.Context, o model.Order) (model.Order, error) {
	st, err := m.exchange.LookupOrder(ctx, o.ID.String())
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			o, err = m.transition(ctx, o.ID, model.OrderRejectedByExchange, "submission not found on exchange")
			if err != nil {
				return o, err
			}
			m.logger.Info("unresolved submission settled: never landed", "order_id", o.ID)
			return o, nil
		}
		return o, fmt.Errorf("resolve order %s by lookup: %w", o.ID, err)
	}

	m.logger.Info("unresolved submission settled: found on exchange",
		"order_id", o.ID, "exchange_id", st.OrderID)
	return m.adopt(ctx, o.ID, st)
}

// Start launches the background reconciliation loop that polls open orders.
func (m *Manager) Start(ctx context.Context) error {
	if m.cancel != nil {
		return errors.New("order manager already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.pollLoop(loopCtx)
	m.logger.Info("order manager started", "poll_interval", m.pollInterval)
	return nil
}

// Stop shuts the reconciliation loop down, waiting up to ctx.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("order manager shutdown: %w", ctx.Err())
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReconcileOpenOrders(ctx)
		}
	}
}

// ReconcileOpenOrders polls the exchange for every non-terminal order and
// folds the responses in. Errors are logged per order; one bad order does
// not block the rest.
func (m *Manager) ReconcileOpenOrders(ctx context.Context) {
	orders, err := m.store.ListOpenOrders(ctx)
	if err != nil {
		m.logger.Error("list open orders", "error", err)
		return
	}

	for _, o := range orders {
		switch o.State {
		case model.OrderSubmissionUncertain:
			if _, err := m.ResolveUncertain(ctx, o.ID); err != nil {
				m.logger.Warn("resolve uncertain order", "order_id", o.ID, "error", err)
			}
		case model.OrderSubmitted:
			// A crash between the state write and the wire call, or during
			// the backoff sleep, strands an order here. Give any in-flight
			// attempt loop a grace period, then settle by client order id.
			if time.Since(o.UpdatedAt) < m.pollInterval {
				continue
			}
			if _, err := m.resolveByLookup(ctx, o); err != nil {
				m.logger.Warn("resolve stranded order", "order_id", o.ID, "error", err)
			}
		case model.OrderAcknowledged, model.OrderPartiallyFilled:
			st, err := m.exchange.GetOrderStatus(ctx, o.ExchangeID)
			if err != nil {
				m.logger.Warn("poll order status", "order_id", o.ID, "error", err)
				continue
			}
			if _, err := m.adopt(ctx, o.ID, st); err != nil {
				m.logger.Warn("apply order status", "order_id", o.ID, "error", err)
			}
		}
	}
}
