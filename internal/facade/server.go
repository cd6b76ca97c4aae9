// Package facade exposes the read API, order entry and the live change feed
// over HTTP.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/james-s-roche/prediction-markets/internal/ingest"
	"github.com/james-s-roche/prediction-markets/internal/model"
	"github.com/james-s-roche/prediction-markets/internal/order"
	"github.com/james-s-roche/prediction-markets/internal/risk"
	"github.com/james-s-roche/prediction-markets/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP facade over the store, order manager and scheduler.
type Server struct {
	store  store.Store
	orders *order.Manager
	risk   *risk.Manager
	sched  *ingest.Scheduler
	feed   *Feed
	logger *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the facade. feed may be shared with the scheduler's sinks.
func NewServer(addr string, st store.Store, orders *order.Manager, r *risk.Manager, sched *ingest.Scheduler, feed *Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		orders: orders,
		risk:   r,
		sched:  sched,
		feed:   feed,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{ticker}", s.handleGetMarket)
	r.Get("/events", s.handleListEvents)
	r.Get("/events/{ticker}", s.handleGetEvent)
	r.Get("/positions", s.handleListPositions)

	r.Post("/orders", s.handlePlaceOrder)
	r.Get("/orders/{id}", s.handleGetOrder)
	r.Delete("/orders/{id}", s.handleCancelOrder)

	r.Put("/risk/limits", s.handleSetRiskLimits)

	r.Get("/ws", s.handleWS)

	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http facade listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.feed.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	f := store.MarketFilter{
		Status:      model.MarketStatus(r.URL.Query().Get("status")),
		EventTicker: r.URL.Query().Get("event_ticker"),
	}
	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"markets": markets})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	m, ok, err := s.store.GetMarket(r.Context(), ticker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.failStatus(w, http.StatusNotFound, "market not found")
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	e, ok, err := s.store.GetEvent(r.Context(), ticker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.failStatus(w, http.StatusNotFound, "event not found")
		return
	}
	s.respond(w, http.StatusOK, e)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"positions": positions})
}

type placeOrderRequest struct {
	Ticker     string `json:"ticker"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	LimitPrice int64  `json:"limit_price"`
}

type orderResponse struct {
	ID             string `json:"id"`
	ExchangeID     string `json:"exchange_id,omitempty"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Quantity       int64  `json:"quantity"`
	LimitPrice     int64  `json:"limit_price"`
	State          string `json:"state"`
	Reason         string `json:"reason,omitempty"`
	FilledQuantity int64  `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
	SubmitAttempts int    `json:"submit_attempts"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:             o.ID.String(),
		ExchangeID:     o.ExchangeID,
		Ticker:         o.Ticker,
		Side:           string(o.Side),
		Quantity:       o.Quantity,
		LimitPrice:     o.LimitPrice,
		State:          string(o.State),
		Reason:         o.Reason,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice.StringFixed(4),
		SubmitAttempts: o.SubmitAttempts,
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.failStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := s.orders.Place(r.Context(), order.PlaceRequest{
		Ticker:     req.Ticker,
		Side:       model.Side(req.Side),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			s.failStatus(w, http.StatusConflict, err.Error())
			return
		}
		s.failStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, toOrderResponse(o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.failStatus(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, ok, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.failStatus(w, http.StatusNotFound, "order not found")
		return
	}
	s.respond(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.failStatus(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orders.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		s.failStatus(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrTerminalOrder):
		s.failStatus(w, http.StatusConflict, err.Error())
	case err != nil:
		s.fail(w, r, err)
	default:
		s.respond(w, http.StatusOK, toOrderResponse(o))
	}
}

type riskLimitsRequest struct {
	MaxPositionPerMarket  int64            `json:"max_position_per_market"`
	MaxOrderSize          int64            `json:"max_order_size"`
	MaxGrossExposureCents int64            `json:"max_gross_exposure_cents"`
	MaxOrdersPerMinute    int              `json:"max_orders_per_minute"`
	PositionOverrides     map[string]int64 `json:"position_overrides,omitempty"`
}

func (s *Server) handleSetRiskLimits(w http.ResponseWriter, r *http.Request) {
	var req riskLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.failStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxPositionPerMarket < 0 || req.MaxOrderSize < 0 ||
		req.MaxGrossExposureCents < 0 || req.MaxOrdersPerMinute < 0 {
		s.failStatus(w, http.StatusBadRequest, "limits must be non-negative")
		return
	}

	limits := model.RiskLimit{
		MaxPositionPerMarket: req.MaxPositionPerMarket,
		MaxOrderSize:         req.MaxOrderSize,
		MaxGrossExposure:     req.MaxGrossExposureCents,
		MaxOrdersPerMinute:   req.MaxOrdersPerMinute,
		PositionOverrides:    req.PositionOverrides,
	}
	s.risk.SetLimits(limits)
	s.logger.Info("risk limits updated",
		"max_position", limits.MaxPositionPerMarket,
		"max_order_size", limits.MaxOrderSize,
		"max_gross_exposure_cents", limits.MaxGrossExposure,
		"max_orders_per_minute", limits.MaxOrdersPerMinute)
	s.respond(w, http.StatusOK, req)
}

// wsChange is the payload pushed to websocket subscribers.
type wsChange struct {
	Ticker    string `json:"ticker"`
	Kind      string `json:"kind"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	LastPrice int64  `json:"last_price"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id, buf := s.feed.Subscribe()
	s.logger.Info("websocket subscriber connected", "subscriber", id)

	// Reader goroutine: only purpose is to notice the peer going away.
	go func() {
		defer s.feed.Unsubscribe(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.feed.Unsubscribe(id)
		conn.Close()
		s.logger.Info("websocket subscriber disconnected", "subscriber", id)
	}()

	for {
		ch, ok := buf.Receive()
		if !ok {
			return
		}
		msg := wsChange{
			Ticker:    ch.Ticker,
			Kind:      string(ch.Kind),
			OldStatus: string(ch.OldStatus),
			NewStatus: string(ch.NewStatus),
			LastPrice: ch.Market.LastPrice,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Response helpers
// -----------------------------------------------------------------------------

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	s.failStatus(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) failStatus(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}
