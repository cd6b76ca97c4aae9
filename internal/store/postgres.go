package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

// Postgres is the durable Store implementation. Per-key write serialization
// comes from row locks: order and position mutations run inside a transaction
// that takes SELECT ... FOR UPDATE on the rows they touch and re-reads state
// under that lock.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a Store backed by the given pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Close releases the underlying pool.
func (s *Postgres) Close() {
	s.db.Close()
}

// Ping verifies the connection is healthy.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const marketColumns = `ticker, event_ticker, title, subtitle, status,
	yes_bid, yes_ask, last_price, volume, volume_24h, open_interest, liquidity,
	open_ts, close_ts, created_ts, observed_at`

func scanMarket(row pgx.Row) (model.Market, error) {
	var m model.Market
	err := row.Scan(&m.Ticker, &m.EventTicker, &m.Title, &m.Subtitle, &m.Status,
		&m.YesBid, &m.YesAsk, &m.LastPrice, &m.Volume, &m.Volume24h, &m.OpenInterest, &m.Liquidity,
		&m.OpenTS, &m.CloseTS, &m.CreatedTS, &m.ObservedAt)
	return m, err
}

func (s *Postgres) UpsertMarkets(ctx context.Context, markets []model.Market) ([]MarketChange, error) {
	if len(markets) == 0 {
		return nil, nil
	}

	tickers := make([]string, 0, len(markets))
	for _, m := range markets {
		tickers = append(tickers, m.Ticker)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert markets: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read current rows under lock so merge decisions (idempotence,
	// monotonic status) are made against live state.
	rows, err := tx.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = ANY($1) FOR UPDATE`, tickers)
	if err != nil {
		return nil, fmt.Errorf("read existing markets: %w", err)
	}
	existing := make(map[string]model.Market)
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan existing market: %w", err)
		}
		existing[m.Ticker] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read existing markets: %w", err)
	}

	var changes []MarketChange
	batch := &pgx.Batch{}
	for _, m := range markets {
		prev, exists := existing[m.Ticker]
		merged, change, changed := mergeMarket(prev, exists, m)
		if !changed {
			continue
		}
		changes = append(changes, change)
		batch.Queue(`
			INSERT INTO markets (`+marketColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (ticker) DO UPDATE SET
				event_ticker = EXCLUDED.event_ticker,
				title = EXCLUDED.title,
				subtitle = EXCLUDED.subtitle,
				status = EXCLUDED.status,
				yes_bid = EXCLUDED.yes_bid,
				yes_ask = EXCLUDED.yes_ask,
				last_price = EXCLUDED.last_price,
				volume = EXCLUDED.volume,
				volume_24h = EXCLUDED.volume_24h,
				open_interest = EXCLUDED.open_interest,
				liquidity = EXCLUDED.liquidity,
				open_ts = EXCLUDED.open_ts,
				close_ts = EXCLUDED.close_ts,
				created_ts = EXCLUDED.created_ts,
				observed_at = EXCLUDED.observed_at
		`, merged.Ticker, merged.EventTicker, merged.Title, merged.Subtitle, merged.Status,
			merged.YesBid, merged.YesAsk, merged.LastPrice, merged.Volume, merged.Volume24h,
			merged.OpenInterest, merged.Liquidity, merged.OpenTS, merged.CloseTS,
			merged.CreatedTS, merged.ObservedAt)
	}

	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return nil, fmt.Errorf("upsert market: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return nil, fmt.Errorf("close market batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert markets: %w", err)
	}
	return changes, nil
}

func (s *Postgres) UpsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(events))
	for _, e := range events {
		keys = append(keys, e.EventTicker)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert events: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT event_ticker, series_ticker, title, subtitle, category, status, market_tickers, observed_at
		FROM events WHERE event_ticker = ANY($1) FOR UPDATE`, keys)
	if err != nil {
		return 0, fmt.Errorf("read existing events: %w", err)
	}
	existing := make(map[string]model.Event)
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.EventTicker, &e.SeriesTicker, &e.Title, &e.Subtitle,
			&e.Category, &e.Status, &e.MarketTickers, &e.ObservedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan existing event: %w", err)
		}
		existing[e.EventTicker] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read existing events: %w", err)
	}

	changed := 0
	batch := &pgx.Batch{}
	for _, e := range events {
		if prev, ok := existing[e.EventTicker]; ok && eventsEqual(prev, e) {
			continue
		}
		changed++
		batch.Queue(`
			INSERT INTO events (event_ticker, series_ticker, title, subtitle, category, status, market_tickers, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_ticker) DO UPDATE SET
				series_ticker = EXCLUDED.series_ticker,
				title = EXCLUDED.title,
				subtitle = EXCLUDED.subtitle,
				category = EXCLUDED.category,
				status = EXCLUDED.status,
				market_tickers = EXCLUDED.market_tickers,
				observed_at = EXCLUDED.observed_at
		`, e.EventTicker, e.SeriesTicker, e.Title, e.Subtitle, e.Category, e.Status, e.MarketTickers, e.ObservedAt)
	}

	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return 0, fmt.Errorf("upsert event: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return 0, fmt.Errorf("close event batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert events: %w", err)
	}
	return changed, nil
}

func (s *Postgres) GetMarket(ctx context.Context, ticker string) (model.Market, bool, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Market{}, false, nil
	}
	if err != nil {
		return model.Market{}, false, fmt.Errorf("get market %s: %w", ticker, err)
	}
	return m, true, nil
}

func (s *Postgres) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.EventTicker != "" {
		args = append(args, f.EventTicker)
		query += fmt.Sprintf(" AND event_ticker = $%d", len(args))
	}
	query += " ORDER BY ticker"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) GetEvent(ctx context.Context, eventTicker string) (model.Event, bool, error) {
	var e model.Event
	err := s.db.QueryRow(ctx, `
		SELECT event_ticker, series_ticker, title, subtitle, category, status, market_tickers, observed_at
		FROM events WHERE event_ticker = $1`, eventTicker).
		Scan(&e.EventTicker, &e.SeriesTicker, &e.Title, &e.Subtitle,
			&e.Category, &e.Status, &e.MarketTickers, &e.ObservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("get event %s: %w", eventTicker, err)
	}
	return e, true, nil
}

func (s *Postgres) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	query := `
		SELECT event_ticker, series_ticker, title, subtitle, category, status, market_tickers, observed_at
		FROM events ORDER BY event_ticker`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.EventTicker, &e.SeriesTicker, &e.Title, &e.Subtitle,
			&e.Category, &e.Status, &e.MarketTickers, &e.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) HasEvent(ctx context.Context, eventTicker string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE event_ticker = $1)`, eventTicker).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has event %s: %w", eventTicker, err)
	}
	return exists, nil
}

const orderColumns = `id, exchange_id, ticker, side, quantity, limit_price,
	state, reason, filled_quantity, avg_fill_price, submit_attempts, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.ExchangeID, &o.Ticker, &o.Side, &o.Quantity, &o.LimitPrice,
		&o.State, &o.Reason, &o.FilledQuantity, &o.AvgFillPrice, &o.SubmitAttempts,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Postgres) CreateOrder(ctx context.Context, o model.Order) error {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, o.ID, o.ExchangeID, o.Ticker, o.Side, o.Quantity, o.LimitPrice,
		o.State, o.Reason, o.FilledQuantity, o.AvgFillPrice, o.SubmitAttempts,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("create order %s: %w", o.ID, ErrDuplicateOrder)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, bool, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, true, nil
}

func (s *Postgres) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state NOT IN ('risk_rejected', 'filled', 'cancelled', 'rejected_by_exchange')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*model.Order) error) (model.Order, error) {
	var out model.Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		o, err := s.lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
		if err := writeOrder(ctx, tx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Postgres) UpdateOrderWithPosition(ctx context.Context, id uuid.UUID, fn func(*model.Order, *model.Position) error) (model.Order, model.Position, error) {
	var outO model.Order
	var outP model.Position
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		o, err := s.lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}

		// Ensure the position row exists, then lock it.
		if _, err := tx.Exec(ctx, `
			INSERT INTO positions (ticker, net_quantity, avg_cost, realized_pnl, updated_at)
			VALUES ($1, 0, 0, 0, now())
			ON CONFLICT (ticker) DO NOTHING`, o.Ticker); err != nil {
			return fmt.Errorf("ensure position %s: %w", o.Ticker, err)
		}
		var p model.Position
		err = tx.QueryRow(ctx, `
			SELECT ticker, net_quantity, avg_cost, realized_pnl, updated_at
			FROM positions WHERE ticker = $1 FOR UPDATE`, o.Ticker).
			Scan(&p.Ticker, &p.NetQuantity, &p.AvgCost, &p.RealizedPnL, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("lock position %s: %w", o.Ticker, err)
		}

		if err := fn(&o, &p); err != nil {
			return err
		}

		if err := writeOrder(ctx, tx, o); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE positions SET net_quantity = $2, avg_cost = $3, realized_pnl = $4, updated_at = $5
			WHERE ticker = $1`,
			p.Ticker, p.NetQuantity, p.AvgCost, p.RealizedPnL, p.UpdatedAt); err != nil {
			return fmt.Errorf("write position %s: %w", p.Ticker, err)
		}

		outO, outP = o, p
		return nil
	})
	return outO, outP, err
}

func (s *Postgres) GetPosition(ctx context.Context, ticker string) (model.Position, bool, error) {
	var p model.Position
	err := s.db.QueryRow(ctx, `
		SELECT ticker, net_quantity, avg_cost, realized_pnl, updated_at
		FROM positions WHERE ticker = $1`, ticker).
		Scan(&p.Ticker, &p.NetQuantity, &p.AvgCost, &p.RealizedPnL, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return p, true, nil
}

func (s *Postgres) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticker, net_quantity, avg_cost, realized_pnl, updated_at
		FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.Ticker, &p.NetQuantity, &p.AvgCost, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("lock order %s: %w", id, err)
	}
	return o, nil
}

func writeOrder(ctx context.Context, tx pgx.Tx, o model.Order) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders SET
			exchange_id = $2, state = $3, reason = $4, filled_quantity = $5,
			avg_fill_price = $6, submit_attempts = $7, updated_at = $8
		WHERE id = $1`,
		o.ID, o.ExchangeID, o.State, o.Reason, o.FilledQuantity,
		o.AvgFillPrice, o.SubmitAttempts, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write order %s: %w", o.ID, err)
	}
	return nil
}
