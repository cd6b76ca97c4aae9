package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Market / Event
// -----------------------------------------------------------------------------

// MarketStatus is the canonical market lifecycle status.
type MarketStatus string

const (
	MarketInitialized MarketStatus = "initialized"
	MarketActive      MarketStatus = "active"
	MarketClosed      MarketStatus = "closed"
	MarketSettled     MarketStatus = "settled"
)

// statusRank orders statuses so transitions stay monotonic.
var statusRank = map[MarketStatus]int{
	MarketInitialized: 0,
	MarketActive:      1,
	MarketClosed:      2,
	MarketSettled:     3,
}

// Rank returns the ordering rank of a status, or -1 if unknown.
func (s MarketStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Known reports whether the status is one of the canonical values.
func (s MarketStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Market represents a tradeable prediction market.
type Market struct {
	Ticker      string       // Primary key (exchange-assigned, immutable)
	EventTicker string       // Foreign key to Event
	Title       string       // Display title
	Subtitle    string       // Optional subtitle
	Status      MarketStatus // Lifecycle status (monotonic)

	// Current prices (cents, 0-100)
	YesBid    int64
	YesAsk    int64
	LastPrice int64

	// Liquidity indicators
	Volume       int64
	Volume24h    int64
	OpenInterest int64
	Liquidity    int64

	// Timing (µs since epoch)
	OpenTS    int64
	CloseTS   int64
	CreatedTS int64

	// ObservedAt is when this snapshot was taken (µs since epoch).
	// It is the only non-deterministic field a normalized record carries.
	ObservedAt int64
}

// Event represents a specific event grouping one or more markets.
type Event struct {
	EventTicker   string // Primary key
	SeriesTicker  string
	Title         string
	Subtitle      string
	Category      string
	Status        string
	MarketTickers []string // Constituent market tickers

	ObservedAt int64 // µs since epoch
}

// -----------------------------------------------------------------------------
// Order
// -----------------------------------------------------------------------------

// Side is the side of a binary market an order trades.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Sign returns +1 for yes and -1 for no, for position arithmetic.
func (s Side) Sign() int64 {
	if s == SideNo {
		return -1
	}
	return 1
}

// Order is the local view of an order, owned exclusively by the order manager.
type Order struct {
	ID         uuid.UUID // Local order id, doubles as the client order id
	ExchangeID string    // Exchange-assigned id once acknowledged
	Ticker     string
	Side       Side
	Quantity   int64
	LimitPrice int64 // cents

	State          OrderState
	Reason         string // Detail for terminal rejection states
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal // dollars per contract
	SubmitAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// -----------------------------------------------------------------------------
// Position
// -----------------------------------------------------------------------------

// Position is the net holding in a single market, derived only from fills.
type Position struct {
	Ticker      string
	NetQuantity int64           // signed: positive = net yes
	AvgCost     decimal.Decimal // dollars per contract of the open quantity
	RealizedPnL decimal.Decimal // dollars, proxy from closed quantity
	UpdatedAt   time.Time
}

// ApplyFill folds one fill into the position. side/qty describe the fill,
// priceCents is the execution price. Reducing fills realize P&L against the
// average cost; increasing fills re-average it.
func (p *Position) ApplyFill(side Side, qty int64, priceCents int64, at time.Time) {
	price := decimal.New(priceCents, -2)
	signed := side.Sign() * qty

	switch {
	case p.NetQuantity == 0 || sameSign(p.NetQuantity, signed):
		oldAbs := decimal.NewFromInt(abs64(p.NetQuantity))
		addAbs := decimal.NewFromInt(qty)
		total := oldAbs.Add(addAbs)
		if total.IsPositive() {
			p.AvgCost = p.AvgCost.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total)
		}
		p.NetQuantity += signed
	default:
		// Reducing or flipping: realize P&L on the closed quantity.
		closed := min64(abs64(p.NetQuantity), qty)
		direction := decimal.NewFromInt(sign64(p.NetQuantity))
		pnl := price.Sub(p.AvgCost).Mul(decimal.NewFromInt(closed)).Mul(direction)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		prev := p.NetQuantity
		p.NetQuantity += signed
		if p.NetQuantity == 0 {
			p.AvgCost = decimal.Zero
		} else if !sameSign(prev, p.NetQuantity) {
			// Flipped through zero: the remainder opens at the fill price.
			p.AvgCost = price
		}
	}
	p.UpdatedAt = at
}

// GrossValueCents returns |net quantity| * average cost, in cents.
func (p *Position) GrossValueCents() int64 {
	return p.AvgCost.Mul(decimal.NewFromInt(abs64(p.NetQuantity))).Mul(decimal.NewFromInt(100)).IntPart()
}

func sameSign(a, b int64) bool {
	return (a >= 0) == (b >= 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// -----------------------------------------------------------------------------
// Risk limits
// -----------------------------------------------------------------------------

// RiskLimit holds the configured pre-trade limits. Read-only at evaluation
// time; reloadable between cycles.
type RiskLimit struct {
	MaxPositionPerMarket int64            // contracts, 0 = unlimited
	MaxOrderSize         int64            // contracts per order, 0 = unlimited
	MaxGrossExposure     int64            // cents across all markets, 0 = unlimited
	MaxOrdersPerMinute   int              // order submissions, 0 = unlimited
	PositionOverrides    map[string]int64 // per-ticker position limit overrides
}

// PositionLimit returns the position limit for a ticker, honoring overrides.
func (l RiskLimit) PositionLimit(ticker string) int64 {
	if v, ok := l.PositionOverrides[ticker]; ok {
		return v
	}
	return l.MaxPositionPerMarket
}
