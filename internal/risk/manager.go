// Package risk gates proposed orders against position and exposure limits.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

// Reason identifies which check rejected an order.
type Reason string

const (
	ReasonPositionLimit Reason = "position_limit"
	ReasonOrderSize     Reason = "order_size_limit"
	ReasonExposure      Reason = "exposure_limit"
	ReasonOrderRate     Reason = "order_rate_limit"
)

// Decision is the outcome of a risk evaluation. A rejection is an expected
// business outcome, not an error, and always names the failed check.
type Decision struct {
	Approved bool
	Reason   Reason
}

// Snapshot is the state a proposed order is evaluated against. Evaluation
// reads nothing else, so the same snapshot always yields the same decision.
type Snapshot struct {
	Positions   map[string]model.Position
	Submissions []time.Time // recent order submission times
	Now         time.Time
}

// SubmissionWindow is the trailing window for the order-rate check.
const SubmissionWindow = time.Minute

// Evaluate runs the pre-trade checks in order, short-circuiting on the first
// failure: position limit, order size, gross exposure, submission rate.
// Position and exposure checks assume the order fills completely.
func Evaluate(o model.Order, snap Snapshot, limits model.RiskLimit) Decision {
	pos := snap.Positions[o.Ticker]

	if limit := limits.PositionLimit(o.Ticker); limit > 0 {
		next := pos.NetQuantity + o.Side.Sign()*o.Quantity
		if abs64(next) > limit {
			return Decision{Reason: ReasonPositionLimit}
		}
	}

	if limits.MaxOrderSize > 0 && o.Quantity > limits.MaxOrderSize {
		return Decision{Reason: ReasonOrderSize}
	}

	if limits.MaxGrossExposure > 0 {
		if grossExposureCents(snap.Positions)+o.Quantity*o.LimitPrice > limits.MaxGrossExposure {
			return Decision{Reason: ReasonExposure}
		}
	}

	if limits.MaxOrdersPerMinute > 0 {
		cutoff := snap.Now.Add(-SubmissionWindow)
		recent := 0
		for _, t := range snap.Submissions {
			if t.After(cutoff) {
				recent++
			}
		}
		if recent >= limits.MaxOrdersPerMinute {
			return Decision{Reason: ReasonOrderRate}
		}
	}

	return Decision{Approved: true}
}

// grossExposureCents sums |position value| across all markets, in cents.
func grossExposureCents(positions map[string]model.Position) int64 {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.AvgCost.Mul(decimal.NewFromInt(abs64(p.NetQuantity))).Abs())
	}
	return total.Mul(decimal.NewFromInt(100)).IntPart()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Manager holds the live limits. Limits are read-only during evaluation and
// swapped wholesale between cycles.
type Manager struct {
	mu     sync.RWMutex
	limits model.RiskLimit
}

// NewManager creates a Manager with the given starting limits.
func NewManager(limits model.RiskLimit) *Manager {
	return &Manager{limits: limits}
}

// Limits returns the current limits.
func (m *Manager) Limits() model.RiskLimit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// SetLimits replaces the limits for subsequent evaluations.
func (m *Manager) SetLimits(limits model.RiskLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Evaluate applies the current limits to a proposed order.
func (m *Manager) Evaluate(o model.Order, snap Snapshot) Decision {
	return Evaluate(o, snap, m.Limits())
}
