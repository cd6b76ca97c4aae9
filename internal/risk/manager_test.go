package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

func testLimits() model.RiskLimit {
	return model.RiskLimit{
		MaxPositionPerMarket: 80,
		MaxOrderSize:         50,
		MaxGrossExposure:     10000, // $100
		MaxOrdersPerMinute:   5,
	}
}

func snapshotAt(now time.Time) Snapshot {
	return Snapshot{
		Positions: map[string]model.Position{},
		Now:       now,
	}
}

func TestEvaluate_Approves(t *testing.T) {
	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 10, LimitPrice: 50}

	d := Evaluate(o, snapshotAt(time.Now()), testLimits())
	if !d.Approved {
		t.Errorf("Decision = %+v, want approved", d)
	}
}

// An order whose full fill would breach the position limit is rejected with
// position_limit regardless of current position.
func TestEvaluate_PositionLimit(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		current  int64
		quantity int64
		side     model.Side
		want     Reason
		approved bool
	}{
		{"fresh market over limit", 0, 100, model.SideYes, ReasonPositionLimit, false},
		{"existing position pushes over", 60, 30, model.SideYes, ReasonPositionLimit, false},
		{"short side counts absolutely", 0, 100, model.SideNo, ReasonPositionLimit, false},
		{"reducing is fine", 60, 30, model.SideNo, "", true},
		{"exactly at limit", 50, 30, model.SideYes, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotAt(now)
			snap.Positions["M-1"] = model.Position{Ticker: "M-1", NetQuantity: tt.current}

			o := model.Order{Ticker: "M-1", Side: tt.side, Quantity: tt.quantity, LimitPrice: 10}
			limits := testLimits()
			limits.MaxOrderSize = 0 // isolate the position check
			limits.MaxGrossExposure = 0

			d := Evaluate(o, snap, limits)
			if d.Approved != tt.approved {
				t.Fatalf("Approved = %v, want %v", d.Approved, tt.approved)
			}
			if d.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.want)
			}
		})
	}
}

func TestEvaluate_OrderSize(t *testing.T) {
	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 51, LimitPrice: 10}
	limits := testLimits()
	limits.MaxPositionPerMarket = 0

	d := Evaluate(o, snapshotAt(time.Now()), limits)
	if d.Approved || d.Reason != ReasonOrderSize {
		t.Errorf("Decision = %+v, want order_size_limit rejection", d)
	}
}

func TestEvaluate_GrossExposure(t *testing.T) {
	snap := snapshotAt(time.Now())
	snap.Positions["M-1"] = model.Position{
		Ticker: "M-1", NetQuantity: 100,
		AvgCost: decimal.RequireFromString("0.90"), // $90 of exposure
	}

	// 30 contracts at 40 cents = $12; pushes past the $100 cap.
	o := model.Order{Ticker: "M-2", Side: model.SideYes, Quantity: 30, LimitPrice: 40}
	limits := testLimits()
	limits.MaxPositionPerMarket = 0

	d := Evaluate(o, snap, limits)
	if d.Approved || d.Reason != ReasonExposure {
		t.Errorf("Decision = %+v, want exposure_limit rejection", d)
	}
}

func TestEvaluate_OrderRate(t *testing.T) {
	now := time.Now()
	snap := snapshotAt(now)
	for i := 0; i < 5; i++ {
		snap.Submissions = append(snap.Submissions, now.Add(-time.Duration(i)*time.Second))
	}

	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 1, LimitPrice: 10}
	d := Evaluate(o, snap, testLimits())
	if d.Approved || d.Reason != ReasonOrderRate {
		t.Errorf("Decision = %+v, want order_rate_limit rejection", d)
	}

	// Stale submissions outside the window do not count.
	snap.Submissions = []time.Time{now.Add(-2 * time.Minute), now.Add(-3 * time.Minute)}
	d = Evaluate(o, snap, testLimits())
	if !d.Approved {
		t.Errorf("Decision = %+v, want approved once submissions age out", d)
	}
}

// Checks run in a fixed order and short-circuit on the first failure.
func TestEvaluate_CheckOrdering(t *testing.T) {
	now := time.Now()
	snap := snapshotAt(now)
	for i := 0; i < 10; i++ {
		snap.Submissions = append(snap.Submissions, now)
	}

	// Violates every check; position_limit wins because it runs first.
	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 500, LimitPrice: 99}
	d := Evaluate(o, snap, testLimits())
	if d.Reason != ReasonPositionLimit {
		t.Errorf("Reason = %q, want %q (first failed check)", d.Reason, ReasonPositionLimit)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	snap := snapshotAt(now)
	snap.Positions["M-1"] = model.Position{Ticker: "M-1", NetQuantity: 40}
	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 40, LimitPrice: 30}

	a := Evaluate(o, snap, testLimits())
	b := Evaluate(o, snap, testLimits())
	if a != b {
		t.Errorf("same snapshot produced different decisions: %+v vs %+v", a, b)
	}
}

func TestManager_SetLimits(t *testing.T) {
	m := NewManager(testLimits())
	o := model.Order{Ticker: "M-1", Side: model.SideYes, Quantity: 40, LimitPrice: 10}

	if d := m.Evaluate(o, snapshotAt(time.Now())); !d.Approved {
		t.Fatalf("Decision = %+v, want approved", d)
	}

	limits := testLimits()
	limits.MaxOrderSize = 10
	m.SetLimits(limits)

	if d := m.Evaluate(o, snapshotAt(time.Now())); d.Approved || d.Reason != ReasonOrderSize {
		t.Errorf("Decision = %+v, want order_size_limit after reload", d)
	}
}
