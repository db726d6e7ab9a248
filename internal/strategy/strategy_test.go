package strategy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/sizing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func hist(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func newEvaluator() *Evaluator {
	return NewEvaluator(DefaultThresholds(), sizing.NewSizer(5, d(0.05), d(10)))
}

func held(qty, avg float64) model.Position {
	return model.Position{Quantity: d(qty), AvgEntryPrice: d(avg)}
}

func TestShortTermDelta(t *testing.T) {
	tests := []struct {
		name string
		h    []decimal.Decimal
		want decimal.Decimal
	}{
		{"empty", nil, decimal.Zero},
		{"three samples", hist(100, 110, 120), decimal.Zero},
		{"four samples", hist(100, 0, 0, 101), d(1)},
		{"uses three back", hist(1, 200, 150, 100, 210), d(5)},
		{"zero base", hist(0, 1, 2, 3), decimal.Zero},
		{"drop", hist(200, 1, 1, 190), d(-5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShortTermDelta(tt.h, 3); !got.Equal(tt.want) {
				t.Errorf("ShortTermDelta() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate_EntryOnMomentum(t *testing.T) {
	e := newEvaluator()
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(0.5)},
		ValuationHistory: hist(1000, 1001, 1002, 1007),
		Autonomous:       true,
		Balance:          d(10),
		LiveBudget:       d(1),
	})
	if dec.Action != ActionBuy {
		t.Fatalf("expected BUY, got %s (skip=%v)", dec.Action, dec.Skip)
	}
	if !dec.Notional.Equal(d(2)) {
		t.Errorf("expected notional=2, got %s", dec.Notional)
	}
	if !dec.Quantity.Equal(d(4)) {
		t.Errorf("expected quantity=4, got %s", dec.Quantity)
	}
}

func TestEvaluate_NoEntryAtThreshold(t *testing.T) {
	e := newEvaluator()
	// Exactly +0.6% must not trigger.
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(1)},
		ValuationHistory: hist(1000, 1, 1, 1006),
		Autonomous:       true,
		Balance:          d(10),
	})
	if dec.Action != ActionHold {
		t.Errorf("expected HOLD at exactly the entry delta, got %s", dec.Action)
	}
}

func TestEvaluate_EntrySkippedForDust(t *testing.T) {
	e := newEvaluator()
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(1)},
		ValuationHistory: hist(1000, 1, 1, 1100),
		Autonomous:       true,
		Balance:          d(0.04),
	})
	if dec.Action != ActionHold {
		t.Fatalf("expected HOLD, got %s", dec.Action)
	}
	if !errors.Is(dec.Skip, sizing.ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum skip, got %v", dec.Skip)
	}
}

func TestEvaluate_NothingWhenNotAutonomous(t *testing.T) {
	e := newEvaluator()
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(1.275)},
		Position:         held(4, 1.5),
		ValuationHistory: hist(1000, 1, 1, 1100),
	})
	if dec.Action != ActionHold {
		t.Errorf("expected HOLD while autonomous trading is off, got %s", dec.Action)
	}
	if dec.Phase != PhaseOpen {
		t.Errorf("expected phase OPEN, got %s", dec.Phase)
	}
}

func TestEvaluate_ScenarioB(t *testing.T) {
	e := newEvaluator()

	first := e.Evaluate(Input{
		Snapshot:   model.Snapshot{Price: d(1.8)},
		Position:   held(4, 1.5),
		Autonomous: true,
	})
	if first.Action != ActionPartialSell {
		t.Fatalf("expected PARTIAL_SELL at +20%%, got %s", first.Action)
	}
	if !first.Quantity.Equal(d(2)) || !first.Notional.Equal(d(3.6)) {
		t.Errorf("expected 2 units for 3.6, got %s for %s", first.Quantity, first.Notional)
	}

	second := e.Evaluate(Input{
		Snapshot:   model.Snapshot{Price: d(2.1)},
		Position:   held(2, 1.5),
		HasScaled:  true,
		Autonomous: true,
	})
	if second.Action != ActionSell {
		t.Fatalf("expected SELL at +40%%, got %s", second.Action)
	}
	if !second.Quantity.Equal(d(2)) || !second.Notional.Equal(d(4.2)) {
		t.Errorf("expected 2 units for 4.2, got %s for %s", second.Quantity, second.Notional)
	}
	if second.Phase != PhaseScaled {
		t.Errorf("expected phase SCALED, got %s", second.Phase)
	}
}

func TestEvaluate_ScaledHoldsBetweenTargets(t *testing.T) {
	e := newEvaluator()
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(1.95)},
		Position:         held(2, 1.5),
		HasScaled:        true,
		ValuationHistory: hist(100, 100, 100, 99),
		Autonomous:       true,
	})
	if dec.Action != ActionHold {
		t.Errorf("expected HOLD at +30%% once scaled, got %s", dec.Action)
	}
}

func TestEvaluate_ScenarioC(t *testing.T) {
	e := newEvaluator()
	for _, scaled := range []bool{false, true} {
		dec := e.Evaluate(Input{
			Snapshot:   model.Snapshot{Price: d(1.275)},
			Position:   held(4, 1.5),
			HasScaled:  scaled,
			Autonomous: true,
		})
		if dec.Action != ActionSell {
			t.Fatalf("scaled=%v: expected SELL at -15%%, got %s", scaled, dec.Action)
		}
		if !dec.Quantity.Equal(d(4)) {
			t.Errorf("scaled=%v: expected full quantity, got %s", scaled, dec.Quantity)
		}
	}
}

func TestEvaluate_ReversalAfterScaling(t *testing.T) {
	e := newEvaluator()
	in := Input{
		Snapshot:         model.Snapshot{Price: d(1.65)},
		Position:         held(2, 1.5),
		ValuationHistory: hist(1000, 990, 980, 970),
		Autonomous:       true,
	}

	if dec := e.Evaluate(in); dec.Action != ActionHold {
		t.Errorf("reversal must not exit an unscaled position, got %s", dec.Action)
	}

	in.HasScaled = true
	dec := e.Evaluate(in)
	if dec.Action != ActionSell {
		t.Errorf("expected SELL on -3%% reversal after scaling, got %s", dec.Action)
	}
	if dec.Rationale != "Trend exhausted. Full exit." {
		t.Errorf("unexpected rationale %q", dec.Rationale)
	}
}

func TestEvaluate_PartialTakesPriority(t *testing.T) {
	e := newEvaluator()
	// +50% with no prior scale-out fires the partial before the full target.
	dec := e.Evaluate(Input{
		Snapshot:   model.Snapshot{Price: d(3)},
		Position:   held(4, 2),
		Autonomous: true,
	})
	if dec.Action != ActionPartialSell {
		t.Errorf("expected PARTIAL_SELL first, got %s", dec.Action)
	}
}

func TestEvaluate_HeldPositionNeverBuys(t *testing.T) {
	e := newEvaluator()
	dec := e.Evaluate(Input{
		Snapshot:         model.Snapshot{Price: d(1.5)},
		Position:         held(1, 1.5),
		ValuationHistory: hist(100, 100, 100, 200),
		Autonomous:       true,
		Balance:          d(10),
	})
	if dec.Action == ActionBuy {
		t.Error("must not add to an open position")
	}
}

func TestPhaseOf(t *testing.T) {
	if PhaseOf(model.Position{}, true) != PhaseFlat {
		t.Error("zero position is FLAT regardless of history")
	}
	if PhaseOf(held(1, 1), false) != PhaseOpen {
		t.Error("expected OPEN")
	}
	if PhaseOf(held(1, 1), true) != PhaseScaled {
		t.Error("expected SCALED")
	}
}
