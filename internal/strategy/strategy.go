// Package strategy decides, per monitored asset and fresh snapshot,
// whether to enter, scale out, exit or hold.
//
// Per-asset phases:
//
//	FLAT   --(Δ > entry, autonomous)--------------> OPEN     BUY
//	OPEN   --(profit >= first target)-------------> SCALED   PARTIAL_SELL
//	OPEN   --(profit >= second | stop loss)-------> FLAT     SELL
//	SCALED --(profit >= second | Δ < reversal
//	          | stop loss)------------------------> FLAT     SELL
//
// Exit rules are checked in that priority order and the first match wins.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
	"github.com/trador/engine/internal/sizing"
)

var hundred = decimal.NewFromInt(100)

// Phase is the derived per-asset strategy state.
type Phase string

const (
	PhaseFlat   Phase = "FLAT"
	PhaseOpen   Phase = "OPEN"
	PhaseScaled Phase = "SCALED"
)

// Action is what the evaluator wants done this cycle.
type Action string

const (
	ActionHold        Action = "HOLD"
	ActionBuy         Action = "BUY"
	ActionPartialSell Action = "PARTIAL_SELL"
	ActionSell        Action = "SELL"
)

// Kind maps a trading action to the trade kind it records.
func (a Action) Kind() (model.TradeKind, bool) {
	switch a {
	case ActionBuy:
		return model.KindBuy, true
	case ActionPartialSell:
		return model.KindPartialSell, true
	case ActionSell:
		return model.KindSell, true
	}
	return "", false
}

// Thresholds are the rule parameters, all in percent except
// PartialFraction (share of the position sold at the first target) and
// Lookback (samples between the compared valuations).
type Thresholds struct {
	EntryDeltaPct    decimal.Decimal
	FirstTargetPct   decimal.Decimal
	SecondTargetPct  decimal.Decimal
	ReversalDeltaPct decimal.Decimal
	StopLossPct      decimal.Decimal
	PartialFraction  decimal.Decimal
	Lookback         int
}

// DefaultThresholds returns the stock rule set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EntryDeltaPct:    decimal.NewFromFloat(0.6),
		FirstTargetPct:   decimal.NewFromInt(20),
		SecondTargetPct:  decimal.NewFromInt(40),
		ReversalDeltaPct: decimal.NewFromFloat(-2.5),
		StopLossPct:      decimal.NewFromInt(-15),
		PartialFraction:  decimal.NewFromFloat(0.5),
		Lookback:         3, // h[n-4]; a lookback of 2 compares against h[n-3]
	}
}

// Input is everything a decision depends on. It must be built from the
// ledger as it is at decision time.
type Input struct {
	Snapshot         model.Snapshot
	Position         model.Position
	HasScaled        bool
	ValuationHistory []decimal.Decimal // oldest first, latest sample last
	Autonomous       bool
	Live             bool
	Balance          decimal.Decimal
	LiveBudget       decimal.Decimal
}

// Decision is the evaluator's output. Quantity and Notional are set for
// trading actions; Skip explains a HOLD that a rule wanted to break.
type Decision struct {
	Action    Action
	Phase     Phase
	Quantity  decimal.Decimal
	Notional  decimal.Decimal
	Rationale string
	ProfitPct decimal.Decimal
	Delta     decimal.Decimal
	Skip      error
}

// Evaluator applies Thresholds with a Sizer for entries.
type Evaluator struct {
	th    Thresholds
	sizer *sizing.Sizer
}

// NewEvaluator creates an evaluator.
func NewEvaluator(th Thresholds, sizer *sizing.Sizer) *Evaluator {
	return &Evaluator{th: th, sizer: sizer}
}

// Thresholds returns the evaluator's rule parameters.
func (e *Evaluator) Thresholds() Thresholds {
	return e.th
}

// ShortTermDelta is the percent change between the latest valuation and
// the one lookback samples earlier, or zero with too little history.
func ShortTermDelta(history []decimal.Decimal, lookback int) decimal.Decimal {
	n := len(history)
	if lookback <= 0 || n <= lookback {
		return decimal.Zero
	}
	back := history[n-1-lookback]
	if back.IsZero() {
		return decimal.Zero
	}
	return history[n-1].Sub(back).Div(back).Mul(hundred)
}

// ProfitPct is the unrealized profit of price over avg in percent, zero
// without a cost basis.
func ProfitPct(price, avg decimal.Decimal) decimal.Decimal {
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(avg).Div(avg).Mul(hundred)
}

// PhaseOf derives the phase from the held position and scaling history.
func PhaseOf(pos model.Position, scaled bool) Phase {
	switch {
	case !pos.IsOpen():
		return PhaseFlat
	case scaled:
		return PhaseScaled
	default:
		return PhaseOpen
	}
}

// Evaluate returns the single action for this cycle.
func (e *Evaluator) Evaluate(in Input) Decision {
	price := in.Snapshot.Price
	dec := Decision{
		Action:    ActionHold,
		Phase:     PhaseOf(in.Position, in.HasScaled),
		ProfitPct: ProfitPct(price, in.Position.AvgEntryPrice),
		Delta:     ShortTermDelta(in.ValuationHistory, e.th.Lookback),
	}
	if !in.Autonomous {
		return dec
	}

	if dec.Phase == PhaseFlat {
		return e.entry(in, dec)
	}
	return e.exit(in, dec)
}

func (e *Evaluator) entry(in Input, dec Decision) Decision {
	if !dec.Delta.GreaterThan(e.th.EntryDeltaPct) {
		return dec
	}
	price := in.Snapshot.Price
	if !price.IsPositive() {
		dec.Skip = errors.New("strategy: no positive price to size against")
		return dec
	}
	size, err := e.sizer.BuySize(in.Live, in.Balance, in.LiveBudget)
	if err != nil {
		dec.Skip = err
		return dec
	}

	dec.Action = ActionBuy
	dec.Notional = size
	dec.Quantity = size.Div(price)
	dec.Rationale = "Momentum ignition detected."
	return dec
}

func (e *Evaluator) exit(in Input, dec Decision) Decision {
	held := in.Position.Quantity
	price := in.Snapshot.Price

	switch {
	case dec.ProfitPct.GreaterThanOrEqual(e.th.FirstTargetPct) && !in.HasScaled:
		dec.Action = ActionPartialSell
		dec.Quantity = held.Mul(e.th.PartialFraction)
		dec.Rationale = fmt.Sprintf("Target 1 reached. Securing %s%%.", e.th.PartialFraction.Mul(hundred).String())

	case dec.ProfitPct.GreaterThanOrEqual(e.th.SecondTargetPct) ||
		(in.HasScaled && dec.Delta.LessThan(e.th.ReversalDeltaPct)):
		dec.Action = ActionSell
		dec.Quantity = held
		dec.Rationale = "Trend exhausted. Full exit."

	case dec.ProfitPct.LessThanOrEqual(e.th.StopLossPct):
		dec.Action = ActionSell
		dec.Quantity = held
		dec.Rationale = fmt.Sprintf("Stop loss hit (%s%%). Preserving capital.", e.th.StopLossPct.String())

	default:
		return dec
	}

	dec.Notional = dec.Quantity.Mul(price)
	return dec
}
