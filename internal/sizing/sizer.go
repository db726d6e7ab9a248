// Package sizing computes entry sizes under the diversification cap.
//
// One policy serves both modes: a single position may use at most
// budget / MaxPositions, where budget is the simulation budget or the
// operator's live allocation, and never more than the capital available
// (the ledger balance in simulation, the live allocation otherwise).
package sizing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when the computed size would be a dust trade.
	ErrBelowMinimum = errors.New("sizing: buy size at or below the minimum notional")

	// ErrNoCapacity is returned when no positions are allowed at all.
	ErrNoCapacity = errors.New("sizing: diversification cap is zero")
)

// Sizer holds the static sizing limits.
type Sizer struct {
	// MaxPositions is the diversification cap.
	MaxPositions int

	// MinNotional is the floor a buy must exceed.
	MinNotional decimal.Decimal

	// SimBudget is the capital base used for the per-position cap in
	// simulation mode.
	SimBudget decimal.Decimal
}

// NewSizer creates a sizer with the given limits.
func NewSizer(maxPositions int, minNotional, simBudget decimal.Decimal) *Sizer {
	return &Sizer{
		MaxPositions: maxPositions,
		MinNotional:  minNotional,
		SimBudget:    simBudget,
	}
}

// PerPositionCap returns the most a single entry may spend.
func (s *Sizer) PerPositionCap(live bool, liveBudget decimal.Decimal) decimal.Decimal {
	if s.MaxPositions <= 0 {
		return decimal.Zero
	}
	budget := s.SimBudget
	if live {
		budget = liveBudget
	}
	return budget.Div(decimal.NewFromInt(int64(s.MaxPositions)))
}

// BuySize returns min(available capital, per-position cap).
//
// Parameters:
//   - live: whether the engine settles on the real network
//   - balance: current ledger balance (capital in simulation)
//   - liveBudget: operator allocation (capital in live mode)
//
// Returns ErrBelowMinimum when the size does not exceed MinNotional.
func (s *Sizer) BuySize(live bool, balance, liveBudget decimal.Decimal) (decimal.Decimal, error) {
	if s.MaxPositions <= 0 {
		return decimal.Zero, ErrNoCapacity
	}

	available := balance
	if live {
		available = liveBudget
	}
	size := decimal.Min(available, s.PerPositionCap(live, liveBudget))

	if size.LessThanOrEqual(s.MinNotional) {
		return decimal.Zero, ErrBelowMinimum
	}
	return size, nil
}
