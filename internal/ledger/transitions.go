// Package ledger owns the portfolio state. Every change is a pure
// transition from the previous State to the next one; Book holds the
// single current State and serialises transitions.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
)

var (
	// ErrAlreadyMonitored is returned when an asset is added twice.
	ErrAlreadyMonitored = errors.New("ledger: asset already monitored")

	// ErrNotMonitored is returned when an operation targets an asset
	// outside the monitored set.
	ErrNotMonitored = errors.New("ledger: asset not monitored")

	// ErrStaleEpoch is returned when a transition was prepared against a
	// ledger that has since been reset.
	ErrStaleEpoch = errors.New("ledger: ledger was reset while the operation was in flight")
)

// ApplyTrade returns the ledger after t and the trade as recorded. For
// exits the recorded trade carries the realized P/L against the average
// entry price held in prev; when that average is zero the execution price
// is used as basis.
//
// Exits never drive the quantity below zero. Closing a position fully
// clears its cost basis so a later entry starts a fresh average.
func ApplyTrade(prev model.State, t model.Trade, historyLimit int) (model.State, model.Trade) {
	next := prev.Clone()
	pos := next.Positions[t.Address]

	switch {
	case t.Kind == model.KindBuy:
		total := pos.Quantity.Add(t.Quantity)
		if total.IsPositive() {
			pos.AvgEntryPrice = weightedMean(pos.Quantity, pos.AvgEntryPrice, t.Quantity, t.Price, total)
			pos.AvgEntryValuation = weightedMean(pos.Quantity, pos.AvgEntryValuation, t.Quantity, t.Valuation, total)
		}
		pos.Quantity = total
		next.Balance = next.Balance.Sub(t.Notional)

	case t.Kind.IsExit():
		basis := pos.AvgEntryPrice
		if basis.IsZero() {
			basis = t.Price
		}
		pnl := t.Notional.Sub(t.Quantity.Mul(basis))
		t.PnL = &pnl

		remaining := pos.Quantity.Sub(t.Quantity)
		if remaining.IsPositive() {
			pos.Quantity = remaining
			pos.Scaled = pos.Scaled || t.Kind == model.KindPartialSell
		} else {
			pos = model.Position{}
		}
		next.Balance = next.Balance.Add(t.Notional)
	}

	if pos.IsOpen() {
		next.Positions[t.Address] = pos
	} else {
		delete(next.Positions, t.Address)
	}

	next.Trades = append([]model.Trade{t}, next.Trades...)
	if historyLimit > 0 && len(next.Trades) > historyLimit {
		next.Trades = next.Trades[:historyLimit]
	}
	return next, t
}

func weightedMean(oldQty, oldAvg, qty, price, total decimal.Decimal) decimal.Decimal {
	return oldQty.Mul(oldAvg).Add(qty.Mul(price)).Div(total)
}

// AddMonitored returns the ledger with asset added to the monitored set.
func AddMonitored(prev model.State, asset model.MonitoredAsset) (model.State, error) {
	addr := asset.Metadata.Address
	if _, ok := prev.Monitored[addr]; ok {
		return prev, ErrAlreadyMonitored
	}
	next := prev.Clone()
	next.Monitored[addr] = asset.Clone()
	return next, nil
}

// RemoveMonitored returns the ledger without address in the monitored
// set. Positions are left untouched.
func RemoveMonitored(prev model.State, address string) (model.State, error) {
	if _, ok := prev.Monitored[address]; !ok {
		return prev, ErrNotMonitored
	}
	next := prev.Clone()
	delete(next.Monitored, address)
	return next, nil
}

// UpdateMonitored returns the ledger with fn applied to one monitored asset.
func UpdateMonitored(prev model.State, address string, fn func(model.MonitoredAsset) model.MonitoredAsset) (model.State, error) {
	m, ok := prev.Monitored[address]
	if !ok {
		return prev, ErrNotMonitored
	}
	next := prev.Clone()
	next.Monitored[address] = fn(m.Clone())
	return next, nil
}

// NewMonitoredAsset seeds a monitored asset from its first snapshot.
func NewMonitoredAsset(snap model.Snapshot, now time.Time) model.MonitoredAsset {
	return model.MonitoredAsset{
		Metadata:         snap,
		CurrentPrice:     snap.Price,
		CurrentValuation: snap.Valuation,
		ValuationHistory: []decimal.Decimal{snap.Valuation},
		PriceHistory:     []model.PricePoint{{Time: now, Price: snap.Price}},
		Message:          "Initiating tactical monitoring...",
		Sentiment:        model.SentimentNeutral,
		AddedAt:          now,
	}
}

// Observe appends a fresh snapshot to m's rolling histories, dropping the
// oldest samples beyond the limits, and refreshes the displayed values.
func Observe(m model.MonitoredAsset, snap model.Snapshot, now time.Time, valuationLimit, priceLimit int) model.MonitoredAsset {
	m.Metadata = snap
	m.CurrentPrice = snap.Price
	m.CurrentValuation = snap.Valuation
	m.ValuationHistory = tail(append(m.ValuationHistory, snap.Valuation), valuationLimit)
	m.PriceHistory = tail(append(m.PriceHistory, model.PricePoint{Time: now, Price: snap.Price}), priceLimit)
	return m
}

func tail[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return append([]T(nil), xs[len(xs)-limit:]...)
	}
	return xs
}
