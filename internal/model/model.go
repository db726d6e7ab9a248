// Package model defines the core domain types shared across the engine.
// All monetary values, prices, quantities and valuations use
// shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeKind is the direction of a recorded trade.
type TradeKind string

const (
	KindBuy         TradeKind = "BUY"
	KindSell        TradeKind = "SELL"
	KindPartialSell TradeKind = "PARTIAL_SELL"
)

// IsExit reports whether the kind reduces a position.
func (k TradeKind) IsExit() bool {
	return k == KindSell || k == KindPartialSell
}

// Valid reports whether k is a known trade kind.
func (k TradeKind) Valid() bool {
	return k == KindBuy || k.IsExit()
}

// Sentiment is the commentary mood attached to a monitored asset.
type Sentiment string

const (
	SentimentBullish Sentiment = "BULLISH"
	SentimentNeutral Sentiment = "NEUTRAL"
	SentimentBearish Sentiment = "BEARISH"
)

// Status is the overall engine status derived from the monitored set.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusTrading Status = "TRADING"
)

// TxnCounts holds the 24h buy/sell transaction counts of an asset.
type TxnCounts struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Snapshot is a point-in-time read of an asset's market metrics.
// Price is quoted in the funding currency (SOL); Valuation is the
// aggregate market value (market cap, falling back to FDV).
type Snapshot struct {
	Name           string          `json:"name"`
	Symbol         string          `json:"symbol"`
	Address        string          `json:"address"`
	Price          decimal.Decimal `json:"price_native"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	FDV            decimal.Decimal `json:"fdv"`
	Valuation      decimal.Decimal `json:"mcap"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	PriceChange1h  float64         `json:"price_change_1h"`
	PriceChange24h float64         `json:"price_change_24h"`
	AgeHours       float64         `json:"age_hours"` // 0 when unknown
	Txns24h        TxnCounts       `json:"txns_24h"`
}

// Trade is an immutable record of an executed (or simulated) trade.
// PnL is set only for SELL and PARTIAL_SELL.
type Trade struct {
	ID        string           `json:"id" db:"id"`
	Kind      TradeKind        `json:"type" db:"kind"`
	Symbol    string           `json:"symbol" db:"symbol"`
	Address   string           `json:"address" db:"address"`
	Price     decimal.Decimal  `json:"price" db:"price"`
	Valuation decimal.Decimal  `json:"mcap" db:"valuation"`
	Quantity  decimal.Decimal  `json:"amount" db:"quantity"`
	Notional  decimal.Decimal  `json:"sol_amount" db:"notional"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
	PnL       *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	Comment   string           `json:"comment,omitempty" db:"comment"`
}

// Position is the holding in one asset. AvgEntryPrice and
// AvgEntryValuation are quantity-weighted means over the BUYs since the
// position was last fully closed; both are zero while Quantity is zero.
type Position struct {
	Quantity          decimal.Decimal `json:"quantity"`
	AvgEntryPrice     decimal.Decimal `json:"avg_entry_price"`
	AvgEntryValuation decimal.Decimal `json:"avg_entry_valuation"`
	// Scaled is set by a PARTIAL_SELL and cleared when the position closes.
	Scaled bool `json:"scaled,omitempty"`
}

// IsOpen reports whether any quantity is held.
func (p Position) IsOpen() bool {
	return p.Quantity.IsPositive()
}

// PricePoint is one sample of the display price history.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// MonitoredAsset is an asset under active strategy evaluation.
type MonitoredAsset struct {
	Metadata         Snapshot          `json:"metadata"`
	CurrentPrice     decimal.Decimal   `json:"current_price"`
	CurrentValuation decimal.Decimal   `json:"current_mcap"`
	ValuationHistory []decimal.Decimal `json:"mcap_history"`
	PriceHistory     []PricePoint      `json:"price_history"`
	Message          string            `json:"message"`
	Sentiment        Sentiment         `json:"sentiment"`
	AddedAt          time.Time         `json:"added_at"`
}

// State is the aggregate root: the whole portfolio ledger as a value.
// Trades are ordered most recent first.
type State struct {
	Balance   decimal.Decimal           `json:"balance"`
	Positions map[string]Position       `json:"positions"`
	Trades    []Trade                   `json:"trades"`
	Monitored map[string]MonitoredAsset `json:"monitored"`
}

// NewState returns an empty ledger holding balance in cash.
func NewState(balance decimal.Decimal) State {
	return State{
		Balance:   balance,
		Positions: make(map[string]Position),
		Trades:    []Trade{},
		Monitored: make(map[string]MonitoredAsset),
	}
}

// Status is TRADING while at least one asset is monitored.
func (s State) Status() Status {
	if len(s.Monitored) > 0 {
		return StatusTrading
	}
	return StatusIdle
}

// Position returns the position for address, or a zero position.
func (s State) Position(address string) Position {
	return s.Positions[address]
}

// HasScaled reports whether a PARTIAL_SELL was recorded for address
// since its position was last fully closed. The position's own flag is
// authoritative; the trade scan covers states saved before the flag
// existed and only sees the retained window, so it can miss a
// PARTIAL_SELL that has already been evicted.
func (s State) HasScaled(address string) bool {
	if s.Positions[address].Scaled {
		return true
	}
	for _, t := range s.Trades {
		if t.Address != address {
			continue
		}
		switch t.Kind {
		case KindPartialSell:
			return true
		case KindSell:
			return false
		}
	}
	return false
}

// RealizedPnL sums the realized profit of every retained trade.
func (s State) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.Trades {
		if t.PnL != nil {
			total = total.Add(*t.PnL)
		}
	}
	return total
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := State{
		Balance:   s.Balance,
		Positions: make(map[string]Position, len(s.Positions)),
		Trades:    make([]Trade, len(s.Trades)),
		Monitored: make(map[string]MonitoredAsset, len(s.Monitored)),
	}
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	copy(out.Trades, s.Trades)
	for k, v := range s.Monitored {
		out.Monitored[k] = v.Clone()
	}
	return out
}

// Clone returns a copy of m with its own history slices.
func (m MonitoredAsset) Clone() MonitoredAsset {
	out := m
	out.ValuationHistory = append([]decimal.Decimal(nil), m.ValuationHistory...)
	out.PriceHistory = append([]PricePoint(nil), m.PriceHistory...)
	if out.PriceHistory == nil {
		out.PriceHistory = []PricePoint{}
	}
	return out
}
