package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
)

// Encode serializes s as the current state document.
func Encode(s *model.State) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Decode parses a state document. It accepts the current layout and the
// older browser layout (bare-number positions, separate average maps,
// "activeTokens"), filling missing optional fields with defaults.
func Decode(data []byte) (*model.State, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	_, hasActive := probe["activeTokens"]
	_, hasAvg := probe["avgEntryPrices"]
	if hasActive || hasAvg {
		return decodeLegacy(data)
	}

	var s model.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

type legacyPricePoint struct {
	Time  int64           `json:"time"`
	Price decimal.Decimal `json:"price"`
}

type legacyTrade struct {
	ID        string           `json:"id"`
	Type      model.TradeKind  `json:"type"`
	Symbol    string           `json:"symbol"`
	Address   string           `json:"address"`
	Price     decimal.Decimal  `json:"price"`
	Mcap      decimal.Decimal  `json:"mcap"`
	Amount    decimal.Decimal  `json:"amount"`
	SolAmount decimal.Decimal  `json:"solAmount"`
	Timestamp int64            `json:"timestamp"`
	PnL       *decimal.Decimal `json:"pnl"`
	Comment   string           `json:"comment"`
}

type legacyMetadata struct {
	Name           string          `json:"name"`
	Symbol         string          `json:"symbol"`
	PriceNative    decimal.Decimal `json:"priceNative"`
	PriceUSD       decimal.Decimal `json:"priceUsd"`
	Address        string          `json:"address"`
	FDV            decimal.Decimal `json:"fdv"`
	Mcap           decimal.Decimal `json:"mcap"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	PriceChange24h float64         `json:"priceChange24h"`
	PriceChange1h  float64         `json:"priceChange1h"`
	AgeHours       float64         `json:"ageHours"`
	Txns24h        model.TxnCounts `json:"txns24h"`
}

type legacyToken struct {
	Metadata     legacyMetadata     `json:"metadata"`
	CurrentPrice decimal.Decimal    `json:"currentPrice"`
	CurrentMcap  decimal.Decimal    `json:"currentMcap"`
	McapHistory  []decimal.Decimal  `json:"mcapHistory"`
	PriceHistory []legacyPricePoint `json:"priceHistory"`
	Message      string             `json:"message"`
	Sentiment    model.Sentiment    `json:"sentiment"`
}

type legacyState struct {
	Balance        decimal.Decimal            `json:"balance"`
	Positions      map[string]decimal.Decimal `json:"positions"`
	AvgEntryPrices map[string]decimal.Decimal `json:"avgEntryPrices"`
	AvgEntryMcaps  map[string]decimal.Decimal `json:"avgEntryMcaps"`
	Trades         []legacyTrade              `json:"trades"`
	ActiveTokens   map[string]legacyToken     `json:"activeTokens"`
}

func decodeLegacy(data []byte) (*model.State, error) {
	var ls legacyState
	if err := json.Unmarshal(data, &ls); err != nil {
		return nil, fmt.Errorf("decode legacy state: %w", err)
	}

	s := model.NewState(ls.Balance)
	for addr, qty := range ls.Positions {
		if !qty.IsPositive() {
			continue
		}
		s.Positions[addr] = model.Position{
			Quantity:          qty,
			AvgEntryPrice:     ls.AvgEntryPrices[addr],
			AvgEntryValuation: ls.AvgEntryMcaps[addr],
		}
	}

	for _, t := range ls.Trades {
		s.Trades = append(s.Trades, model.Trade{
			ID:        t.ID,
			Kind:      t.Type,
			Symbol:    t.Symbol,
			Address:   t.Address,
			Price:     t.Price,
			Valuation: t.Mcap,
			Quantity:  t.Amount,
			Notional:  t.SolAmount,
			Timestamp: time.UnixMilli(t.Timestamp).UTC(),
			PnL:       t.PnL,
			Comment:   t.Comment,
		})
	}

	for addr, tok := range ls.ActiveTokens {
		md := tok.Metadata
		if md.Address == "" {
			md.Address = addr
		}
		points := make([]model.PricePoint, 0, len(tok.PriceHistory))
		for _, p := range tok.PriceHistory {
			points = append(points, model.PricePoint{Time: time.UnixMilli(p.Time).UTC(), Price: p.Price})
		}
		sentiment := tok.Sentiment
		if sentiment == "" {
			sentiment = model.SentimentNeutral
		}
		history := tok.McapHistory
		if history == nil {
			history = []decimal.Decimal{}
		}
		s.Monitored[addr] = model.MonitoredAsset{
			Metadata: model.Snapshot{
				Name:           md.Name,
				Symbol:         md.Symbol,
				Address:        md.Address,
				Price:          md.PriceNative,
				PriceUSD:       md.PriceUSD,
				FDV:            md.FDV,
				Valuation:      md.Mcap,
				Liquidity:      md.Liquidity,
				Volume24h:      md.Volume24h,
				PriceChange1h:  md.PriceChange1h,
				PriceChange24h: md.PriceChange24h,
				AgeHours:       md.AgeHours,
				Txns24h:        md.Txns24h,
			},
			CurrentPrice:     tok.CurrentPrice,
			CurrentValuation: tok.CurrentMcap,
			ValuationHistory: history,
			PriceHistory:     points,
			Message:          tok.Message,
			Sentiment:        sentiment,
		}
	}
	return &s, nil
}
