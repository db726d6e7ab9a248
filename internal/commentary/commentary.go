// Package commentary produces the one-line market commentary and
// sentiment shown next to each monitored asset. Commentary is cosmetic:
// every failure degrades to a fixed neutral line.
package commentary

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
)

// Request is the context a comment is written for.
type Request struct {
	Name             string
	ValuationHistory []decimal.Decimal
	Buying           bool
	Selling          bool
	Balance          decimal.Decimal
}

// Comment is a generated line and its sentiment.
type Comment struct {
	Text      string
	Sentiment model.Sentiment
}

// Fallback is used whenever generation fails.
func Fallback() Comment {
	return Comment{Text: "Volatility is spiking. Maintaining discipline.", Sentiment: model.SentimentNeutral}
}

// emptyReply is used when the model answers with nothing.
func emptyReply() Comment {
	return Comment{Text: "Scanning the order flow...", Sentiment: model.SentimentNeutral}
}

// Static returns canned lines keyed on the action taken. It needs no
// network and is used when no model API key is configured.
type Static struct{}

func (Static) Comment(_ context.Context, req Request) Comment {
	switch {
	case req.Buying:
		return Comment{Text: fmt.Sprintf("Rotation into %s. Position on.", req.Name), Sentiment: model.SentimentBullish}
	case req.Selling:
		return Comment{Text: fmt.Sprintf("Booking %s into strength.", req.Name), Sentiment: model.SentimentNeutral}
	}
	if trend(req.ValuationHistory) == "DOWNWARD" {
		return Comment{Text: fmt.Sprintf("%s bleeding. Watching for jeets to exhaust.", req.Name), Sentiment: model.SentimentBearish}
	}
	return Comment{Text: fmt.Sprintf("%s holding its bid. Monitoring.", req.Name), Sentiment: model.SentimentNeutral}
}

// trend compares the last two valuations.
func trend(h []decimal.Decimal) string {
	if len(h) == 0 {
		return "DOWNWARD"
	}
	cur := h[len(h)-1]
	prev := cur
	if len(h) > 1 {
		prev = h[len(h)-2]
	}
	if cur.GreaterThan(prev) {
		return "UPWARD"
	}
	return "DOWNWARD"
}

func action(req Request) string {
	switch {
	case req.Buying:
		return "ACCUMULATED POSITION"
	case req.Selling:
		return "SCALED OUT/PROFIT TAKEN"
	}
	return "MONITORING"
}

// prompt renders the model instruction for req.
func prompt(req Request) string {
	recent := req.ValuationHistory
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	parts := make([]string, len(recent))
	for i, v := range recent {
		parts[i] = v.String()
	}

	var b strings.Builder
	b.WriteString("You are 'Trador', a world-class professional Solana swing trader and fund manager.\n")
	fmt.Fprintf(&b, "Reviewing the current chart for %s.\n\n", req.Name)
	b.WriteString("Market Data:\n")
	fmt.Fprintf(&b, "- Recent MCAP Trend: %s\n", strings.Join(parts, " -> "))
	fmt.Fprintf(&b, "- Trend: %s\n", trend(req.ValuationHistory))
	fmt.Fprintf(&b, "- Action taken: %s\n", action(req))
	fmt.Fprintf(&b, "- Wallet: %s SOL\n\n", req.Balance.StringFixed(2))
	b.WriteString("Task:\n")
	b.WriteString("1. Provide 1 punchy professional commentary sentence (use degen slang sparingly like 'jeet', 'liquidity', 'rotation').\n")
	b.WriteString("2. Respond in a JSON format matching the schema provided.")
	return b.String()
}

func parseSentiment(s string) model.Sentiment {
	switch model.Sentiment(strings.ToUpper(strings.TrimSpace(s))) {
	case model.SentimentBullish:
		return model.SentimentBullish
	case model.SentimentBearish:
		return model.SentimentBearish
	}
	return model.SentimentNeutral
}
