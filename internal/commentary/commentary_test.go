package commentary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/model"
)

func history(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func geminiServer(t *testing.T, status int, modelText string) *Gemini {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing api key")
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("expected JSON response mime type")
		}
		w.WriteHeader(status)
		reply, _ := json.Marshal(map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{"content": map[string]interface{}{"parts": []interface{}{map[string]string{"text": modelText}}}},
			},
		})
		w.Write(reply)
	}))
	t.Cleanup(srv.Close)
	return NewGemini(srv.URL, "test-model", "k", 6000)
}

func TestGemini_Comment(t *testing.T) {
	g := geminiServer(t, http.StatusOK, `{"text":"Liquidity stacking. Riding it.","sentiment":"bullish"}`)
	c := g.Comment(context.Background(), Request{Name: "BONK", ValuationHistory: history(1, 2)})
	if c.Text != "Liquidity stacking. Riding it." {
		t.Errorf("unexpected text %q", c.Text)
	}
	if c.Sentiment != model.SentimentBullish {
		t.Errorf("expected BULLISH, got %s", c.Sentiment)
	}
}

func TestGemini_FallbackOnError(t *testing.T) {
	g := geminiServer(t, http.StatusInternalServerError, "")
	c := g.Comment(context.Background(), Request{Name: "BONK"})
	if c != Fallback() {
		t.Errorf("expected fallback, got %+v", c)
	}
}

func TestGemini_FallbackOnGarbage(t *testing.T) {
	g := geminiServer(t, http.StatusOK, "not json")
	if c := g.Comment(context.Background(), Request{Name: "BONK"}); c != Fallback() {
		t.Errorf("expected fallback, got %+v", c)
	}
}

func TestGemini_EmptyReply(t *testing.T) {
	g := geminiServer(t, http.StatusOK, "")
	c := g.Comment(context.Background(), Request{Name: "BONK"})
	if c.Text != "Scanning the order flow..." || c.Sentiment != model.SentimentNeutral {
		t.Errorf("unexpected empty reply %+v", c)
	}
}

func TestGemini_UnknownSentimentIsNeutral(t *testing.T) {
	g := geminiServer(t, http.StatusOK, `{"text":"ok","sentiment":"EUPHORIC"}`)
	if c := g.Comment(context.Background(), Request{Name: "X"}); c.Sentiment != model.SentimentNeutral {
		t.Errorf("expected NEUTRAL, got %s", c.Sentiment)
	}
}

func TestPrompt(t *testing.T) {
	p := prompt(Request{
		Name:             "BONK",
		ValuationHistory: history(1, 2, 3, 4, 5, 6, 7),
		Selling:          true,
		Balance:          decimal.NewFromFloat(9.456),
	})
	for _, want := range []string{
		"chart for BONK",
		"3 -> 4 -> 5 -> 6 -> 7",
		"Trend: UPWARD",
		"SCALED OUT/PROFIT TAKEN",
		"Wallet: 9.46 SOL",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestStatic(t *testing.T) {
	var s Static
	if c := s.Comment(context.Background(), Request{Name: "X", Buying: true}); c.Sentiment != model.SentimentBullish {
		t.Errorf("expected BULLISH on buy, got %s", c.Sentiment)
	}
	if c := s.Comment(context.Background(), Request{Name: "X", ValuationHistory: history(5, 4)}); c.Sentiment != model.SentimentBearish {
		t.Errorf("expected BEARISH on falling valuation, got %s", c.Sentiment)
	}
}
