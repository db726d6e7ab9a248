package commentary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultGeminiURL is the Generative Language API root.
	DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gemini-2.0-flash"
)

// Gemini writes commentary with Google's Gemini REST API.
type Gemini struct {
	base    string
	model   string
	key     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewGemini creates a client. Requests beyond rpm per minute wait their
// turn or fall back when the caller's context ends first.
func NewGemini(base, model, key string, rpm int) *Gemini {
	if base == "" {
		base = DefaultGeminiURL
	}
	if model == "" {
		model = DefaultModel
	}
	if rpm <= 0 {
		rpm = 15
	}
	return &Gemini{
		base:    strings.TrimRight(base, "/"),
		model:   model,
		key:     key,
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	ResponseMimeType string          `json:"responseMimeType"`
	ResponseSchema   json.RawMessage `json:"responseSchema"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

var responseSchema = json.RawMessage(`{
	"type": "OBJECT",
	"properties": {
		"text": {"type": "STRING", "description": "The commentary sentence provided by Trador."},
		"sentiment": {"type": "STRING", "description": "The overall market sentiment for the token.", "enum": ["BULLISH", "NEUTRAL", "BEARISH"]}
	},
	"required": ["text", "sentiment"]
}`)

// Comment asks the model for a line about req. It never fails; errors are
// logged and replaced by Fallback.
func (g *Gemini) Comment(ctx context.Context, req Request) Comment {
	c, err := g.generate(ctx, req)
	if err != nil {
		slog.Warn("commentary generation failed", "asset", req.Name, "err", err)
		return Fallback()
	}
	return c
}

func (g *Gemini) generate(ctx context.Context, req Request) (Comment, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Comment{}, err
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt(req)}}}},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   responseSchema,
		},
	})
	if err != nil {
		return Comment{}, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.base, g.model, url.QueryEscape(g.key))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Comment{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return Comment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Comment{}, fmt.Errorf("gemini: status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Comment{}, fmt.Errorf("gemini: decode: %w", err)
	}

	var text string
	if len(out.Candidates) > 0 && len(out.Candidates[0].Content.Parts) > 0 {
		text = out.Candidates[0].Content.Parts[0].Text
	}
	if strings.TrimSpace(text) == "" {
		return emptyReply(), nil
	}

	var reply struct {
		Text      string `json:"text"`
		Sentiment string `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return Comment{}, fmt.Errorf("gemini: reply is not JSON: %w", err)
	}
	if reply.Text == "" {
		return emptyReply(), nil
	}
	return Comment{Text: reply.Text, Sentiment: parseSentiment(reply.Sentiment)}, nil
}
