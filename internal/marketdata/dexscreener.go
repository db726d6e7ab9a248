// Package marketdata fetches asset snapshots and trending candidates from
// the DexScreener public API.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/trador/engine/internal/model"
)

const (
	// DefaultBaseURL is the DexScreener API root.
	DefaultBaseURL = "https://api.dexscreener.com"

	chainSolana = "solana"

	// maxBatch is the most token addresses one lookup accepts.
	maxBatch = 30
)

var (
	// ErrNotFound is returned when no trading pair exists for an asset.
	ErrNotFound = errors.New("marketdata: asset not found")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("marketdata: provider unavailable")
)

// Filter holds the minimum activity a candidate must show.
type Filter struct {
	MinLiquidityUSD decimal.Decimal
	MinVolume24hUSD decimal.Decimal
	MinTxns24h      int
	MinAgeHours     float64
}

// DefaultFilter returns the stock candidate thresholds.
func DefaultFilter() Filter {
	return Filter{
		MinLiquidityUSD: decimal.NewFromInt(10_000),
		MinVolume24hUSD: decimal.NewFromInt(5_000),
		MinTxns24h:      50,
		MinAgeHours:     0,
	}
}

// Client is a rate-limited, circuit-broken DexScreener client.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	filter  Filter
	now     func() time.Time
}

// NewClient creates a client allowing rpm requests per minute.
func NewClient(base string, rpm int, filter Filter) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if rpm <= 0 {
		rpm = 60
	}
	st := gobreaker.Settings{
		Name:     "dexscreener",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		// A token without pairs is an answer, not a provider fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
	return &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		breaker: gobreaker.NewCircuitBreaker(st),
		filter:  filter,
		now:     time.Now,
	}
}

type pair struct {
	ChainID   string `json:"chainId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceNative decimal.Decimal `json:"priceNative"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	FDV         decimal.Decimal `json:"fdv"`
	MarketCap   decimal.Decimal `json:"marketCap"`
	Liquidity   struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H1  float64 `json:"h1"`
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	Txns struct {
		H24 model.TxnCounts `json:"h24"`
	} `json:"txns"`
	PairCreatedAt int64 `json:"pairCreatedAt"` // unix millis
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type boost struct {
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

// FetchSnapshot returns the current snapshot of address from its first
// listed pair.
func (c *Client) FetchSnapshot(ctx context.Context, address string) (*model.Snapshot, error) {
	var resp tokensResponse
	if err := c.get(ctx, "/latest/dex/tokens/"+address, &resp); err != nil {
		return nil, err
	}
	if len(resp.Pairs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	s := c.toSnapshot(resp.Pairs[0])
	return &s, nil
}

// FetchCandidates returns trending Solana assets that pass the activity
// filter, in the order the provider ranks them.
func (c *Client) FetchCandidates(ctx context.Context) ([]model.Snapshot, error) {
	var boosts []boost
	if err := c.get(ctx, "/token-boosts/latest/v1", &boosts); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var addrs []string
	for _, b := range boosts {
		if b.ChainID != chainSolana || seen[b.TokenAddress] {
			continue
		}
		seen[b.TokenAddress] = true
		addrs = append(addrs, b.TokenAddress)
		if len(addrs) == maxBatch {
			break
		}
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	var resp tokensResponse
	if err := c.get(ctx, "/latest/dex/tokens/"+strings.Join(addrs, ","), &resp); err != nil {
		return nil, err
	}

	// Deepest pair per token.
	best := make(map[string]pair)
	for _, p := range resp.Pairs {
		if p.ChainID != chainSolana {
			continue
		}
		cur, ok := best[p.BaseToken.Address]
		if !ok || p.Liquidity.USD.GreaterThan(cur.Liquidity.USD) {
			best[p.BaseToken.Address] = p
		}
	}

	out := make([]model.Snapshot, 0, len(best))
	for _, a := range addrs {
		p, ok := best[a]
		if !ok {
			continue
		}
		s := c.toSnapshot(p)
		if c.passes(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) passes(s model.Snapshot) bool {
	f := c.filter
	switch {
	case s.Liquidity.LessThan(f.MinLiquidityUSD):
		return false
	case s.Volume24h.LessThan(f.MinVolume24hUSD):
		return false
	case s.Txns24h.Buys+s.Txns24h.Sells < f.MinTxns24h:
		return false
	case f.MinAgeHours > 0 && s.AgeHours < f.MinAgeHours:
		return false
	}
	return s.Price.IsPositive()
}

func (c *Client) toSnapshot(p pair) model.Snapshot {
	valuation := p.MarketCap
	if valuation.IsZero() {
		valuation = p.FDV
	}
	var age float64
	if p.PairCreatedAt > 0 {
		age = c.now().Sub(time.UnixMilli(p.PairCreatedAt)).Hours()
		if age < 0 {
			age = 0
		}
	}
	return model.Snapshot{
		Name:           p.BaseToken.Name,
		Symbol:         p.BaseToken.Symbol,
		Address:        p.BaseToken.Address,
		Price:          p.PriceNative,
		PriceUSD:       p.PriceUSD,
		FDV:            p.FDV,
		Valuation:      valuation,
		Liquidity:      p.Liquidity.USD,
		Volume24h:      p.Volume.H24,
		PriceChange1h:  p.PriceChange.H1,
		PriceChange24h: p.PriceChange.H24,
		AgeHours:       age,
		Txns24h:        p.Txns.H24,
	}
}

// get performs one throttled GET through the breaker and decodes the
// JSON body into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("marketdata: %s: status %d", path, resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
