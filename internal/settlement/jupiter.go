package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trador/engine/internal/asset"
)

const (
	// DefaultJupiterURL is the public swap API.
	DefaultJupiterURL = "https://quote-api.jup.ag/v6"

	nativeDecimals       = 9
	fallbackDecimals     = 6
	defaultSlippageBps   = 100
	defaultPollInterval  = 2 * time.Second
	defaultConfirmWindow = 60 * time.Second
)

// Signer signs a serialized swap transaction with the operator's wallet
// and submits it, returning the transaction signature.
type Signer interface {
	PublicKey() string
	SignAndSend(ctx context.Context, transaction string) (string, error)
}

// Config configures a Jupiter settlement client.
type Config struct {
	BaseURL        string
	SlippageBps    int
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Jupiter settles orders through the Jupiter aggregator.
type Jupiter struct {
	cfg    Config
	http   *http.Client
	rpc    *RPCClient
	signer Signer
}

// NewJupiter creates a settlement client. signer may be nil, in which case
// every Settle fails with ErrWalletUnavailable.
func NewJupiter(cfg Config, rpc *RPCClient, signer Signer) *Jupiter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultJupiterURL
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = defaultSlippageBps
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmWindow
	}
	return &Jupiter{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		rpc:    rpc,
		signer: signer,
	}
}

// Balance returns the wallet's funding-currency balance.
func (j *Jupiter) Balance(ctx context.Context) (decimal.Decimal, error) {
	if j.signer == nil {
		return decimal.Zero, ErrWalletUnavailable
	}
	return j.rpc.Balance(ctx, j.signer.PublicKey())
}

// Settle quotes, builds, signs, sends and confirms one swap.
func (j *Jupiter) Settle(ctx context.Context, order Order) (Receipt, error) {
	if j.signer == nil {
		return Receipt{}, ErrWalletUnavailable
	}

	input, output := asset.NativeMint, order.Asset
	decimals := int32(nativeDecimals)
	if order.Direction == DirectionSell {
		input, output = order.Asset, asset.NativeMint
		decimals = j.tokenDecimals(ctx, order.Asset)
	}

	atomic := order.Amount.Shift(decimals).Floor()
	if !atomic.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAmountTooSmall, order.Amount)
	}

	quote, err := j.quote(ctx, input, output, atomic)
	if err != nil {
		return Receipt{}, err
	}
	tx, err := j.swap(ctx, quote)
	if err != nil {
		return Receipt{}, err
	}

	sig, err := j.signer.SignAndSend(ctx, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: sign and send: %w", err)
	}
	slog.Info("swap submitted", "direction", order.Direction, "asset", order.Asset, "signature", sig)

	if err := j.confirm(ctx, sig); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: sig}, nil
}

func (j *Jupiter) tokenDecimals(ctx context.Context, mint string) int32 {
	d, err := j.rpc.TokenDecimals(ctx, mint)
	if err != nil {
		slog.Warn("token decimals lookup failed, assuming default", "mint", mint, "err", err)
		return fallbackDecimals
	}
	return d
}

func (j *Jupiter) quote(ctx context.Context, input, output string, amount decimal.Decimal) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("inputMint", input)
	q.Set("outputMint", output)
	q.Set("amount", amount.String())
	q.Set("slippageBps", strconv.Itoa(j.cfg.SlippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.cfg.BaseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := j.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settlement: quote: %w", err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("settlement: quote: decode: %w", err)
	}
	var probe struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &probe)
	if resp.StatusCode >= 400 || probe.Error != "" {
		return nil, fmt.Errorf("settlement: quote rejected (status %d): %s", resp.StatusCode, probe.Error)
	}
	return raw, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

func (j *Jupiter) swap(ctx context.Context, quote json.RawMessage) (string, error) {
	body, err := json.Marshal(swapRequest{
		QuoteResponse:             quote,
		UserPublicKey:             j.signer.PublicKey(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.BaseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement: swap: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		SwapTransaction string `json:"swapTransaction"`
		Error           string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("settlement: swap: decode: %w", err)
	}
	if resp.StatusCode >= 400 || out.SwapTransaction == "" {
		return "", fmt.Errorf("settlement: swap rejected (status %d): %s", resp.StatusCode, out.Error)
	}
	return out.SwapTransaction, nil
}

// confirm polls the signature status until it is confirmed, fails, or
// the confirmation window elapses.
func (j *Jupiter) confirm(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := j.rpc.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			lastErr = err
		case st.Failed:
			return fmt.Errorf("%w: %s", ErrRejected, sig)
		case st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized":
			return nil
		}

		select {
		case <-ctx.Done():
			cause := ctx.Err()
			if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
				cause = lastErr
			}
			return &UnconfirmedError{Reference: sig, Cause: cause}
		case <-ticker.C:
		}
	}
}
