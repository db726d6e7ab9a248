// Package config loads the engine configuration: built-in defaults, then
// an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/trador/engine/internal/commentary"
	"github.com/trador/engine/internal/engine"
	"github.com/trador/engine/internal/marketdata"
	"github.com/trador/engine/internal/settlement"
	"github.com/trador/engine/internal/sizing"
	"github.com/trador/engine/internal/strategy"
)

// ErrInvalid is returned by Validate and Load for unusable settings.
var ErrInvalid = errors.New("config: invalid")

// Decimal is a decimal.Decimal that decodes from a YAML scalar.
type Decimal struct {
	decimal.Decimal
}

// Dec wraps d.
func Dec(d decimal.Decimal) Decimal { return Decimal{d} }

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	v, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Decimal = v
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type Server struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	StateFile   string        `yaml:"state_file"`
}

type Ledger struct {
	InitialBalance    Decimal `yaml:"initial_balance"`
	TradeHistoryLimit int     `yaml:"trade_history_limit"`
}

type Engine struct {
	EvaluationInterval    time.Duration `yaml:"evaluation_interval"`
	AcquisitionInterval   time.Duration `yaml:"acquisition_interval"`
	MaxMonitored          int           `yaml:"max_monitored"`
	ValuationHistoryLimit int           `yaml:"valuation_history_limit"`
	PriceHistoryLimit     int           `yaml:"price_history_limit"`
	CommentaryChance      float64       `yaml:"commentary_chance"`
	Autonomous            bool          `yaml:"autonomous"`
}

type Strategy struct {
	EntryDeltaPct    Decimal `yaml:"entry_delta_pct"`
	FirstTargetPct   Decimal `yaml:"first_target_pct"`
	SecondTargetPct  Decimal `yaml:"second_target_pct"`
	ReversalDeltaPct Decimal `yaml:"reversal_delta_pct"`
	StopLossPct      Decimal `yaml:"stop_loss_pct"`
	PartialFraction  Decimal `yaml:"partial_fraction"`
}

type Sizing struct {
	MinNotional Decimal `yaml:"min_notional"`
	SimBudget   Decimal `yaml:"sim_budget"`
	LiveBudget  Decimal `yaml:"live_budget"`
	Live        bool    `yaml:"live"`
}

type MarketData struct {
	BaseURL           string  `yaml:"base_url"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MinLiquidityUSD   Decimal `yaml:"min_liquidity_usd"`
	MinVolume24hUSD   Decimal `yaml:"min_volume_24h_usd"`
	MinTxns24h        int     `yaml:"min_txns_24h"`
	MinAgeHours       float64 `yaml:"min_age_hours"`
}

type Settlement struct {
	JupiterURL     string        `yaml:"jupiter_url"`
	RPCURL         string        `yaml:"rpc_url"`
	SignerURL      string        `yaml:"signer_url"`
	WalletPubkey   string        `yaml:"wallet_pubkey"`
	SlippageBps    int           `yaml:"slippage_bps"`
	Timeout        time.Duration `yaml:"timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type Commentary struct {
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// Config is the full engine configuration.
type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Ledger     Ledger     `yaml:"ledger"`
	Engine     Engine     `yaml:"engine"`
	Strategy   Strategy   `yaml:"strategy"`
	Sizing     Sizing     `yaml:"sizing"`
	MarketData MarketData `yaml:"market_data"`
	Settlement Settlement `yaml:"settlement"`
	Commentary Commentary `yaml:"commentary"`
}

// Default returns the stock configuration.
func Default() Config {
	th := strategy.DefaultThresholds()
	f := marketdata.DefaultFilter()
	return Config{
		Server: Server{Port: "8080", LogLevel: "info"},
		Storage: Storage{
			CacheTTL: 30 * time.Second,
		},
		Ledger: Ledger{
			InitialBalance:    Dec(decimal.NewFromInt(10)),
			TradeHistoryLimit: 100,
		},
		Engine: Engine{
			EvaluationInterval:    5 * time.Second,
			AcquisitionInterval:   12 * time.Second,
			MaxMonitored:          5,
			ValuationHistoryLimit: 20,
			PriceHistoryLimit:     60,
			CommentaryChance:      0.15,
		},
		Strategy: Strategy{
			EntryDeltaPct:    Dec(th.EntryDeltaPct),
			FirstTargetPct:   Dec(th.FirstTargetPct),
			SecondTargetPct:  Dec(th.SecondTargetPct),
			ReversalDeltaPct: Dec(th.ReversalDeltaPct),
			StopLossPct:      Dec(th.StopLossPct),
			PartialFraction:  Dec(th.PartialFraction),
		},
		Sizing: Sizing{
			MinNotional: Dec(decimal.NewFromFloat(0.05)),
			SimBudget:   Dec(decimal.NewFromInt(10)),
			LiveBudget:  Dec(decimal.NewFromInt(1)),
		},
		MarketData: MarketData{
			BaseURL:           marketdata.DefaultBaseURL,
			RequestsPerMinute: 60,
			MinLiquidityUSD:   Dec(f.MinLiquidityUSD),
			MinVolume24hUSD:   Dec(f.MinVolume24hUSD),
			MinTxns24h:        f.MinTxns24h,
			MinAgeHours:       f.MinAgeHours,
		},
		Settlement: Settlement{
			JupiterURL:     settlement.DefaultJupiterURL,
			RPCURL:         "https://api.mainnet-beta.solana.com",
			SlippageBps:    100,
			Timeout:        60 * time.Second,
			ConfirmTimeout: 45 * time.Second,
		},
		Commentary: Commentary{
			BaseURL:           commentary.DefaultGeminiURL,
			Model:             commentary.DefaultModel,
			RequestsPerMinute: 15,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"PORT":           &c.Server.Port,
		"LOG_LEVEL":      &c.Server.LogLevel,
		"DATABASE_URL":   &c.Storage.DatabaseURL,
		"REDIS_URL":      &c.Storage.RedisURL,
		"STATE_FILE":     &c.Storage.StateFile,
		"GEMINI_API_KEY": &c.Commentary.APIKey,
		"SIGNER_URL":     &c.Settlement.SignerURL,
		"WALLET_PUBKEY":  &c.Settlement.WalletPubkey,
		"SOLANA_RPC_URL": &c.Settlement.RPCURL,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv("TRADOR_LIVE"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: TRADOR_LIVE=%q", ErrInvalid, v)
		}
		c.Sizing.Live = on
	}
	if v := getenv("TRADOR_BUDGET"); v != "" {
		b, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: TRADOR_BUDGET=%q", ErrInvalid, v)
		}
		c.Sizing.LiveBudget = Dec(b)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	check(c.Engine.EvaluationInterval > 0, "evaluation_interval must be positive")
	check(c.Engine.AcquisitionInterval > 0, "acquisition_interval must be positive")
	check(c.Engine.MaxMonitored > 0, "max_monitored must be positive")
	check(c.Engine.ValuationHistoryLimit > 0, "valuation_history_limit must be positive")
	check(c.Engine.PriceHistoryLimit > 0, "price_history_limit must be positive")
	check(c.Ledger.TradeHistoryLimit > 0, "trade_history_limit must be positive")
	check(c.Engine.CommentaryChance >= 0 && c.Engine.CommentaryChance <= 1, "commentary_chance must be within [0, 1]")
	check(!c.Ledger.InitialBalance.IsNegative(), "initial_balance must not be negative")

	s := c.Strategy
	check(s.FirstTargetPct.IsPositive(), "first_target_pct must be positive")
	check(s.FirstTargetPct.LessThan(s.SecondTargetPct.Decimal), "first_target_pct must be below second_target_pct")
	check(s.StopLossPct.IsNegative(), "stop_loss_pct must be negative")
	check(s.PartialFraction.IsPositive() && s.PartialFraction.LessThan(decimal.NewFromInt(1)), "partial_fraction must be within (0, 1)")

	check(!c.Sizing.MinNotional.IsNegative(), "min_notional must not be negative")
	check(c.Sizing.SimBudget.IsPositive(), "sim_budget must be positive")
	check(c.Sizing.LiveBudget.IsPositive(), "live_budget must be positive")
	check(c.Settlement.Timeout > 0, "settlement timeout must be positive")
	check(c.MarketData.RequestsPerMinute > 0, "market_data requests_per_minute must be positive")

	_, err := c.Server.Level()
	check(err == nil, "log_level %q", c.Server.LogLevel)

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (s Server) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s.LogLevel))
	return l, err
}

// Thresholds returns the strategy rule set.
func (c Config) Thresholds() strategy.Thresholds {
	th := strategy.DefaultThresholds()
	th.EntryDeltaPct = c.Strategy.EntryDeltaPct.Decimal
	th.FirstTargetPct = c.Strategy.FirstTargetPct.Decimal
	th.SecondTargetPct = c.Strategy.SecondTargetPct.Decimal
	th.ReversalDeltaPct = c.Strategy.ReversalDeltaPct.Decimal
	th.StopLossPct = c.Strategy.StopLossPct.Decimal
	th.PartialFraction = c.Strategy.PartialFraction.Decimal
	return th
}

// Sizer returns the buy sizer.
func (c Config) Sizer() *sizing.Sizer {
	return sizing.NewSizer(c.Engine.MaxMonitored, c.Sizing.MinNotional.Decimal, c.Sizing.SimBudget.Decimal)
}

// Filter returns the candidate filter.
func (c Config) Filter() marketdata.Filter {
	return marketdata.Filter{
		MinLiquidityUSD: c.MarketData.MinLiquidityUSD.Decimal,
		MinVolume24hUSD: c.MarketData.MinVolume24hUSD.Decimal,
		MinTxns24h:      c.MarketData.MinTxns24h,
		MinAgeHours:     c.MarketData.MinAgeHours,
	}
}

// EngineOptions returns the orchestrator settings.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		EvaluationInterval:    c.Engine.EvaluationInterval,
		AcquisitionInterval:   c.Engine.AcquisitionInterval,
		MaxMonitored:          c.Engine.MaxMonitored,
		ValuationHistoryLimit: c.Engine.ValuationHistoryLimit,
		PriceHistoryLimit:     c.Engine.PriceHistoryLimit,
		CommentaryChance:      c.Engine.CommentaryChance,
		Live:                  c.Sizing.Live,
		LiveBudget:            c.Sizing.LiveBudget.Decimal,
	}
}

// SettlementConfig returns the Jupiter client settings.
func (c Config) SettlementConfig() settlement.Config {
	return settlement.Config{
		BaseURL:        c.Settlement.JupiterURL,
		SlippageBps:    c.Settlement.SlippageBps,
		ConfirmTimeout: c.Settlement.ConfirmTimeout,
	}
}
