package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Ledger.InitialBalance.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 5*time.Second, cfg.Engine.EvaluationInterval)
	assert.Equal(t, 12*time.Second, cfg.Engine.AcquisitionInterval)
	assert.Equal(t, 5, cfg.Engine.MaxMonitored)
	assert.Equal(t, 20, cfg.Engine.ValuationHistoryLimit)
	assert.Equal(t, 60, cfg.Engine.PriceHistoryLimit)
	assert.Equal(t, 100, cfg.Ledger.TradeHistoryLimit)
	assert.Equal(t, 0.15, cfg.Engine.CommentaryChance)

	// Stock sizing reproduces a 2 SOL per-position cap in simulation.
	perPos := cfg.Sizer().PerPositionCap(false, cfg.Sizing.LiveBudget.Decimal)
	assert.True(t, perPos.Equal(decimal.NewFromInt(2)), "cap = %s", perPos)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trador.yaml")
	doc := `
engine:
  evaluation_interval: 2s
  max_monitored: 3
strategy:
  first_target_pct: 25
  stop_loss_pct: "-10.5"
sizing:
  min_notional: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Engine.EvaluationInterval)
	assert.Equal(t, 12*time.Second, cfg.Engine.AcquisitionInterval, "untouched keys keep defaults")
	assert.Equal(t, 3, cfg.Engine.MaxMonitored)

	th := cfg.Thresholds()
	assert.True(t, th.FirstTargetPct.Equal(decimal.NewFromInt(25)))
	assert.True(t, th.StopLossPct.Equal(decimal.RequireFromString("-10.5")))
	assert.True(t, th.SecondTargetPct.Equal(decimal.NewFromInt(40)))
	assert.True(t, cfg.Sizer().MinNotional.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 3, cfg.EngineOptions().MaxMonitored)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_BadDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trador.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sizing:\n  sim_budget: lots\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"PORT":          "9090",
		"DATABASE_URL":  "postgres://localhost/trador",
		"STATE_FILE":    "/var/lib/trador/state.json",
		"TRADOR_LIVE":   "true",
		"TRADOR_BUDGET": "2.5",
		"LOG_LEVEL":     "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/trador", cfg.Storage.DatabaseURL)
	assert.Equal(t, "/var/lib/trador/state.json", cfg.Storage.StateFile)
	assert.True(t, cfg.Sizing.Live)
	assert.True(t, cfg.Sizing.LiveBudget.Equal(decimal.RequireFromString("2.5")))

	opts := cfg.EngineOptions()
	assert.True(t, opts.Live)
	assert.True(t, opts.LiveBudget.Equal(decimal.RequireFromString("2.5")))

	lvl, err := cfg.Server.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestApplyEnv_Invalid(t *testing.T) {
	for _, vals := range []map[string]string{
		{"TRADOR_LIVE": "sometimes"},
		{"TRADOR_BUDGET": "a lot"},
	} {
		cfg := Default()
		err := cfg.applyEnv(env(vals))
		assert.True(t, errors.Is(err, ErrInvalid), "%v: %v", vals, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero evaluation interval", func(c *Config) { c.Engine.EvaluationInterval = 0 }},
		{"zero acquisition interval", func(c *Config) { c.Engine.AcquisitionInterval = 0 }},
		{"zero cap", func(c *Config) { c.Engine.MaxMonitored = 0 }},
		{"zero history", func(c *Config) { c.Engine.ValuationHistoryLimit = 0 }},
		{"targets out of order", func(c *Config) { c.Strategy.SecondTargetPct = Dec(decimal.NewFromInt(10)) }},
		{"positive stop loss", func(c *Config) { c.Strategy.StopLossPct = Dec(decimal.NewFromInt(5)) }},
		{"fraction of one", func(c *Config) { c.Strategy.PartialFraction = Dec(decimal.NewFromInt(1)) }},
		{"chance above one", func(c *Config) { c.Engine.CommentaryChance = 1.5 }},
		{"zero live budget", func(c *Config) { c.Sizing.LiveBudget = Dec(decimal.Zero) }},
		{"unknown log level", func(c *Config) { c.Server.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}
