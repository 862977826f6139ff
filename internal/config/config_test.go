package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadDefaults loads with no config file present. The package directory
// holds no config.yaml, so discovery falls through to defaults.
func loadDefaults(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

// TestLoadDefaults tests the built-in defaults
func TestLoadDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, ModePaper, cfg.Trading.Mode)
	assert.Equal(t, ApprovalRequired, cfg.Trading.ApprovalMode)
	assert.Equal(t, 95.0, cfg.Trading.MaxPositionPct)
	assert.Equal(t, 10000.0, cfg.Trading.InitialPaperCapital)
	assert.Equal(t, "BITO", cfg.Trading.Instruments.Long1x)
	assert.Equal(t, "BITX", cfg.Trading.Instruments.Long2x)
	assert.Equal(t, "BITI", cfg.Trading.Instruments.Inverse2x)

	assert.Equal(t, -2.0, cfg.Strategy.MeanReversionThreshold)
	assert.Equal(t, -1.5, cfg.Strategy.CrashDayThreshold)
	assert.Equal(t, "15:30", cfg.Strategy.CrashDayCutoff)
	assert.True(t, cfg.Strategy.ReversalEnabled)

	require.Len(t, cfg.Hedge.Tiers, 3)
	assert.Equal(t, 2.5, cfg.Hedge.Tiers[0].GainThresholdPct)
	assert.Equal(t, 40.0, cfg.Hedge.MaxHedgePct)
}

// TestEnvOverrides tests the documented process environment variables
func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "paper")
	t.Setenv("APPROVAL_MODE", "auto_execute")
	t.Setenv("MAX_POSITION_PCT", "50")
	t.Setenv("TRAILING_HEDGE_ENABLED", "false")
	t.Setenv("TELEGRAM_CHAT_ID", "123456")

	cfg := loadDefaults(t)

	assert.Equal(t, ApprovalAuto, cfg.Trading.ApprovalMode)
	assert.Equal(t, 50.0, cfg.Trading.MaxPositionPct)
	assert.False(t, cfg.Hedge.Enabled)
	assert.Equal(t, []int64{123456}, cfg.Telegram.ChatIDs)
}

func validConfig() *Config {
	return &Config{
		Trading: TradingConfig{
			Mode:           ModePaper,
			ApprovalMode:   ApprovalAuto,
			MaxPositionPct: 95,
		},
		Strategy: StrategyConfig{
			CrashDayCutoff: "15:30",
			PumpDayCutoff:  "15:30",
		},
		Hedge: HedgeConfig{
			Tiers: []HedgeTierConfig{
				{GainThresholdPct: 2.5, HedgeSizePct: 15},
				{GainThresholdPct: 4.0, HedgeSizePct: 15},
			},
		},
	}
}

// TestValidate tests the configuration invariants
func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad trading mode", func(c *Config) { c.Trading.Mode = "dry_run" }, "invalid trading mode"},
		{"bad approval mode", func(c *Config) { c.Trading.ApprovalMode = "maybe" }, "invalid approval mode"},
		{"zero position pct", func(c *Config) { c.Trading.MaxPositionPct = 0 }, "max_position_pct"},
		{"pct above 100", func(c *Config) { c.Trading.MaxPositionPct = 120 }, "max_position_pct"},
		{"bad cutoff", func(c *Config) { c.Strategy.CrashDayCutoff = "3pm" }, "crash_day_cutoff"},
		{"non-increasing tiers", func(c *Config) { c.Hedge.Tiers[1].GainThresholdPct = 2.5 }, "strictly increasing"},
		{"live without credentials", func(c *Config) { c.Trading.Mode = ModeLive }, "broker credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestValidateLiveRequiresAccountHandle tests the live-mode account check
func TestValidateLiveRequiresAccountHandle(t *testing.T) {
	cfg := validConfig()
	cfg.Trading.Mode = ModeLive
	cfg.Broker.ConsumerKey = "key"
	cfg.Broker.ConsumerSecret = "secret"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account handle")

	cfg.Broker.AccountHandle = "acct-1"
	assert.NoError(t, cfg.Validate())
}

// TestParseClockTime tests the HH:MM parser
func TestParseClockTime(t *testing.T) {
	m, err := ParseClockTime("15:30")
	require.NoError(t, err)
	assert.Equal(t, 15*60+30, m)

	m, err = ParseClockTime("09:35")
	require.NoError(t, err)
	assert.Equal(t, 9*60+35, m)

	_, err = ParseClockTime("930")
	assert.Error(t, err)
	_, err = ParseClockTime("")
	assert.Error(t, err)
}

// TestLoadFromFile tests reading an explicit YAML file
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
trading:
  mode: paper
  approval_mode: notify_only
  max_position_pct: 80
strategy:
  crash_day_threshold: -2.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ApprovalNotifyOnly, cfg.Trading.ApprovalMode)
	assert.Equal(t, 80.0, cfg.Trading.MaxPositionPct)
	assert.Equal(t, -2.5, cfg.Strategy.CrashDayThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, "15:30", cfg.Strategy.PumpDayCutoff)
}
