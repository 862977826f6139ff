package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/store"
)

var mainDBSeq atomic.Int64

func newMainTestStore(t *testing.T) *store.Store {
	t.Helper()
	uri := fmt.Sprintf("file:main_test_%d?mode=memory&cache=shared", mainDBSeq.Add(1))
	s, err := store.Open(uri)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStoredOverridesYieldToEnv tests the setting precedence:
// compiled default < store < process environment
func TestStoredOverridesYieldToEnv(t *testing.T) {
	ctx := context.Background()
	st := newMainTestStore(t)

	require.NoError(t, st.SetTradingMode(ctx, "live"))
	require.NoError(t, st.SetApprovalMode(ctx, "auto_execute"))
	require.NoError(t, st.SetStrategyParam(ctx, "max_position_pct", 50, "tuner"))
	require.NoError(t, st.SetStrategyParam(ctx, "crash_day_threshold", -2.5, "tuner"))

	t.Setenv("TRADING_MODE", "paper")
	t.Setenv("MAX_POSITION_PCT", "80")

	// As config.Load would leave it after the env vars above applied.
	cfg := &config.Config{
		Trading: config.TradingConfig{
			Mode:           config.ModePaper,
			ApprovalMode:   config.ApprovalRequired,
			MaxPositionPct: 80,
		},
		Strategy: config.StrategyConfig{CrashDayThreshold: -1.5},
	}
	applyStoredOverrides(ctx, st, cfg)

	assert.Equal(t, config.ModePaper, cfg.Trading.Mode, "env mode wins over stored mode")
	assert.Equal(t, 80.0, cfg.Trading.MaxPositionPct, "env position pct wins over stored")
	assert.Equal(t, config.ApprovalAuto, cfg.Trading.ApprovalMode, "no env value, store wins")
	assert.Equal(t, -2.5, cfg.Strategy.CrashDayThreshold, "no env value, store wins")
}

// TestStoredOverridesApplyWithoutEnv tests the store-over-default path
func TestStoredOverridesApplyWithoutEnv(t *testing.T) {
	ctx := context.Background()
	st := newMainTestStore(t)

	require.NoError(t, st.SetTradingMode(ctx, "live"))
	require.NoError(t, st.SetStrategyParam(ctx, "max_position_pct", 50, "tuner"))
	require.NoError(t, st.SetStrategyParam(ctx, "reversal_threshold", -3.0, "tuner"))

	t.Setenv("TRADING_MODE", "")
	t.Setenv("MAX_POSITION_PCT", "")

	cfg := &config.Config{
		Trading: config.TradingConfig{
			Mode:           config.ModePaper,
			ApprovalMode:   config.ApprovalRequired,
			MaxPositionPct: 95,
		},
		Strategy: config.StrategyConfig{ReversalThreshold: -2.0},
	}
	applyStoredOverrides(ctx, st, cfg)

	assert.Equal(t, config.ModeLive, cfg.Trading.Mode)
	assert.Equal(t, 50.0, cfg.Trading.MaxPositionPct)
	assert.Equal(t, -3.0, cfg.Strategy.ReversalThreshold)

	// An invalid stored mode is ignored.
	require.NoError(t, st.SetTradingMode(ctx, "dry_run"))
	applyStoredOverrides(ctx, st, cfg)
	assert.Equal(t, config.ModeLive, cfg.Trading.Mode)
}
