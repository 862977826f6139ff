package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/marketdata"
)

// Historical bars (used only for the previous-day return) may be cached
// briefly; real-time intraday quotes never are.
const barCacheTTL = 5 * time.Minute

// The ten-AM dump window, minutes since local midnight.
const (
	tenAMWindowStart = 9*60 + 35  // 09:35
	tenAMWindowEnd   = 10*60 + 30 // 10:30, exclusive
)

// DataSource is the slice of the market-data gateway the engine consumes
type DataSource interface {
	GetQuote(ctx context.Context, symbol string) *marketdata.Quote
	GetHistoricalBars(ctx context.Context, symbol string, from, to time.Time, timeframe marketdata.Timeframe) []marketdata.Bar
}

// Engine converts market observations into today's signal. It owns no
// mutable state except the short-TTL bar cache and the once-per-day
// crash/pump fire flags.
type Engine struct {
	clock       clock.Clock
	data        DataSource
	instruments config.InstrumentConfig
	log         zerolog.Logger

	mu          sync.Mutex
	flagDay     string // local date the flags belong to, "2006-01-02"
	crashTraded bool
	pumpTraded  bool

	barCache   *marketdata.Bar
	barCacheAt time.Time
}

// NewEngine creates a signal engine over the given clock and data source
func NewEngine(clk clock.Clock, data DataSource, instruments config.InstrumentConfig) *Engine {
	return &Engine{
		clock:       clk,
		data:        data,
		instruments: instruments,
		log:         config.NewLogger("signal"),
	}
}

// rolloverLocked resets the once-fire flags when the local date changed.
// Caller holds e.mu.
func (e *Engine) rolloverLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != e.flagDay {
		if e.flagDay != "" {
			e.log.Info().Str("day", day).Msg("New local day, resetting once-fire flags")
		}
		e.flagDay = day
		e.crashTraded = false
		e.pumpTraded = false
	}
}

// MarkCrashDayTraded records a successful crash-day fill. Called by the
// executor only after the fill outcome is known.
func (e *Engine) MarkCrashDayTraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	e.crashTraded = true
}

// MarkPumpDayTraded records a successful pump-day fill
func (e *Engine) MarkPumpDayTraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	e.pumpTraded = true
}

// CrashDayTraded reports the crash once-fire flag for today
func (e *Engine) CrashDayTraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	return e.crashTraded
}

// PumpDayTraded reports the pump once-fire flag for today
func (e *Engine) PumpDayTraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	return e.pumpTraded
}

// prevDayBar returns yesterday's (last completed session's) daily bar of
// the 1x reference ETF, cached for up to five minutes
func (e *Engine) prevDayBar(ctx context.Context, now time.Time) *marketdata.Bar {
	e.mu.Lock()
	if e.barCache != nil && now.Sub(e.barCacheAt) < barCacheTTL {
		bar := e.barCache
		e.mu.Unlock()
		return bar
	}
	e.mu.Unlock()

	bars := e.data.GetHistoricalBars(ctx, e.instruments.Long1x, now.AddDate(0, 0, -7), now, marketdata.Timeframe1Day)
	if len(bars) == 0 {
		return nil
	}

	// Last bar strictly before today is the previous session.
	var prev *marketdata.Bar
	for i := range bars {
		if clock.SameLocalDay(bars[i].Date, now, e.clock.Location()) {
			continue
		}
		prev = &bars[i]
	}
	if prev == nil {
		return nil
	}

	e.mu.Lock()
	e.barCache = prev
	e.barCacheAt = now
	e.mu.Unlock()

	return prev
}

// isLong reports whether the symbol carries long polarity in the universe
func (e *Engine) isLong(symbol string) bool {
	return symbol == e.instruments.Long1x || symbol == e.instruments.Long2x
}

// applyPositionAction resolves §position-awareness: the same target may
// mean open, hold, switch or close-then-open depending on holdings
func (e *Engine) applyPositionAction(sig *Signal, holdings []string) *Signal {
	if len(holdings) == 0 {
		sig.Action = ActionNone
		return sig
	}

	for _, held := range holdings {
		if held == sig.Symbol {
			sig.Kind = KindHold
			sig.Action = ActionHold
			sig.Reason = fmt.Sprintf("already holding %s (%s)", sig.Symbol, sig.Reason)
			return sig
		}
	}

	for _, held := range holdings {
		if e.isLong(held) != e.isLong(sig.Symbol) {
			sig.Action = ActionSwitch
			return sig
		}
	}

	// Same polarity, different leverage: close held, then open target.
	sig.Action = ActionClose
	return sig
}

// TodaySignal computes today's signal from fresh market data, yesterday's
// return, current holdings and the time of day. First matching rule wins.
// It never fails: when market data is unavailable it returns CASH.
func (e *Engine) TodaySignal(ctx context.Context, holdings []string, cfg config.StrategyConfig) *Signal {
	now := e.clock.Now()

	e.mu.Lock()
	e.rolloverLocked(now)
	crashTraded, pumpTraded := e.crashTraded, e.pumpTraded
	e.mu.Unlock()

	quote := e.data.GetQuote(ctx, e.instruments.Long1x)
	if quote == nil {
		e.log.Warn().Msg("No quote for reference ETF, returning CASH")
		return Cash("data unavailable")
	}

	// The underlying trades through the weekend, the ETF does not.
	// Logged on Mondays for the operator; the rules never consume it.
	if now.Weekday() == time.Monday && e.instruments.Underlying != "" {
		if spot := e.data.GetQuote(ctx, e.instruments.Underlying); spot != nil && spot.Open > 0 {
			move := (spot.Current - spot.Open) / spot.Open * 100
			e.log.Info().
				Str("underlying", e.instruments.Underlying).
				Float64("spot", spot.Current).
				Float64("move_pct", move).
				Msg("Weekend underlying context")
		}
	}

	minutes := clock.MinutesIntoDay(now)

	// Rules 1-2 need a live intraday move; a delayed quote must not fire
	// a market-moving signal.
	if quote.Open > 0 && quote.IsRealtime {
		move := (quote.Current - quote.Open) / quote.Open * 100

		crashCutoff, _ := config.ParseClockTime(cfg.CrashDayCutoff)
		if cfg.CrashDayEnabled && !crashTraded && move <= cfg.CrashDayThreshold && minutes <= crashCutoff {
			sig := &Signal{
				Kind:         KindCrashDay,
				Symbol:       e.instruments.Inverse2x,
				Reason:       fmt.Sprintf("intraday move %.2f%% breached crash threshold %.2f%%", move, cfg.CrashDayThreshold),
				IntradayMove: &move,
			}
			return e.applyPositionAction(sig, holdings)
		}

		pumpCutoff, _ := config.ParseClockTime(cfg.PumpDayCutoff)
		if cfg.PumpDayEnabled && !pumpTraded && move >= cfg.PumpDayThreshold && minutes <= pumpCutoff {
			sig := &Signal{
				Kind:         KindPumpDay,
				Symbol:       e.instruments.Long2x,
				Reason:       fmt.Sprintf("intraday move %.2f%% breached pump threshold %.2f%%", move, cfg.PumpDayThreshold),
				IntradayMove: &move,
			}
			return e.applyPositionAction(sig, holdings)
		}
	}

	// Rule 3: mean reversion on yesterday's intraday return, strict.
	if cfg.MeanReversionEnabled {
		if prev := e.prevDayBar(ctx, now); prev != nil && prev.Open > 0 {
			prevRet := (prev.Close - prev.Open) / prev.Open * 100
			if prevRet < cfg.MeanReversionThreshold {
				sig := &Signal{
					Kind:          KindMeanReversion,
					Symbol:        e.instruments.Long2x,
					Reason:        fmt.Sprintf("previous day return %.2f%% below %.2f%%", prevRet, cfg.MeanReversionThreshold),
					PrevDayReturn: &prevRet,
				}
				return e.applyPositionAction(sig, holdings)
			}
		}
	}

	// Rule 4: short Thursday.
	if cfg.ShortThursdayEnabled && now.Weekday() == time.Thursday {
		sig := &Signal{
			Kind:   KindShortThursday,
			Symbol: e.instruments.Inverse2x,
			Reason: "Thursday short bias",
		}
		return e.applyPositionAction(sig, holdings)
	}

	// Rule 5: ten-AM dump window.
	if cfg.TenAMDumpEnabled && minutes >= tenAMWindowStart && minutes < tenAMWindowEnd {
		sig := &Signal{
			Kind:   KindTenAMDump,
			Symbol: e.instruments.Inverse2x,
			Reason: "ten-AM dump window",
		}
		return e.applyPositionAction(sig, holdings)
	}

	return Cash("no rule matched")
}
