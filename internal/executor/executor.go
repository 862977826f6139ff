// Package executor reconciles intended positions with actual broker
// state. A single position mutex serializes every operation that
// mutates positions or the daily-state maps, so at most one order is
// in flight at any instant.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/approval"
	"github.com/quantro/swingbot/internal/broker"
	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/hedge"
	"github.com/quantro/swingbot/internal/marketdata"
	"github.com/quantro/swingbot/internal/metrics"
	"github.com/quantro/swingbot/internal/signal"
	"github.com/quantro/swingbot/internal/store"
)

const (
	fillPollInterval = 500 * time.Millisecond
	fillPollTimeout  = 30 * time.Second
)

// Terse error classifications carried on failed TradeResults
const (
	ErrRejected            = "rejected"
	ErrTimeout             = "timeout"
	ErrDuplicate           = "duplicate"
	ErrInsufficientCapital = "insufficient capital"
	ErrBroker              = "broker error"
	ErrAuth                = "auth failure"
)

// Action is what the executor did about the signal
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionNone Action = "NONE"
	ActionHold Action = "HOLD"
)

// Position is one locally tracked holding. Hedge legs carry IsHedge so
// the signal engine never treats them as the primary position.
type Position struct {
	Instrument   string    `json:"instrument"`
	Shares       int64     `json:"shares"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	SourceSignal string    `json:"source_signal"`
	IsHedge      bool      `json:"is_hedge,omitempty"`
}

// TradeResult is the outcome of one executor operation
type TradeResult struct {
	Success    bool           `json:"success"`
	Signal     *signal.Signal `json:"signal,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Action     Action         `json:"action"`
	Shares     int64          `json:"shares,omitempty"`
	FillPrice  float64        `json:"fill_price,omitempty"`
	TotalValue float64        `json:"total_value,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	IsPaper    bool           `json:"is_paper"`
}

// QuoteSource is the slice of the market-data gateway the executor uses
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) *marketdata.Quote
}

// SignalSource is the slice of the signal engine the executor drives
type SignalSource interface {
	TodaySignal(ctx context.Context, holdings []string, cfg config.StrategyConfig) *signal.Signal
	MarkCrashDayTraded()
	MarkPumpDayTraded()
}

// Executor is the order execution core
type Executor struct {
	cfg       *config.Config
	broker    broker.Gateway
	quotes    QuoteSource
	signals   SignalSource
	hedge     *hedge.Controller
	store     *store.Store
	channel   approval.Channel
	clock     clock.Clock
	accountID string
	log       zerolog.Logger

	// mu is the position mutex. Go mutexes are not reentrant, so
	// compound operations call the *Locked variants directly.
	mu     sync.Mutex
	closed bool

	dayKey            string
	tradesToday       map[signal.Kind]time.Time
	reversalTriggered bool
	positions         map[string]*Position

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New creates the executor. accountID is the broker account handle, or
// the synthetic paper account in paper mode.
func New(cfg *config.Config, bk broker.Gateway, quotes QuoteSource, signals SignalSource, hc *hedge.Controller, st *store.Store, ch approval.Channel, clk clock.Clock, accountID string) *Executor {
	return &Executor{
		cfg:       cfg,
		broker:    bk,
		quotes:    quotes,
		signals:   signals,
		hedge:     hc,
		store:     st,
		channel:   ch,
		clock:     clk,
		accountID: accountID,
		log:       config.NewLogger("executor"),
		tradesToday:  make(map[signal.Kind]time.Time),
		positions:    make(map[string]*Position),
		pollInterval: fillPollInterval,
		pollTimeout:  fillPollTimeout,
	}
}

func (e *Executor) isPaper() bool {
	return e.cfg.Trading.Mode == config.ModePaper
}

func (e *Executor) isLong(instrument string) bool {
	return instrument == e.cfg.Trading.Instruments.Long1x ||
		instrument == e.cfg.Trading.Instruments.Long2x
}

// Shutdown makes the executor refuse new signal executions. In-flight
// operations complete; the caller waits for the scheduler to drain.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// fail builds a failed result and bumps the failure counter
func (e *Executor) fail(sig *signal.Signal, class, detail string) *TradeResult {
	metrics.OrdersFailed.WithLabelValues(class).Inc()
	return &TradeResult{
		Signal:  sig,
		Action:  ActionNone,
		Error:   class,
		Detail:  detail,
		IsPaper: e.isPaper(),
	}
}

// rolloverLocked resets the daily-state maps when the local date changes
func (e *Executor) rolloverLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day == e.dayKey {
		return
	}
	if e.dayKey != "" {
		e.log.Info().Str("day", day).Msg("New local day, resetting daily trade state")
	}
	e.dayKey = day
	e.tradesToday = make(map[signal.Kind]time.Time)
	e.reversalTriggered = false
}

// holdingsLocked returns the primary (non-hedge) instruments held
func (e *Executor) holdingsLocked() []string {
	var held []string
	for sym, pos := range e.positions {
		if !pos.IsHedge {
			held = append(held, sym)
		}
	}
	return held
}

// Holdings returns the primary instruments currently held
func (e *Executor) Holdings() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdingsLocked()
}

// ExecuteSignal evaluates (or accepts) a signal and drives it to a fill.
// skipApproval must stay false except for time-critical scheduler polls.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *signal.Signal, skipApproval bool) *TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.fail(sig, ErrBroker, "executor is shut down")
	}

	now := e.clock.Now()
	e.rolloverLocked(now)

	if sig == nil {
		sig = e.signals.TodaySignal(ctx, e.holdingsLocked(), e.cfg.Strategy)
	}

	if sig.Kind == signal.KindCash {
		return &TradeResult{Success: true, Signal: sig, Action: ActionNone, IsPaper: e.isPaper()}
	}

	if _, ok := e.tradesToday[sig.Kind]; ok {
		e.store.LogEvent(ctx, store.LevelInfo, store.EventDuplicateBlocked, map[string]interface{}{
			"signal": string(sig.Kind),
			"symbol": sig.Symbol,
		})
		e.log.Info().Str("signal", string(sig.Kind)).Msg("Duplicate signal blocked")
		return e.fail(sig, ErrDuplicate, fmt.Sprintf("%s already traded today", sig.Kind))
	}

	holdings := e.holdingsLocked()
	if sig.Kind == signal.KindHold || e.positions[sig.Symbol] != nil && !e.positions[sig.Symbol].IsHedge {
		return &TradeResult{Success: true, Signal: sig, Instrument: sig.Symbol, Action: ActionHold, IsPaper: e.isPaper()}
	}
	needsReversal := len(holdings) > 0

	quote := e.quotes.GetQuote(ctx, sig.Symbol)
	if quote == nil || quote.Current <= 0 {
		e.store.LogEvent(ctx, store.LevelWarning, store.EventDataUnavailable, map[string]interface{}{
			"symbol": sig.Symbol,
		})
		return e.fail(sig, ErrBroker, "no quote available for "+sig.Symbol)
	}
	price := quote.Current

	capital, err := e.broker.CashAvailable(ctx, e.accountID)
	if err != nil {
		if broker.IsAuthError(err) {
			return e.fail(sig, ErrAuth, err.Error())
		}
		return e.fail(sig, ErrBroker, fmt.Sprintf("cash lookup failed: %v", err))
	}

	budget := capital * e.cfg.Trading.MaxPositionPct / 100
	if e.cfg.Trading.MaxPositionUSD > 0 && budget > e.cfg.Trading.MaxPositionUSD {
		budget = e.cfg.Trading.MaxPositionUSD
	}
	shares := int64(math.Floor(budget / price))
	if shares <= 0 {
		return e.fail(sig, ErrInsufficientCapital,
			fmt.Sprintf("budget $%.2f cannot buy %s at $%.2f", budget, sig.Symbol, price))
	}

	if res := e.approveLocked(ctx, sig, shares, price, holdings, needsReversal, skipApproval); res != nil {
		return res
	}

	// A polarity switch must never leave both legs open: if any close
	// fails, the buy is aborted and nothing about the day state changes.
	if needsReversal {
		for _, closeRes := range e.closeAllLocked(ctx, "switching to "+sig.Symbol) {
			if closeRes.Success {
				continue
			}
			e.store.LogEvent(ctx, store.LevelError, store.EventSwitchAborted, map[string]interface{}{
				"held":   closeRes.Instrument,
				"target": sig.Symbol,
				"detail": closeRes.Detail,
			})
			e.channel.NotifyError(ctx, "Switch aborted",
				fmt.Sprintf("Could not close %s before opening %s: %s. Position left as is.",
					closeRes.Instrument, sig.Symbol, closeRes.Detail))
			e.log.Error().
				Str("held", closeRes.Instrument).
				Str("target", sig.Symbol).
				Str("detail", closeRes.Detail).
				Msg("Close failed during switch, aborting buy")
			return e.fail(sig, closeRes.Error,
				fmt.Sprintf("close of %s failed: %s", closeRes.Instrument, closeRes.Detail))
		}
	}

	fill, class, detail := e.buyLocked(ctx, sig.Symbol, shares, price)
	if class != "" {
		return e.fail(sig, class, detail)
	}

	totalValue := fill.AvgPrice * float64(fill.Shares)
	e.positions[sig.Symbol] = &Position{
		Instrument:   sig.Symbol,
		Shares:       fill.Shares,
		EntryPrice:   fill.AvgPrice,
		EntryTime:    now,
		SourceSignal: string(sig.Kind),
	}
	e.tradesToday[sig.Kind] = now

	// The once-fire flags are set only after the fill outcome is known.
	switch sig.Kind {
	case signal.KindCrashDay:
		e.signals.MarkCrashDayTraded()
	case signal.KindPumpDay:
		e.signals.MarkPumpDayTraded()
	}

	e.hedge.RegisterPosition(sig.Symbol, fill.Shares, fill.AvgPrice)

	e.store.LogEvent(ctx, store.LevelInfo, store.EventTradeExecuted, map[string]interface{}{
		"signal":      string(sig.Kind),
		"symbol":      sig.Symbol,
		"shares":      fill.Shares,
		"fill_price":  fill.AvgPrice,
		"total_value": totalValue,
		"order_id":    fill.OrderID,
		"is_paper":    e.isPaper(),
	})
	metrics.TradesExecuted.WithLabelValues(string(sig.Kind), string(e.cfg.Trading.Mode)).Inc()
	e.channel.NotifyTradeExecuted(ctx, sig.Symbol, fill.Shares, fill.AvgPrice, totalValue, string(sig.Kind), e.isPaper())

	e.log.Info().
		Str("signal", string(sig.Kind)).
		Str("symbol", sig.Symbol).
		Int64("shares", fill.Shares).
		Float64("fill_price", fill.AvgPrice).
		Msg("Signal executed")

	return &TradeResult{
		Success:    true,
		Signal:     sig,
		Instrument: sig.Symbol,
		Action:     ActionBuy,
		Shares:     fill.Shares,
		FillPrice:  fill.AvgPrice,
		TotalValue: totalValue,
		OrderID:    fill.OrderID,
		IsPaper:    e.isPaper(),
	}
}

// approveLocked runs the human-in-the-loop workflow. A nil return means
// proceed; a non-nil return is the failure to hand back.
func (e *Executor) approveLocked(ctx context.Context, sig *signal.Signal, shares int64, price float64, holdings []string, needsReversal, skipApproval bool) *TradeResult {
	mode := e.cfg.Trading.ApprovalMode

	if mode == config.ApprovalRequired && !skipApproval {
		warning := ""
		if needsReversal {
			warning = "Approving will first close: " + strings.Join(holdings, ", ")
		}

		actx, cancel := context.WithTimeout(ctx, e.cfg.Trading.ApprovalTimeout())
		res := e.channel.RequestApproval(actx, approval.TradeRequest{
			SignalKind:      string(sig.Kind),
			Instrument:      sig.Symbol,
			Reason:          sig.Reason,
			Shares:          shares,
			Price:           price,
			PositionValue:   price * float64(shares),
			ReversalWarning: warning,
		})
		cancel()
		metrics.ApprovalResults.WithLabelValues(string(res)).Inc()

		switch res {
		case approval.Approved:
			return nil
		case approval.Rejected:
			e.store.LogEvent(ctx, store.LevelWarning, store.EventApprovalRejected, map[string]interface{}{
				"signal": string(sig.Kind), "symbol": sig.Symbol,
			})
			return e.fail(sig, ErrRejected, "order rejected by operator")
		case approval.Timeout:
			e.store.LogEvent(ctx, store.LevelWarning, store.EventApprovalTimeout, map[string]interface{}{
				"signal": string(sig.Kind), "symbol": sig.Symbol,
			})
			return e.fail(sig, ErrTimeout, "approval request timed out")
		default:
			// Channel failure: fail-secure in live mode, fail-open in paper.
			if !e.isPaper() {
				return e.fail(sig, ErrBroker, "approval channel failed")
			}
			e.log.Warn().Msg("Approval channel failed, proceeding in paper mode")
			return nil
		}
	}

	if mode == config.ApprovalNotifyOnly || (skipApproval && mode != config.ApprovalAuto) {
		text := fmt.Sprintf("Executing `%s`: BUY %d `%s` @ ~$%.2f", sig.Kind, shares, sig.Symbol, price)
		if err := e.channel.SendMessage(ctx, text); err != nil {
			e.log.Warn().Err(err).Msg("One-way trade notification failed")
		}
	}
	return nil
}
