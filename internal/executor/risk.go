package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/quantro/swingbot/internal/metrics"
	"github.com/quantro/swingbot/internal/store"
)

// CheckAndExecuteHedge asks the hedge controller for a tier order and
// places it. Returns nil when no tier fired. Hedge orders are automatic
// risk actions and never wait for approval.
func (e *Executor) CheckAndExecuteHedge(ctx context.Context) *TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())

	tracked := e.hedge.Position()
	if tracked == nil {
		return nil
	}

	quote := e.quotes.GetQuote(ctx, tracked.Symbol)
	if quote == nil || quote.Current <= 0 {
		return nil
	}

	order := e.hedge.CheckAndHedge(quote.Current)
	if order == nil {
		return nil
	}
	metrics.HedgeTiersTriggered.Inc()

	hedgePrice := quote.Current
	if hq := e.quotes.GetQuote(ctx, order.Symbol); hq != nil && hq.Current > 0 {
		hedgePrice = hq.Current
	}

	fill, class, detail := e.buyLocked(ctx, order.Symbol, order.Shares, hedgePrice)
	if class != "" {
		e.log.Error().Str("symbol", order.Symbol).Str("reason", class).Str("detail", detail).
			Msg("Hedge order failed")
		e.channel.NotifyError(ctx, "Hedge order failed",
			fmt.Sprintf("BUY %d %s: %s", order.Shares, order.Symbol, detail))
		return e.fail(nil, class, detail)
	}

	e.hedge.UpdateHedgeShares(fill.Shares, fill.AvgPrice)

	// The hedge leg joins the local map so the EOD close exits both legs.
	if leg, ok := e.positions[order.Symbol]; ok {
		total := leg.Shares + fill.Shares
		leg.EntryPrice = (leg.EntryPrice*float64(leg.Shares) + fill.AvgPrice*float64(fill.Shares)) / float64(total)
		leg.Shares = total
	} else {
		e.positions[order.Symbol] = &Position{
			Instrument:   order.Symbol,
			Shares:       fill.Shares,
			EntryPrice:   fill.AvgPrice,
			EntryTime:    e.clock.Now(),
			SourceSignal: "trailing_hedge",
			IsHedge:      true,
		}
	}

	totalValue := fill.AvgPrice * float64(fill.Shares)
	e.store.LogEvent(ctx, store.LevelInfo, store.EventHedgeTriggered, map[string]interface{}{
		"tier":         order.TierIndex,
		"gain_pct":     order.GainPct,
		"hedge_symbol": order.Symbol,
		"shares":       fill.Shares,
		"fill_price":   fill.AvgPrice,
		"hedge_value":  order.HedgeValue,
	})
	if err := e.channel.SendMessage(ctx, fmt.Sprintf(
		"🛡 Hedge tier %d triggered at +%.2f%%: BUY %d `%s` @ $%.2f",
		order.TierIndex+1, order.GainPct, fill.Shares, order.Symbol, fill.AvgPrice)); err != nil {
		e.log.Warn().Err(err).Msg("Hedge notification failed")
	}

	return &TradeResult{
		Success:    true,
		Instrument: order.Symbol,
		Action:     ActionBuy,
		Shares:     fill.Shares,
		FillPrice:  fill.AvgPrice,
		TotalValue: totalValue,
		OrderID:    fill.OrderID,
		IsPaper:    e.isPaper(),
	}
}

// CheckAndExecuteReversal flips a losing long into the inverse ETF at
// most once per local day. Returns nil when no reversal applies.
func (e *Executor) CheckAndExecuteReversal(ctx context.Context) *TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.rolloverLocked(now)

	if !e.cfg.Strategy.ReversalEnabled || e.reversalTriggered {
		return nil
	}

	var pos *Position
	for _, p := range e.positions {
		if !p.IsHedge && e.isLong(p.Instrument) {
			pos = p
			break
		}
	}
	if pos == nil {
		return nil
	}

	quote := e.quotes.GetQuote(ctx, pos.Instrument)
	if quote == nil || quote.Current <= 0 {
		return nil
	}

	pnlPct := (quote.Current - pos.EntryPrice) / pos.EntryPrice * 100
	if pnlPct > e.cfg.Strategy.ReversalThreshold {
		return nil
	}

	e.log.Warn().
		Str("symbol", pos.Instrument).
		Float64("pnl_pct", pnlPct).
		Float64("threshold", e.cfg.Strategy.ReversalThreshold).
		Msg("Reversal threshold breached, flipping position")

	e.reversalTriggered = true
	sharesToFlip := pos.Shares
	instrument := pos.Instrument

	closeRes := e.closePositionLocked(ctx, instrument)
	if !closeRes.Success {
		// Nothing changed at the broker; allow a later retry today.
		e.reversalTriggered = false
		return closeRes
	}

	inverse := e.cfg.Trading.Instruments.Inverse2x
	iq := e.quotes.GetQuote(ctx, inverse)
	if iq == nil || iq.Current <= 0 {
		e.reversalPartialFailure(ctx, inverse, "no quote for inverse instrument")
		return closeRes
	}

	fill, class, detail := e.buyLocked(ctx, inverse, sharesToFlip, iq.Current)
	if class != "" {
		e.reversalPartialFailure(ctx, inverse, detail)
		return closeRes
	}

	e.positions[inverse] = &Position{
		Instrument:   inverse,
		Shares:       fill.Shares,
		EntryPrice:   fill.AvgPrice,
		EntryTime:    now,
		SourceSignal: "reversal",
	}
	e.hedge.RegisterPosition(inverse, fill.Shares, fill.AvgPrice)

	totalValue := fill.AvgPrice * float64(fill.Shares)
	e.store.LogEvent(ctx, store.LevelWarning, store.EventReversalExecuted, map[string]interface{}{
		"closed":     instrument,
		"opened":     inverse,
		"shares":     fill.Shares,
		"fill_price": fill.AvgPrice,
		"pnl_pct":    pnlPct,
	})
	metrics.TradesExecuted.WithLabelValues("reversal", string(e.cfg.Trading.Mode)).Inc()
	e.channel.NotifyTradeExecuted(ctx, inverse, fill.Shares, fill.AvgPrice, totalValue, "reversal", e.isPaper())

	return &TradeResult{
		Success:    true,
		Instrument: inverse,
		Action:     ActionBuy,
		Shares:     fill.Shares,
		FillPrice:  fill.AvgPrice,
		TotalValue: totalValue,
		OrderID:    fill.OrderID,
		IsPaper:    e.isPaper(),
	}
}

// reversalPartialFailure is the close-succeeded-open-failed path: the
// day flag stays set so the flip is not retried automatically.
func (e *Executor) reversalPartialFailure(ctx context.Context, inverse, detail string) {
	e.store.LogEvent(ctx, store.LevelCritical, store.EventReversalPartialFailure, map[string]interface{}{
		"inverse": inverse,
		"detail":  detail,
	})
	e.channel.NotifyError(ctx, "Reversal partially failed",
		fmt.Sprintf("Closed the losing position but could not open %s: %s. Inspect the account manually.", inverse, detail))
	e.log.Error().Str("inverse", inverse).Str("detail", detail).
		Msg("Reversal close succeeded but open failed")
}

// PositionValue is one holding valued at the current quote
type PositionValue struct {
	Symbol       string  `json:"symbol"`
	Shares       int64   `json:"shares"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	Value        float64 `json:"value"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
	IsHedge      bool    `json:"is_hedge,omitempty"`
}

// PortfolioSnapshot is the cash-plus-positions view
type PortfolioSnapshot struct {
	Cash       float64         `json:"cash"`
	Positions  []PositionValue `json:"positions"`
	TotalValue float64         `json:"total_value"`
	IsPaper    bool            `json:"is_paper"`
}

// PortfolioValue computes the current snapshot from broker cash and
// live quotes
func (e *Executor) PortfolioValue(ctx context.Context) (*PortfolioSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cash, err := e.broker.CashAvailable(ctx, e.accountID)
	if err != nil {
		return nil, fmt.Errorf("cash lookup failed: %w", err)
	}

	snap := &PortfolioSnapshot{Cash: cash, IsPaper: e.isPaper()}

	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	total := cash
	for _, sym := range symbols {
		pos := e.positions[sym]
		current := pos.EntryPrice
		if quote := e.quotes.GetQuote(ctx, sym); quote != nil && quote.Current > 0 {
			current = quote.Current
		}
		value := current * float64(pos.Shares)
		pnl := (current - pos.EntryPrice) * float64(pos.Shares)
		pnlPct := 0.0
		if pos.EntryPrice > 0 {
			pnlPct = (current - pos.EntryPrice) / pos.EntryPrice * 100
		}
		snap.Positions = append(snap.Positions, PositionValue{
			Symbol:       sym,
			Shares:       pos.Shares,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: current,
			Value:        value,
			PnL:          pnl,
			PnLPct:       pnlPct,
			IsHedge:      pos.IsHedge,
		})
		total += value
	}

	snap.TotalValue = total
	metrics.PortfolioValue.Set(total)
	return snap, nil
}
