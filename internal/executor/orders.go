package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantro/swingbot/internal/broker"
	"github.com/quantro/swingbot/internal/store"
)

// fillResult is the confirmed (or best-effort) outcome of one order
type fillResult struct {
	OrderID     string
	Shares      int64
	AvgPrice    float64
	Partial     bool
	Unconfirmed bool
}

// buyLocked runs the preview→place→poll sequence for a market buy.
// Caller holds e.mu. Returns the fill, or an error classification with
// a detail string.
func (e *Executor) buyLocked(ctx context.Context, symbol string, qty int64, refPrice float64) (*fillResult, string, string) {
	return e.orderLocked(ctx, symbol, broker.SideBuy, qty, refPrice)
}

// sellLocked is the symmetric market sell
func (e *Executor) sellLocked(ctx context.Context, symbol string, qty int64, refPrice float64) (*fillResult, string, string) {
	return e.orderLocked(ctx, symbol, broker.SideSell, qty, refPrice)
}

func (e *Executor) orderLocked(ctx context.Context, symbol string, side broker.OrderSide, qty int64, refPrice float64) (*fillResult, string, string) {
	// Proactive renewal prevents the token expiring between preview
	// and place.
	if err := e.broker.EnsureAuthenticated(ctx); err != nil {
		return nil, ErrAuth, fmt.Sprintf("authentication failed: %v", err)
	}

	preview, err := e.broker.PreviewOrder(ctx, e.accountID, symbol, side, qty, broker.TypeMarket, 0)
	if err != nil {
		if broker.IsAuthError(err) {
			return nil, ErrAuth, err.Error()
		}
		return nil, ErrBroker, fmt.Sprintf("preview failed: %v", err)
	}

	ack, err := e.broker.PlaceOrder(ctx, e.accountID, symbol, side, qty, broker.TypeMarket, preview.PreviewID, 0)
	if err != nil {
		if broker.IsAuthError(err) {
			return nil, ErrAuth, err.Error()
		}
		return nil, ErrBroker, fmt.Sprintf("place failed: %v", err)
	}

	return e.pollFillLocked(ctx, symbol, side, ack.OrderID, qty, refPrice)
}

// pollFillLocked polls order status until a terminal state or the
// wall-clock timeout. On timeout it falls back to the estimate and
// alerts that the fill is unconfirmed, never assuming silently.
func (e *Executor) pollFillLocked(ctx context.Context, symbol string, side broker.OrderSide, orderID string, requested int64, refPrice float64) (*fillResult, string, string) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		state, err := e.broker.OrderStatus(ctx, e.accountID, orderID)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("Fill poll failed, retrying")
		} else if state.Status.Fill() {
			filled := state.FilledQty
			if filled <= 0 {
				filled = requested
			}
			avg := state.AvgPrice
			if avg <= 0 {
				avg = refPrice
			}
			if filled < requested {
				e.store.LogEvent(ctx, store.LevelWarning, store.EventPartialFill, map[string]interface{}{
					"order_id":  orderID,
					"symbol":    symbol,
					"side":      string(side),
					"requested": requested,
					"filled":    filled,
					"avg_price": avg,
				})
				e.channel.NotifyError(ctx, "Partial fill",
					fmt.Sprintf("%s %s: %d of %d filled @ $%.2f", side, symbol, filled, requested, avg))
			}
			return &fillResult{OrderID: orderID, Shares: filled, AvgPrice: avg, Partial: filled < requested}, "", ""
		} else if state.Status.Terminal() {
			return nil, ErrBroker, fmt.Sprintf("order %s ended %s", orderID, state.Status)
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrBroker, "cancelled while polling for fill"
		case <-ticker.C:
		}
	}

	e.store.LogEvent(ctx, store.LevelWarning, store.EventFillUnconfirmed, map[string]interface{}{
		"order_id":  orderID,
		"symbol":    symbol,
		"side":      string(side),
		"requested": requested,
		"est_price": refPrice,
	})
	e.channel.NotifyError(ctx, "Fill unconfirmed",
		fmt.Sprintf("%s %s %d: no fill confirmation within %s, recorded at estimate $%.2f. Verify with the broker.",
			side, symbol, requested, e.pollTimeout, refPrice))

	return &fillResult{OrderID: orderID, Shares: requested, AvgPrice: refPrice, Unconfirmed: true}, "", ""
}

// ClosePosition sells out of one instrument
func (e *Executor) ClosePosition(ctx context.Context, instrument string) *TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	return e.closePositionLocked(ctx, instrument)
}

// closePositionLocked is the close subroutine. Caller holds e.mu.
func (e *Executor) closePositionLocked(ctx context.Context, instrument string) *TradeResult {
	pos := e.positions[instrument]
	if pos == nil {
		res := e.fail(nil, ErrBroker, "no position in "+instrument)
		res.Instrument = instrument
		return res
	}

	// The broker's quantity is authoritative, not the local cache.
	qty := pos.Shares
	if rows, err := e.broker.AccountPositions(ctx, e.accountID); err == nil {
		for _, row := range rows {
			if row.Symbol == instrument && row.Quantity > 0 {
				qty = int64(row.Quantity)
			}
		}
	} else {
		e.log.Warn().Err(err).Msg("Position lookup failed, using local quantity")
	}

	refPrice := pos.EntryPrice
	if quote := e.quotes.GetQuote(ctx, instrument); quote != nil && quote.Current > 0 {
		refPrice = quote.Current
	}

	fill, class, detail := e.sellLocked(ctx, instrument, qty, refPrice)
	if class != "" {
		res := e.fail(nil, class, detail)
		res.Instrument = instrument
		return res
	}

	realized := (fill.AvgPrice - pos.EntryPrice) * float64(fill.Shares)

	// A partial sell leaves the residual shares tracked.
	if fill.Shares >= pos.Shares {
		delete(e.positions, instrument)
	} else {
		pos.Shares -= fill.Shares
	}

	if tracked := e.hedge.Position(); tracked != nil && tracked.Symbol == instrument && e.positions[instrument] == nil {
		e.hedge.ClearPosition()
	}

	e.store.LogEvent(ctx, store.LevelInfo, store.EventPositionClosed, map[string]interface{}{
		"symbol":       instrument,
		"shares":       fill.Shares,
		"exit_price":   fill.AvgPrice,
		"realized_pnl": realized,
		"order_id":     fill.OrderID,
		"is_paper":     e.isPaper(),
	})
	e.channel.NotifyPositionClosed(ctx, instrument, fill.Shares, fill.AvgPrice, realized, e.isPaper())

	e.log.Info().
		Str("symbol", instrument).
		Int64("shares", fill.Shares).
		Float64("exit_price", fill.AvgPrice).
		Float64("realized_pnl", realized).
		Msg("Position closed")

	return &TradeResult{
		Success:    true,
		Instrument: instrument,
		Action:     ActionSell,
		Shares:     fill.Shares,
		FillPrice:  fill.AvgPrice,
		TotalValue: fill.AvgPrice * float64(fill.Shares),
		OrderID:    fill.OrderID,
		IsPaper:    e.isPaper(),
	}
}

// CloseAllPositions closes every tracked instrument, hedge legs included
func (e *Executor) CloseAllPositions(ctx context.Context, reason string) []*TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clock.Now())
	return e.closeAllLocked(ctx, reason)
}

func (e *Executor) closeAllLocked(ctx context.Context, reason string) []*TradeResult {
	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	if len(symbols) > 0 {
		e.log.Info().Strs("symbols", symbols).Str("reason", reason).Msg("Closing all positions")
	}

	results := make([]*TradeResult, 0, len(symbols))
	for _, sym := range symbols {
		results = append(results, e.closePositionLocked(ctx, sym))
	}
	return results
}
