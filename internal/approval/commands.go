package approval

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// handleCommand dispatches one slash command from an allowlisted chat
func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !t.authorized(msg.Chat.ID) {
		t.log.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).
			Msg("Command from unauthorized chat ignored")
		return
	}

	t.mu.Lock()
	ctrl := t.ctrl
	t.mu.Unlock()

	var reply string
	switch msg.Command() {
	case "start", "help":
		reply = helpText
	case "pause":
		if ctrl == nil {
			reply = "Agent not ready yet"
			break
		}
		ctrl.Pause()
		reply = "⏸ Scheduler paused. Jobs firing during pause are dropped."
	case "resume":
		if ctrl == nil {
			reply = "Agent not ready yet"
			break
		}
		ctrl.Resume()
		reply = "▶️ Scheduler resumed."
	case "mode":
		reply = t.handleMode(ctx, ctrl, msg.CommandArguments())
	case "balance":
		reply = t.handleBalance(ctx, ctrl)
	case "positions":
		reply = t.handlePositions(ctx, ctrl)
	case "signal":
		reply = t.handleSignal(ctx, ctrl)
	case "logs":
		reply = t.handleLogs(ctx)
	default:
		reply = "Unknown command. Try /help."
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(out); err != nil {
		t.log.Error().Err(err).Str("command", msg.Command()).Msg("Failed to send command reply")
	}
}

const helpText = `*Swingbot commands*
/pause — suspend all scheduled jobs
/resume — resume scheduling
/mode [live|paper] — show or switch trading mode
/balance — cash and total portfolio value
/positions — open positions with unrealized P&L
/signal — what the engine would trade right now
/logs — recent event log entries
/help — this message`

func (t *Telegram) handleMode(ctx context.Context, ctrl Controller, arg string) string {
	if ctrl == nil {
		return "Agent not ready yet"
	}
	arg = strings.TrimSpace(strings.ToLower(arg))
	if arg == "" {
		state := "running"
		if ctrl.Paused() {
			state = "paused"
		}
		return fmt.Sprintf("Mode: `%s`, scheduler %s", ctrl.TradingMode(), state)
	}
	if err := ctrl.SetTradingMode(ctx, arg); err != nil {
		return fmt.Sprintf("Mode switch failed: %v", err)
	}
	return fmt.Sprintf("Trading mode set to `%s`. Takes full effect on restart.", arg)
}

func (t *Telegram) handleBalance(ctx context.Context, ctrl Controller) string {
	if ctrl == nil {
		return "Agent not ready yet"
	}
	pv, err := ctrl.Portfolio(ctx)
	if err != nil {
		return fmt.Sprintf("Balance unavailable: %v", err)
	}
	tag := ""
	if pv.IsPaper {
		tag = " (paper)"
	}
	return fmt.Sprintf("💰 Cash%s: $%.2f\nTotal value: $%.2f", tag, pv.Cash, pv.TotalValue)
}

func (t *Telegram) handlePositions(ctx context.Context, ctrl Controller) string {
	if ctrl == nil {
		return "Agent not ready yet"
	}
	pv, err := ctrl.Portfolio(ctx)
	if err != nil {
		return fmt.Sprintf("Positions unavailable: %v", err)
	}
	if len(pv.Positions) == 0 {
		return "No open positions."
	}

	var b strings.Builder
	b.WriteString("*Open positions*\n")
	for _, p := range pv.Positions {
		fmt.Fprintf(&b, "`%s` %d @ $%.2f → $%.2f (%+.2f%%, $%+.2f)\n",
			p.Symbol, p.Shares, p.EntryPrice, p.CurrentPrice, p.PnLPct, p.PnL)
	}
	return b.String()
}

func (t *Telegram) handleSignal(ctx context.Context, ctrl Controller) string {
	if ctrl == nil {
		return "Agent not ready yet"
	}
	sv, err := ctrl.CurrentSignal(ctx)
	if err != nil {
		return fmt.Sprintf("Signal unavailable: %v", err)
	}
	if sv.Symbol == "" {
		return fmt.Sprintf("Signal: `%s`\n%s", sv.Kind, sv.Reason)
	}
	return fmt.Sprintf("Signal: `%s` → `%s`\n%s", sv.Kind, sv.Symbol, sv.Reason)
}

func (t *Telegram) handleLogs(ctx context.Context) string {
	events, err := t.store.RecentEvents(ctx, 10)
	if err != nil {
		return fmt.Sprintf("Logs unavailable: %v", err)
	}
	if len(events) == 0 {
		return "No events yet."
	}

	var b strings.Builder
	b.WriteString("*Recent events*\n")
	for _, e := range events {
		fmt.Fprintf(&b, "`%s` %s %s\n", e.Timestamp.Format("01-02 15:04"), e.Level, e.EventType)
	}
	return b.String()
}
