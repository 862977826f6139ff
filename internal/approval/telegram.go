package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/store"
)

// PositionView is one holding rendered for the command surface
type PositionView struct {
	Symbol       string
	Shares       int64
	EntryPrice   float64
	CurrentPrice float64
	Value        float64
	PnL          float64
	PnLPct       float64
}

// PortfolioView is the /balance and /positions payload
type PortfolioView struct {
	Cash       float64
	Positions  []PositionView
	TotalValue float64
	IsPaper    bool
}

// SignalView is the /signal payload
type SignalView struct {
	Kind   string
	Symbol string
	Reason string
}

// Controller is the slice of the running agent the command surface
// drives. cmd/bot wires an adapter over the executor and scheduler.
type Controller interface {
	Pause()
	Resume()
	Paused() bool
	TradingMode() string
	SetTradingMode(ctx context.Context, mode string) error
	Portfolio(ctx context.Context) (*PortfolioView, error)
	CurrentSignal(ctx context.Context) (*SignalView, error)
}

// Telegram implements Channel over the Telegram bot API with inline
// approve/reject keyboards and a small command surface.
type Telegram struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	timeout int
	store   *store.Store
	log     zerolog.Logger

	mu      sync.Mutex
	ctrl    Controller
	pending map[string]chan Result
}

// NewTelegram creates the channel and authorizes against the bot API
func NewTelegram(cfg config.TelegramConfig, st *store.Store) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log := config.NewLogger("approval.telegram")
	log.Info().
		Str("username", api.Self.UserName).
		Int("chat_ids", len(cfg.ChatIDs)).
		Msg("Telegram bot authorized")

	return &Telegram{
		api:     api,
		chatIDs: cfg.ChatIDs,
		timeout: cfg.PollingTimeout,
		store:   st,
		log:     log,
		pending: make(map[string]chan Result),
	}, nil
}

// SetController attaches the command surface once the executor and
// scheduler exist. Commands before this answer "not ready".
func (t *Telegram) SetController(ctrl Controller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctrl = ctrl
}

// authorized reports whether the chat is on the allowlist
func (t *Telegram) authorized(chatID int64) bool {
	for _, id := range t.chatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// broadcast sends text to every allowlisted chat
func (t *Telegram) broadcast(text string) error {
	var firstErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.api.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequestApproval sends an approve/reject keyboard to every allowlisted
// chat and blocks until a decision arrives or ctx expires
func (t *Telegram) RequestApproval(ctx context.Context, req TradeRequest) Result {
	if len(t.chatIDs) == 0 {
		t.log.Error().Msg("No approval chats configured")
		return Error
	}

	id := uuid.New().String()
	resultCh := make(chan Result, 1)

	t.mu.Lock()
	t.pending[id] = resultCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	var b strings.Builder
	fmt.Fprintf(&b, "*Trade approval required*\n\n")
	fmt.Fprintf(&b, "Signal: `%s`\n", req.SignalKind)
	fmt.Fprintf(&b, "Instrument: `%s`\n", req.Instrument)
	fmt.Fprintf(&b, "Shares: %d @ $%.2f\n", req.Shares, req.Price)
	fmt.Fprintf(&b, "Value: $%.2f\n", req.PositionValue)
	fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	if req.ReversalWarning != "" {
		fmt.Fprintf(&b, "\n⚠️ %s\n", req.ReversalWarning)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "approve:"+id),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", "reject:"+id),
		),
	)

	sent := false
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, b.String())
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.ReplyMarkup = keyboard
		if _, err := t.api.Send(msg); err != nil {
			t.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send approval request")
			continue
		}
		sent = true
	}
	if !sent {
		return Error
	}

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		t.log.Warn().Str("approval_id", id).Msg("Approval request timed out")
		return Timeout
	}
}

// Run drives the long-poll loop until ctx is cancelled
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.timeout

	updates := t.api.GetUpdatesChan(u)
	t.log.Info().Msg("Telegram long-poll started")

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			t.log.Info().Msg("Telegram long-poll stopped")
			return nil
		case update := <-updates:
			if update.CallbackQuery != nil {
				t.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message != nil && update.Message.IsCommand() {
				t.handleCommand(ctx, update.Message)
			}
		}
	}
}

// handleCallback resolves an approve/reject button press
func (t *Telegram) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || !t.authorized(cb.Message.Chat.ID) {
		t.log.Warn().Msg("Callback from unauthorized chat ignored")
		return
	}

	parts := strings.SplitN(cb.Data, ":", 2)
	if len(parts) != 2 {
		return
	}
	action, id := parts[0], parts[1]

	var res Result
	switch action {
	case "approve":
		res = Approved
	case "reject":
		res = Rejected
	default:
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	ack := "Too late, request already resolved"
	if ok {
		ch <- res
		if res == Approved {
			ack = "Approved ✅"
		} else {
			ack = "Rejected ❌"
		}
		t.log.Info().Str("approval_id", id).Str("result", string(res)).Msg("Approval resolved")
	}

	if _, err := t.api.Request(tgbotapi.NewCallback(cb.ID, ack)); err != nil {
		t.log.Error().Err(err).Msg("Failed to answer callback")
	}

	// Strip the keyboard so the buttons cannot fire twice.
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
		cb.Message.Text+"\n\n"+ack)
	if _, err := t.api.Send(edit); err != nil {
		t.log.Debug().Err(err).Msg("Failed to edit approval message")
	}
}

// SendMessage broadcasts free-form text to every allowlisted chat
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	return t.broadcast(text)
}

// NotifyTradeExecuted reports a confirmed fill
func (t *Telegram) NotifyTradeExecuted(ctx context.Context, instrument string, shares int64, price, totalValue float64, signalKind string, isPaper bool) {
	tag := ""
	if isPaper {
		tag = " (paper)"
	}
	text := fmt.Sprintf("✅ *Trade executed*%s\n`%s` BUY %d @ $%.2f = $%.2f\nSignal: `%s`",
		tag, instrument, shares, price, totalValue, signalKind)
	if err := t.broadcast(text); err != nil {
		t.log.Error().Err(err).Msg("Failed to send trade notification")
	}
}

// NotifyPositionClosed reports an exit with realized P&L
func (t *Telegram) NotifyPositionClosed(ctx context.Context, instrument string, shares int64, exitPrice, realizedPnL float64, isPaper bool) {
	tag := ""
	if isPaper {
		tag = " (paper)"
	}
	emoji := "🟢"
	if realizedPnL < 0 {
		emoji = "🔴"
	}
	text := fmt.Sprintf("%s *Position closed*%s\n`%s` SELL %d @ $%.2f\nRealized P&L: $%.2f",
		emoji, tag, instrument, shares, exitPrice, realizedPnL)
	if err := t.broadcast(text); err != nil {
		t.log.Error().Err(err).Msg("Failed to send close notification")
	}
}

// NotifyError reports a failure the operator should see
func (t *Telegram) NotifyError(ctx context.Context, subject, detail string) {
	text := fmt.Sprintf("🚨 *%s*\n%s", subject, detail)
	if err := t.broadcast(text); err != nil {
		t.log.Error().Err(err).Msg("Failed to send error notification")
	}
}
