package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/marketdata"
)

// PaperAccountID is the synthetic account handle for paper mode
const PaperAccountID = "PAPER"

// QuoteSource supplies current prices for synthetic fills.
// *marketdata.Gateway satisfies it.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) *marketdata.Quote
}

// paperPosition is one simulated holding
type paperPosition struct {
	Quantity   int64
	EntryPrice float64
	EntryTime  time.Time
}

// Paper simulates the broker surface in process: synthetic capital,
// instant fills at the current quote plus slippage, no network calls.
type Paper struct {
	quotes      QuoteSource
	slippagePct float64 // percent, e.g. 0.02
	log         zerolog.Logger

	mu        sync.Mutex
	cash      float64
	positions map[string]*paperPosition
	orders    map[string]*OrderState
	previews  map[string]float64 // preview ID -> estimated value
}

// NewPaper creates a paper gateway with the given starting capital
func NewPaper(quotes QuoteSource, initialCapital, slippagePct float64) *Paper {
	log := config.NewLogger("broker.paper")
	log.Info().
		Float64("initial_capital", initialCapital).
		Float64("slippage_pct", slippagePct).
		Msg("Paper broker initialized")

	return &Paper{
		quotes:      quotes,
		slippagePct: slippagePct,
		log:         log,
		cash:        initialCapital,
		positions:   make(map[string]*paperPosition),
		orders:      make(map[string]*OrderState),
		previews:    make(map[string]float64),
	}
}

// IsAuthenticated always holds for paper trading
func (p *Paper) IsAuthenticated(ctx context.Context) bool { return true }

// EnsureAuthenticated is a no-op for paper trading
func (p *Paper) EnsureAuthenticated(ctx context.Context) error { return nil }

// RenewToken is a no-op for paper trading
func (p *Paper) RenewToken(ctx context.Context) error { return nil }

// ListAccounts returns the single synthetic paper account
func (p *Paper) ListAccounts(ctx context.Context) ([]Account, error) {
	return []Account{{IDKey: PaperAccountID, Description: "Paper trading", Mode: "PAPER"}}, nil
}

// CashAvailable returns the remaining synthetic capital
func (p *Paper) CashAvailable(ctx context.Context, accountID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// AccountPositions returns the simulated holdings
func (p *Paper) AccountPositions(ctx context.Context, accountID string) ([]PositionRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]PositionRow, 0, len(p.positions))
	for symbol, pos := range p.positions {
		row := PositionRow{
			Symbol:    symbol,
			Quantity:  float64(pos.Quantity),
			PricePaid: pos.EntryPrice,
		}
		if quote := p.quotes.GetQuote(ctx, symbol); quote != nil {
			row.MarketValue = quote.Current * float64(pos.Quantity)
		} else {
			row.MarketValue = pos.EntryPrice * float64(pos.Quantity)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BrokerQuote proxies to the quote source
func (p *Paper) BrokerQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	quote := p.quotes.GetQuote(ctx, symbol)
	if quote == nil {
		return nil, fmt.Errorf("no quote available for %s", symbol)
	}
	return quote, nil
}

// fillPrice applies slippage to the current quote: buys pay up, sells
// receive less
func (p *Paper) fillPrice(current float64, side OrderSide) float64 {
	slip := p.slippagePct / 100.0
	if side == SideBuy {
		return current * (1 + slip)
	}
	return current * (1 - slip)
}

// PreviewOrder estimates the order value and hands back a preview ID
func (p *Paper) PreviewOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, limitPrice float64) (*Preview, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", qty)
	}

	quote := p.quotes.GetQuote(ctx, symbol)
	if quote == nil {
		return nil, fmt.Errorf("no quote available for %s", symbol)
	}

	estimated := p.fillPrice(quote.Current, side) * float64(qty)
	previewID := uuid.New().String()

	p.mu.Lock()
	p.previews[previewID] = estimated
	p.mu.Unlock()

	return &Preview{PreviewID: previewID, EstimatedValue: estimated}, nil
}

// PlaceOrder fills the order synchronously at the current quote plus
// slippage
func (p *Paper) PlaceOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, previewID string, limitPrice float64) (*OrderAck, error) {
	quote := p.quotes.GetQuote(ctx, symbol)
	if quote == nil {
		return nil, fmt.Errorf("no quote available for %s", symbol)
	}

	price := p.fillPrice(quote.Current, side)
	value := price * float64(qty)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.previews[previewID]; !ok {
		return nil, fmt.Errorf("unknown preview ID %s", previewID)
	}
	delete(p.previews, previewID)

	orderID := uuid.New().String()

	if side == SideBuy {
		if value > p.cash {
			p.orders[orderID] = &OrderState{Status: StatusRejected}
			return nil, fmt.Errorf("insufficient capital: need %.2f, have %.2f", value, p.cash)
		}
		p.cash -= value
		if pos, ok := p.positions[symbol]; ok {
			// Average into the existing position.
			totalQty := pos.Quantity + qty
			pos.EntryPrice = (pos.EntryPrice*float64(pos.Quantity) + value) / float64(totalQty)
			pos.Quantity = totalQty
		} else {
			p.positions[symbol] = &paperPosition{
				Quantity:   qty,
				EntryPrice: price,
				EntryTime:  time.Now(),
			}
		}
	} else {
		pos, ok := p.positions[symbol]
		if !ok || pos.Quantity < qty {
			p.orders[orderID] = &OrderState{Status: StatusRejected}
			return nil, fmt.Errorf("insufficient shares of %s to sell %d", symbol, qty)
		}
		p.cash += value
		pos.Quantity -= qty
		if pos.Quantity == 0 {
			delete(p.positions, symbol)
		}
	}

	p.orders[orderID] = &OrderState{
		Status:    StatusExecuted,
		FilledQty: qty,
		AvgPrice:  price,
	}

	p.log.Info().
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("quantity", qty).
		Float64("fill_price", price).
		Float64("cash", p.cash).
		Msg("Paper order filled")

	return &OrderAck{OrderID: orderID}, nil
}

// OrderStatus returns the stored state of a paper order
func (p *Paper) OrderStatus(ctx context.Context, accountID, orderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order ID %s", orderID)
	}
	return state, nil
}

// CancelOrder is a no-op for paper orders, which fill instantly
func (p *Paper) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; !ok {
		return false, fmt.Errorf("unknown order ID %s", orderID)
	}
	return false, nil
}
