package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/swingbot/internal/marketdata"
)

// fixedQuotes serves scripted prices per symbol
type fixedQuotes map[string]float64

func (f fixedQuotes) GetQuote(ctx context.Context, symbol string) *marketdata.Quote {
	price, ok := f[symbol]
	if !ok {
		return nil
	}
	return &marketdata.Quote{Symbol: symbol, Current: price, Open: price, IsRealtime: true}
}

func placePaperOrder(t *testing.T, p *Paper, symbol string, side OrderSide, qty int64) *OrderAck {
	t.Helper()
	ctx := context.Background()
	preview, err := p.PreviewOrder(ctx, PaperAccountID, symbol, side, qty, TypeMarket, 0)
	require.NoError(t, err)
	ack, err := p.PlaceOrder(ctx, PaperAccountID, symbol, side, qty, TypeMarket, preview.PreviewID, 0)
	require.NoError(t, err)
	return ack
}

// TestPaperBuyFillsWithSlippage tests the synthetic buy fill price
func TestPaperBuyFillsWithSlippage(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0.02)
	ctx := context.Background()

	ack := placePaperOrder(t, p, "BITX", SideBuy, 100)

	state, err := p.OrderStatus(ctx, PaperAccountID, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, state.Status)
	assert.Equal(t, int64(100), state.FilledQty)
	assert.InDelta(t, 10.002, state.AvgPrice, 0.0001) // +0.02% slippage

	cash, err := p.CashAvailable(ctx, PaperAccountID)
	require.NoError(t, err)
	assert.InDelta(t, 10000-1000.20, cash, 0.01)
}

// TestPaperSellReceivesLess tests sell-side slippage and cash credit
func TestPaperSellReceivesLess(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0.02)
	ctx := context.Background()

	placePaperOrder(t, p, "BITX", SideBuy, 100)
	ack := placePaperOrder(t, p, "BITX", SideSell, 100)

	state, err := p.OrderStatus(ctx, PaperAccountID, ack.OrderID)
	require.NoError(t, err)
	assert.InDelta(t, 9.998, state.AvgPrice, 0.0001) // -0.02% slippage

	rows, err := p.AccountPositions(ctx, PaperAccountID)
	require.NoError(t, err)
	assert.Empty(t, rows, "full sell removes the position")
}

// TestPaperInsufficientCapital tests the buy-side capital guard
func TestPaperInsufficientCapital(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 500, 0)
	ctx := context.Background()

	preview, err := p.PreviewOrder(ctx, PaperAccountID, "BITX", SideBuy, 100, TypeMarket, 0)
	require.NoError(t, err)
	_, err = p.PlaceOrder(ctx, PaperAccountID, "BITX", SideBuy, 100, TypeMarket, preview.PreviewID, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient capital")

	cash, err := p.CashAvailable(ctx, PaperAccountID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, cash, "rejected order leaves cash untouched")
}

// TestPaperInsufficientShares tests the sell-side position guard
func TestPaperInsufficientShares(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0)

	preview, err := p.PreviewOrder(context.Background(), PaperAccountID, "BITX", SideSell, 10, TypeMarket, 0)
	require.NoError(t, err)
	_, err = p.PlaceOrder(context.Background(), PaperAccountID, "BITX", SideSell, 10, TypeMarket, preview.PreviewID, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient shares")
}

// TestPaperUnknownPreviewRejected tests the preview-then-place contract
func TestPaperUnknownPreviewRejected(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0)

	_, err := p.PlaceOrder(context.Background(), PaperAccountID, "BITX", SideBuy, 10, TypeMarket, "bogus-preview", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown preview")
}

// TestPaperAveragesIntoPosition tests entry-price averaging on repeat buys
func TestPaperAveragesIntoPosition(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0)
	ctx := context.Background()

	placePaperOrder(t, p, "BITX", SideBuy, 100)
	quotes["BITX"] = 12.00
	placePaperOrder(t, p, "BITX", SideBuy, 50)

	rows, err := p.AccountPositions(ctx, PaperAccountID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 150.0, rows[0].Quantity)
	// (100*10 + 50*12) / 150
	assert.InDelta(t, 10.6667, rows[0].PricePaid, 0.001)
}

// TestPaperPartialSellKeepsResidual tests residual share tracking
func TestPaperPartialSellKeepsResidual(t *testing.T) {
	quotes := fixedQuotes{"BITX": 10.00}
	p := NewPaper(quotes, 10000, 0)

	placePaperOrder(t, p, "BITX", SideBuy, 100)
	placePaperOrder(t, p, "BITX", SideSell, 40)

	rows, err := p.AccountPositions(context.Background(), PaperAccountID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 60.0, rows[0].Quantity)
}

// TestPaperNoQuoteFails tests behavior when the quote source is dark
func TestPaperNoQuoteFails(t *testing.T) {
	p := NewPaper(fixedQuotes{}, 10000, 0)

	_, err := p.PreviewOrder(context.Background(), PaperAccountID, "BITX", SideBuy, 10, TypeMarket, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no quote available")
}

// TestPaperAuthSurface tests the always-authenticated no-op surface
func TestPaperAuthSurface(t *testing.T) {
	p := NewPaper(fixedQuotes{}, 10000, 0)
	ctx := context.Background()

	assert.True(t, p.IsAuthenticated(ctx))
	assert.NoError(t, p.EnsureAuthenticated(ctx))
	assert.NoError(t, p.RenewToken(ctx))

	accounts, err := p.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, PaperAccountID, accounts[0].IDKey)
}
