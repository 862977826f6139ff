package marketdata

import (
	"context"
	"fmt"
	"time"
)

// BrokerQuoter is the slice of the broker gateway the provider needs.
// The broker's quote feed is real-time and is tried first when the
// gateway is authenticated.
type BrokerQuoter interface {
	IsAuthenticated(ctx context.Context) bool
	BrokerQuote(ctx context.Context, symbol string) (*Quote, error)
}

// BrokerProvider adapts the broker gateway's quote feed to the Provider
// interface. Historical bars are not served by the brokerage; the gateway
// falls through to the chart provider for those.
type BrokerProvider struct {
	quoter BrokerQuoter
}

// NewBrokerProvider creates a provider backed by the broker quote feed
func NewBrokerProvider(quoter BrokerQuoter) *BrokerProvider {
	return &BrokerProvider{quoter: quoter}
}

// Name returns the provider name
func (p *BrokerProvider) Name() string { return "broker" }

// IsAvailable reports whether the broker session is usable
func (p *BrokerProvider) IsAvailable(ctx context.Context) bool {
	return p.quoter != nil && p.quoter.IsAuthenticated(ctx)
}

// Quote returns the broker's real-time quote
func (p *BrokerProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	quote, err := p.quoter.BrokerQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("broker quote failed: %w", err)
	}
	quote.Source = p.Name()
	quote.IsRealtime = true
	if quote.Timestamp.IsZero() {
		quote.Timestamp = time.Now()
	}
	return quote, nil
}

// HistoricalBars is unsupported on the broker feed
func (p *BrokerProvider) HistoricalBars(ctx context.Context, symbol string, from, to time.Time, timeframe Timeframe) ([]Bar, error) {
	return nil, fmt.Errorf("broker provider does not serve historical bars")
}
