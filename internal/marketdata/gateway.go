package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantro/swingbot/internal/config"
)

// Circuit breaker settings per provider. A provider that keeps failing is
// skipped for the open-timeout window instead of adding latency to every
// scheduler tick.
const (
	providerMinRequests  = 5
	providerFailureRatio = 0.6
	providerOpenTimeout  = 30 * time.Second
	providerCountWindow  = 10 * time.Second
)

// Gateway fans quote and bar requests out over an ordered provider list.
// The contract is deliberately soft: it never returns an error, a total
// failure yields nil and the signal engine degrades to CASH.
type Gateway struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	log       zerolog.Logger

	mu       sync.Mutex
	lastGood string // name of the last provider that answered
}

// NewGateway creates a gateway over providers in priority order
func NewGateway(providers ...Provider) *Gateway {
	g := &Gateway{
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		log:       config.NewLogger("marketdata"),
	}

	for _, p := range providers {
		g.breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     p.Name(),
			Interval: providerCountWindow,
			Timeout:  providerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= providerMinRequests && ratio >= providerFailureRatio
			},
		})
	}

	return g
}

// ordered returns the provider list with the last-successful provider first
func (g *Gateway) ordered() []Provider {
	g.mu.Lock()
	last := g.lastGood
	g.mu.Unlock()

	if last == "" {
		return g.providers
	}

	out := make([]Provider, 0, len(g.providers))
	for _, p := range g.providers {
		if p.Name() == last {
			out = append(out, p)
		}
	}
	for _, p := range g.providers {
		if p.Name() != last {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gateway) markGood(name string) {
	g.mu.Lock()
	g.lastGood = name
	g.mu.Unlock()
}

// GetQuote returns the current quote for symbol, or nil when every
// provider failed
func (g *Gateway) GetQuote(ctx context.Context, symbol string) *Quote {
	for _, p := range g.ordered() {
		if !p.IsAvailable(ctx) {
			continue
		}

		result, err := g.breakers[p.Name()].Execute(func() (interface{}, error) {
			return p.Quote(ctx, symbol)
		})
		if err != nil {
			g.log.Warn().
				Err(err).
				Str("provider", p.Name()).
				Str("symbol", symbol).
				Msg("Quote provider failed, falling through")
			continue
		}

		quote, ok := result.(*Quote)
		if !ok || quote == nil {
			continue
		}

		g.markGood(p.Name())
		return quote
	}

	g.log.Error().Str("symbol", symbol).Msg("All quote providers failed")
	return nil
}

// GetHistoricalBars returns OHLCV bars for symbol, or nil when every
// provider failed
func (g *Gateway) GetHistoricalBars(ctx context.Context, symbol string, from, to time.Time, timeframe Timeframe) []Bar {
	for _, p := range g.ordered() {
		if !p.IsAvailable(ctx) {
			continue
		}

		result, err := g.breakers[p.Name()].Execute(func() (interface{}, error) {
			return p.HistoricalBars(ctx, symbol, from, to, timeframe)
		})
		if err != nil {
			g.log.Warn().
				Err(err).
				Str("provider", p.Name()).
				Str("symbol", symbol).
				Msg("Bar provider failed, falling through")
			continue
		}

		bars, ok := result.([]Bar)
		if !ok || len(bars) == 0 {
			continue
		}

		g.markGood(p.Name())
		return bars
	}

	g.log.Error().Str("symbol", symbol).Msg("All bar providers failed")
	return nil
}
