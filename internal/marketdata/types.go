// Package marketdata returns current and historical prices for the ETF
// universe and the reference crypto pair, abstracting over multiple
// upstream providers with priority fallback.
package marketdata

import (
	"context"
	"time"
)

// Timeframe is a bar aggregation interval
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1Min"
	Timeframe5Min  Timeframe = "5Min"
	Timeframe15Min Timeframe = "15Min"
	Timeframe1Hour Timeframe = "1Hour"
	Timeframe1Day  Timeframe = "1Day"
)

// Quote is a point-in-time snapshot for one symbol
type Quote struct {
	Symbol     string    `json:"symbol"`
	Current    float64   `json:"current"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Volume     int64     `json:"volume"`
	Source     string    `json:"source"`
	IsRealtime bool      `json:"is_realtime"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bar is one OHLCV aggregation
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Provider is one upstream data source. Implementations return an error
// on failure; the gateway owns the fallback policy.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Quote(ctx context.Context, symbol string) (*Quote, error)
	HistoricalBars(ctx context.Context, symbol string, from, to time.Time, timeframe Timeframe) ([]Bar, error)
}
