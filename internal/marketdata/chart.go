package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/config"
)

// ChartProvider pulls quotes and bars from a public chart-API endpoint
// (Yahoo-compatible JSON). Quotes are delayed, so IsRealtime is false and
// the signal engine degrades signals that need live prices.
type ChartProvider struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewChartProvider creates a chart-API provider
func NewChartProvider(baseURL string) *ChartProvider {
	return &ChartProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: config.NewLogger("marketdata.chart"),
	}
}

// Name returns the provider name
func (p *ChartProvider) Name() string { return "chart-api" }

// IsAvailable reports whether the provider is configured
func (p *ChartProvider) IsAvailable(ctx context.Context) bool {
	return p.baseURL != ""
}

// chartResponse mirrors the chart API JSON envelope
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (p *ChartProvider) fetch(ctx context.Context, symbol string, params url.Values) (*chartResponse, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", p.baseURL, url.PathEscape(symbol), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build chart request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "swingbot/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart API returned status %d", resp.StatusCode)
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chart response: %w", err)
	}

	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error %s: %s", parsed.Chart.Error.Code, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("chart API returned no result for %s", symbol)
	}

	return &parsed, nil
}

// Quote returns the latest delayed quote for symbol
func (p *ChartProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("interval", "1m")
	params.Set("range", "1d")

	parsed, err := p.fetch(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	result := parsed.Chart.Result[0]
	if result.Meta.RegularMarketPrice == 0 {
		return nil, fmt.Errorf("chart API returned zero price for %s", symbol)
	}

	quote := &Quote{
		Symbol:     symbol,
		Current:    result.Meta.RegularMarketPrice,
		Source:     p.Name(),
		IsRealtime: false,
		Timestamp:  time.Unix(result.Meta.RegularMarketTime, 0),
	}

	// Today's open/high/low come from the intraday series when present.
	if len(result.Indicators.Quote) > 0 {
		q := result.Indicators.Quote[0]
		for i := range q.Open {
			if q.Open[i] == 0 {
				continue
			}
			if quote.Open == 0 {
				quote.Open = q.Open[i]
			}
			if q.High[i] > quote.High {
				quote.High = q.High[i]
			}
			if quote.Low == 0 || (q.Low[i] > 0 && q.Low[i] < quote.Low) {
				quote.Low = q.Low[i]
			}
			quote.Volume += q.Volume[i]
		}
	}

	return quote, nil
}

var chartIntervals = map[Timeframe]string{
	Timeframe1Min:  "1m",
	Timeframe5Min:  "5m",
	Timeframe15Min: "15m",
	Timeframe1Hour: "1h",
	Timeframe1Day:  "1d",
}

// HistoricalBars returns OHLCV bars between from and to
func (p *ChartProvider) HistoricalBars(ctx context.Context, symbol string, from, to time.Time, timeframe Timeframe) ([]Bar, error) {
	interval, ok := chartIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	params := url.Values{}
	params.Set("interval", interval)
	params.Set("period1", fmt.Sprintf("%d", from.Unix()))
	params.Set("period2", fmt.Sprintf("%d", to.Unix()))

	parsed, err := p.fetch(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("chart API returned no bars for %s", symbol)
	}

	series := result.Indicators.Quote[0]
	bars := make([]Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(series.Close) || series.Close[i] == 0 {
			continue
		}
		bars = append(bars, Bar{
			Date:   time.Unix(ts, 0),
			Open:   series.Open[i],
			High:   series.High[i],
			Low:    series.Low[i],
			Close:  series.Close[i],
			Volume: series.Volume[i],
		})
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("chart API returned empty bar series for %s", symbol)
	}

	return bars, nil
}
