package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/marketdata"
	"github.com/quantro/swingbot/internal/metrics"
	"github.com/quantro/swingbot/internal/store"
)

const (
	tokenName = "broker"

	// Renewals inside this window are treated as already done. Keeps
	// EnsureAuthenticated cheap when called before every preview+place.
	renewIdempotencyWindow = time.Minute
)

// Live is the HTTP brokerage gateway. OAuth renewal is serialized behind
// an internal mutex; callers only see EnsureAuthenticated.
type Live struct {
	cfg        config.BrokerConfig
	store      *store.Store
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	log        zerolog.Logger

	tokenMu     sync.Mutex
	accessToken string
	renewedAt   time.Time
}

// NewLive creates a live gateway, loading any persisted access token.
// The initial OAuth bootstrap happens out of band; the gateway only
// renews an existing token.
func NewLive(cfg config.BrokerConfig, st *store.Store) (*Live, error) {
	l := &Live{
		cfg:   cfg,
		store: st,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8), // broker allows ~4 req/s sustained
		retry:   DefaultRetryConfig(),
		log:     config.NewLogger("broker.live"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := st.GetToken(ctx, tokenName)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker token: %w", err)
	}
	if token != nil {
		l.accessToken = token.AccessToken
		l.log.Info().Msg("Loaded persisted broker access token")
	} else {
		l.log.Warn().Msg("No broker access token in store; OAuth bootstrap required before live trading")
	}

	return l, nil
}

// currentToken returns the access token under the token lock
func (l *Live) currentToken() string {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.accessToken
}

// IsAuthenticated actively tests the session with an account read
func (l *Live) IsAuthenticated(ctx context.Context) bool {
	if l.currentToken() == "" {
		return false
	}
	_, err := l.ListAccounts(ctx)
	return err == nil
}

// EnsureAuthenticated proactively renews the access token so a
// preview+place sequence cannot hit a mid-sequence expiry
func (l *Live) EnsureAuthenticated(ctx context.Context) error {
	if l.currentToken() == "" {
		return fmt.Errorf("auth failure: no access token (run the OAuth bootstrap)")
	}
	return l.RenewToken(ctx)
}

// renewResponse mirrors the broker's token renewal payload
type renewResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// RenewToken renews the OAuth access token. Idempotent: renewals within
// the idempotency window are no-ops.
func (l *Live) RenewToken(ctx context.Context) error {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()

	if time.Since(l.renewedAt) < renewIdempotencyWindow {
		return nil
	}

	endpoint := l.cfg.BaseURL + "/oauth/renew_access_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build renewal request: %w", err)
	}
	req.SetBasicAuth(l.cfg.ConsumerKey, l.cfg.ConsumerSecret)
	req.Header.Set("Authorization", "Bearer "+l.accessToken)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth failure: token renewal request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth failure: %w", newHTTPError(resp, string(body)))
	}

	var renewed renewResponse
	if err := json.Unmarshal(body, &renewed); err != nil {
		return fmt.Errorf("auth failure: failed to decode renewal response: %w", err)
	}
	if renewed.AccessToken != "" {
		l.accessToken = renewed.AccessToken
	}
	l.renewedAt = time.Now()

	expires := time.Now().Add(time.Duration(renewed.ExpiresIn) * time.Second)
	if err := l.store.PutToken(ctx, tokenName, &store.Token{
		AccessToken: l.accessToken,
		ExpiresAt:   expires,
	}); err != nil {
		l.log.Error().Err(err).Msg("Failed to persist renewed token")
	}

	l.store.LogEvent(ctx, store.LevelInfo, store.EventTokenRenewed, map[string]interface{}{
		"expires_at": expires.Format(time.RFC3339),
	})
	metrics.TokenRenewals.Inc()
	l.log.Info().Time("expires_at", expires).Msg("Broker access token renewed")

	return nil
}

// doJSON performs one authenticated JSON call with rate limiting, retry
// with backoff, and a single renew+retry on 401
func (l *Live) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	err := l.doJSONOnce(ctx, method, path, payload, out)
	if !IsAuthError(err) {
		return err
	}

	// 401: renew once and retry the same request exactly once.
	l.log.Warn().Str("path", path).Msg("Broker session expired, renewing token")
	l.tokenMu.Lock()
	l.renewedAt = time.Time{} // force a real renewal
	l.tokenMu.Unlock()
	if renewErr := l.RenewToken(ctx); renewErr != nil {
		return renewErr
	}
	return l.doJSONOnce(ctx, method, path, payload, out)
}

func (l *Live) doJSONOnce(ctx context.Context, method, path string, payload, out interface{}) error {
	return WithRetry(ctx, l.retry, func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, l.cfg.BaseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+l.currentToken())
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := l.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("broker error: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return newHTTPError(resp, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
}

// ListAccounts returns the brokerage accounts visible to the session
func (l *Live) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []struct {
			AccountIDKey string `json:"accountIdKey"`
			AccountDesc  string `json:"accountDesc"`
			AccountMode  string `json:"accountMode"`
		} `json:"accounts"`
	}
	if err := l.doJSON(ctx, http.MethodGet, "/v1/accounts/list", nil, &resp); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		accounts = append(accounts, Account{
			IDKey:       a.AccountIDKey,
			Description: a.AccountDesc,
			Mode:        a.AccountMode,
		})
	}
	return accounts, nil
}

// CashAvailable returns the cash available for investment
func (l *Live) CashAvailable(ctx context.Context, accountID string) (float64, error) {
	var resp struct {
		CashAvailableForInvestment float64 `json:"cashAvailableForInvestment"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/balance", url.PathEscape(accountID))
	if err := l.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.CashAvailableForInvestment, nil
}

// AccountPositions returns the broker-side holdings
func (l *Live) AccountPositions(ctx context.Context, accountID string) ([]PositionRow, error) {
	var resp struct {
		Positions []struct {
			Symbol      string  `json:"symbol"`
			Quantity    float64 `json:"quantity"`
			PricePaid   float64 `json:"pricePaid"`
			MarketValue float64 `json:"marketValue"`
		} `json:"positions"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/portfolio", url.PathEscape(accountID))
	if err := l.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	rows := make([]PositionRow, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		rows = append(rows, PositionRow{
			Symbol:      p.Symbol,
			Quantity:    p.Quantity,
			PricePaid:   p.PricePaid,
			MarketValue: p.MarketValue,
		})
	}
	return rows, nil
}

// BrokerQuote returns the broker's real-time quote
func (l *Live) BrokerQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	var resp struct {
		All struct {
			LastTrade   float64 `json:"lastTrade"`
			Open        float64 `json:"open"`
			High        float64 `json:"high"`
			Low         float64 `json:"low"`
			Bid         float64 `json:"bid"`
			Ask         float64 `json:"ask"`
			TotalVolume int64   `json:"totalVolume"`
		} `json:"all"`
	}
	path := fmt.Sprintf("/v1/market/quote/%s", url.PathEscape(symbol))
	if err := l.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.All.LastTrade == 0 {
		return nil, fmt.Errorf("broker returned zero price for %s", symbol)
	}

	return &marketdata.Quote{
		Symbol:     symbol,
		Current:    resp.All.LastTrade,
		Open:       resp.All.Open,
		High:       resp.All.High,
		Low:        resp.All.Low,
		Bid:        resp.All.Bid,
		Ask:        resp.All.Ask,
		Volume:     resp.All.TotalVolume,
		IsRealtime: true,
		Timestamp:  time.Now(),
	}, nil
}

// orderPayload is the request body for preview and place
type orderPayload struct {
	Symbol      string  `json:"symbol"`
	OrderAction string  `json:"orderAction"`
	Quantity    int64   `json:"quantity"`
	PriceType   string  `json:"priceType"`
	LimitPrice  float64 `json:"limitPrice,omitempty"`
	PreviewID   string  `json:"previewId,omitempty"`
}

// PreviewOrder asks the broker for a cost estimate; the returned preview
// handle must accompany the subsequent place call
func (l *Live) PreviewOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, limitPrice float64) (*Preview, error) {
	var resp struct {
		PreviewID            string  `json:"previewId"`
		EstimatedTotalAmount float64 `json:"estimatedTotalAmount"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders/preview", url.PathEscape(accountID))
	payload := orderPayload{
		Symbol:      symbol,
		OrderAction: string(side),
		Quantity:    qty,
		PriceType:   string(orderType),
		LimitPrice:  limitPrice,
	}
	if err := l.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	if resp.PreviewID == "" {
		return nil, fmt.Errorf("broker error: preview returned no preview ID")
	}

	return &Preview{
		PreviewID:      resp.PreviewID,
		EstimatedValue: resp.EstimatedTotalAmount,
	}, nil
}

// PlaceOrder places a previously previewed order
func (l *Live) PlaceOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, previewID string, limitPrice float64) (*OrderAck, error) {
	var resp struct {
		OrderID string `json:"orderId"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders/place", url.PathEscape(accountID))
	payload := orderPayload{
		Symbol:      symbol,
		OrderAction: string(side),
		Quantity:    qty,
		PriceType:   string(orderType),
		LimitPrice:  limitPrice,
		PreviewID:   previewID,
	}
	if err := l.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		return nil, fmt.Errorf("broker error: place returned no order ID")
	}

	l.log.Info().
		Str("order_id", resp.OrderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("quantity", qty).
		Msg("Order placed")

	return &OrderAck{OrderID: resp.OrderID}, nil
}

// OrderStatus polls the broker-side state of an order
func (l *Live) OrderStatus(ctx context.Context, accountID, orderID string) (*OrderState, error) {
	var resp struct {
		Status                string  `json:"status"`
		FilledQuantity        int64   `json:"filledQuantity"`
		AverageExecutionPrice float64 `json:"averageExecutionPrice"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", url.PathEscape(accountID), url.PathEscape(orderID))
	if err := l.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &OrderState{
		Status:    OrderStatus(resp.Status),
		FilledQty: resp.FilledQuantity,
		AvgPrice:  resp.AverageExecutionPrice,
	}, nil
}

// CancelOrder cancels an open order
func (l *Live) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s/cancel", url.PathEscape(accountID), url.PathEscape(orderID))
	if err := l.doJSON(ctx, http.MethodPut, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}
