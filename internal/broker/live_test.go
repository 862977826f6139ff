package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/store"
)

var liveDBSeq atomic.Int64

func newLiveTestStore(t *testing.T) *store.Store {
	t.Helper()
	uri := fmt.Sprintf("file:live_test_%d?mode=memory&cache=shared", liveDBSeq.Add(1))
	s, err := store.Open(uri)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLiveGateway(t *testing.T, baseURL string, st *store.Store) *Live {
	t.Helper()
	l, err := NewLive(config.BrokerConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		AccountHandle:  "acct-1",
	}, st)
	require.NoError(t, err)
	l.retry = RetryConfig{MaxRetries: 1, InitialBackoff: 0, MaxBackoff: 0, BackoffFactor: 1}
	return l
}

// TestLiveLoadsPersistedToken tests token bootstrap from the store
func TestLiveLoadsPersistedToken(t *testing.T) {
	st := newLiveTestStore(t)
	require.NoError(t, st.PutToken(context.Background(), "broker", &store.Token{AccessToken: "persisted"}))

	l := newLiveGateway(t, "http://localhost:0", st)
	assert.Equal(t, "persisted", l.currentToken())
}

// TestLiveRenewToken tests renewal, persistence and idempotency
func TestLiveRenewToken(t *testing.T) {
	var renewals atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/renew_access_token", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		renewals.Add(1)
		fmt.Fprint(w, `{"accessToken": "fresh-token", "expiresIn": 7200}`)
	}))
	defer srv.Close()

	st := newLiveTestStore(t)
	require.NoError(t, st.PutToken(context.Background(), "broker", &store.Token{AccessToken: "stale"}))
	l := newLiveGateway(t, srv.URL, st)

	require.NoError(t, l.RenewToken(context.Background()))
	assert.Equal(t, "fresh-token", l.currentToken())
	assert.Equal(t, int64(1), renewals.Load())

	// Inside the idempotency window a second renewal is a no-op.
	require.NoError(t, l.RenewToken(context.Background()))
	assert.Equal(t, int64(1), renewals.Load())

	tok, err := st.GetToken(context.Background(), "broker")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "fresh-token", tok.AccessToken)
}

// TestLiveRenewsOnceOn401 tests the renew-once-retry-once contract
func TestLiveRenewsOnceOn401(t *testing.T) {
	var balanceCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/renew_access_token":
			fmt.Fprint(w, `{"accessToken": "renewed", "expiresIn": 7200}`)
		case "/v1/accounts/acct-1/balance":
			if balanceCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer renewed", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"cashAvailableForInvestment": 9500.25}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st := newLiveTestStore(t)
	require.NoError(t, st.PutToken(context.Background(), "broker", &store.Token{AccessToken: "expired"}))
	l := newLiveGateway(t, srv.URL, st)

	cash, err := l.CashAvailable(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 9500.25, cash)
	assert.Equal(t, int64(2), balanceCalls.Load())
}

// TestLiveBrokerQuote tests the real-time quote mapping
func TestLiveBrokerQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/market/quote/BITO", r.URL.Path)
		fmt.Fprint(w, `{"all": {"lastTrade": 25.43, "open": 25.10, "high": 25.60, "low": 25.00, "bid": 25.42, "ask": 25.44, "totalVolume": 120000}}`)
	}))
	defer srv.Close()

	st := newLiveTestStore(t)
	require.NoError(t, st.PutToken(context.Background(), "broker", &store.Token{AccessToken: "tok"}))
	l := newLiveGateway(t, srv.URL, st)

	q, err := l.BrokerQuote(context.Background(), "BITO")
	require.NoError(t, err)
	assert.Equal(t, 25.43, q.Current)
	assert.Equal(t, 25.10, q.Open)
	assert.True(t, q.IsRealtime, "broker quotes are real-time")
}

// TestLivePreviewThenPlace tests the two-step order flow
func TestLivePreviewThenPlace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/acct-1/orders/preview":
			fmt.Fprint(w, `{"previewId": "prev-77", "estimatedTotalAmount": 1000.20}`)
		case "/v1/accounts/acct-1/orders/place":
			fmt.Fprint(w, `{"orderId": "ord-42"}`)
		case "/v1/accounts/acct-1/orders/ord-42":
			fmt.Fprint(w, `{"status": "EXECUTED", "filledQuantity": 100, "averageExecutionPrice": 10.01}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st := newLiveTestStore(t)
	require.NoError(t, st.PutToken(context.Background(), "broker", &store.Token{AccessToken: "tok"}))
	l := newLiveGateway(t, srv.URL, st)
	ctx := context.Background()

	preview, err := l.PreviewOrder(ctx, "acct-1", "BITX", SideBuy, 100, TypeMarket, 0)
	require.NoError(t, err)
	assert.Equal(t, "prev-77", preview.PreviewID)
	assert.Equal(t, 1000.20, preview.EstimatedValue)

	ack, err := l.PlaceOrder(ctx, "acct-1", "BITX", SideBuy, 100, TypeMarket, preview.PreviewID, 0)
	require.NoError(t, err)
	assert.Equal(t, "ord-42", ack.OrderID)

	state, err := l.OrderStatus(ctx, "acct-1", "ord-42")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, state.Status)
	assert.Equal(t, int64(100), state.FilledQty)
	assert.Equal(t, 10.01, state.AvgPrice)
}

// TestLiveEnsureAuthenticatedWithoutToken tests the bootstrap guard
func TestLiveEnsureAuthenticatedWithoutToken(t *testing.T) {
	st := newLiveTestStore(t)
	l := newLiveGateway(t, "http://localhost:0", st)

	err := l.EnsureAuthenticated(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failure")
}

// TestOrderStatusHelpers tests the terminal and fill classifications
func TestOrderStatusHelpers(t *testing.T) {
	assert.True(t, StatusExecuted.Fill())
	assert.True(t, StatusFilled.Fill())
	assert.False(t, StatusPending.Fill())
	assert.False(t, StatusCancelled.Fill())

	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPending.Terminal())
}
