package broker

import (
	"context"

	"github.com/quantro/swingbot/internal/marketdata"
)

// Gateway is the broker surface the executor consumes. Live and Paper
// both implement it; the executor never branches on the concrete type.
type Gateway interface {
	// IsAuthenticated actively tests the session by attempting a read
	IsAuthenticated(ctx context.Context) bool

	// EnsureAuthenticated proactively renews the token; safe to call
	// before each preview+place sequence
	EnsureAuthenticated(ctx context.Context) error

	// RenewToken forces a token renewal
	RenewToken(ctx context.Context) error

	ListAccounts(ctx context.Context) ([]Account, error)
	CashAvailable(ctx context.Context, accountID string) (float64, error)
	AccountPositions(ctx context.Context, accountID string) ([]PositionRow, error)

	// BrokerQuote returns the broker's real-time quote for a symbol
	BrokerQuote(ctx context.Context, symbol string) (*marketdata.Quote, error)

	PreviewOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, limitPrice float64) (*Preview, error)
	PlaceOrder(ctx context.Context, accountID, symbol string, side OrderSide, qty int64, orderType OrderType, previewID string, limitPrice float64) (*OrderAck, error)
	OrderStatus(ctx context.Context, accountID, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (bool, error)
}
