// Package approval carries the human-in-the-loop order confirmation
// workflow and the out-of-band command surface. The executor blocks on
// RequestApproval before placing any non-emergency order.
package approval

import "context"

// Result is the outcome of one approval request
type Result string

const (
	Approved Result = "APPROVED"
	Rejected Result = "REJECTED"
	Timeout  Result = "TIMEOUT"
	// Error means the channel itself failed. The executor treats it
	// fail-secure in live mode and fail-open in paper mode.
	Error Result = "ERROR"
)

// TradeRequest describes the order awaiting confirmation
type TradeRequest struct {
	SignalKind    string
	Instrument    string
	Reason        string
	Shares        int64
	Price         float64
	PositionValue float64
	// ReversalWarning is set when approving also closes existing holdings
	ReversalWarning string
}

// Channel is the approval surface consumed by the executor and scheduler
type Channel interface {
	// RequestApproval blocks until the user decides, the timeout in ctx
	// elapses, or the channel fails.
	RequestApproval(ctx context.Context, req TradeRequest) Result

	SendMessage(ctx context.Context, text string) error

	NotifyTradeExecuted(ctx context.Context, instrument string, shares int64, price, totalValue float64, signalKind string, isPaper bool)
	NotifyPositionClosed(ctx context.Context, instrument string, shares int64, exitPrice, realizedPnL float64, isPaper bool)
	NotifyError(ctx context.Context, subject, detail string)
}

// Noop discards every notification and approves every request. Wired in
// when approval mode is auto_execute or no bot token is configured.
type Noop struct{}

func (Noop) RequestApproval(ctx context.Context, req TradeRequest) Result { return Approved }

func (Noop) SendMessage(ctx context.Context, text string) error { return nil }

func (Noop) NotifyTradeExecuted(ctx context.Context, instrument string, shares int64, price, totalValue float64, signalKind string, isPaper bool) {
}

func (Noop) NotifyPositionClosed(ctx context.Context, instrument string, shares int64, exitPrice, realizedPnL float64, isPaper bool) {
}

func (Noop) NotifyError(ctx context.Context, subject, detail string) {}
