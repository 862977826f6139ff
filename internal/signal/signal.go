// Package signal classifies the current trading day into one of a closed
// set of actionable signals. The engine is position-aware and fires each
// intraday signal at most once per local day.
package signal

import "fmt"

// Kind is the closed set of day classifications
type Kind string

const (
	KindCash          Kind = "cash"
	KindMeanReversion Kind = "mean_reversion"
	KindShortThursday Kind = "short_thursday"
	KindCrashDay      Kind = "crash_day"
	KindPumpDay       Kind = "pump_day"
	KindTenAMDump     Kind = "ten_am_dump"
	KindHold          Kind = "hold"
	KindCloseLong     Kind = "close_long"
	KindCloseShort    Kind = "close_short"
)

// PositionAction tells the executor how the signal interacts with
// current holdings
type PositionAction string

const (
	ActionNone   PositionAction = "NONE"   // straight open
	ActionHold   PositionAction = "HOLD"   // target already held
	ActionClose  PositionAction = "CLOSE"  // close held, then open target
	ActionSwitch PositionAction = "SWITCH" // close opposite polarity, then open
)

// Signal is one classification of the trading day
type Signal struct {
	Kind          Kind           `json:"kind"`
	Symbol        string         `json:"symbol"` // target instrument, "" for cash
	Reason        string         `json:"reason"`
	PrevDayReturn *float64       `json:"prev_day_return,omitempty"` // percent
	IntradayMove  *float64       `json:"intraday_move,omitempty"`   // percent
	Action        PositionAction `json:"action"`
}

// ShouldTrade reports whether the signal calls for an order
func (s *Signal) ShouldTrade() bool {
	return s.Kind != KindCash && s.Kind != KindHold
}

// String renders the signal for logs and notifications
func (s *Signal) String() string {
	if s.Symbol == "" {
		return fmt.Sprintf("%s (%s)", s.Kind, s.Reason)
	}
	return fmt.Sprintf("%s -> %s (%s)", s.Kind, s.Symbol, s.Reason)
}

// Cash builds the no-trade signal with the given reason
func Cash(reason string) *Signal {
	return &Signal{Kind: KindCash, Reason: reason, Action: ActionNone}
}
