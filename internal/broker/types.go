// Package broker talks to the brokerage: preview, place, poll and cancel
// orders; query cash and positions; renew the OAuth session. A paper
// implementation of the same surface backs paper mode.
package broker

// OrderSide represents buy or sell
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType represents market or limit order
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the broker-side state of an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Fill reports whether the status means the order traded
func (s OrderStatus) Fill() bool {
	return s == StatusExecuted || s == StatusFilled
}

// Account is one brokerage account
type Account struct {
	IDKey       string `json:"id_key"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

// PositionRow is one holding as reported by the broker
type PositionRow struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	PricePaid   float64 `json:"price_paid"`
	MarketValue float64 `json:"market_value"`
}

// Preview is the broker's cost estimate; its ID must accompany the
// subsequent place call
type Preview struct {
	PreviewID      string  `json:"preview_id"`
	EstimatedValue float64 `json:"estimated_value"`
}

// OrderAck acknowledges a placed order
type OrderAck struct {
	OrderID string `json:"order_id"`
}

// OrderState is a fill-poll snapshot of one order
type OrderState struct {
	Status    OrderStatus `json:"status"`
	FilledQty int64       `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
}
