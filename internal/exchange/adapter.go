// Package exchange defines the outbound contract toward the exchange
// adapter: order submission, cancellation, status queries and position
// fetches. The transport implementation lives outside the execution core;
// this package carries the interface, a scriptable mock for tests, and the
// credentials provider.
package exchange

import (
	"context"
	"errors"
)

// Side of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType supported by the adapter.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Exchange-reported order statuses.
const (
	WireStatusNew             = "NEW"
	WireStatusPartiallyFilled = "PARTIALLY_FILLED"
	WireStatusFilled          = "FILLED"
	WireStatusCanceled        = "CANCELED"
	WireStatusRejected        = "REJECTED"
	WireStatusExpired         = "EXPIRED"
)

var (
	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrUnavailable   = errors.New("exchange: unavailable")
)

// OrderRequest is an order submission toward the exchange.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"` // limit orders only
}

// OrderAck is the exchange's acceptance of a submission.
type OrderAck struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	Status          string `json:"status"`
}

// OrderStatus is the exchange-reported state of a tracked order.
type OrderStatus struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	FilledQty       float64 `json:"filled_qty"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
}

// Position is an exchange-reported position.
type Position struct {
	Symbol            string  `json:"symbol"`
	Side              Side    `json:"side"`
	Quantity          float64 `json:"quantity"`
	EntryPrice        float64 `json:"entry_price"`
	MarkPrice         float64 `json:"mark_price"`
	LiquidationPrice  float64 `json:"liquidation_price"`
	Margin            float64 `json:"margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	Equity            float64 `json:"equity"`
	Leverage          int     `json:"leverage"`
}

// Adapter is the outbound exchange contract. Every call takes a context and
// is expected to honor its deadline; the core always passes per-attempt
// timeouts.
type Adapter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderStatus, error)
	FetchPositions(ctx context.Context) ([]Position, error)
}
