// Package risk validates orders before submission: position sizing and
// budget caps. The gate is stateless; callers pass the current positions.
package risk

import (
	"fmt"
	"math"

	"trading-core/internal/exchange"
)

// Config holds risk gate configuration
type Config struct {
	MaxOrderNotional float64 `json:"max_order_notional"` // per-order cap in quote currency
	MaxOrderQuantity float64 `json:"max_order_quantity"` // per-order quantity cap
	MaxOpenPositions int     `json:"max_open_positions"` // concurrent position cap
	TotalBudget      float64 `json:"total_budget"`       // notional cap across all open positions
}

// Decision is the gate's verdict for one order.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Gate validates orders synchronously before they reach the exchange.
type Gate struct {
	config Config
}

// NewGate creates a risk gate
func NewGate(config Config) *Gate {
	return &Gate{config: config}
}

// Validate checks an order against sizing and budget caps given the current
// open positions. refPrice is the price used for notional checks on market
// orders; limit orders use their own price.
func (g *Gate) Validate(order exchange.OrderRequest, refPrice float64, positions []exchange.Position) Decision {
	if order.Quantity <= 0 || math.IsNaN(order.Quantity) || math.IsInf(order.Quantity, 0) {
		return rejected(fmt.Sprintf("invalid quantity %v", order.Quantity))
	}
	if g.config.MaxOrderQuantity > 0 && order.Quantity > g.config.MaxOrderQuantity {
		return rejected(fmt.Sprintf("quantity %.8f exceeds cap %.8f", order.Quantity, g.config.MaxOrderQuantity))
	}

	price := order.Price
	if price <= 0 {
		price = refPrice
	}
	notional := price * order.Quantity

	if g.config.MaxOrderNotional > 0 && notional > g.config.MaxOrderNotional {
		return rejected(fmt.Sprintf("notional %.2f exceeds per-order cap %.2f", notional, g.config.MaxOrderNotional))
	}

	// Orders that reduce an existing position never open a new slot.
	reducing := false
	openNotional := 0.0
	openCount := 0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		openCount++
		openNotional += p.MarkPrice * p.Quantity
		if p.Symbol == order.Symbol && p.Side != exchange.Side(order.Side) {
			reducing = true
		}
	}

	if !reducing {
		if g.config.MaxOpenPositions > 0 && openCount >= g.config.MaxOpenPositions {
			return rejected(fmt.Sprintf("max open positions reached (%d/%d)", openCount, g.config.MaxOpenPositions))
		}
		if g.config.TotalBudget > 0 && openNotional+notional > g.config.TotalBudget {
			return rejected(fmt.Sprintf("budget exceeded: %.2f + %.2f > %.2f", openNotional, notional, g.config.TotalBudget))
		}
	}

	return Decision{Approved: true}
}

func rejected(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}
