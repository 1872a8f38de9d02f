// Package market provides tick ingestion for the execution core: normalized
// tick records from the feed adapter fan out to per-symbol processing lanes.
package market

import (
	"time"
)

// BookLevel is a single orderbook level carried on a tick.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Tick is an immutable normalized market update for one symbol. Ticks are
// produced by the feed adapter and discarded after fan-out; the core never
// persists them.
type Tick struct {
	Symbol    string      `json:"symbol"`
	Timestamp time.Time   `json:"timestamp"`
	Price     float64     `json:"price"`
	Volume    float64     `json:"volume"`
	BestBid   []BookLevel `json:"best_bid,omitempty"`
	BestAsk   []BookLevel `json:"best_ask,omitempty"`
}
