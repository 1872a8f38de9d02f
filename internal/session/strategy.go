package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"trading-core/internal/exchange"
	"trading-core/internal/indicator"
	"trading-core/internal/signal"
)

// Strategy is the immutable trading definition a session runs: which
// symbols to watch, which indicator variants to maintain, and the condition
// groups that drive the lifecycle. Loaded once at activation, never
// hot-reloaded mid-session.
type Strategy struct {
	ID       string              `json:"id"`
	Symbols  []string            `json:"symbols"`
	Variants []indicator.Variant `json:"variants"`

	// Entry fires MONITORING -> SIGNAL_DETECTED and submits the entry order.
	Entry signal.ConditionGroup `json:"entry"`
	// Cancel, when met in SIGNAL_DETECTED, abandons the signal. Optional.
	Cancel *signal.ConditionGroup `json:"cancel,omitempty"`
	// Exit fires the close order from POSITION_ACTIVE.
	Exit signal.ConditionGroup `json:"exit"`

	Side      exchange.Side      `json:"side"`
	OrderType exchange.OrderType `json:"order_type"`
	Quantity  float64            `json:"quantity"`

	// Cooldown before a finished cycle re-arms to MONITORING.
	Cooldown time.Duration `json:"cooldown"`
}

// UnmarshalJSON accepts the cooldown as a duration string ("30s").
func (s *Strategy) UnmarshalJSON(data []byte) error {
	type alias Strategy
	aux := struct {
		*alias
		Cooldown string `json:"cooldown"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Cooldown != "" {
		d, err := time.ParseDuration(aux.Cooldown)
		if err != nil {
			return fmt.Errorf("strategy %s: bad cooldown %q: %w", s.ID, aux.Cooldown, err)
		}
		s.Cooldown = d
	}
	return nil
}

// Validate checks the strategy definition at load time.
func (s Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("strategy: empty id")
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("strategy %s: no symbols", s.ID)
	}
	if len(s.Variants) == 0 {
		return fmt.Errorf("strategy %s: no indicator variants", s.ID)
	}
	variantIDs := make(map[string]bool, len(s.Variants))
	for _, v := range s.Variants {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
		if variantIDs[v.ID] {
			return fmt.Errorf("strategy %s: duplicate variant id %s", s.ID, v.ID)
		}
		variantIDs[v.ID] = true
	}

	groups := []*signal.ConditionGroup{&s.Entry, &s.Exit}
	if s.Cancel != nil {
		groups = append(groups, s.Cancel)
	}
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
		for _, c := range g.Conditions {
			if !variantIDs[c.VariantID] {
				return fmt.Errorf("strategy %s: group %s references unknown variant %s",
					s.ID, g.Name, c.VariantID)
			}
		}
	}

	if s.Side != exchange.SideBuy && s.Side != exchange.SideSell {
		return fmt.Errorf("strategy %s: bad side %q", s.ID, s.Side)
	}
	if s.OrderType != exchange.TypeMarket && s.OrderType != exchange.TypeLimit {
		return fmt.Errorf("strategy %s: bad order type %q", s.ID, s.OrderType)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy %s: quantity must be positive", s.ID)
	}
	if s.Cooldown < 0 {
		return fmt.Errorf("strategy %s: negative cooldown", s.ID)
	}
	return nil
}

// closeSide is the order side that reduces a position opened with s.Side.
func (s Strategy) closeSide() exchange.Side {
	if s.Side == exchange.SideBuy {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// LoadStrategy reads and validates a strategy definition from a JSON file.
func LoadStrategy(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse strategy file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
