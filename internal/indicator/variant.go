// Package indicator maintains incrementally updated indicator state per
// (symbol, variant). Updates cost O(1) amortized per tick regardless of
// history length; values are never derived by replaying historical ticks.
package indicator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies an indicator formula. The set is closed: every kind is
// dispatched through a switch in the engine so the update rules stay
// auditable in one place.
type Kind string

const (
	KindSMA        Kind = "sma"         // simple moving average over N ticks
	KindEMA        Kind = "ema"         // exponential moving average over N ticks
	KindRSI        Kind = "rsi"         // Wilder RSI over N tick-to-tick changes
	KindVelocity   Kind = "velocity"    // percent price change across a time window
	KindVolumeRate Kind = "volume_rate" // traded volume per second across a time window
)

// Variant is a parameterized instance of an indicator formula, e.g. a fast
// and a slow velocity window are two variants of KindVelocity.
type Variant struct {
	ID     string        `json:"id"`
	Kind   Kind          `json:"kind"`
	Period int           `json:"period,omitempty"` // tick count, for sma/ema/rsi
	Window time.Duration `json:"window,omitempty"` // time window, for velocity/volume_rate
}

var (
	ErrInvalidVariant = errors.New("invalid indicator variant")
)

// UnmarshalJSON accepts the window as a duration string ("5s").
func (v *Variant) UnmarshalJSON(data []byte) error {
	type alias Variant
	aux := struct {
		*alias
		Window string `json:"window,omitempty"`
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Window != "" {
		d, err := time.ParseDuration(aux.Window)
		if err != nil {
			return fmt.Errorf("%w: variant %s has bad window %q", ErrInvalidVariant, v.ID, aux.Window)
		}
		v.Window = d
	}
	return nil
}

// Validate checks the variant parameters for its kind.
func (v Variant) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidVariant)
	}
	switch v.Kind {
	case KindSMA, KindEMA:
		if v.Period < 2 {
			return fmt.Errorf("%w: %s requires period >= 2, got %d", ErrInvalidVariant, v.Kind, v.Period)
		}
	case KindRSI:
		if v.Period < 2 {
			return fmt.Errorf("%w: rsi requires period >= 2, got %d", ErrInvalidVariant, v.Period)
		}
	case KindVelocity, KindVolumeRate:
		if v.Window <= 0 {
			return fmt.Errorf("%w: %s requires a positive window", ErrInvalidVariant, v.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidVariant, v.Kind)
	}
	return nil
}
