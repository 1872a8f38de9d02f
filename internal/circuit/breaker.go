package circuit

import (
	"fmt"
	"sync"
	"time"

	"trading-core/internal/clock"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Exchange calls halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled             bool          `json:"enabled"`
	FailureThreshold    int           `json:"failure_threshold"` // consecutive failures before opening
	Cooldown            time.Duration `json:"cooldown"`          // open duration before half-open probe
	HalfOpenMaxProbes   int           `json:"half_open_max_probes"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// Breaker stops outbound exchange calls after a run of consecutive failures
// and lets a single probe through after the cooldown. A probe success closes
// the breaker; a probe failure reopens it.
type Breaker struct {
	config              *Config
	state               BreakerState
	consecutiveFailures int
	lastTripTime        time.Time
	tripReason          string
	probesInFlight      int
	mu                  sync.RWMutex
	clk                 clock.Clock
	onTrip              func(reason string)
	onReset             func()
}

// NewBreaker creates a new circuit breaker
func NewBreaker(config *Config, clk clock.Clock) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		clk:    clk,
	}
}

// OnTrip sets callback for when breaker trips
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow checks whether an exchange call may proceed. When the breaker is
// open the call is rejected immediately without any network activity.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, ""

	case StateOpen:
		elapsed := b.clk.Now().Sub(b.lastTripTime)
		if elapsed < b.config.Cooldown {
			remaining := b.config.Cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}
		// Cooldown passed, move to half-open and let a probe through.
		b.state = StateHalfOpen
		b.probesInFlight = 1
		return true, ""

	case StateHalfOpen:
		if b.probesInFlight >= b.config.HalfOpenMaxProbes {
			return false, "circuit breaker half-open, probe already in flight"
		}
		b.probesInFlight++
		return true, ""
	}

	return false, "circuit breaker in unknown state"
}

// RecordSuccess records a successful exchange call
func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	b.consecutiveFailures = 0
	recovered := b.state == StateHalfOpen
	if recovered {
		b.state = StateClosed
		b.probesInFlight = 0
		b.tripReason = ""
	}
	onReset := b.onReset
	b.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure records a failed exchange call and trips the breaker when
// the consecutive-failure threshold is reached. A failed half-open probe
// reopens immediately.
func (b *Breaker) RecordFailure(err error) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	b.consecutiveFailures++

	var reason string
	switch {
	case b.state == StateHalfOpen:
		reason = fmt.Sprintf("half-open probe failed: %v", err)
	case b.state == StateClosed && b.consecutiveFailures >= b.config.FailureThreshold:
		reason = fmt.Sprintf("consecutive exchange failures: %d (last: %v)", b.consecutiveFailures, err)
	}

	var onTrip func(string)
	if reason != "" {
		b.state = StateOpen
		b.lastTripTime = b.clk.Now()
		b.tripReason = reason
		b.probesInFlight = 0
		onTrip = b.onTrip
	}
	b.mu.Unlock()

	if onTrip != nil {
		go onTrip(reason)
	}
}

// ForceReset manually resets the circuit breaker
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probesInFlight = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// GetState returns current breaker state
func (b *Breaker) GetState() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStats returns current statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"trip_reason":          b.tripReason,
		"last_trip_time":       b.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (b *Breaker) IsEnabled() bool {
	return b.config.Enabled
}
