package circuit

import (
	"errors"
	"testing"
	"time"

	"trading-core/internal/clock"
)

func newTestBreaker() (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker(&Config{
		Enabled:           true,
		FailureThreshold:  3,
		Cooldown:          30 * time.Second,
		HalfOpenMaxProbes: 1,
	}, clk)
	return b, clk
}

// TestTripsAfterConsecutiveFailures verifies the breaker opens at the
// threshold and rejects calls while open.
func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()
	failure := errors.New("exchange timeout")

	for i := 0; i < 2; i++ {
		b.RecordFailure(failure)
		if allowed, _ := b.Allow(); !allowed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure(failure)
	if b.GetState() != StateOpen {
		t.Fatalf("expected open state, got %v", b.GetState())
	}
	allowed, reason := b.Allow()
	if allowed {
		t.Error("open breaker allowed a call")
	}
	if reason == "" {
		t.Error("open breaker gave no rejection reason")
	}
}

// TestSuccessResetsFailureCount verifies non-consecutive failures never trip.
func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()
	failure := errors.New("exchange timeout")

	for i := 0; i < 10; i++ {
		b.RecordFailure(failure)
		b.RecordFailure(failure)
		b.RecordSuccess()
	}
	if b.GetState() != StateClosed {
		t.Errorf("breaker tripped on non-consecutive failures: %v", b.GetState())
	}
}

// TestHalfOpenProbeAfterCooldown verifies exactly one probe is admitted
// after the cooldown, and that its outcome decides the next state.
func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker()
	failure := errors.New("exchange timeout")
	for i := 0; i < 3; i++ {
		b.RecordFailure(failure)
	}

	// Still inside the cooldown.
	clk.Advance(29 * time.Second)
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("breaker allowed a call before cooldown elapsed")
	}

	// After the cooldown a single probe goes through.
	clk.Advance(2 * time.Second)
	if allowed, _ := b.Allow(); !allowed {
		t.Fatal("breaker rejected the half-open probe")
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.GetState())
	}
	if allowed, _ := b.Allow(); allowed {
		t.Error("second call admitted while probe in flight")
	}

	// Probe success closes the breaker.
	b.RecordSuccess()
	if b.GetState() != StateClosed {
		t.Errorf("probe success did not close the breaker: %v", b.GetState())
	}
}

// TestFailedProbeReopens verifies a failed half-open probe reopens for a
// fresh cooldown.
func TestFailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker()
	failure := errors.New("exchange timeout")
	for i := 0; i < 3; i++ {
		b.RecordFailure(failure)
	}

	clk.Advance(31 * time.Second)
	if allowed, _ := b.Allow(); !allowed {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure(failure)

	if b.GetState() != StateOpen {
		t.Fatalf("failed probe did not reopen: %v", b.GetState())
	}
	if allowed, _ := b.Allow(); allowed {
		t.Error("reopened breaker allowed a call before the new cooldown")
	}
	clk.Advance(31 * time.Second)
	if allowed, _ := b.Allow(); !allowed {
		t.Error("breaker did not admit a probe after the second cooldown")
	}
}

// TestDisabledBreakerAlwaysAllows verifies the enabled flag bypasses all
// accounting.
func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBreaker(&Config{Enabled: false, FailureThreshold: 1, Cooldown: time.Second}, clk)

	b.RecordFailure(errors.New("ignored"))
	b.RecordFailure(errors.New("ignored"))
	if allowed, _ := b.Allow(); !allowed {
		t.Error("disabled breaker rejected a call")
	}
}

// TestForceReset verifies manual reset closes the breaker immediately.
func TestForceReset(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure(errors.New("exchange timeout"))
	}

	b.ForceReset()
	if b.GetState() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", b.GetState())
	}
	if allowed, _ := b.Allow(); !allowed {
		t.Error("reset breaker rejected a call")
	}
}

// TestTripCallback verifies the trip callback fires with the reason.
func TestTripCallback(t *testing.T) {
	b, _ := newTestBreaker()

	tripped := make(chan string, 1)
	b.OnTrip(func(reason string) { tripped <- reason })

	for i := 0; i < 3; i++ {
		b.RecordFailure(errors.New("exchange timeout"))
	}

	select {
	case reason := <-tripped:
		if reason == "" {
			t.Error("trip callback fired with empty reason")
		}
	case <-time.After(time.Second):
		t.Error("trip callback never fired")
	}
}
