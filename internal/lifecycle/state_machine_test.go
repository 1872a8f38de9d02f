package lifecycle

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/clock"
)

func newTestMachine() (*StateMachine, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := New("sess-1", "BTCUSDT", "strat-1", clk, nil, zerolog.Nop())
	return m, clk
}

// TestFullCycle walks the happy path through one complete trading cycle.
func TestFullCycle(t *testing.T) {
	m, _ := newTestMachine()

	steps := []struct {
		to      State
		trigger string
	}{
		{StateSignalDetected, "entry group S1 met"},
		{StatePositionActive, "entry order filled"},
		{StateExited, "exit order filled"},
		{StateMonitoring, "cooldown elapsed"},
	}
	for _, s := range steps {
		if err := m.Transition(s.to, s.trigger); err != nil {
			t.Fatalf("transition to %s failed: %v", s.to, err)
		}
		if m.Current() != s.to {
			t.Fatalf("expected state %s, got %s", s.to, m.Current())
		}
	}

	history := m.History()
	if len(history) != len(steps) {
		t.Fatalf("expected %d history entries, got %d", len(steps), len(history))
	}
	if history[0].From != StateMonitoring || history[0].To != StateSignalDetected {
		t.Errorf("first history entry wrong: %+v", history[0])
	}
	if history[0].Trigger != "entry group S1 met" {
		t.Errorf("trigger not recorded: %q", history[0].Trigger)
	}
}

// TestIllegalTransitionRejected verifies an illegal request is rejected with
// an error naming both states and mutates nothing.
func TestIllegalTransitionRejected(t *testing.T) {
	m, _ := newTestMachine()

	err := m.Transition(StateExited, "cannot happen")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), string(StateMonitoring)) ||
		!strings.Contains(err.Error(), string(StateExited)) {
		t.Errorf("error does not name current and requested states: %v", err)
	}
	if m.Current() != StateMonitoring {
		t.Errorf("illegal transition mutated state to %s", m.Current())
	}
	if len(m.History()) != 0 {
		t.Error("illegal transition appended to history")
	}
}

// TestCancelledPath covers SIGNAL_DETECTED -> CANCELLED -> MONITORING.
func TestCancelledPath(t *testing.T) {
	m, _ := newTestMachine()

	if err := m.Transition(StateSignalDetected, "entry group met"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := m.Transition(StateCancelled, "entry order failed"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := m.Transition(StateMonitoring, "cooldown elapsed"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
}

// TestLiquidatedPath covers the reconciler-driven forced exit.
func TestLiquidatedPath(t *testing.T) {
	m, _ := newTestMachine()

	m.Transition(StateSignalDetected, "entry group met")
	m.Transition(StatePositionActive, "entry order filled")
	if err := m.Transition(StateLiquidated, "position vanished"); err != nil {
		t.Fatalf("liquidation transition failed: %v", err)
	}
	if err := m.Transition(StateMonitoring, "cooldown elapsed"); err != nil {
		t.Fatalf("re-arm after liquidation failed: %v", err)
	}
}

// TestErrorStateIsTerminal verifies ERROR accepts no outbound transitions.
func TestErrorStateIsTerminal(t *testing.T) {
	m, _ := newTestMachine()

	m.MarkError("fill for unknown order")
	if m.Current() != StateError {
		t.Fatalf("expected ERROR, got %s", m.Current())
	}

	for _, to := range []State{StateMonitoring, StateSignalDetected, StatePositionActive} {
		if err := m.Transition(to, "should fail"); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("transition out of ERROR to %s not rejected: %v", to, err)
		}
	}

	// Marking again is a no-op, not a duplicate history entry.
	before := len(m.History())
	m.MarkError("again")
	if len(m.History()) != before {
		t.Error("repeated MarkError appended to history")
	}
}

// TestTransitionIfCurrentSkipsWhenOutrun verifies the conditional transition
// used by asynchronous callers.
func TestTransitionIfCurrentSkipsWhenOutrun(t *testing.T) {
	m, _ := newTestMachine()
	m.Transition(StateSignalDetected, "entry group met")

	applied, err := m.TransitionIfCurrent(StateMonitoring, StateSignalDetected, "late tick")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("conditional transition applied from the wrong state")
	}
	if len(m.History()) != 1 {
		t.Error("skipped transition appended to history")
	}
}

// TestTransitionAtRecordsTriggerTimestamp verifies the history carries the
// trigger's own timestamp, not the wall clock.
func TestTransitionAtRecordsTriggerTimestamp(t *testing.T) {
	m, _ := newTestMachine()

	tickTime := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	if err := m.TransitionAt(StateSignalDetected, "entry group met", tickTime); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	history := m.History()
	if !history[0].At.Equal(tickTime) {
		t.Errorf("history timestamp %v, want trigger time %v", history[0].At, tickTime)
	}
	if !m.EnteredAt().Equal(tickTime) {
		t.Errorf("EnteredAt %v, want %v", m.EnteredAt(), tickTime)
	}
}

// TestConcurrentTransitionsExactlyOneWins fires a tick-driven and a
// liquidation-driven transition simultaneously from POSITION_ACTIVE and
// asserts exactly one wins with exactly one new history entry.
func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	for i := 0; i < 100; i++ {
		m, _ := newTestMachine()
		m.Transition(StateSignalDetected, "entry group met")
		m.Transition(StatePositionActive, "entry order filled")
		base := len(m.History())

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make(chan bool, 2)

		race := func(to State, trigger string) {
			defer wg.Done()
			<-start
			applied, _ := m.TransitionIfCurrent(StatePositionActive, to, trigger)
			results <- applied
		}
		wg.Add(2)
		go race(StateExited, "exit order filled")
		go race(StateLiquidated, "position vanished")
		close(start)
		wg.Wait()
		close(results)

		wins := 0
		for applied := range results {
			if applied {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d: expected exactly one winner, got %d", i, wins)
		}
		if got := len(m.History()) - base; got != 1 {
			t.Fatalf("iteration %d: expected one new history entry, got %d", i, got)
		}
		if s := m.Current(); s != StateExited && s != StateLiquidated {
			t.Fatalf("iteration %d: unexpected final state %s", i, s)
		}
	}
}

// TestHistoryIsACopy verifies callers cannot rewrite the audit trail.
func TestHistoryIsACopy(t *testing.T) {
	m, _ := newTestMachine()
	m.Transition(StateSignalDetected, "entry group met")

	history := m.History()
	history[0].Trigger = "tampered"

	if m.History()[0].Trigger != "entry group met" {
		t.Error("history slice shares backing storage with the audit trail")
	}
}
