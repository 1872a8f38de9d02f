// Package lifecycle owns the per-(session, symbol, strategy) trading state
// machine: detection, entry, exit and the liquidation feedback path.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/clock"
	"trading-core/internal/events"
)

// State is a lifecycle state of one trading instance.
type State string

const (
	StateMonitoring     State = "MONITORING"
	StateSignalDetected State = "SIGNAL_DETECTED"
	StatePositionActive State = "POSITION_ACTIVE"
	StateCancelled      State = "CANCELLED"
	StateExited         State = "EXITED"
	StateLiquidated     State = "LIQUIDATED"
	StateError          State = "ERROR"
)

// legalTransitions is the closed transition table. ERROR is reachable from
// every state via MarkError and is terminal: it requires external
// intervention, never an automatic exit.
var legalTransitions = map[State][]State{
	StateMonitoring:     {StateSignalDetected},
	StateSignalDetected: {StateMonitoring, StatePositionActive, StateCancelled},
	StatePositionActive: {StateExited, StateLiquidated},
	StateCancelled:      {StateMonitoring},
	StateExited:         {StateMonitoring},
	StateLiquidated:     {StateMonitoring},
	StateError:          {},
}

var ErrIllegalTransition = errors.New("illegal state transition")

// Transition is one entry of the audit trail.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
}

// StateMachine is one trading instance keyed by (session, symbol, strategy).
// A per-instance mutex serializes transition attempts so a tick-driven entry
// and a liquidation-driven forced exit can never race: exactly one wins and
// exactly one history entry is appended.
type StateMachine struct {
	mu         sync.Mutex
	sessionID  string
	symbol     string
	strategyID string
	current    State
	enteredAt  time.Time
	history    []Transition

	clk    clock.Clock
	bus    *events.Bus
	logger zerolog.Logger
}

// New creates a state machine starting in MONITORING.
func New(sessionID, symbol, strategyID string, clk clock.Clock, bus *events.Bus, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		sessionID:  sessionID,
		symbol:     symbol,
		strategyID: strategyID,
		current:    StateMonitoring,
		enteredAt:  clk.Now(),
		clk:        clk,
		bus:        bus,
		logger: logger.With().
			Str("component", "StateMachine").
			Str("symbol", symbol).
			Str("strategy_id", strategyID).
			Logger(),
	}
}

// Transition attempts to move to a new state. An illegal request is rejected
// with an error naming the current and requested states; state is untouched
// and nothing is appended to history.
func (m *StateMachine) Transition(to State, trigger string) error {
	return m.TransitionAt(to, trigger, m.clk.Now())
}

// TransitionAt is Transition with an explicit timestamp, used when the
// trigger carries its own time (e.g. the tick that fired an entry signal).
func (m *StateMachine) TransitionAt(to State, trigger string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.legalLocked(to) {
		return fmt.Errorf("%w: %s -> %s (instance %s/%s/%s)",
			ErrIllegalTransition, m.current, to, m.sessionID, m.symbol, m.strategyID)
	}
	m.applyLocked(to, trigger, at)
	return nil
}

// TransitionIfCurrent performs the transition only when the instance is
// still in the expected state, returning whether it applied. Used by
// asynchronous callers (fill callbacks, reconciler) whose trigger may have
// been outrun by another transition.
func (m *StateMachine) TransitionIfCurrent(expected, to State, trigger string) (bool, error) {
	return m.TransitionIfCurrentAt(expected, to, trigger, m.clk.Now())
}

// TransitionIfCurrentAt is TransitionIfCurrent with an explicit timestamp.
func (m *StateMachine) TransitionIfCurrentAt(expected, to State, trigger string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != expected {
		return false, nil
	}
	if !m.legalLocked(to) {
		return false, fmt.Errorf("%w: %s -> %s (instance %s/%s/%s)",
			ErrIllegalTransition, m.current, to, m.sessionID, m.symbol, m.strategyID)
	}
	m.applyLocked(to, trigger, at)
	return true, nil
}

// MarkError forces the instance into ERROR from any state. Used for
// unrecoverable inconsistencies; the instance stays there until external
// intervention.
func (m *StateMachine) MarkError(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == StateError {
		return
	}
	m.applyLocked(StateError, trigger, m.clk.Now())
}

func (m *StateMachine) legalLocked(to State) bool {
	for _, s := range legalTransitions[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *StateMachine) applyLocked(to State, trigger string, at time.Time) {
	from := m.current
	m.current = to
	m.enteredAt = at
	m.history = append(m.history, Transition{From: from, To: to, At: at, Trigger: trigger})

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", trigger).
		Msg("State transition")

	if m.bus != nil {
		m.bus.PublishStateTransition(m.sessionID, m.symbol, m.strategyID,
			string(from), string(to), trigger)
	}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// EnteredAt returns when the current state was entered.
func (m *StateMachine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// History returns a copy of the append-only transition history.
func (m *StateMachine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Symbol returns the instance's symbol.
func (m *StateMachine) Symbol() string { return m.symbol }

// StrategyID returns the instance's strategy ID.
func (m *StateMachine) StrategyID() string { return m.strategyID }
