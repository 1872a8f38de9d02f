// Package session wires the trading core together: ticks flow from the
// ingest lanes through the indicator engine and signal evaluator into the
// per-symbol state machines, whose transitions drive order submission and
// whose positions are watched by the reconciler.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-core/internal/clock"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/indicator"
	"trading-core/internal/lifecycle"
	"trading-core/internal/market"
	"trading-core/internal/orders"
	"trading-core/internal/position"
	"trading-core/internal/signal"
)

// instance is the per-symbol trading state. Its mutex guards the order
// bookkeeping; lifecycle transitions are serialized by the state machine's
// own lock.
type instance struct {
	symbol string
	fsm    *lifecycle.StateMachine

	mu              sync.Mutex
	lastPrice       float64
	entryPending    bool   // entry submission goroutine in flight
	entryOrderID    string // set once the entry order is accepted
	exitPending     bool
	exitOrderID     string
	cancelRequested bool // cancel group fired while submission was in flight
}

// Session runs one strategy across its symbols. One conceptual lane per
// symbol: ticks for a symbol are processed in arrival order, and indicator
// updates complete before the evaluation that uses them.
type Session struct {
	id       string
	strategy *Strategy

	ingest *market.Ingest
	engine *indicator.Engine
	eval   *signal.Evaluator
	orders *orders.Manager
	recon  *position.Reconciler
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
	running   bool
}

// New creates a session for the strategy. All collaborators are required
// except the bus.
func New(strategy *Strategy, ingest *market.Ingest, engine *indicator.Engine,
	orderMgr *orders.Manager, recon *position.Reconciler, bus *events.Bus,
	clk clock.Clock, logger zerolog.Logger) (*Session, error) {

	if strategy == nil {
		return nil, fmt.Errorf("session: strategy is required")
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if ingest == nil || engine == nil || orderMgr == nil || recon == nil {
		return nil, fmt.Errorf("session: ingest, engine, order manager and reconciler are required")
	}
	if clk == nil {
		clk = clock.NewReal()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		strategy:  strategy,
		ingest:    ingest,
		engine:    engine,
		eval:      signal.NewEvaluator(engine),
		orders:    orderMgr,
		recon:     recon,
		bus:       bus,
		clk:       clk,
		logger:    logger.With().Str("component", "session").Str("session_id", id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}, nil
}

// ID returns the generated session identifier.
func (s *Session) ID() string { return s.id }

// Start activates every strategy symbol: registers indicator variants,
// creates the state machine instances, hooks the fill and liquidation
// callbacks and opens the tick lanes.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session: already running")
	}

	for _, symbol := range s.strategy.Symbols {
		for _, v := range s.strategy.Variants {
			if _, err := s.engine.Register(symbol, v); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("session: register %s/%s: %w", symbol, v.ID, err)
			}
		}
		s.instances[symbol] = &instance{
			symbol: symbol,
			fsm:    lifecycle.New(s.id, symbol, s.strategy.ID, s.clk, s.bus, s.logger),
		}
	}
	s.running = true
	s.mu.Unlock()

	s.orders.OnFilled(s.handleFill)
	s.orders.OnTerminal(s.handleOrderTerminal)
	s.recon.SetSessionID(s.id)
	s.recon.OnLiquidation(s.handleLiquidation)
	s.ingest.RegisterHandler(s.handleTick)

	for _, symbol := range s.strategy.Symbols {
		if err := s.ingest.Activate(symbol); err != nil {
			return fmt.Errorf("session: activate %s: %w", symbol, err)
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventSessionStarted,
			SessionID: s.id,
			Timestamp: s.clk.Now(),
			Data: map[string]interface{}{
				"strategy_id": s.strategy.ID,
				"symbols":     s.strategy.Symbols,
			},
		})
	}
	s.logger.Info().Str("strategy_id", s.strategy.ID).
		Strs("symbols", s.strategy.Symbols).Msg("Session started")
	return nil
}

// Stop deactivates the symbols, evicts their indicator state and cancels
// in-flight work cooperatively.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	for _, symbol := range s.strategy.Symbols {
		if err := s.ingest.Deactivate(symbol); err == nil {
			s.engine.Deregister(symbol)
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventSessionStopped,
			SessionID: s.id,
			Timestamp: s.clk.Now(),
			Data:      map[string]interface{}{"strategy_id": s.strategy.ID},
		})
	}
	s.logger.Info().Msg("Session stopped")
}

// Instance returns the state machine for a symbol.
func (s *Session) Instance(symbol string) (*lifecycle.StateMachine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[symbol]
	if !ok {
		return nil, false
	}
	return inst.fsm, true
}

func (s *Session) instanceFor(symbol string) *instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[symbol]
}

// ============================================================================
// TICK PIPELINE
// ============================================================================

// handleTick runs on the symbol's ingest lane. The indicator update
// completes before evaluation, and ticks for one symbol never interleave.
func (s *Session) handleTick(tick market.Tick) {
	if _, err := s.engine.OnTick(tick); err != nil {
		// Rejection already logged and published by the engine; the symbol's
		// previous state is intact and other symbols are unaffected.
		return
	}

	inst := s.instanceFor(tick.Symbol)
	if inst == nil {
		return
	}

	inst.mu.Lock()
	inst.lastPrice = tick.Price
	inst.mu.Unlock()

	switch inst.fsm.Current() {
	case lifecycle.StateMonitoring:
		s.evaluateEntry(inst, tick)
	case lifecycle.StateSignalDetected:
		s.evaluateCancel(inst, tick)
	case lifecycle.StatePositionActive:
		s.evaluateExit(inst, tick)
	case lifecycle.StateCancelled, lifecycle.StateExited, lifecycle.StateLiquidated:
		s.maybeRearm(inst)
	case lifecycle.StateError:
		// Requires external intervention, nothing to evaluate.
	}
}

func (s *Session) evaluateEntry(inst *instance, tick market.Tick) {
	res := s.eval.Evaluate(inst.symbol, s.strategy.Entry)
	if !res.AllMet {
		return
	}

	trigger := fmt.Sprintf("entry group %s met", s.strategy.Entry.Name)
	applied, err := inst.fsm.TransitionIfCurrentAt(
		lifecycle.StateMonitoring, lifecycle.StateSignalDetected, trigger, tick.Timestamp)
	if err != nil || !applied {
		return
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventSignalDetected,
			SessionID: s.id,
			Symbol:    inst.symbol,
			Timestamp: tick.Timestamp,
			Data: map[string]interface{}{
				"group": s.strategy.Entry.Name,
				"price": tick.Price,
			},
		})
	}

	inst.mu.Lock()
	inst.entryPending = true
	inst.cancelRequested = false
	inst.mu.Unlock()
	go s.submitEntry(inst, tick.Price)
}

func (s *Session) evaluateCancel(inst *instance, tick market.Tick) {
	if s.strategy.Cancel == nil {
		return
	}
	res := s.eval.Evaluate(inst.symbol, *s.strategy.Cancel)
	if !res.AllMet {
		return
	}

	inst.mu.Lock()
	pending := inst.entryPending
	orderID := inst.entryOrderID
	if pending {
		inst.cancelRequested = true
	}
	inst.mu.Unlock()

	trigger := fmt.Sprintf("cancel group %s met", s.strategy.Cancel.Name)
	switch {
	case pending:
		// The submission goroutine observes cancelRequested when it returns.
	case orderID == "":
		// No order was ever submitted: straight back to monitoring.
		inst.fsm.TransitionIfCurrentAt(
			lifecycle.StateSignalDetected, lifecycle.StateMonitoring, trigger, tick.Timestamp)
	default:
		go s.cancelEntry(inst, orderID, trigger)
	}
}

func (s *Session) evaluateExit(inst *instance, tick market.Tick) {
	res := s.eval.Evaluate(inst.symbol, s.strategy.Exit)
	if !res.AllMet {
		return
	}

	inst.mu.Lock()
	if inst.exitPending || inst.exitOrderID != "" {
		inst.mu.Unlock()
		return
	}
	inst.exitPending = true
	inst.mu.Unlock()

	go s.submitExit(inst, tick.Price)
}

// maybeRearm returns a finished cycle to MONITORING after the cooldown.
func (s *Session) maybeRearm(inst *instance) {
	if s.clk.Now().Sub(inst.fsm.EnteredAt()) < s.strategy.Cooldown {
		return
	}
	from := inst.fsm.Current()
	applied, _ := inst.fsm.TransitionIfCurrent(from, lifecycle.StateMonitoring, "cooldown elapsed")
	if applied {
		inst.mu.Lock()
		inst.entryOrderID = ""
		inst.exitOrderID = ""
		inst.cancelRequested = false
		inst.mu.Unlock()
	}
}

// ============================================================================
// ORDER FLOW
// ============================================================================

func (s *Session) submitEntry(inst *instance, refPrice float64) {
	req := exchange.OrderRequest{
		Symbol:   inst.symbol,
		Side:     s.strategy.Side,
		Type:     s.strategy.OrderType,
		Quantity: s.strategy.Quantity,
	}
	if req.Type == exchange.TypeLimit {
		req.Price = refPrice
	}

	order, err := s.orders.Submit(s.ctx, s.id, req, refPrice)

	inst.mu.Lock()
	inst.entryPending = false
	cancelRequested := inst.cancelRequested
	if err == nil {
		inst.entryOrderID = order.OrderID
	}
	inst.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", inst.symbol).Msg("Entry order not placed")
		inst.fsm.TransitionIfCurrent(
			lifecycle.StateSignalDetected, lifecycle.StateCancelled,
			fmt.Sprintf("entry order failed: %v", err))
		return
	}
	if cancelRequested {
		go s.cancelEntry(inst, order.OrderID, "cancel group met during submission")
	}
}

func (s *Session) cancelEntry(inst *instance, orderID, trigger string) {
	if err := s.orders.Cancel(s.ctx, orderID); err != nil {
		// Too late to cancel; the fill callback will take it from here.
		s.logger.Warn().Err(err).Str("order_id", orderID).Msg("Entry cancel failed")
		return
	}
	inst.fsm.TransitionIfCurrent(
		lifecycle.StateSignalDetected, lifecycle.StateCancelled, trigger)
}

func (s *Session) submitExit(inst *instance, refPrice float64) {
	qty := s.strategy.Quantity
	if pos, ok := s.recon.Get(inst.symbol); ok && pos.Status == position.StatusOpen {
		qty = pos.Quantity
	}

	req := exchange.OrderRequest{
		Symbol:   inst.symbol,
		Side:     s.strategy.closeSide(),
		Type:     s.strategy.OrderType,
		Quantity: qty,
	}
	if req.Type == exchange.TypeLimit {
		req.Price = refPrice
	}

	order, err := s.orders.Submit(s.ctx, s.id, req, refPrice)

	inst.mu.Lock()
	inst.exitPending = false
	if err == nil {
		inst.exitOrderID = order.OrderID
	}
	inst.mu.Unlock()

	if err != nil {
		// Position stays active; the exit group will fire again on a later
		// tick and the reconciler keeps watching the position meanwhile.
		s.logger.Error().Err(err).Str("symbol", inst.symbol).Msg("Exit order not placed")
	}
}

// handleFill runs on the order manager's poll goroutine. A fill for an
// order this session does not know is a consistency error: the instance is
// parked in ERROR for external intervention, never guessed around.
func (s *Session) handleFill(order *orders.Order) {
	if order.SessionID != s.id {
		return
	}

	inst := s.instanceFor(order.Symbol)
	if inst == nil {
		s.consistencyError(order.Symbol, nil,
			fmt.Sprintf("fill for unknown symbol %s (order %s)", order.Symbol, order.OrderID))
		return
	}

	inst.mu.Lock()
	isEntry := order.OrderID == inst.entryOrderID
	isExit := order.OrderID == inst.exitOrderID
	inst.mu.Unlock()

	switch {
	case isEntry:
		s.recon.RecordFill(order.Symbol, s.strategy.Side, order.FilledQty, order.AvgFillPrice)
		inst.fsm.TransitionIfCurrent(
			lifecycle.StateSignalDetected, lifecycle.StatePositionActive,
			fmt.Sprintf("entry order %s filled", order.OrderID))
	case isExit:
		s.recon.RecordFill(order.Symbol, s.strategy.closeSide(), order.FilledQty, order.AvgFillPrice)
		inst.fsm.TransitionIfCurrent(
			lifecycle.StatePositionActive, lifecycle.StateExited,
			fmt.Sprintf("exit order %s filled", order.OrderID))
	default:
		s.consistencyError(order.Symbol, inst,
			fmt.Sprintf("fill for unknown order %s", order.OrderID))
	}
}

// handleOrderTerminal runs on the order manager's poll goroutine when an
// accepted order ends cancelled, rejected or expired instead of filling.
// Clearing the stored order ids lets the cycle resolve: an entry that dies
// at the exchange cancels the signal, and an exit that dies re-arms
// evaluateExit so the next exit tick resubmits.
func (s *Session) handleOrderTerminal(order *orders.Order) {
	if order.SessionID != s.id {
		return
	}
	inst := s.instanceFor(order.Symbol)
	if inst == nil {
		return
	}

	inst.mu.Lock()
	isEntry := order.OrderID == inst.entryOrderID
	isExit := order.OrderID == inst.exitOrderID
	if isEntry {
		inst.entryOrderID = ""
	}
	if isExit {
		inst.exitOrderID = ""
		inst.exitPending = false
	}
	inst.mu.Unlock()

	switch {
	case isEntry:
		inst.fsm.TransitionIfCurrent(
			lifecycle.StateSignalDetected, lifecycle.StateCancelled,
			fmt.Sprintf("entry order %s terminated: %s", order.OrderID, order.Status))
	case isExit:
		s.logger.Warn().
			Str("symbol", order.Symbol).
			Str("order_id", order.OrderID).
			Str("status", string(order.Status)).
			Msg("Exit order terminated without a fill, will resubmit on the next exit signal")
	}
}

// handleLiquidation runs on the reconciler's goroutine.
func (s *Session) handleLiquidation(symbol string, pos position.LocalPosition) {
	inst := s.instanceFor(symbol)
	if inst == nil {
		return
	}
	applied, _ := inst.fsm.TransitionIfCurrent(
		lifecycle.StatePositionActive, lifecycle.StateLiquidated,
		"position vanished without a local close order")
	if applied {
		inst.mu.Lock()
		inst.exitOrderID = ""
		inst.exitPending = false
		inst.mu.Unlock()
	}
}

func (s *Session) consistencyError(symbol string, inst *instance, reason string) {
	s.logger.Error().Str("symbol", symbol).Str("reason", reason).
		Msg("Consistency error, flagging for manual intervention")
	if inst != nil {
		inst.fsm.MarkError(reason)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventConsistencyError,
			SessionID: s.id,
			Symbol:    symbol,
			Timestamp: s.clk.Now(),
			Data:      map[string]interface{}{"reason": reason},
		})
	}
}
