// Package orders submits orders to the exchange with bounded retry and
// circuit-breaker gating, polls fill status, and tracks every order from
// creation to a terminal state.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-core/internal/circuit"
	"trading-core/internal/clock"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/risk"
)

// Status is the local lifecycle status of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Order tracks one submission through its lifecycle.
type Order struct {
	OrderID         string             `json:"order_id"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	SessionID       string             `json:"session_id"`
	Symbol          string             `json:"symbol"`
	Side            exchange.Side      `json:"side"`
	Type            exchange.OrderType `json:"type"`
	RequestedQty    float64            `json:"requested_qty"`
	FilledQty       float64            `json:"filled_qty"`
	AvgFillPrice    float64            `json:"avg_fill_price"`
	Price           float64            `json:"price,omitempty"`
	Status          Status             `json:"status"`
	RetryCount      int                `json:"retry_count"`
	FailReason      string             `json:"fail_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Errors for order management
var (
	ErrCapacityExceeded = errors.New("order capacity exceeded")
	ErrRiskRejected     = errors.New("order rejected by risk gate")
	ErrBreakerOpen      = errors.New("order rejected: circuit breaker open")
	ErrOrderNotFound    = errors.New("order not found")
	ErrWrongStatus      = errors.New("order in wrong status")
	ErrRetriesExhausted = errors.New("order submission retries exhausted")
)

// RiskGate is the synchronous validation contract called before every
// submission.
type RiskGate interface {
	Validate(order exchange.OrderRequest, refPrice float64, positions []exchange.Position) risk.Decision
}

// PositionsFunc supplies the current positions for risk validation.
type PositionsFunc func() []exchange.Position

// Config holds order manager configuration
type Config struct {
	MaxTracked     int           `json:"max_tracked"`      // bound on concurrently tracked orders
	MaxRetries     int           `json:"max_retries"`      // retries after the first failed attempt
	RetryBaseDelay time.Duration `json:"retry_base_delay"` // doubled per retry: 1s, 2s, 4s
	AttemptTimeout time.Duration `json:"attempt_timeout"`  // per network call, shorter than the first backoff step
	PollInterval   time.Duration `json:"poll_interval"`    // fill status polling cadence
	Retention      time.Duration `json:"retention"`        // terminal orders pruned after this
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxTracked:     1000,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		AttemptTimeout: 800 * time.Millisecond,
		PollInterval:   2 * time.Second,
		Retention:      10 * time.Minute,
	}
}

// Manager owns the tracked-order collection. Its lock is distinct from the
// state-machine locks and the position ledger lock; the three never nest.
type Manager struct {
	mu        sync.RWMutex
	config    Config
	adapter   exchange.Adapter
	gate      RiskGate
	breaker   *circuit.Breaker
	positions PositionsFunc
	mirror    Mirror
	bus       *events.Bus
	clk       clock.Clock
	logger    zerolog.Logger

	tracked      map[string]*Order // by local order ID
	byExchangeID map[string]string // exchange order ID -> local order ID
	onFilled     func(*Order)
	onTerminal   func(*Order)

	stopChan  chan struct{}
	doneChan  chan struct{}
	isRunning bool
}

// NewManager creates an order manager. All collaborators are mandatory;
// missing ones are a construction error rather than a nil check at every
// call site.
func NewManager(config Config, adapter exchange.Adapter, gate RiskGate, breaker *circuit.Breaker,
	positions PositionsFunc, mirror Mirror, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) (*Manager, error) {

	if adapter == nil {
		return nil, fmt.Errorf("orders: exchange adapter is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("orders: risk gate is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("orders: circuit breaker is required")
	}
	if positions == nil {
		return nil, fmt.Errorf("orders: positions source is required")
	}
	if mirror == nil {
		mirror = NopMirror{}
	}
	if config.MaxTracked <= 0 {
		config.MaxTracked = 1000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 800 * time.Millisecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.Retention <= 0 {
		config.Retention = 10 * time.Minute
	}

	return &Manager{
		config:       config,
		adapter:      adapter,
		gate:         gate,
		breaker:      breaker,
		positions:    positions,
		mirror:       mirror,
		bus:          bus,
		clk:          clk,
		logger:       logger.With().Str("component", "OrderManager").Logger(),
		tracked:      make(map[string]*Order),
		byExchangeID: make(map[string]string),
	}, nil
}

// OnFilled sets the callback invoked when a tracked order fills.
func (m *Manager) OnFilled(fn func(*Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = fn
}

// OnTerminal sets the callback invoked when an accepted order ends
// cancelled, rejected or expired at the exchange instead of filling.
// Runs on the polling goroutine.
func (m *Manager) OnTerminal(fn func(*Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Submit validates and submits an order, blocking through the retry
// schedule. The returned order carries the final submission outcome; fills
// arrive later through polling. refPrice is the last trade price, used for
// notional checks on market orders.
func (m *Manager) Submit(ctx context.Context, sessionID string, req exchange.OrderRequest, refPrice float64) (*Order, error) {
	order := &Order{
		OrderID:      uuid.NewString(),
		SessionID:    sessionID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		RequestedQty: req.Quantity,
		Price:        req.Price,
		Status:       StatusPending,
		CreatedAt:    m.clk.Now(),
		UpdatedAt:    m.clk.Now(),
	}
	req.ClientOrderID = order.OrderID

	// Capacity check before anything else: a full tracker rejects new work,
	// it never evicts in-flight orders.
	m.mu.Lock()
	if len(m.tracked) >= m.config.MaxTracked {
		m.mu.Unlock()
		m.publishOrderEvent(events.EventOrderRejected, order, map[string]interface{}{
			"reason": "capacity exceeded",
		})
		return nil, fmt.Errorf("%w: %d orders tracked", ErrCapacityExceeded, m.config.MaxTracked)
	}
	m.tracked[order.OrderID] = order
	m.mu.Unlock()

	// Risk gate runs synchronously before any exchange contact.
	decision := m.gate.Validate(req, refPrice, m.positions())
	if !decision.Approved {
		m.markFailed(order, fmt.Sprintf("risk gate: %s", decision.Reason))
		return order, fmt.Errorf("%w: %s", ErrRiskRejected, decision.Reason)
	}

	return m.submitWithRetry(ctx, order, req)
}

// submitWithRetry performs the exchange submission with bounded exponential
// backoff: up to MaxRetries retries at base, 2x, 4x delays. Exhaustion marks
// the order FAILED and emits an event; nothing is silently dropped.
func (m *Manager) submitWithRetry(ctx context.Context, order *Order, req exchange.OrderRequest) (*Order, error) {
	delay := m.config.RetryBaseDelay

	for {
		allowed, reason := m.breaker.Allow()
		if !allowed {
			m.markFailed(order, reason)
			return order, fmt.Errorf("%w: %s", ErrBreakerOpen, reason)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
		ack, err := m.adapter.SubmitOrder(attemptCtx, req)
		cancel()

		if err == nil {
			m.breaker.RecordSuccess()
			m.mu.Lock()
			order.ExchangeOrderID = ack.ExchangeOrderID
			order.Status = StatusSubmitted
			order.UpdatedAt = m.clk.Now()
			m.byExchangeID[ack.ExchangeOrderID] = order.OrderID
			snapshot := *order
			m.mu.Unlock()

			m.mirrorTrack(&snapshot)
			m.publishOrderEvent(events.EventOrderSubmitted, &snapshot, nil)
			m.logger.Info().
				Str("order_id", snapshot.OrderID).
				Str("exchange_order_id", snapshot.ExchangeOrderID).
				Str("symbol", snapshot.Symbol).
				Int("retry_count", snapshot.RetryCount).
				Msg("Order submitted")
			return order, nil
		}

		m.breaker.RecordFailure(err)

		m.mu.Lock()
		retries := order.RetryCount
		m.mu.Unlock()
		if retries >= m.config.MaxRetries {
			m.markFailed(order, fmt.Sprintf("retries exhausted: %v", err))
			return order, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		m.mu.Lock()
		order.RetryCount++
		order.UpdatedAt = m.clk.Now()
		m.mu.Unlock()

		m.publishOrderEvent(events.EventOrderRetrying, order, map[string]interface{}{
			"error":    err.Error(),
			"retry_in": delay.String(),
		})
		m.logger.Warn().
			Str("order_id", order.OrderID).
			Err(err).
			Dur("retry_in", delay).
			Int("retry_count", order.RetryCount).
			Msg("Order submission failed, retrying")

		if sleepErr := m.clk.Sleep(ctx, delay); sleepErr != nil {
			m.markFailed(order, fmt.Sprintf("cancelled during backoff: %v", sleepErr))
			return order, sleepErr
		}
		delay *= 2
	}
}

// Cancel requests cancellation of a tracked order.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.RLock()
	order, exists := m.tracked[orderID]
	m.mu.RUnlock()

	if !exists {
		return ErrOrderNotFound
	}

	m.mu.RLock()
	status := order.Status
	symbol := order.Symbol
	exchangeOrderID := order.ExchangeOrderID
	m.mu.RUnlock()
	if status != StatusSubmitted && status != StatusPartiallyFilled {
		return fmt.Errorf("%w: %s is %s", ErrWrongStatus, orderID, status)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
	err := m.adapter.CancelOrder(callCtx, symbol, exchangeOrderID)
	cancel()
	if err != nil {
		m.breaker.RecordFailure(err)
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	m.breaker.RecordSuccess()

	m.mu.Lock()
	order.Status = StatusCancelled
	order.UpdatedAt = m.clk.Now()
	snapshot := *order
	m.mu.Unlock()

	m.mirrorRemove(&snapshot)
	m.publishOrderEvent(events.EventOrderCancelled, &snapshot, nil)
	return nil
}

// Start launches the fill polling loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("order manager already running")
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.mu.Unlock()

	go m.pollLoop()
	return nil
}

// Stop halts polling cooperatively: the loop observes the stop signal
// between iterations and the last in-flight query completes or times out.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopChan)
	done := m.doneChan
	m.mu.Unlock()

	<-done
}

func (m *Manager) pollLoop() {
	defer close(m.doneChan)

	ticker := m.clk.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C():
			m.PollOnce(context.Background())
			m.pruneOnce()
		}
	}
}

// PollOnce queries the exchange for every in-flight order and applies
// status changes. Exposed so tests can drive polling without the loop.
func (m *Manager) PollOnce(ctx context.Context) {
	m.mu.RLock()
	inFlight := make([]*Order, 0)
	for _, o := range m.tracked {
		if o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled {
			inFlight = append(inFlight, o)
		}
	}
	m.mu.RUnlock()

	for _, order := range inFlight {
		callCtx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
		status, err := m.adapter.QueryOrder(callCtx, order.Symbol, order.ExchangeOrderID)
		cancel()

		if err != nil {
			m.breaker.RecordFailure(err)
			m.logger.Warn().
				Str("order_id", order.OrderID).
				Err(err).
				Msg("Order status poll failed")
			continue
		}
		m.breaker.RecordSuccess()
		m.applyWireStatus(order, status)
	}
}

func (m *Manager) applyWireStatus(order *Order, status *exchange.OrderStatus) {
	m.mu.Lock()
	if order.Status.Terminal() {
		// A concurrent Cancel won the race since this poll cycle started.
		m.mu.Unlock()
		return
	}
	switch status.Status {
	case exchange.WireStatusFilled:
		order.Status = StatusFilled
		order.FilledQty = status.FilledQty
		order.AvgFillPrice = status.AvgFillPrice
	case exchange.WireStatusPartiallyFilled:
		order.Status = StatusPartiallyFilled
		order.FilledQty = status.FilledQty
		order.AvgFillPrice = status.AvgFillPrice
	case exchange.WireStatusCanceled, exchange.WireStatusExpired:
		order.Status = StatusCancelled
	case exchange.WireStatusRejected:
		order.Status = StatusFailed
		order.FailReason = "rejected by exchange"
	}
	order.UpdatedAt = m.clk.Now()
	// Everything after the unlock works on a copy; Cancel can mutate the
	// tracked order concurrently with the poll loop.
	snapshot := *order
	onFilled := m.onFilled
	onTerminal := m.onTerminal
	m.mu.Unlock()

	switch snapshot.Status {
	case StatusFilled:
		m.mirrorRemove(&snapshot)
		m.publishOrderEvent(events.EventOrderFilled, &snapshot, map[string]interface{}{
			"filled_qty":     snapshot.FilledQty,
			"avg_fill_price": snapshot.AvgFillPrice,
		})
		if onFilled != nil {
			onFilled(&snapshot)
		}
	case StatusCancelled:
		m.mirrorRemove(&snapshot)
		m.publishOrderEvent(events.EventOrderCancelled, &snapshot, nil)
		if onTerminal != nil {
			onTerminal(&snapshot)
		}
	case StatusFailed:
		m.mirrorRemove(&snapshot)
		m.publishOrderEvent(events.EventOrderFailed, &snapshot, map[string]interface{}{
			"reason": snapshot.FailReason,
		})
		if onTerminal != nil {
			onTerminal(&snapshot)
		}
	}
}

// pruneOnce drops terminal orders older than the retention window.
func (m *Manager) pruneOnce() {
	cutoff := m.clk.Now().Add(-m.config.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.tracked {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(m.tracked, id)
			if o.ExchangeOrderID != "" {
				delete(m.byExchangeID, o.ExchangeOrderID)
			}
		}
	}
}

// GetOrder returns a copy of a tracked order.
func (m *Manager) GetOrder(orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, exists := m.tracked[orderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

// HasCompletedClose reports whether a filled order exists that reduces the
// given symbol (a SELL close for a long, a BUY close for a short) and
// completed at or after openedAt. The reconciler uses this to distinguish a
// local close from a liquidation; the openedAt bound keeps a retained close
// fill from an earlier position cycle from masking the next cycle's
// liquidation.
func (m *Manager) HasCompletedClose(symbol string, positionSide exchange.Side, openedAt time.Time) bool {
	closeSide := exchange.SideSell
	if positionSide == exchange.SideSell {
		closeSide = exchange.SideBuy
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.tracked {
		if o.Symbol == symbol && o.Side == closeSide && o.Status == StatusFilled &&
			!o.UpdatedAt.Before(openedAt) {
			return true
		}
	}
	return false
}

// TrackedCount returns the number of tracked orders.
func (m *Manager) TrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

func (m *Manager) markFailed(order *Order, reason string) {
	m.mu.Lock()
	order.Status = StatusFailed
	order.FailReason = reason
	order.UpdatedAt = m.clk.Now()
	snapshot := *order
	m.mu.Unlock()

	m.mirrorRemove(&snapshot)
	m.publishOrderEvent(events.EventOrderFailed, &snapshot, map[string]interface{}{
		"reason": reason,
	})
	m.logger.Error().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("Order failed")
}

func (m *Manager) mirrorTrack(order *Order) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.mirror.Track(ctx, order); err != nil {
		m.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Order mirror track failed")
	}
}

func (m *Manager) mirrorRemove(order *Order) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.mirror.Remove(ctx, order); err != nil {
		m.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Order mirror remove failed")
	}
}

// publishOrderEvent emits an order lifecycle event. Callers pass a private
// copy of the order, never the tracked instance.
func (m *Manager) publishOrderEvent(eventType events.EventType, order *Order, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.PublishOrderEvent(eventType, order.SessionID, order.Symbol, order.OrderID, string(order.Status), fields)
}
