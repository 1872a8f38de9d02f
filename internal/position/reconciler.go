package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/clock"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
)

// ============================================================================
// TYPES
// ============================================================================

// Status of a locally tracked position.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
	StatusLiquidated Status = "LIQUIDATED"
)

// LocalPosition is the ledger entry the reconciler maintains per symbol.
// Created on first fill (or detected externally), updated on every
// reconciliation pass, marked CLOSED or LIQUIDATED when it leaves the book.
type LocalPosition struct {
	Symbol            string        `json:"symbol"`
	Side              exchange.Side `json:"side"`
	Quantity          float64       `json:"quantity"`
	EntryPrice        float64       `json:"entry_price"`
	MarkPrice         float64       `json:"mark_price"`
	LiquidationPrice  float64       `json:"liquidation_price"`
	Margin            float64       `json:"margin"`
	MaintenanceMargin float64       `json:"maintenance_margin"`
	Equity            float64       `json:"equity"`
	Leverage          int           `json:"leverage"`
	MarginRatio       float64       `json:"margin_ratio"`
	Status            Status        `json:"status"`
	Stale             bool          `json:"stale"`
	OpenedAt          time.Time     `json:"opened_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	marginWarned bool
}

// CloseChecker answers whether a completed local close order exists for a
// position opened at openedAt. Satisfied by the order manager; used to tell
// a normal close apart from a liquidation when the exchange stops reporting
// a position. The openedAt bound excludes closes from earlier cycles.
type CloseChecker interface {
	HasCompletedClose(symbol string, positionSide exchange.Side, openedAt time.Time) bool
}

// LiquidationFunc is invoked once per detected liquidation so the owning
// session can drive its state machine. Called outside the reconciler lock.
type LiquidationFunc func(symbol string, pos LocalPosition)

// Config holds reconciler configuration
type Config struct {
	Interval        time.Duration // time between reconciliation passes
	FetchTimeout    time.Duration // per-pass exchange fetch timeout
	FetchRetries    int           // retries within one pass on fetch failure
	FetchRetryDelay time.Duration // base backoff between fetch retries
	DegradedAfter   int           // consecutive failed passes before degraded
	MarginWarnRatio float64       // warn when equity/maintenance falls below this
}

// DefaultConfig returns reconciler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		FetchTimeout:    5 * time.Second,
		FetchRetries:    2,
		FetchRetryDelay: 500 * time.Millisecond,
		DegradedAfter:   3,
		MarginWarnRatio: 1.5,
	}
}

var ErrStopped = errors.New("position: reconciler stopped")

// ============================================================================
// RECONCILER
// ============================================================================

// Reconciler periodically fetches exchange positions, diffs them against the
// local ledger, detects liquidations and external opens, and recomputes
// margin ratios. It is the single writer of the LocalPosition set.
type Reconciler struct {
	config  Config
	adapter exchange.Adapter
	closes  CloseChecker
	snaps   Snapshotter
	bus     *events.Bus
	clk     clock.Clock
	logger  zerolog.Logger

	mu        sync.Mutex
	sessionID string
	ledger    map[string]*LocalPosition

	failures int
	degraded bool

	onLiquidation LiquidationFunc

	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
}

// NewReconciler creates a position reconciler. The snapshotter may be nil,
// in which case snapshots are discarded.
func NewReconciler(config Config, adapter exchange.Adapter, closes CloseChecker,
	snaps Snapshotter, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) (*Reconciler, error) {

	if adapter == nil {
		return nil, fmt.Errorf("position: exchange adapter is required")
	}
	if closes == nil {
		return nil, fmt.Errorf("position: close checker is required")
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if snaps == nil {
		snaps = NopSnapshotter{}
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = 3
	}

	return &Reconciler{
		config:   config,
		adapter:  adapter,
		closes:   closes,
		snaps:    snaps,
		bus:      bus,
		clk:      clk,
		logger:   logger.With().Str("component", "position_reconciler").Logger(),
		ledger:   make(map[string]*LocalPosition),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// SetSessionID tags emitted events with the owning session.
func (r *Reconciler) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// OnLiquidation registers the liquidation callback. Must be set before Start.
func (r *Reconciler) OnLiquidation(fn LiquidationFunc) {
	r.onLiquidation = fn
}

// Start launches the periodic reconciliation loop and restores any
// snapshotted ledger from a previous run.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("position: reconciler already running")
	}
	r.running = true
	r.mu.Unlock()

	r.restore(ctx)

	go r.loop()
	r.logger.Info().Dur("interval", r.config.Interval).Msg("Position reconciler started")
	return nil
}

// Stop terminates the loop cooperatively, letting an in-flight pass finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	<-r.doneChan
	r.logger.Info().Msg("Position reconciler stopped")
}

func (r *Reconciler) loop() {
	defer close(r.doneChan)

	ticker := r.clk.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), r.config.Interval)
			if err := r.ReconcileOnce(ctx); err != nil && !errors.Is(err, ErrStopped) {
				r.logger.Warn().Err(err).Msg("Reconciliation pass failed")
			}
			cancel()
		}
	}
}

// restore loads snapshotted positions so a restart does not forget open
// positions before the first reconciliation pass confirms them.
func (r *Reconciler) restore(ctx context.Context) {
	saved, err := r.snaps.Load(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Position snapshot restore failed")
		return
	}
	if len(saved) == 0 {
		return
	}

	r.mu.Lock()
	for _, pos := range saved {
		if pos.Status != StatusOpen {
			continue
		}
		p := *pos
		p.Stale = true // unconfirmed until the next pass
		r.ledger[p.Symbol] = &p
	}
	n := len(r.ledger)
	r.mu.Unlock()

	r.logger.Info().Int("positions", n).Msg("Restored position ledger from snapshot")
}

// ============================================================================
// RECONCILIATION PASS
// ============================================================================

// ReconcileOnce runs a single reconciliation pass. Exported so the session
// can force a pass and tests can drive the reconciler deterministically.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	reported, err := r.fetchPositions(ctx)
	if err != nil {
		r.recordFetchFailure(err)
		return err
	}
	r.recordFetchSuccess()

	bySymbol := make(map[string]exchange.Position, len(reported))
	for _, p := range reported {
		if p.Quantity == 0 {
			continue
		}
		bySymbol[p.Symbol] = p
	}

	type alert struct {
		symbol string
		reason string
		fields map[string]interface{}
	}
	var (
		alerts       []alert
		liquidations []LocalPosition
		sessionID    string
	)

	r.mu.Lock()
	sessionID = r.sessionID
	now := r.clk.Now()

	// Exchange-side positions: update matches, create external opens.
	for symbol, exch := range bySymbol {
		local, ok := r.ledger[symbol]
		if !ok || local.Status != StatusOpen {
			created := r.adoptLocked(exch, now)
			r.logger.Info().
				Str("symbol", symbol).
				Str("side", string(exch.Side)).
				Float64("quantity", exch.Quantity).
				Msg("Externally opened position detected")
			r.publish(events.EventPositionDetected, sessionID, created)
			continue
		}

		warned := r.updateLocked(local, exch, now)
		if warned {
			alerts = append(alerts, alert{
				symbol: symbol,
				reason: "margin_ratio below warning threshold",
				fields: map[string]interface{}{
					"margin_ratio": local.MarginRatio,
					"threshold":    r.config.MarginWarnRatio,
				},
			})
		}
		r.publish(events.EventPositionUpdate, sessionID, local)
	}

	// Local positions the exchange no longer reports: closed or liquidated.
	for symbol, local := range r.ledger {
		if local.Status != StatusOpen {
			continue
		}
		if _, still := bySymbol[symbol]; still {
			continue
		}

		if r.closes.HasCompletedClose(symbol, local.Side, local.OpenedAt) {
			local.Status = StatusClosed
			local.UpdatedAt = now
			r.logger.Info().Str("symbol", symbol).Msg("Position closed and confirmed off-exchange")
			r.publish(events.EventPositionClosed, sessionID, local)
			continue
		}

		// No local close order accounts for the disappearance.
		local.Status = StatusLiquidated
		local.UpdatedAt = now
		r.logger.Error().
			Str("symbol", symbol).
			Float64("quantity", local.Quantity).
			Float64("entry_price", local.EntryPrice).
			Msg("Position vanished without a local close order, classifying as liquidation")
		alerts = append(alerts, alert{
			symbol: symbol,
			reason: "position liquidated",
			fields: map[string]interface{}{
				"side":        string(local.Side),
				"quantity":    local.Quantity,
				"entry_price": local.EntryPrice,
			},
		})
		liquidations = append(liquidations, *local)
	}
	r.snapshotLocked(ctx)
	r.mu.Unlock()

	for _, a := range alerts {
		if r.bus != nil {
			r.bus.PublishRiskAlert(sessionID, a.symbol, a.reason, a.fields)
		}
	}
	if r.onLiquidation != nil {
		for _, pos := range liquidations {
			r.onLiquidation(pos.Symbol, pos)
		}
	}
	return nil
}

// adoptLocked creates a ledger entry from an exchange-reported position.
func (r *Reconciler) adoptLocked(exch exchange.Position, now time.Time) *LocalPosition {
	local := &LocalPosition{
		Symbol:   exch.Symbol,
		Side:     exch.Side,
		Status:   StatusOpen,
		OpenedAt: now,
	}
	r.applyExchangeFields(local, exch, now)
	r.ledger[exch.Symbol] = local
	return local
}

// updateLocked refreshes price and margin fields from the exchange snapshot
// and reports whether the margin ratio just crossed the warning threshold.
func (r *Reconciler) updateLocked(local *LocalPosition, exch exchange.Position, now time.Time) bool {
	r.applyExchangeFields(local, exch, now)

	if r.config.MarginWarnRatio <= 0 || local.MaintenanceMargin <= 0 {
		return false
	}
	if local.MarginRatio < r.config.MarginWarnRatio {
		if !local.marginWarned {
			local.marginWarned = true
			return true
		}
		return false
	}
	local.marginWarned = false
	return false
}

func (r *Reconciler) applyExchangeFields(local *LocalPosition, exch exchange.Position, now time.Time) {
	local.Quantity = exch.Quantity
	local.EntryPrice = exch.EntryPrice
	local.MarkPrice = exch.MarkPrice
	local.LiquidationPrice = exch.LiquidationPrice
	local.Margin = exch.Margin
	local.MaintenanceMargin = exch.MaintenanceMargin
	local.Equity = exch.Equity
	local.Leverage = exch.Leverage
	if exch.MaintenanceMargin > 0 {
		local.MarginRatio = exch.Equity / exch.MaintenanceMargin
	} else {
		local.MarginRatio = 0
	}
	local.Stale = false
	local.UpdatedAt = now
}

// ============================================================================
// FETCH WITH RETRY AND DEGRADED MODE
// ============================================================================

func (r *Reconciler) fetchPositions(ctx context.Context) ([]exchange.Position, error) {
	delay := r.config.FetchRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := r.clk.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
		positions, err := r.adapter.FetchPositions(fetchCtx)
		cancel()
		if err == nil {
			return positions, nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Position fetch failed")
	}
	return nil, fmt.Errorf("fetch positions: %w", lastErr)
}

func (r *Reconciler) recordFetchFailure(err error) {
	r.mu.Lock()
	r.failures++
	justDegraded := false
	if !r.degraded && r.failures >= r.config.DegradedAfter {
		r.degraded = true
		justDegraded = true
		// Last-known state is retained but flagged stale, never discarded.
		for _, pos := range r.ledger {
			if pos.Status == StatusOpen {
				pos.Stale = true
			}
		}
	}
	sessionID := r.sessionID
	failures := r.failures
	r.mu.Unlock()

	if justDegraded {
		r.logger.Error().Err(err).Int("consecutive_failures", failures).
			Msg("Position source degraded, retaining stale ledger")
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:      events.EventSourceDegraded,
				SessionID: sessionID,
				Timestamp: r.clk.Now(),
				Data: map[string]interface{}{
					"source":               "exchange_positions",
					"consecutive_failures": failures,
					"error":                err.Error(),
				},
			})
		}
	}
}

func (r *Reconciler) recordFetchSuccess() {
	r.mu.Lock()
	wasDegraded := r.degraded
	r.failures = 0
	r.degraded = false
	sessionID := r.sessionID
	r.mu.Unlock()

	if wasDegraded {
		r.logger.Info().Msg("Position source recovered")
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:      events.EventSourceRecovered,
				SessionID: sessionID,
				Timestamp: r.clk.Now(),
				Data:      map[string]interface{}{"source": "exchange_positions"},
			})
		}
	}
}

// ============================================================================
// FILL FEED FROM THE ORDER MANAGER
// ============================================================================

// RecordFill updates the ledger from a local fill without waiting for the
// next reconciliation pass. Entry fills open or grow the position; an
// opposite-side fill shrinks it and closes it at zero.
func (r *Reconciler) RecordFill(symbol string, side exchange.Side, qty, price float64) {
	if qty <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()

	local, ok := r.ledger[symbol]
	if !ok || local.Status != StatusOpen {
		r.ledger[symbol] = &LocalPosition{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: price,
			MarkPrice:  price,
			Status:     StatusOpen,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		r.snapshotLocked(context.Background())
		return
	}

	if local.Side == side {
		// Same-direction fill, average the entry.
		total := local.Quantity + qty
		local.EntryPrice = (local.EntryPrice*local.Quantity + price*qty) / total
		local.Quantity = total
	} else {
		local.Quantity -= qty
		if local.Quantity <= 0 {
			local.Quantity = 0
			local.Status = StatusClosed
		}
	}
	local.MarkPrice = price
	local.UpdatedAt = now
	r.snapshotLocked(context.Background())
}

// ============================================================================
// QUERIES
// ============================================================================

// Get returns a copy of the tracked position for the symbol.
func (r *Reconciler) Get(symbol string) (LocalPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.ledger[symbol]
	if !ok {
		return LocalPosition{}, false
	}
	return *local, true
}

// Open returns copies of all open positions.
func (r *Reconciler) Open() []LocalPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LocalPosition, 0, len(r.ledger))
	for _, local := range r.ledger {
		if local.Status == StatusOpen {
			out = append(out, *local)
		}
	}
	return out
}

// OpenExchangePositions adapts the open ledger to the exchange position
// shape the risk gate expects.
func (r *Reconciler) OpenExchangePositions() []exchange.Position {
	open := r.Open()
	out := make([]exchange.Position, 0, len(open))
	for _, local := range open {
		out = append(out, exchange.Position{
			Symbol:            local.Symbol,
			Side:              local.Side,
			Quantity:          local.Quantity,
			EntryPrice:        local.EntryPrice,
			MarkPrice:         local.MarkPrice,
			LiquidationPrice:  local.LiquidationPrice,
			Margin:            local.Margin,
			MaintenanceMargin: local.MaintenanceMargin,
			Equity:            local.Equity,
			Leverage:          local.Leverage,
		})
	}
	return out
}

// Degraded reports whether the position source is currently degraded.
func (r *Reconciler) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Reconciler) snapshotLocked(ctx context.Context) {
	for _, local := range r.ledger {
		cp := *local
		var err error
		if cp.Status == StatusOpen {
			err = r.snaps.Save(ctx, &cp)
		} else {
			err = r.snaps.Remove(ctx, cp.Symbol)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("symbol", cp.Symbol).Msg("Position snapshot write failed")
		}
	}
}

func (r *Reconciler) publish(eventType events.EventType, sessionID string, local *LocalPosition) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Symbol:    local.Symbol,
		Timestamp: r.clk.Now(),
		Data: map[string]interface{}{
			"side":         string(local.Side),
			"quantity":     local.Quantity,
			"entry_price":  local.EntryPrice,
			"mark_price":   local.MarkPrice,
			"margin_ratio": local.MarginRatio,
			"status":       string(local.Status),
		},
	})
}
