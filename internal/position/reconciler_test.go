package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/clock"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
)

// closeCheckerFunc adapts a function to the CloseChecker contract.
type closeCheckerFunc func(symbol string, side exchange.Side, openedAt time.Time) bool

func (f closeCheckerFunc) HasCompletedClose(symbol string, side exchange.Side, openedAt time.Time) bool {
	return f(symbol, side, openedAt)
}

var noCloses = closeCheckerFunc(func(string, exchange.Side, time.Time) bool { return false })

type reconFixture struct {
	recon   *Reconciler
	adapter *exchange.MockAdapter
	clk     *clock.Fake
	bus     *events.Bus
	alerts  chan events.Event
}

func newReconFixture(t *testing.T, closes CloseChecker) *reconFixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	adapter := exchange.NewMockAdapter()
	bus := events.NewBus()
	alerts := make(chan events.Event, 16)
	bus.Subscribe(events.EventRiskAlert, func(e events.Event) { alerts <- e })

	recon, err := NewReconciler(Config{
		Interval:        10 * time.Second,
		FetchTimeout:    time.Second,
		FetchRetries:    0,
		DegradedAfter:   2,
		MarginWarnRatio: 1.5,
	}, adapter, closes, nil, bus, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return &reconFixture{recon: recon, adapter: adapter, clk: clk, bus: bus, alerts: alerts}
}

func waitAlert(t *testing.T, alerts chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-alerts:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected a risk_alert event")
		return events.Event{}
	}
}

func assertNoAlert(t *testing.T, alerts chan events.Event) {
	t.Helper()
	select {
	case e := <-alerts:
		t.Fatalf("unexpected risk_alert: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestLiquidationDetectedExactlyOnce verifies a vanished position with no
// local close order is classified LIQUIDATED with a single risk alert, and
// that a repeated pass with no changes reports the same state without a
// duplicate alert.
func TestLiquidationDetectedExactlyOnce(t *testing.T) {
	f := newReconFixture(t, noCloses)

	liquidations := make(chan LocalPosition, 4)
	f.recon.OnLiquidation(func(symbol string, pos LocalPosition) { liquidations <- pos })

	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 50000)
	// Exchange reports nothing for the symbol.
	f.adapter.SetPositions(nil)

	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}

	pos, ok := f.recon.Get("BTCUSDT")
	if !ok {
		t.Fatal("position dropped from the ledger")
	}
	if pos.Status != StatusLiquidated {
		t.Fatalf("expected LIQUIDATED, got %s", pos.Status)
	}

	alert := waitAlert(t, f.alerts)
	if alert.Symbol != "BTCUSDT" {
		t.Errorf("alert for wrong symbol: %s", alert.Symbol)
	}

	select {
	case <-liquidations:
	case <-time.After(time.Second):
		t.Fatal("liquidation callback never fired")
	}

	// Idempotence: a second unchanged pass neither re-alerts nor mutates.
	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("second ReconcileOnce failed: %v", err)
	}
	again, _ := f.recon.Get("BTCUSDT")
	if again.Status != StatusLiquidated {
		t.Errorf("second pass changed status to %s", again.Status)
	}
	assertNoAlert(t, f.alerts)
	select {
	case <-liquidations:
		t.Error("liquidation callback fired twice for the same position")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestLocalCloseIsNotLiquidation verifies a completed local close order
// classifies the disappearance as a normal close.
func TestLocalCloseIsNotLiquidation(t *testing.T) {
	closes := closeCheckerFunc(func(symbol string, side exchange.Side, openedAt time.Time) bool {
		return symbol == "BTCUSDT" && side == exchange.SideBuy
	})
	f := newReconFixture(t, closes)

	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 50000)
	f.adapter.SetPositions(nil)

	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}

	pos, _ := f.recon.Get("BTCUSDT")
	if pos.Status != StatusClosed {
		t.Errorf("expected CLOSED, got %s", pos.Status)
	}
	assertNoAlert(t, f.alerts)
}

// TestStaleCloseDoesNotMaskLiquidation verifies a close fill completed
// before the current position opened cannot classify its disappearance as a
// normal close: the checker is asked with the position's open time and a
// negative answer means liquidation.
func TestStaleCloseDoesNotMaskLiquidation(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var askedOpenedAt time.Time
	closes := closeCheckerFunc(func(symbol string, side exchange.Side, openedAt time.Time) bool {
		askedOpenedAt = openedAt
		// A sell fill from the previous cycle, completed a minute before
		// this position opened.
		staleFillAt := base.Add(-time.Minute)
		return !staleFillAt.Before(openedAt)
	})
	f := newReconFixture(t, closes)

	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 50000)
	f.adapter.SetPositions(nil)

	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}

	pos, _ := f.recon.Get("BTCUSDT")
	if pos.Status != StatusLiquidated {
		t.Fatalf("stale close masked the liquidation, status is %s", pos.Status)
	}
	if !askedOpenedAt.Equal(pos.OpenedAt) {
		t.Errorf("checker asked with %v, position opened at %v", askedOpenedAt, pos.OpenedAt)
	}
	waitAlert(t, f.alerts)
}

// TestExternalOpenDetected verifies an exchange position missing locally is
// adopted and announced.
func TestExternalOpenDetected(t *testing.T) {
	f := newReconFixture(t, noCloses)

	detected := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventPositionDetected, func(e events.Event) { detected <- e })

	f.adapter.SetPositions([]exchange.Position{{
		Symbol:            "ETHUSDT",
		Side:              exchange.SideSell,
		Quantity:          2,
		EntryPrice:        3000,
		MarkPrice:         2990,
		MaintenanceMargin: 100,
		Equity:            600,
	}})

	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}

	pos, ok := f.recon.Get("ETHUSDT")
	if !ok {
		t.Fatal("external position not adopted")
	}
	if pos.Status != StatusOpen || pos.Side != exchange.SideSell || pos.Quantity != 2 {
		t.Errorf("adopted position wrong: %+v", pos)
	}
	if pos.MarginRatio != 6 {
		t.Errorf("margin ratio not computed: %v", pos.MarginRatio)
	}

	select {
	case <-detected:
	case <-time.After(time.Second):
		t.Error("no position_detected event published")
	}
}

// TestMarginWarningOnThresholdCrossing verifies the alert fires on the
// crossing, not on every pass below the threshold.
func TestMarginWarningOnThresholdCrossing(t *testing.T) {
	f := newReconFixture(t, noCloses)

	healthy := exchange.Position{
		Symbol:            "BTCUSDT",
		Side:              exchange.SideBuy,
		Quantity:          1,
		EntryPrice:        50000,
		MarkPrice:         50000,
		MaintenanceMargin: 100,
		Equity:            500, // ratio 5.0
	}
	f.adapter.SetPositions([]exchange.Position{healthy})
	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	assertNoAlert(t, f.alerts)

	// Equity erodes below the 1.5 warning ratio.
	stressed := healthy
	stressed.Equity = 120 // ratio 1.2
	f.adapter.SetPositions([]exchange.Position{stressed})
	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	waitAlert(t, f.alerts)

	// Still below threshold: no repeat alert, and no state transition
	// either, the position stays OPEN.
	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	assertNoAlert(t, f.alerts)
	pos, _ := f.recon.Get("BTCUSDT")
	if pos.Status != StatusOpen {
		t.Errorf("margin warning transitioned the position to %s", pos.Status)
	}

	// Recovery re-arms the warning.
	f.adapter.SetPositions([]exchange.Position{healthy})
	f.recon.ReconcileOnce(context.Background())
	assertNoAlert(t, f.alerts)
	f.adapter.SetPositions([]exchange.Position{stressed})
	f.recon.ReconcileOnce(context.Background())
	waitAlert(t, f.alerts)
}

// TestDegradedModeRetainsStaleState verifies repeated fetch failures mark
// the source degraded while the last-known ledger is kept and flagged.
func TestDegradedModeRetainsStaleState(t *testing.T) {
	f := newReconFixture(t, noCloses)

	degraded := make(chan events.Event, 1)
	recovered := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventSourceDegraded, func(e events.Event) { degraded <- e })
	f.bus.Subscribe(events.EventSourceRecovered, func(e events.Event) { recovered <- e })

	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 50000)

	f.adapter.FetchFn = func() ([]exchange.Position, error) {
		return nil, errors.New("exchange unavailable")
	}

	if err := f.recon.ReconcileOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if f.recon.Degraded() {
		t.Fatal("degraded after a single failure, threshold is 2")
	}

	f.recon.ReconcileOnce(context.Background())
	if !f.recon.Degraded() {
		t.Fatal("not degraded after consecutive failures")
	}
	select {
	case <-degraded:
	case <-time.After(time.Second):
		t.Error("no source_degraded event published")
	}

	pos, ok := f.recon.Get("BTCUSDT")
	if !ok {
		t.Fatal("degraded mode discarded the ledger")
	}
	if !pos.Stale {
		t.Error("retained position not flagged stale")
	}
	if pos.Status != StatusOpen {
		t.Errorf("degraded mode changed status to %s", pos.Status)
	}

	// Recovery: fetch succeeds again and reports the position.
	f.adapter.FetchFn = nil
	f.adapter.SetPositions([]exchange.Position{{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1,
		EntryPrice: 50000, MarkPrice: 50100, MaintenanceMargin: 100, Equity: 500,
	}})
	if err := f.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed after recovery: %v", err)
	}
	if f.recon.Degraded() {
		t.Error("still degraded after a successful pass")
	}
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Error("no source_recovered event published")
	}
	pos, _ = f.recon.Get("BTCUSDT")
	if pos.Stale {
		t.Error("stale flag not cleared after recovery")
	}
}

// TestRecordFillLifecycle covers open, scale-in averaging and close-out.
func TestRecordFillLifecycle(t *testing.T) {
	f := newReconFixture(t, noCloses)

	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 100)
	f.recon.RecordFill("BTCUSDT", exchange.SideBuy, 1, 110)

	pos, _ := f.recon.Get("BTCUSDT")
	if pos.Quantity != 2 {
		t.Errorf("expected quantity 2, got %v", pos.Quantity)
	}
	if pos.EntryPrice != 105 {
		t.Errorf("expected averaged entry 105, got %v", pos.EntryPrice)
	}

	f.recon.RecordFill("BTCUSDT", exchange.SideSell, 2, 120)
	pos, _ = f.recon.Get("BTCUSDT")
	if pos.Status != StatusClosed || pos.Quantity != 0 {
		t.Errorf("close-out fill left %+v", pos)
	}

	open := f.recon.Open()
	if len(open) != 0 {
		t.Errorf("closed position still listed as open: %+v", open)
	}
}
